package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-farmstay/internal/resilience"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *clock { return &clock{t: time.Date(2025, 12, 20, 10, 0, 0, 0, time.UTC)} }

func TestBreakerTransitions(t *testing.T) {
	c := newClock()
	breaker := resilience.NewBreaker(2, 0.5, 30*time.Second).WithClock(c.Now)
	ctx := context.Background()

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)

	require.False(t, breaker.Allow(ctx), "breaker should open after threshold exceeded")

	c.Advance(30 * time.Second)
	require.True(t, breaker.Allow(ctx), "breaker should move to half-open after cool off")
	breaker.Report(ctx, true)
	require.Equal(t, resilience.Closed, breaker.State())
	require.True(t, breaker.Allow(ctx))
}

func TestBreakerAdmitsOneProbe(t *testing.T) {
	c := newClock()
	breaker := resilience.NewBreaker(1, 0.5, 10*time.Second).WithClock(c.Now)
	ctx := context.Background()

	breaker.Report(ctx, false)
	c.Advance(10 * time.Second)

	require.True(t, breaker.Allow(ctx))
	require.False(t, breaker.Allow(ctx), "second caller must wait for the probe")

	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
	require.False(t, breaker.Allow(ctx))
}

func TestBreakerAbandonedProbeIsReplaced(t *testing.T) {
	c := newClock()
	breaker := resilience.NewBreaker(1, 0.5, 10*time.Second).WithClock(c.Now)
	ctx := context.Background()

	breaker.Report(ctx, false)
	c.Advance(10 * time.Second)
	require.True(t, breaker.Allow(ctx))

	// the probe never reports back
	c.Advance(10 * time.Second)
	require.True(t, breaker.Allow(ctx))
}

func TestBreakerRollingWindowForgetsOldFailures(t *testing.T) {
	breaker := resilience.NewBreaker(2, 0.75, time.Minute)
	ctx := context.Background()

	breaker.Report(ctx, false)
	breaker.Report(ctx, true)
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Closed, breaker.State(), "2 of 3 is below 0.75")

	// the window holds four outcomes; the oldest failure rolls out
	breaker.Report(ctx, true)
	breaker.Report(ctx, true)
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Closed, breaker.State())

	breaker.Report(ctx, false)
	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
}

func TestBackoffWithJitter(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, resilience.Backoff(base, 1, 0))
	require.Equal(t, base*4, resilience.Backoff(base, 3, 0))
	require.Equal(t, base, resilience.Backoff(base, 0, 0))
	require.Equal(t, resilience.MaxBackoff, resilience.Backoff(time.Second, 80, 0), "large attempts stay capped")

	d := resilience.Backoff(base, 2, 0.2)
	require.GreaterOrEqual(t, d, base*2-(base*2/5))
	require.LessOrEqual(t, d, base*2+(base*2/5))
}

func TestBreakerHealth(t *testing.T) {
	c := newClock()
	breaker := resilience.NewBreaker(1, 0.5, 30*time.Second).WithClock(c.Now)
	ctx := context.Background()
	require.Equal(t, 1.0, breaker.Health())

	breaker.Report(ctx, false)
	require.Equal(t, resilience.Open, breaker.State())
	require.Equal(t, 0.0, breaker.Health())

	c.Advance(30 * time.Second)
	require.Equal(t, 0.5, breaker.Health())
}
