package queue_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-farmstay/internal/queue"
)

func runWorker(t *testing.T, ctx context.Context, w queue.Worker) <-chan struct{} {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	return done
}

func TestWorkerDeliversConfirmationEmail(t *testing.T) {
	_, client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enq := queue.Enqueuer{R: client, Prefix: "farm"}
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: emailKind, Payload: []byte(`{"booking":"b-1"}`), IdempotencyKey: "booking-confirmed:b-1"}))

	delivered := make(chan queue.Task, 1)
	done := runWorker(t, ctx, queue.Worker{
		R:                 client,
		Prefix:            "farm",
		Kind:              emailKind,
		VisibilityTimeout: time.Second,
		Logger:            quietLogger(),
		Handler: func(_ context.Context, task queue.Task) error {
			delivered <- task
			return nil
		},
	})

	select {
	case task := <-delivered:
		require.JSONEq(t, `{"booking":"b-1"}`, string(task.Payload))
		require.Equal(t, 1, task.Attempt)
		require.Equal(t, "booking-confirmed:b-1", task.IdempotencyKey)
	case <-time.After(time.Second):
		t.Fatal("confirmation email was not delivered")
	}
	cancel()
	<-done

	exists, err := client.Exists(context.Background(), "farm:dedup:notify-email:booking-confirmed:b-1").Result()
	require.NoError(t, err)
	require.Zero(t, exists, "dedup key is released once delivered")
}

func TestEnqueueDeduplicatesByKey(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()
	enq := queue.Enqueuer{R: client, Prefix: "farm", DedupTTL: time.Minute}

	for i := 0; i < 3; i++ {
		require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: emailKind, Payload: []byte("x"), IdempotencyKey: "payment-receipt:p-9"}))
	}
	depth, err := client.ZCard(ctx, "farm:queue:notify-email").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), depth)
}

func TestEnqueueRejectsBadKind(t *testing.T) {
	_, client := newRedis(t)
	enq := queue.Enqueuer{R: client}
	require.Error(t, enq.Enqueue(context.Background(), queue.Task{Kind: "Notify Email"}))
	require.Error(t, enq.Enqueue(context.Background(), queue.Task{}))
	require.Error(t, queue.Enqueuer{}.Enqueue(context.Background(), queue.Task{Kind: emailKind}))
}

func TestWorkerRetriesFailedDelivery(t *testing.T) {
	_, client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enq := queue.Enqueuer{R: client, Prefix: "retry"}
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: emailKind, Payload: []byte("retry"), IdempotencyKey: "r1", MaxAttempts: 3}))

	var calls atomic.Int32
	seen := make(chan int, 3)
	done := runWorker(t, ctx, queue.Worker{
		R:                 client,
		Prefix:            "retry",
		Kind:              emailKind,
		VisibilityTimeout: time.Second,
		RetryBase:         5 * time.Millisecond,
		RetryJitter:       0.1,
		Logger:            quietLogger(),
		Handler: func(_ context.Context, task queue.Task) error {
			seen <- task.Attempt
			if calls.Add(1) == 1 {
				return errors.New("smtp: 421 try again later")
			}
			return nil
		},
	})

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
	require.Equal(t, 1, <-seen)
	require.Equal(t, 2, <-seen)
}

func TestWorkerDeadLettersAfterMaxAttempts(t *testing.T) {
	_, client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryStore()
	enq := queue.Enqueuer{R: client, Prefix: "dlq", MaxAttempts: 2}
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: emailKind, Payload: []byte("body"), IdempotencyKey: "dlq1"}))

	done := runWorker(t, ctx, queue.Worker{
		R:                 client,
		Prefix:            "dlq",
		Kind:              emailKind,
		VisibilityTimeout: 200 * time.Millisecond,
		RetryBase:         10 * time.Millisecond,
		Store:             store,
		Logger:            quietLogger(),
		Handler: func(context.Context, queue.Task) error {
			return errors.New("mailbox unavailable")
		},
	})

	require.Eventually(t, func() bool { return len(store.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	entry := store.all()[0]
	require.Equal(t, emailKind, entry.Kind)
	require.Equal(t, "dlq1", entry.IdempotencyKey)
	require.Equal(t, 2, entry.Attempts)
	require.NotNil(t, entry.LastError)
	require.Equal(t, "mailbox unavailable", *entry.LastError)
	require.NotEmpty(t, entry.Payload)
}

func TestWorkerPermanentErrorSkipsRetries(t *testing.T) {
	_, client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryStore()
	enq := queue.Enqueuer{R: client, Prefix: "perm", MaxAttempts: 5}
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: emailKind, Payload: []byte("{"), IdempotencyKey: "bad"}))

	var calls atomic.Int32
	done := runWorker(t, ctx, queue.Worker{
		R:                 client,
		Prefix:            "perm",
		Kind:              emailKind,
		VisibilityTimeout: time.Second,
		RetryBase:         5 * time.Millisecond,
		Store:             store,
		Logger:            quietLogger(),
		Handler: func(context.Context, queue.Task) error {
			calls.Add(1)
			return queue.Permanent(errors.New("decode email task: unexpected EOF"))
		},
	})

	require.Eventually(t, func() bool { return len(store.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, 1, store.all()[0].Attempts)
}

func TestPermanentWrapping(t *testing.T) {
	require.NoError(t, queue.Permanent(nil))

	base := errors.New("recipient rejected")
	err := fmt.Errorf("deliver: %w", queue.Permanent(base))
	require.True(t, queue.IsPermanent(err))
	require.ErrorIs(t, err, base)
	require.False(t, queue.IsPermanent(base))
}

func TestWorkerSoftDeadlineCountsAsAttempt(t *testing.T) {
	_, client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	enq := queue.Enqueuer{R: client, Prefix: "vis", DedupTTL: time.Minute}
	attempts := make(chan int, 2)
	done := runWorker(t, ctx, queue.Worker{
		R:                 client,
		Prefix:            "vis",
		Kind:              emailKind,
		VisibilityTimeout: 150 * time.Millisecond,
		SoftDeadline:      80 * time.Millisecond,
		RetryBase:         20 * time.Millisecond,
		Store:             newMemoryStore(),
		Logger:            quietLogger(),
		Handler: func(jobCtx context.Context, task queue.Task) error {
			attempts <- task.Attempt
			if task.Attempt == 1 {
				<-jobCtx.Done()
				return jobCtx.Err()
			}
			return nil
		},
	})

	require.NoError(t, enq.Enqueue(context.Background(), queue.Task{Kind: emailKind, Payload: []byte("payload"), IdempotencyKey: "a1", MaxAttempts: 3}))
	require.Eventually(t, func() bool { return len(attempts) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	require.Equal(t, 1, <-attempts)
	require.Equal(t, 2, <-attempts)
	depth, err := client.ZCard(context.Background(), "vis:queue:notify-email").Result()
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestWorkerReclaimsExpiredClaimOnce(t *testing.T) {
	_, client := newRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := newMemoryStore()
	enq := queue.Enqueuer{R: client, Prefix: "reclaim"}
	require.NoError(t, enq.Enqueue(ctx, queue.Task{Kind: emailKind, Payload: []byte("slow"), IdempotencyKey: "slow-1", MaxAttempts: 3}))

	unblock := make(chan struct{})
	var calls atomic.Int32
	attempts := make(chan int, 3)
	done := runWorker(t, ctx, queue.Worker{
		R:                 client,
		Prefix:            "reclaim",
		Kind:              emailKind,
		Concurrency:       2,
		VisibilityTimeout: 100 * time.Millisecond,
		RetryBase:         5 * time.Millisecond,
		Store:             store,
		Logger:            quietLogger(),
		Handler: func(_ context.Context, task queue.Task) error {
			attempts <- task.Attempt
			if calls.Add(1) == 1 {
				<-unblock
				return errors.New("stale delivery failed late")
			}
			return nil
		},
	})

	require.Eventually(t, func() bool { return calls.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	close(unblock)
	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	require.Equal(t, int32(2), calls.Load(), "late failure of a reclaimed claim must not schedule a retry")
	require.Equal(t, 1, <-attempts)
	require.Equal(t, 2, <-attempts, "the expired delivery is charged")
	require.Empty(t, store.all())

	bg := context.Background()
	ready, err := client.ZCard(bg, "reclaim:queue:notify-email").Result()
	require.NoError(t, err)
	require.Zero(t, ready)
	inflight, err := client.ZCard(bg, "reclaim:notify-email:processing").Result()
	require.NoError(t, err)
	require.Zero(t, inflight)
}
