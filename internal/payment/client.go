package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/backend-farmstay/internal/obs"
	"github.com/noah-isme/backend-farmstay/internal/resilience"
)

const maxProviderResponse = 1 << 20

// Doer sends provider requests. resilience.HTTPClient satisfies it.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// NewHTTPClient builds the traced, breaker-guarded client adapters share.
func NewHTTPClient(breaker *resilience.Breaker, timeout time.Duration) resilience.HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return resilience.HTTPClient{
		Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Breaker:     breaker,
		BaseBackoff: 200 * time.Millisecond,
		MaxAttempts: 3,
		Jitter:      0.2,
		Timeout:     timeout,
	}
}

// roundTrip sends req and decodes a JSON response into out. Failures come back
// as *ProviderError; breaker rejections, 5xx, 429 and network errors are transient.
func roundTrip(ctx context.Context, client Doer, name ProviderName, op string, req *http.Request, out any) ([]byte, error) {
	if client == nil {
		return nil, &ProviderError{Provider: name, Op: op, Err: errors.New("http client not configured")}
	}
	start := time.Now()
	resp, err := client.Do(ctx, req)
	obs.Observe(obs.ProviderLatency, obs.DurationMillis(time.Since(start)), name.Slug(), op)
	if err != nil {
		return nil, &ProviderError{Provider: name, Op: op, Transient: transientErr(err), Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponse))
	if err != nil {
		return nil, &ProviderError{Provider: name, Op: op, Transient: true, Err: err}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return body, &ProviderError{
			Provider:  name,
			Op:        op,
			Transient: resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, truncate(body, 256)),
		}
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return body, &ProviderError{Provider: name, Op: op, Err: fmt.Errorf("decode response: %w", err)}
		}
	}
	return body, nil
}

func transientErr(err error) bool {
	if errors.Is(err, resilience.ErrOpenCircuit) || errors.Is(err, resilience.ErrUpstream) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
