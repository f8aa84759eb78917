// Package jobs schedules periodic maintenance on asynq.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/noah-isme/backend-farmstay/internal/payment"
)

const (
	// TypeExpirySweep is the asynq task type of the payment expiry sweep.
	TypeExpirySweep = "payment:expiry-sweep"
	// QueueMaintenance carries scheduled jobs apart from any other asynq traffic.
	QueueMaintenance = "maintenance"
)

// Sweeper runs one expiry pass. *payment.Sweeper satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context) (payment.SweepResult, error)
}

// NewExpirySweepTask builds the scheduled task. Runs never retry: the next
// tick is the retry. Unique keeps a slow pass from overlapping the next one.
func NewExpirySweepTask(interval time.Duration) *asynq.Task {
	return asynq.NewTask(TypeExpirySweep, nil,
		asynq.Queue(QueueMaintenance),
		asynq.MaxRetry(0),
		asynq.Timeout(interval),
		asynq.Unique(interval),
	)
}

// Schedule registers the sweep on s every interval.
func Schedule(s *asynq.Scheduler, interval time.Duration) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("jobs: sweep interval must be positive, got %s", interval)
	}
	return s.Register(fmt.Sprintf("@every %s", interval), NewExpirySweepTask(interval))
}

// SweepHandler processes TypeExpirySweep tasks.
type SweepHandler struct {
	Sweeper Sweeper
	Logger  zerolog.Logger

	runs metric.Int64Counter
}

// NewSweepHandler wires the handler with an OpenTelemetry run counter.
func NewSweepHandler(s Sweeper, logger zerolog.Logger) (*SweepHandler, error) {
	runs, err := otel.Meter("farmstay.jobs").Int64Counter("sweeper_runs_total",
		metric.WithDescription("Expiry sweep runs by result."))
	if err != nil {
		return nil, err
	}
	return &SweepHandler{Sweeper: s, Logger: logger, runs: runs}, nil
}

// ProcessTask implements asynq.Handler.
func (h *SweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	start := time.Now()
	res, err := h.Sweeper.Sweep(ctx)
	result := "ok"
	if err != nil {
		result = "error"
	}
	if h.runs != nil {
		h.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
	if err != nil {
		h.Logger.Error().Err(err).Str("task", t.Type()).Msg("expiry sweep failed")
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if res.Payments > 0 || res.Bookings > 0 || res.Skipped > 0 {
		summary, _ := json.Marshal(res)
		h.Logger.Info().RawJSON("result", summary).Dur("took", time.Since(start)).Msg("expiry sweep")
	}
	return nil
}

// NewServeMux routes maintenance task types to their handlers.
func NewServeMux(sweep *SweepHandler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeExpirySweep, sweep)
	return mux
}
