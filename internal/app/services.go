package app

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/noah-isme/backend-farmstay/internal/booking"
	"github.com/noah-isme/backend-farmstay/internal/config"
	"github.com/noah-isme/backend-farmstay/internal/events"
	"github.com/noah-isme/backend-farmstay/internal/lock"
	"github.com/noah-isme/backend-farmstay/internal/notify"
	"github.com/noah-isme/backend-farmstay/internal/payment"
	"github.com/noah-isme/backend-farmstay/internal/queue"
	"github.com/noah-isme/backend-farmstay/internal/repo"
	"github.com/noah-isme/backend-farmstay/internal/routing"
	"github.com/noah-isme/backend-farmstay/internal/signature"
)

// Services is the wired domain graph shared by cmd/api and cmd/worker.
type Services struct {
	Bookings *booking.Service
	Payments *payment.Service
	Sweeper  *payment.Sweeper
	Registry *payment.Registry
	Router   *routing.Router
	Signer   *signature.AmountSigner
	Locker   lock.Locker
	Bus      *events.Bus
	Queue    queue.Enqueuer
	DLQ      queue.Store
	Outbox   *notify.Outbox

	kafka *kafka.Writer
}

// Build wires stores, providers and services from configuration.
func Build(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, logger zerolog.Logger) (*Services, error) {
	rc, err := routing.FromConfig(cfg.Routing)
	if err != nil {
		return nil, err
	}
	router, err := routing.NewRouter(rc)
	if err != nil {
		return nil, fmt.Errorf("routing rules: %w", err)
	}
	registry, err := NewRegistry(cfg.Providers, cfg.Payment.ProviderTimeout, logger)
	if err != nil {
		return nil, err
	}

	locker := lock.Locker{R: rdb, Prefix: "lock:", Scope: "booking"}
	enqueuer := queue.Enqueuer{
		R:           rdb,
		Prefix:      cfg.Queue.Prefix,
		DedupTTL:    cfg.Queue.DedupTTL,
		MaxAttempts: cfg.Queue.MaxAttempts,
	}
	outbox := &notify.Outbox{Queue: enqueuer, MaxAttempts: cfg.Queue.MaxAttempts, Logger: logger}

	bus := &events.Bus{Store: repo.NewEventStore(pool)}
	var writer *kafka.Writer
	if len(cfg.Kafka.Brokers) > 0 {
		writer = events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		bus.Publisher = &events.KafkaPublisher{Writer: writer}
	}

	bookings := &booking.Service{
		Store:   repo.NewBookingStore(pool),
		Locker:  locker,
		LockTTL: cfg.LockTTL,
		Logger:  logger.With().Str("component", "booking").Logger(),
	}
	payments := &payment.Service{
		Store:                  repo.NewPaymentStore(pool),
		Providers:              registry,
		Router:                 router,
		Locker:                 locker,
		LockTTL:                cfg.LockTTL,
		Rooms:                  bookings,
		Notifier:               outbox,
		Events:                 bus,
		IntentTTL:              cfg.Payment.IntentTTL,
		ProviderTimeout:        cfg.Payment.ProviderTimeout,
		RedirectBaseURL:        cfg.Payment.RedirectBaseURL,
		WebhookBaseURL:         cfg.Payment.WebhookBaseURL,
		ExpireBookingOnTimeout: cfg.Payment.ExpireBookingOnTimeout,
		Logger:                 logger.With().Str("component", "payment").Logger(),
	}

	return &Services{
		Bookings: bookings,
		Payments: payments,
		Sweeper: &payment.Sweeper{
			Svc:       payments,
			BatchSize: cfg.Payment.SweepBatchSize,
			HoldTTL:   cfg.Payment.BookingHoldTTL,
		},
		Registry: registry,
		Router:   router,
		Signer: &signature.AmountSigner{
			Secret:    []byte(cfg.Payment.TamperSecret),
			Tolerance: cfg.Payment.TamperTolerance,
		},
		Locker: locker,
		Bus:    bus,
		Queue:  enqueuer,
		DLQ:    queue.NewStore(pool),
		Outbox: outbox,
		kafka:  writer,
	}, nil
}

// Close flushes the event stream writer.
func (s *Services) Close() error {
	if s == nil || s.kafka == nil {
		return nil
	}
	return s.kafka.Close()
}
