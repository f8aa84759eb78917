package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/backend-farmstay/internal/app"
	"github.com/noah-isme/backend-farmstay/internal/config"
	"github.com/noah-isme/backend-farmstay/internal/jobs"
	"github.com/noah-isme/backend-farmstay/internal/notify"
	"github.com/noah-isme/backend-farmstay/internal/obs"
	"github.com/noah-isme/backend-farmstay/internal/queue"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics(envOrDefault("OBS_METRICS_NAMESPACE", "farmstay"), nil)

	shutdownTracer, err := obs.InitTracer(context.Background(), obs.TracingConfig{
		ServiceName:   "farmstay-worker",
		Version:       version,
		Endpoint:      cfg.OTLPEndpoint,
		SamplingRatio: cfg.TraceSampleRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
	} else {
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	pool, err := app.OpenPostgres(initCtx, cfg, "farmstay-worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()

	redisClient, err := app.OpenRedis(initCtx, cfg.RedisURL, false, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("open redis")
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	svcs, err := app.Build(cfg, pool, redisClient, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("wire services")
	}
	defer func() { _ = svcs.Close() }()

	var mailer notify.Mailer = &notify.SMTPSender{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}
	if cfg.SMTP.Host == "" {
		logger.Warn().Msg("SMTP_HOST not set, guest emails are kept in memory")
		mailer = &notify.MemoryMailer{}
	}
	delivery := notify.DeliveryWorker{
		Mail:    mailer,
		Locker:  svcs.Locker,
		LockTTL: cfg.LockTTL,
		Guard:   notify.RedisSentGuard{Client: redisClient, Prefix: cfg.Queue.Prefix + ":sent", TTL: cfg.Queue.DedupTTL},
		Logger:  logger,
	}
	emailWorker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.Queue.Prefix,
		Kind:              notify.EmailTaskKind,
		Concurrency:       envInt("QUEUE_CONCURRENCY_EMAIL", 4),
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		SoftDeadline:      cfg.Queue.VisibilityTimeout / 2,
		RetryBase:         time.Second,
		RetryJitter:       0.2,
		Store:             svcs.DLQ,
		Logger:            &logger,
		Handler:           delivery.Handle,
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse asynq redis uri")
	}
	sweepHandler, err := jobs.NewSweepHandler(svcs.Sweeper, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise sweep handler")
	}
	jobServer := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     1,
		Queues:          map[string]int{jobs.QueueMaintenance: 1},
		ShutdownTimeout: 20 * time.Second,
		LogLevel:        asynq.WarnLevel,
	})
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Location: time.UTC, LogLevel: asynq.WarnLevel})
	entryID, err := jobs.Schedule(scheduler, cfg.Payment.SweepInterval)
	if err != nil {
		logger.Fatal().Err(err).Msg("schedule expiry sweep")
	}

	if err := jobServer.Start(jobs.NewServeMux(sweepHandler)); err != nil {
		logger.Fatal().Err(err).Msg("start job server")
	}
	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	logger.Info().Str("entry", entryID).Dur("interval", cfg.Payment.SweepInterval).Msg("expiry sweep scheduled")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return emailWorker.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		scheduler.Shutdown()
		jobServer.Shutdown()
		return nil
	})

	logger.Info().Msg("worker starting")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok {
		if parsed, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
			return parsed
		}
	}
	return fallback
}
