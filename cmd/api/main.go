package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"

	"github.com/noah-isme/backend-farmstay/internal/app"
	"github.com/noah-isme/backend-farmstay/internal/audit"
	"github.com/noah-isme/backend-farmstay/internal/auth"
	"github.com/noah-isme/backend-farmstay/internal/booking"
	"github.com/noah-isme/backend-farmstay/internal/common"
	"github.com/noah-isme/backend-farmstay/internal/config"
	"github.com/noah-isme/backend-farmstay/internal/health"
	apimw "github.com/noah-isme/backend-farmstay/internal/http/middleware"
	"github.com/noah-isme/backend-farmstay/internal/obs"
	"github.com/noah-isme/backend-farmstay/internal/payment"
	"github.com/noah-isme/backend-farmstay/internal/queue"
	"github.com/noah-isme/backend-farmstay/internal/ratelimit"
	"github.com/noah-isme/backend-farmstay/internal/security"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	metricsNamespace := envOrDefault("OBS_METRICS_NAMESPACE", "farmstay")
	metricsEnabled := envBool("OBS_ENABLE_PROMETHEUS", true)
	obs.MustRegisterDomainMetrics(metricsNamespace, nil)

	tracingEnabled := envBool("OBS_ENABLE_TRACING", true)
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "farmstay-api",
			Version:       version,
			Endpoint:      cfg.OTLPEndpoint,
			SamplingRatio: cfg.TraceSampleRatio,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := app.OpenPostgres(ctx, cfg, "farmstay-api")
	if err != nil {
		logger.Fatal().Err(err).Msg("open database")
	}
	defer pool.Close()

	if envBool("MIGRATE_ON_START", false) {
		m, err := app.NewMigrate(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("init migrations")
		}
		if err := app.RunMigrations(m); err != nil {
			logger.Fatal().Err(err).Msg("apply migrations")
		}
		_, _ = m.Close()
	}

	redisClient, err := app.OpenRedis(ctx, cfg.RedisURL, metricsEnabled, logger)
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
	defer func() {
		if err := svcs.Close(); err != nil {
			logger.Error().Err(err).Msg("close event stream")
		}
	}()

	bookingHandler := &booking.Handler{Svc: svcs.Bookings, Signer: svcs.Signer}
	paymentHandler := &payment.Handler{
		Svc:                    svcs.Payments,
		Signer:                 svcs.Signer,
		RequireAmountSignature: cfg.Payment.RequireAmountSignature,
	}
	webhookHandler := &payment.WebhookHandler{Svc: svcs.Payments, Logger: logger.With().Str("component", "webhook").Logger()}
	queueAdmin := &queue.AdminHandler{
		Store:             svcs.DLQ,
		Queue:             svcs.Queue,
		Logger:            logger,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	}

	auditStore := audit.NewStore(pool)
	auditRec := audit.HTTPRecorder{
		Service: &audit.Service{Store: auditStore, Enabled: cfg.Admin.AuditEnabled, SamplingRate: cfg.Admin.AuditSampleRate},
		OnError: func(err error) { logger.Warn().Err(err).Msg("audit record failed") },
	}
	auditHandler := audit.Handler{Store: auditStore}

	var adminAuth auth.Middleware
	if cfg.Admin.JWTSecret != "" {
		verifier, err := auth.NewVerifier(cfg.Admin.JWTSecret, cfg.Admin.Issuer, cfg.Admin.Audience)
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise admin auth")
		}
		adminAuth = auth.Middleware{Verifier: verifier, Logger: logger}
	} else {
		logger.Warn().Msg("ADMIN_JWT_SECRET not set; admin routes disabled")
		adminAuth = auth.Middleware{Logger: logger}
	}

	idem := common.Idem{R: redisClient, TTL: 24 * time.Hour, Prefix: "idem:farmstay"}
	createLimit := ratelimit.Handler{
		Limiter: ratelimit.Limiter{Client: redisClient, Prefix: "ratelimit:"},
		Config: ratelimit.Config{
			Scope:  "create",
			Key:    ratelimit.ByClientIP("create"),
			Window: cfg.RateLimit.BookingWindow,
			Max:    cfg.RateLimit.BookingLimit,
		},
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}
	limiterStore, err := ratelimit.NewStore(redisClient, "ratelimit:webhook")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise webhook limiter store")
	}
	webhookLimit, err := ratelimit.Webhook(limiterStore, cfg.RateLimit.WebhookRate)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise webhook limiter")
	}

	var httpMetrics *obs.HTTPMetrics
	if metricsEnabled {
		buckets := obs.ParseBucketsCSV(envOrDefault("OBS_METRICS_BUCKETS_MS", ""))
		httpMetrics = obs.NewHTTPMetrics(metricsNamespace, buckets, nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if metricsEnabled && httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production"}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg),
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", common.IdempotencyKeyHeader},
		ExposedHeaders:   []string{"Retry-After", "X-RateLimit-Remaining", common.ReplayedHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	if envBool("OBS_ENABLE_PPROF", false) {
		user := envOrDefault("SECURE_PPROF_BASIC_AUTH_USER", "")
		pass := envOrDefault("SECURE_PPROF_BASIC_AUTH_PASS", "")
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), user, pass))
	}

	healthHandler := health.Handler{
		Checker:      readinessChecker{db: pool, redis: redisClient},
		DBTimeout:    envDurationMillis("HEALTH_READY_DB_TIMEOUT_MS", 500),
		RedisTimeout: envDurationMillis("HEALTH_READY_REDIS_TIMEOUT_MS", 300),
		Channels: func() map[string]float64 {
			out := make(map[string]float64)
			for ch, v := range svcs.Registry.Health() {
				out[string(ch)] = v
			}
			return out
		},
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Get("/availability", bookingHandler.Availability)

		v.Route("/bookings", func(b chi.Router) {
			b.With(apimw.RequireJSON, createLimit.Middleware, idem.Middleware).Post("/", bookingHandler.Create)
			b.Get("/{id}", bookingHandler.Get)
			b.With(auditRec.Middleware(audit.HTTPConfig{
				Action:          "booking.cancel",
				ResourceType:    "booking",
				ResourceIDParam: "id",
			})).Post("/{id}/cancel", bookingHandler.Cancel)
		})

		v.Route("/payments", func(p chi.Router) {
			p.With(apimw.RequireJSON, createLimit.Middleware).Post("/", paymentHandler.Create)
			p.Get("/channels", paymentHandler.Channels)
			p.Get("/{bookingId}/status", paymentHandler.Status)
		})

		v.With(webhookLimit).Post("/webhooks/payment/{provider}", webhookHandler.Handle)

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(adminAuth.RequireAdmin)
			admin.Get("/queue/dlq", queueAdmin.ListDLQ)
			admin.With(auditRec.Middleware(audit.HTTPConfig{Action: "queue.dlq.replay"})).Post("/queue/dlq/replay", queueAdmin.ReplayDLQ)
			admin.Get("/queue/stats", queueAdmin.Stats)
			admin.With(auditRec.Middleware(audit.HTTPConfig{
				Action:          "queue.dlq.discard",
				ResourceType:    "queue_dlq",
				ResourceIDParam: "id",
			})).Delete("/queue/dlq/{id}", queueAdmin.DiscardDLQ)
			admin.Get("/audit", auditHandler.List)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		health.SetReady(false)
		logger.Info().Msg("draining")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), envDurationMillis("SHUTDOWN_TIMEOUT_MS", 15000))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Strs("channels", channelNames(svcs)).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func channelNames(svcs *app.Services) []string {
	var out []string
	for _, ch := range svcs.Registry.Channels() {
		out = append(out, string(ch))
	}
	return out
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

type readinessChecker struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func (c readinessChecker) PingDB(ctx context.Context, timeout time.Duration) error {
	if c.db == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.db.Ping(ctx)
}

func (c readinessChecker) PingRedis(ctx context.Context, timeout time.Duration) error {
	if c.redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return c.redis.Ping(ctx).Err()
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

func envBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "t", "true", "yes", "on":
			return true
		case "0", "f", "false", "no", "off":
			return false
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

func envDurationMillis(key string, fallback int) time.Duration {
	return time.Duration(envInt(key, fallback)) * time.Millisecond
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	mux.Handle("/heap", pprof.Handler("heap"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	user = strings.TrimSpace(user)
	pass = strings.TrimSpace(pass)
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
