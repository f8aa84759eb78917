package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	LogFormat          string
	LogLevel           string
	DatabaseURL        string
	DatabaseMaxConns   int32
	RedisURL           string
	CORSAllowedOrigins []string
	BodyLimitBytes     int64

	OTLPEndpoint     string
	TraceSampleRatio float64

	LockTTL time.Duration

	Payment   PaymentConfig
	Routing   RoutingConfig
	Providers ProvidersConfig
	Queue     QueueConfig
	Kafka     KafkaConfig
	SMTP      SMTPConfig
	Admin     AdminConfig
	RateLimit RateLimitConfig
}

// PaymentConfig controls orchestration timeouts and policies.
type PaymentConfig struct {
	IntentTTL              time.Duration
	ProviderTimeout        time.Duration
	RedirectBaseURL        string
	WebhookBaseURL         string
	TamperSecret           string
	TamperTolerance        time.Duration
	RequireAmountSignature bool
	BookingHoldTTL         time.Duration
	ExpireBookingOnTimeout bool
	SweepInterval          time.Duration
	SweepBatchSize         int
}

// RoutingConfig carries the raw channel routing rules; routing.Config is built from it.
type RoutingConfig struct {
	HomeCountry             string
	HomeCurrency            string
	SmallAmountThreshold    int64
	MidAmountThreshold      int64
	MidTierChannels         []string
	BaseSuccessRates        map[string]float64
	InternationalConfidence float64
	// FPXBanks uses "CODE:Name:flags" entries where flags may contain "online" and "b2b".
	FPXBanks []string
}

// ProvidersConfig holds per-provider credentials and endpoints.
type ProvidersConfig struct {
	StripeBaseURL       string
	StripeSecretKey     string
	StripeWebhookSecret string

	HitPayBaseURL string
	HitPayAPIKey  string
	HitPaySalt    string

	FPXBaseURL    string
	FPXMerchantID string
	FPXSecret     string

	TNGBaseURL      string
	TNGClientID     string
	TNGPrivateKey   string
	TNGPublicKey    string
	TNGMerchantCode string
}

// QueueConfig configures the Redis-backed outbox queue.
type QueueConfig struct {
	Prefix            string
	VisibilityTimeout time.Duration
	MaxAttempts       int
	DedupTTL          time.Duration
}

// KafkaConfig configures state-change event publishing. Empty Brokers disables it.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// SMTPConfig configures outbound email.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// AdminConfig configures the admin JWT verification.
type AdminConfig struct {
	JWTSecret string
	Issuer    string
	Audience  string

	AuditEnabled    bool
	AuditSampleRate float64
}

// RateLimitConfig configures public endpoint rate limits.
type RateLimitConfig struct {
	BookingLimit  int
	BookingWindow time.Duration
	// WebhookRate uses the ulule formatted rate, e.g. "300-M".
	WebhookRate string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		DatabaseURL:        k.String("DATABASE_URL"),
		DatabaseMaxConns:   int32(parseInt(k.String("DATABASE_MAX_CONNS"), 10)),
		RedisURL:           k.String("REDIS_URL"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		BodyLimitBytes:     int64(parseInt(k.String("BODY_LIMIT_BYTES"), 1<<20)),
		OTLPEndpoint:       strings.TrimSpace(k.String("OTEL_EXPORTER_OTLP_ENDPOINT")),
		TraceSampleRatio:   parseFloat(k.String("OTEL_TRACE_SAMPLE_RATIO"), 0.1),
		LockTTL:            parseDuration(k.String("LOCK_TTL"), "30s"),
		Payment: PaymentConfig{
			IntentTTL:              parseDuration(k.String("PAYMENT_INTENT_TTL"), "30m"),
			ProviderTimeout:        parseDuration(k.String("PAYMENT_PROVIDER_TIMEOUT"), "10s"),
			RedirectBaseURL:        strings.TrimRight(valueOrDefault(k.String("PAYMENT_REDIRECT_BASE_URL"), "http://localhost:3000"), "/"),
			WebhookBaseURL:         strings.TrimRight(valueOrDefault(k.String("PAYMENT_WEBHOOK_BASE_URL"), "http://localhost:8080"), "/"),
			TamperSecret:           k.String("PAYMENT_TAMPER_SECRET"),
			TamperTolerance:        parseDuration(k.String("PAYMENT_TAMPER_TOLERANCE"), "5m"),
			RequireAmountSignature: parseBool(k.String("PAYMENT_REQUIRE_AMOUNT_SIGNATURE")),
			BookingHoldTTL:         parseDuration(k.String("BOOKING_HOLD_TTL"), "1h"),
			ExpireBookingOnTimeout: parseBoolDefault(k.String("PAYMENT_EXPIRE_BOOKING_ON_TIMEOUT"), true),
			SweepInterval:          parseDuration(k.String("SWEEPER_INTERVAL"), "5m"),
			SweepBatchSize:         parseInt(k.String("SWEEPER_BATCH_SIZE"), 200),
		},
		Routing: RoutingConfig{
			HomeCountry:             strings.ToUpper(valueOrDefault(k.String("ROUTING_HOME_COUNTRY"), "MY")),
			HomeCurrency:            strings.ToUpper(valueOrDefault(k.String("ROUTING_HOME_CURRENCY"), "MYR")),
			SmallAmountThreshold:    int64(parseInt(k.String("ROUTING_SMALL_AMOUNT_THRESHOLD"), 2000)),
			MidAmountThreshold:      int64(parseInt(k.String("ROUTING_MID_AMOUNT_THRESHOLD"), 500000)),
			MidTierChannels:         splitAndTrim(valueOrDefault(k.String("ROUTING_MID_TIER_CHANNELS"), "fpx,duitnow,hitpay,tng")),
			BaseSuccessRates:        parseRates(valueOrDefault(k.String("ROUTING_BASE_SUCCESS_RATES"), "fpx=0.92,duitnow=0.9,hitpay=0.88,tng=0.9,card=0.85")),
			InternationalConfidence: parseFloat(k.String("ROUTING_INTERNATIONAL_CONFIDENCE"), 0.6),
			FPXBanks:                splitAndTrim(k.String("ROUTING_FPX_BANKS")),
		},
		Providers: ProvidersConfig{
			StripeBaseURL:       valueOrDefault(k.String("STRIPE_BASE_URL"), "https://api.stripe.com"),
			StripeSecretKey:     k.String("STRIPE_SECRET_KEY"),
			StripeWebhookSecret: k.String("STRIPE_WEBHOOK_SECRET"),
			HitPayBaseURL:       valueOrDefault(k.String("HITPAY_BASE_URL"), "https://api.hit-pay.com"),
			HitPayAPIKey:        k.String("HITPAY_API_KEY"),
			HitPaySalt:          k.String("HITPAY_SALT"),
			FPXBaseURL:          k.String("FPX_BASE_URL"),
			FPXMerchantID:       k.String("FPX_MERCHANT_ID"),
			FPXSecret:           k.String("FPX_SECRET"),
			TNGBaseURL:          k.String("TNG_BASE_URL"),
			TNGClientID:         k.String("TNG_CLIENT_ID"),
			TNGPrivateKey:       k.String("TNG_PRIVATE_KEY"),
			TNGPublicKey:        k.String("TNG_PUBLIC_KEY"),
			TNGMerchantCode:     k.String("TNG_MERCHANT_CODE"),
		},
		Queue: QueueConfig{
			Prefix:            valueOrDefault(k.String("QUEUE_PREFIX"), "farmstay"),
			VisibilityTimeout: parseDuration(k.String("QUEUE_VISIBILITY_TIMEOUT"), "60s"),
			MaxAttempts:       parseInt(k.String("QUEUE_MAX_ATTEMPTS"), 8),
			DedupTTL:          parseDuration(k.String("QUEUE_DEDUP_TTL"), "24h"),
		},
		Kafka: KafkaConfig{
			Brokers: splitAndTrim(k.String("KAFKA_BROKERS")),
			Topic:   valueOrDefault(k.String("KAFKA_TOPIC"), "farmstay.payments"),
		},
		SMTP: SMTPConfig{
			Host:     k.String("SMTP_HOST"),
			Port:     parseInt(k.String("SMTP_PORT"), 587),
			Username: k.String("SMTP_USERNAME"),
			Password: k.String("SMTP_PASSWORD"),
			From:     valueOrDefault(k.String("SMTP_FROM"), "bookings@farmstay.local"),
		},
		Admin: AdminConfig{
			JWTSecret: k.String("ADMIN_JWT_SECRET"),
			Issuer:    valueOrDefault(k.String("ADMIN_JWT_ISSUER"), "farmstay"),
			Audience:  valueOrDefault(k.String("ADMIN_JWT_AUDIENCE"), "farmstay-admin"),

			AuditEnabled:    parseBoolDefault(k.String("AUDIT_ENABLED"), true),
			AuditSampleRate: parseFloat(k.String("AUDIT_SAMPLE_RATE"), 1),
		},
		RateLimit: RateLimitConfig{
			BookingLimit:  parseInt(k.String("RATE_LIMIT_BOOKING"), 20),
			BookingWindow: parseDuration(k.String("RATE_LIMIT_BOOKING_WINDOW"), "1m"),
			WebhookRate:   valueOrDefault(k.String("RATE_LIMIT_WEBHOOK"), "600-M"),
		},
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.Payment.TamperSecret == "" {
		return nil, errors.New("PAYMENT_TAMPER_SECRET is required")
	}
	if cfg.Routing.SmallAmountThreshold >= cfg.Routing.MidAmountThreshold {
		return nil, errors.New("ROUTING_SMALL_AMOUNT_THRESHOLD must be below ROUTING_MID_AMOUNT_THRESHOLD")
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	return parseBoolDefault(value, false)
}

func parseBoolDefault(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseInt(value string, fallback int) int {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func parseFloat(value string, fallback float64) float64 {
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

// parseRates reads "channel=rate" pairs; malformed entries are skipped.
func parseRates(value string) map[string]float64 {
	rates := make(map[string]float64)
	for _, part := range splitAndTrim(value) {
		name, raw, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		rate, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil || rate < 0 || rate > 1 {
			continue
		}
		rates[strings.ToLower(strings.TrimSpace(name))] = rate
	}
	return rates
}

// MustLoad behaves like Load but panics on error. Useful for tests and command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
