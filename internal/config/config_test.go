package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-farmstay/internal/config"
)

func baseEnv() map[string]string {
	return map[string]string{
		"DATABASE_URL":          "postgres://localhost/farmstay",
		"REDIS_URL":             "redis://localhost:6379/0",
		"PAYMENT_TAMPER_SECRET": "tamper",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.LoadForTests(baseEnv())
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddr())
	require.Equal(t, 30*time.Minute, cfg.Payment.IntentTTL)
	require.Equal(t, 5*time.Minute, cfg.Payment.TamperTolerance)
	require.Equal(t, 5*time.Minute, cfg.Payment.SweepInterval)
	require.True(t, cfg.Payment.ExpireBookingOnTimeout)
	require.Equal(t, "MY", cfg.Routing.HomeCountry)
	require.Equal(t, "MYR", cfg.Routing.HomeCurrency)
	require.Equal(t, []string{"fpx", "duitnow", "hitpay", "tng"}, cfg.Routing.MidTierChannels)
	require.InDelta(t, 0.92, cfg.Routing.BaseSuccessRates["fpx"], 0.0001)
}

func TestLoadOverrides(t *testing.T) {
	env := baseEnv()
	env["PAYMENT_EXPIRE_BOOKING_ON_TIMEOUT"] = "false"
	env["ROUTING_BASE_SUCCESS_RATES"] = "fpx=0.5,bogus,tng=2"
	env["KAFKA_BROKERS"] = "k1:9092, k2:9092"
	cfg, err := config.LoadForTests(env)
	require.NoError(t, err)

	require.False(t, cfg.Payment.ExpireBookingOnTimeout)
	require.Equal(t, map[string]float64{"fpx": 0.5}, cfg.Routing.BaseSuccessRates)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoadRequiresSecrets(t *testing.T) {
	env := baseEnv()
	env["PAYMENT_TAMPER_SECRET"] = ""
	_, err := config.LoadForTests(env)
	require.Error(t, err)

	env = baseEnv()
	env["ROUTING_SMALL_AMOUNT_THRESHOLD"] = "900000"
	_, err = config.LoadForTests(env)
	require.Error(t, err)
}
