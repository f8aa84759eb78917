package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// PaymentIntentTotal counts provider payment request creation attempts.
	PaymentIntentTotal *prometheus.CounterVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// PaymentTransitionTotal counts applied payment status transitions.
	PaymentTransitionTotal *prometheus.CounterVec
	// PaymentOrphanTotal counts provider objects created upstream but never persisted locally.
	PaymentOrphanTotal *prometheus.CounterVec
	// BookingCreatedTotal counts booking creation outcomes.
	BookingCreatedTotal *prometheus.CounterVec
	// LockContentionTotal counts lock acquisitions rejected because another holder exists.
	LockContentionTotal *prometheus.CounterVec
	// SweeperExpiredTotal counts records demoted by the expiry sweeper.
	SweeperExpiredTotal *prometheus.CounterVec
	// NotificationTotal counts outbound guest notification outcomes.
	NotificationTotal *prometheus.CounterVec
	// RateLimitedTotal counts requests rejected by the sliding window limiter.
	RateLimitedTotal *prometheus.CounterVec
	// ProviderLatency records provider API call latency in milliseconds.
	ProviderLatency *prometheus.HistogramVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		counter := func(name, help string, labels ...string) *prometheus.CounterVec {
			return register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      name,
				Help:      help,
			}, labels))
		}
		PaymentIntentTotal = counter("payment_intent_total", "Count of provider payment request outcomes.", "provider", "channel", "result")
		PaymentWebhookTotal = counter("payment_webhook_total", "Count of processed payment webhooks by outcome.", "provider", "result")
		PaymentTransitionTotal = counter("payment_state_transition_total", "Count of applied payment status transitions.", "from", "to")
		PaymentOrphanTotal = counter("payment_orphan_total", "Provider payment objects created but not persisted.", "provider")
		BookingCreatedTotal = counter("booking_created_total", "Count of booking creation outcomes.", "result")
		LockContentionTotal = counter("lock_contention_total", "Lock acquisitions rejected due to an existing holder.", "scope")
		SweeperExpiredTotal = counter("sweeper_expired_total", "Records demoted by the expiry sweeper.", "kind")
		NotificationTotal = counter("notification_total", "Guest notification delivery outcomes.", "kind", "result")
		RateLimitedTotal = counter("ratelimit_rejected_total", "Requests rejected by the creation rate limiter.", "scope")
		ProviderLatency = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_call_duration_ms",
			Help:      "Latency of payment provider API calls in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"provider", "operation"}))
	})
}

// Inc increments a counter vector when metrics have been registered.
func Inc(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}

// Add adds n to a counter vector when metrics have been registered.
func Add(vec *prometheus.CounterVec, n float64, labels ...string) {
	if vec == nil || n <= 0 {
		return
	}
	vec.WithLabelValues(labels...).Add(n)
}

// Observe records a histogram sample when metrics have been registered.
func Observe(vec *prometheus.HistogramVec, value float64, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Observe(value)
}
