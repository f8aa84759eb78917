package ratelimit

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/noah-isme/backend-farmstay/internal/common"
	"github.com/noah-isme/backend-farmstay/internal/obs"
)

// NewStore wires a fixed-window limiter store backed by Redis.
func NewStore(rdb *redis.Client, prefix string) (limiter.Store, error) {
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
}

// Webhook throttles provider callbacks per provider and source address.
// rate uses the "<limit>-<period>" format, e.g. "600-M". A Redis outage lets
// callbacks through; dropping them would only trigger provider retries.
func Webhook(store limiter.Store, rate string) (func(http.Handler) http.Handler, error) {
	parsed, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, fmt.Errorf("ratelimit: webhook rate %q: %w", rate, err)
	}
	lim := limiter.New(store, parsed)
	return func(next http.Handler) http.Handler {
		mw := stdlib.NewMiddleware(lim,
			stdlib.WithKeyGetter(webhookKey),
			stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
				obs.Inc(obs.PaymentWebhookTotal, strings.ToLower(chi.URLParam(r, "provider")), "throttled")
				common.JSONError(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", nil)
			}),
			stdlib.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, _ error) {
				next.ServeHTTP(w, r)
			}),
		)
		return mw.Handler(next)
	}, nil
}

func webhookKey(r *http.Request) string {
	return "webhook:" + strings.ToLower(chi.URLParam(r, "provider")) + ":" + common.ClientIP(r)
}
