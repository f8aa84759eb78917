package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func webhookRequest(provider, ip string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payment/"+provider, nil)
	req.RemoteAddr = ip + ":4000"
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("provider", provider)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func TestWebhookLimiterPerProviderAndAddress(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewStore(client, "test:webhook")
	require.NoError(t, err)
	mw, err := Webhook(store, "2-M")
	require.NoError(t, err)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	codes := func(provider, ip string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, webhookRequest(provider, ip))
		return rec.Code
	}
	require.Equal(t, http.StatusOK, codes("stripe", "10.0.0.1"))
	require.Equal(t, http.StatusOK, codes("stripe", "10.0.0.1"))
	require.Equal(t, http.StatusTooManyRequests, codes("stripe", "10.0.0.1"))

	// separate buckets
	require.Equal(t, http.StatusOK, codes("tng", "10.0.0.1"))
	require.Equal(t, http.StatusOK, codes("stripe", "10.0.0.2"))
}

func TestWebhookLimiterRejectsBadRate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewStore(client, "test:webhook")
	require.NoError(t, err)

	_, err = Webhook(store, "lots")
	require.Error(t, err)
}

func TestWebhookLimiterFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store, err := NewStore(client, "test:webhook")
	require.NoError(t, err)
	mw, err := Webhook(store, "1-M")
	require.NoError(t, err)
	h := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }))

	mr.Close()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, webhookRequest("hitpay", "10.0.0.3"))
	require.Equal(t, http.StatusOK, rec.Code)
}
