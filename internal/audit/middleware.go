package audit

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/noah-isme/backend-farmstay/internal/common"
)

// HTTPRecorder writes one audit entry per handled request on the routes it
// wraps. Entries are recorded after the handler returns so the final status
// is known.
type HTTPRecorder struct {
	Service   *Service
	OnError   func(error)
	ActorFunc func(*http.Request) Actor
}

// HTTPConfig describes the audited action of one route.
type HTTPConfig struct {
	Action          string
	ResourceType    string
	ResourceIDParam string
	// MetadataFunc adds route specific fields to the entry metadata.
	MetadataFunc func(*http.Request, int) map[string]any
	ActorFunc    func(*http.Request) Actor
}

// Middleware wraps a route with audit recording.
func (r HTTPRecorder) Middleware(cfg HTTPConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if r.Service == nil || !r.Service.Enabled {
				next.ServeHTTP(w, req)
				return
			}
			ww := chimw.NewWrapResponseWriter(w, req.ProtoMajor)
			next.ServeHTTP(ww, req)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			var resourceID string
			if cfg.ResourceIDParam != "" {
				resourceID = chi.URLParam(req, cfg.ResourceIDParam)
			}
			err := r.Service.Record(req.Context(), r.resolveActor(cfg, req), cfg.Action, cfg.ResourceType,
				resourceID, req, status, metadata(cfg, req, status))
			if err != nil && r.OnError != nil {
				r.OnError(err)
			}
		})
	}
}

func metadata(cfg HTTPConfig, req *http.Request, status int) []byte {
	fields := map[string]any{"outcome": outcome(status)}
	if cfg.MetadataFunc != nil {
		for k, v := range cfg.MetadataFunc(req, status) {
			fields[k] = v
		}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return data
}

func outcome(status int) string {
	switch {
	case status >= 500:
		return "error"
	case status >= 400:
		return "rejected"
	default:
		return "ok"
	}
}

// resolveActor prefers the route override, then the recorder override, then
// the admin subject placed on the context by the auth middleware.
func (r HTTPRecorder) resolveActor(cfg HTTPConfig, req *http.Request) Actor {
	switch {
	case cfg.ActorFunc != nil:
		return cfg.ActorFunc(req)
	case r.ActorFunc != nil:
		return r.ActorFunc(req)
	}
	if subject, ok := common.AdminSubject(req.Context()); ok && subject != "" {
		return Actor{Kind: ActorKindOperator, ID: subject}
	}
	return Actor{Kind: ActorKindGuest}
}
