package auth

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-farmstay/internal/common"
)

// Middleware guards admin routes.
type Middleware struct {
	Verifier *Verifier
	Logger   zerolog.Logger
}

// RequireAdmin rejects requests without a valid admin bearer token and
// stores the operator subject on the context.
func (m Middleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Verifier == nil {
			common.JSONError(w, http.StatusServiceUnavailable, "ADMIN_DISABLED", "admin authentication is not configured", nil)
			return
		}
		subject, err := m.Verifier.Parse(bearerToken(r))
		if err != nil {
			m.Logger.Warn().Err(err).Str("path", r.URL.Path).Str("remote", common.ClientIP(r)).Msg("admin token rejected")
			unauthorized(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithAdminSubject(r.Context(), subject)))
	})
}
