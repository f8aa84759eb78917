// Package middleware holds request guards shared by the public API routes.
package middleware

import (
	"mime"
	"net/http"

	"github.com/noah-isme/backend-farmstay/internal/common"
)

// RequireJSON rejects request bodies that are not declared as JSON. Requests
// without a body pass through. Provider webhooks are not routed through it
// because FPX posts form-encoded callbacks.
func RequireJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ContentLength == 0 && r.Header.Get("Transfer-Encoding") == "" {
			next.ServeHTTP(w, r)
			return
		}
		mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if err != nil || mediaType != "application/json" {
			common.JSONError(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", "request body must be application/json", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
