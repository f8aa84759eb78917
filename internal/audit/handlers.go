package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/noah-isme/backend-farmstay/internal/common"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Handler serves the operator audit trail.
type Handler struct {
	Store Store
}

// List pages through audit entries. Query params: resource, resource_id,
// since (RFC 3339), limit, offset.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	q := r.URL.Query()
	f := Filter{
		ResourceType: q.Get("resource"),
		ResourceID:   q.Get("resource_id"),
		Limit:        defaultListLimit,
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n <= maxListLimit {
		f.Limit = n
	}
	if n, err := strconv.Atoi(q.Get("offset")); err == nil && n > 0 {
		f.Offset = n
	}
	if v := q.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			common.WriteError(w, common.ValidationError("since must be RFC 3339", err))
			return
		}
		f.Since = since
	}

	entries, err := h.Store.ListAuditLogs(r.Context(), f)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch audit logs", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": entries, "limit": f.Limit, "offset": f.Offset})
}
