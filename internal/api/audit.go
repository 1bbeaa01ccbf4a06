package api

import (
	"log/slog"
	"net/http"

	"github.com/gatehouse-dev/gatehouse/internal/principal"
)

// auditLog emits a structured audit log entry for an admin/member action.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}

	if p, ok := principal.FromContext(r.Context()); ok {
		attrs = append(attrs, "principal", p.Key(), "admin", p.Admin)
	}

	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
