package api

import (
	"net/http"

	"github.com/gatehouse-dev/gatehouse/internal/admission"
	"github.com/gatehouse-dev/gatehouse/internal/principal"
	"github.com/gatehouse-dev/gatehouse/internal/queue"
)

// queueHandler exposes overflow-queue introspection.
type queueHandler struct {
	gateway *admission.Gateway
	queue   *queue.Queue
}

func newQueueHandler(gateway *admission.Gateway, q *queue.Queue) *queueHandler {
	return &queueHandler{gateway: gateway, queue: q}
}

// Position reports the calling principal's place in the queue.
func (h *queueHandler) Position(w http.ResponseWriter, r *http.Request) {
	p, _ := principal.FromContext(r.Context())
	writeJSON(w, http.StatusOK, h.gateway.QueuePosition(p))
}

// Clear drops every queued entry (admin only).
func (h *queueHandler) Clear(w http.ResponseWriter, r *http.Request) {
	count := h.queue.Clear()
	auditLog(r, "queue.clear", "queue", "all", "cleared", count)
	writeJSON(w, http.StatusOK, map[string]int{"cleared": count})
}
