package api

import (
	"errors"
	"net/http"

	"github.com/gatehouse-dev/gatehouse/internal/permission"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// permissionsHandler exposes the broker over HTTP: the agent-facing
// blocking request call plus the frontend-facing respond/cancel/introspect
// surface.
type permissionsHandler struct {
	broker    *permission.Broker
	broadcast permission.Broadcast
	onDecide  func(decision, source string)
}

func newPermissionsHandler(broker *permission.Broker, broadcast permission.Broadcast, onDecide func(decision, source string)) *permissionsHandler {
	if onDecide == nil {
		onDecide = func(string, string) {}
	}
	return &permissionsHandler{broker: broker, broadcast: broadcast, onDecide: onDecide}
}

type permissionRequestBody struct {
	RequestID string         `json:"request_id"`
	ProfileID string         `json:"profile_id"`
	ToolName  string         `json:"tool_name"`
	ToolInput map[string]any `json:"tool_input"`
}

type permissionResultBody struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// Request blocks until the tool invocation is decided. Used by agent
// backends that run out of process; in-process backends call the broker
// directly.
func (h *permissionsHandler) Request(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body permissionRequestBody
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if body.ToolName == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "tool_name is required")
		return
	}
	if body.RequestID == "" {
		body.RequestID = uuid.NewString()
	}

	res := h.broker.Request(r.Context(), body.RequestID, sessionID, body.ProfileID,
		body.ToolName, body.ToolInput, h.broadcast)

	out := permissionResultBody{Behavior: "deny", Message: res.Message}
	if res.Allowed {
		out = permissionResultBody{Behavior: "allow", UpdatedInput: res.UpdatedInput}
	}
	writeJSON(w, http.StatusOK, out)
}

type respondBody struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	Remember  string `json:"remember"`
	Pattern   string `json:"pattern"`
}

// Respond delivers a user decision to one pending request.
func (h *permissionsHandler) Respond(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var body respondBody
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	decision := permission.Decision(body.Decision)
	if !decision.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_request", "decision must be allow or deny")
		return
	}
	remember := permission.Scope(body.Remember)
	switch remember {
	case "", permission.RememberNone, permission.RememberSession, permission.RememberProfile, permission.RememberGlobal:
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown remember scope")
		return
	}

	result, err := h.broker.Respond(r.Context(), body.RequestID, sessionID, decision, remember, body.Pattern, h.broadcast)
	if errors.Is(err, permission.ErrRequestNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "permission request not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to respond to permission request")
		return
	}

	h.onDecide(string(decision), "user")
	for range result.AutoResolvedIDs {
		h.onDecide(string(decision), "rule")
	}
	auditLog(r, "permission.respond", "permission_request", body.RequestID,
		"decision", body.Decision, "remember", body.Remember, "auto_resolved", len(result.AutoResolvedIDs))
	writeJSON(w, http.StatusOK, result)
}

// Cancel evicts one pending request.
func (h *permissionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	requestID := chi.URLParam(r, "requestID")

	if !h.broker.Cancel(requestID, sessionID) {
		writeError(w, http.StatusNotFound, "not_found", "permission request not found")
		return
	}
	h.onDecide("deny", "cancel")
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// CancelSession drains every pending request for the session.
func (h *permissionsHandler) CancelSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	count := h.broker.CancelSession(sessionID)
	for i := 0; i < count; i++ {
		h.onDecide("deny", "cancel")
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": count})
}

// Pending lists the session's pending requests.
func (h *permissionsHandler) Pending(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": h.broker.Pending(sessionID),
	})
}

// Rules lists the session's in-memory rules.
func (h *permissionsHandler) Rules(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": h.broker.Rules(sessionID),
	})
}

// ClearRules drops the session's in-memory rules (session end).
func (h *permissionsHandler) ClearRules(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	h.broker.ClearSessionRules(sessionID)
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}
