package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gatehouse-dev/gatehouse/internal/store"
)

// SessionOpener verifies credentials and opens an auth session; implemented
// by the store.
type SessionOpener interface {
	Login(ctx context.Context, email, password string) (string, error)
}

type authHandler struct {
	sessions  SessionOpener
	onFailure func()
	onSuccess func()
}

func newAuthHandler(sessions SessionOpener, onFailure, onSuccess func()) *authHandler {
	if onFailure == nil {
		onFailure = func() {}
	}
	if onSuccess == nil {
		onSuccess = func() {}
	}
	return &authHandler{sessions: sessions, onFailure: onFailure, onSuccess: onSuccess}
}

type loginBody struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login opens a session and returns its token, also set as the session
// cookie used by the principal extractor.
func (h *authHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if body.Email == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "email and password are required")
		return
	}

	token, err := h.sessions.Login(r.Context(), body.Email, body.Password)
	if errors.Is(err, store.ErrInvalidCredentials) {
		h.onFailure()
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid email or password")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "login failed")
		return
	}

	h.onSuccess()
	http.SetCookie(w, &http.Cookie{
		Name:     "session",
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
