package principal

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"
)

// CredentialPrefix is the plaintext prefix of gatehouse API credentials.
const CredentialPrefix = "gatehouse_"

// AuthSession is the subset of a stored session the extractor needs.
type AuthSession struct {
	UserID string
	Admin  bool
}

// Credential is a stored API credential resolved by key hash.
type Credential struct {
	ID   string
	Name string
}

// SessionLookup resolves a session token to a session, or nil when the
// token is unknown or expired.
type SessionLookup interface {
	GetAuthSession(ctx context.Context, token string) (*AuthSession, error)
}

// CredentialLookup resolves a hex-encoded SHA-256 key hash to a credential.
type CredentialLookup interface {
	GetAPICredentialByHash(ctx context.Context, hash string) (*Credential, error)
}

// Extractor derives a Principal from an incoming HTTP request.
type Extractor struct {
	sessions    SessionLookup
	credentials CredentialLookup
}

// NewExtractor creates an Extractor backed by the given lookups.
func NewExtractor(sessions SessionLookup, credentials CredentialLookup) *Extractor {
	return &Extractor{sessions: sessions, credentials: credentials}
}

// HashCredential returns the hex-encoded SHA-256 hash of a plaintext key.
func HashCredential(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// FromRequest extracts a Principal using, in priority order: session
// cookie, bearer API credential, bearer session token, query-parameter
// session token (the WebSocket path). An admin session cookie combined
// with a bearer API credential yields the credential principal with Admin
// set, so the admin is limited as that credential. Unknown callers are
// anonymous. Lookup failures degrade to anonymous rather than failing the
// request.
func (e *Extractor) FromRequest(r *http.Request) Principal {
	ctx := r.Context()

	if c, err := r.Cookie("session"); err == nil && c.Value != "" {
		if p, ok := e.fromSessionToken(ctx, c.Value); ok {
			if p.Admin {
				if token := bearerToken(r); strings.HasPrefix(token, CredentialPrefix) {
					if cp, ok := e.fromCredential(ctx, token); ok {
						cp.Admin = true
						return cp
					}
				}
			}
			return p
		}
	}

	if token := bearerToken(r); token != "" {
		if strings.HasPrefix(token, CredentialPrefix) {
			if p, ok := e.fromCredential(ctx, token); ok {
				return p
			}
		} else if p, ok := e.fromSessionToken(ctx, token); ok {
			return p
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		if strings.HasPrefix(token, CredentialPrefix) {
			if p, ok := e.fromCredential(ctx, token); ok {
				return p
			}
		} else if p, ok := e.fromSessionToken(ctx, token); ok {
			return p
		}
	}

	return Anonymous()
}

func (e *Extractor) fromSessionToken(ctx context.Context, token string) (Principal, bool) {
	if e.sessions == nil {
		return Principal{}, false
	}
	sess, err := e.sessions.GetAuthSession(ctx, token)
	if err != nil || sess == nil {
		return Principal{}, false
	}
	if sess.Admin {
		return Admin(), true
	}
	return User(sess.UserID), true
}

func (e *Extractor) fromCredential(ctx context.Context, token string) (Principal, bool) {
	if e.credentials == nil {
		return Principal{}, false
	}
	cred, err := e.credentials.GetAPICredentialByHash(ctx, HashCredential(token))
	if err != nil || cred == nil {
		return Principal{}, false
	}
	return APIClient(cred.ID), true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return parts[1]
}

type contextKey int

const principalContextKey contextKey = iota

// ContextWith returns a new context carrying the given principal.
func ContextWith(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}

// FromContext extracts the principal from the context. The second return
// is false when no principal was attached.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}
