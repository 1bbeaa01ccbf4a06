package principal

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind discriminates the identity a quota is tracked against.
type Kind int

const (
	// KindAnonymous is an unauthenticated caller. Each anonymous principal
	// carries a random nonce so strangers never share a window.
	KindAnonymous Kind = iota
	// KindUser is an authenticated end user.
	KindUser
	// KindAPIClient is a caller presenting an API credential. Admins using
	// an API key are limited as that key; a non-admin session cookie takes
	// precedence over a bearer credential.
	KindAPIClient
	// KindAdmin is the admin session sentinel. Admins bypass rate limits
	// unless they also present an API credential.
	KindAdmin
)

// Principal is the identity against which rate limits and queue slots are
// tracked. The zero value is an anonymous principal with an empty nonce;
// use Anonymous to mint one with a fresh nonce.
type Principal struct {
	Kind  Kind
	ID    string // credential id, user id, or anonymous nonce
	Admin bool   // true when the caller holds an admin session
}

// Admin returns the admin sentinel principal.
func Admin() Principal {
	return Principal{Kind: KindAdmin, Admin: true}
}

// APIClient returns a principal for the given API credential id.
func APIClient(id string) Principal {
	return Principal{Kind: KindAPIClient, ID: id}
}

// User returns a principal for the given user id.
func User(id string) Principal {
	return Principal{Kind: KindUser, ID: id}
}

// Anonymous returns an anonymous principal with a fresh nonce.
func Anonymous() Principal {
	return Principal{Kind: KindAnonymous, ID: uuid.NewString()}
}

// Key returns the canonical bookkeeping key. Derivation is deterministic:
// API credential id wins over user id, the admin sentinel maps to a single
// shared key, and anonymous callers are keyed by nonce.
func (p Principal) Key() string {
	switch p.Kind {
	case KindAPIClient:
		return "api:" + p.ID
	case KindUser:
		return "user:" + p.ID
	case KindAdmin:
		return "admin:default"
	default:
		return "anon:" + p.ID
	}
}

// IsAPIClient reports whether the principal is keyed by an API credential.
func (p Principal) IsAPIClient() bool {
	return p.Kind == KindAPIClient
}

// String implements fmt.Stringer for log output.
func (p Principal) String() string {
	return fmt.Sprintf("%s(admin=%t)", p.Key(), p.Admin)
}
