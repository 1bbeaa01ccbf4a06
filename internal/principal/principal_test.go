package principal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestKeyDerivation(t *testing.T) {
	tests := []struct {
		name string
		p    Principal
		want string
	}{
		{"api credential", APIClient("k1"), "api:k1"},
		{"user", User("u1"), "user:u1"},
		{"admin sentinel", Admin(), "admin:default"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Key(); got != tt.want {
				t.Fatalf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAnonymousNoncesAreDistinct(t *testing.T) {
	a, b := Anonymous(), Anonymous()
	if a.Key() == b.Key() {
		t.Fatal("anonymous principals must not share a key")
	}
}

func TestAdminHoldingAPICredential(t *testing.T) {
	p := APIClient("k1")
	p.Admin = true
	if !p.IsAPIClient() {
		t.Fatal("principal should still be keyed as the API credential")
	}
	if p.Key() != "api:k1" {
		t.Fatalf("Key() = %q, want api:k1", p.Key())
	}
}

// fakeSessionLookup resolves a fixed set of tokens.
type fakeSessionLookup map[string]*AuthSession

func (f fakeSessionLookup) GetAuthSession(ctx context.Context, token string) (*AuthSession, error) {
	return f[token], nil
}

// fakeCredentialLookup resolves a fixed set of key hashes.
type fakeCredentialLookup map[string]*Credential

func (f fakeCredentialLookup) GetAPICredentialByHash(ctx context.Context, hash string) (*Credential, error) {
	return f[hash], nil
}

func newTestExtractor() *Extractor {
	apiKey := CredentialPrefix + "demo"
	return NewExtractor(
		fakeSessionLookup{
			"admin-tok": {UserID: "root", Admin: true},
			"user-tok":  {UserID: "u1"},
		},
		fakeCredentialLookup{
			HashCredential(apiKey): {ID: "k1", Name: "demo"},
		},
	)
}

func TestExtractorPrecedence(t *testing.T) {
	e := newTestExtractor()
	apiKey := CredentialPrefix + "demo"

	tests := []struct {
		name    string
		build   func() *http.Request
		want    string
		admin   bool
		unknown bool
	}{
		{
			name: "session cookie",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.AddCookie(&http.Cookie{Name: "session", Value: "admin-tok"})
				return r
			},
			want:  "admin:default",
			admin: true,
		},
		{
			name: "cookie wins over bearer",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.AddCookie(&http.Cookie{Name: "session", Value: "user-tok"})
				r.Header.Set("Authorization", "Bearer "+apiKey)
				return r
			},
			want: "user:u1",
		},
		{
			name: "bearer api credential",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.Header.Set("Authorization", "Bearer "+apiKey)
				return r
			},
			want: "api:k1",
		},
		{
			name: "bearer session token",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.Header.Set("Authorization", "Bearer user-tok")
				return r
			},
			want: "user:u1",
		},
		{
			name: "query token for websocket",
			build: func() *http.Request {
				return httptest.NewRequest(http.MethodGet, "/ws/session/s1?token=user-tok", nil)
			},
			want: "user:u1",
		},
		{
			name: "unknown token falls back to anonymous",
			build: func() *http.Request {
				r := httptest.NewRequest(http.MethodGet, "/", nil)
				r.Header.Set("Authorization", "Bearer nonsense")
				return r
			},
			unknown: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := e.FromRequest(tt.build())
			if tt.unknown {
				if p.Kind != KindAnonymous {
					t.Fatalf("kind = %v, want anonymous", p.Kind)
				}
				return
			}
			if p.Key() != tt.want {
				t.Fatalf("key = %q, want %q", p.Key(), tt.want)
			}
			if p.Admin != tt.admin {
				t.Fatalf("admin = %v, want %v", p.Admin, tt.admin)
			}
		})
	}
}

func TestContextRoundTrip(t *testing.T) {
	ctx := ContextWith(context.Background(), User("u1"))
	p, ok := FromContext(ctx)
	if !ok || p.Key() != "user:u1" {
		t.Fatalf("FromContext = (%+v, %v)", p, ok)
	}
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context must not carry a principal")
	}
}
