package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func issueTestToken(t *testing.T, secret string) string {
	t.Helper()
	token, err := IssueToken([]byte(secret), Claims{
		Sub:  "user-7",
		Name: "Morgan",
		Role: "editor",
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return token
}

func TestTokenAuthenticatorReadsCookie(t *testing.T) {
	authenticator := NewTokenAuthenticator("secret")
	req := httptest.NewRequest(http.MethodGet, "/ws/presence", nil)
	req.AddCookie(&http.Cookie{Name: TokenCookieName, Value: issueTestToken(t, "secret")})

	identity, err := authenticator.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.UserID != "user-7" || identity.Username != "Morgan" || identity.Role != "editor" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
}

func TestTokenAuthenticatorReadsBearer(t *testing.T) {
	authenticator := NewTokenAuthenticator("secret")
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer "+issueTestToken(t, "secret"))

	if _, err := authenticator.Authenticate(req); err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
}

func TestTokenAuthenticatorRejectsMissingAndForged(t *testing.T) {
	authenticator := NewTokenAuthenticator("secret")

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if _, err := authenticator.Authenticate(req); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: TokenCookieName, Value: issueTestToken(t, "other-secret")})
	_, err := authenticator.Authenticate(req)
	if !errors.Is(err, ErrUnauthenticated) || !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected unauthenticated invalid token, got %v", err)
	}
}

type stubAuthenticator struct {
	identity Identity
	err      error
	calls    int
}

func (s *stubAuthenticator) Authenticate(*http.Request) (Identity, error) {
	s.calls++
	return s.identity, s.err
}

func TestChainFallsThroughUnauthenticated(t *testing.T) {
	first := &stubAuthenticator{err: ErrUnauthenticated}
	second := &stubAuthenticator{identity: Identity{UserID: "u2", Username: "Bo"}}
	chain := Chain{first, nil, second}

	identity, err := chain.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	if err != nil {
		t.Fatalf("Authenticate() error = %v", err)
	}
	if identity.UserID != "u2" || first.calls != 1 || second.calls != 1 {
		t.Fatalf("unexpected chain result %+v first=%d second=%d", identity, first.calls, second.calls)
	}
}

func TestChainStopsOnBackendFailure(t *testing.T) {
	backendErr := errors.New("redis down")
	first := &stubAuthenticator{err: backendErr}
	second := &stubAuthenticator{identity: Identity{UserID: "u2"}}

	_, err := Chain{first, second}.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	if !errors.Is(err, backendErr) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if second.calls != 0 {
		t.Fatal("chain should stop on non-auth errors")
	}
}

func TestEmptyChainIsUnauthenticated(t *testing.T) {
	_, err := Chain{}.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
