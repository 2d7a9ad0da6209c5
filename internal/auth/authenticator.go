package auth

import (
	"errors"
	"net/http"
	"strings"
)

const TokenCookieName = "casebook_token"

// ErrUnauthenticated means no authenticator could resolve the caller.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is the resolved caller of a request or presence channel.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

// Authenticator resolves the caller of an inbound request. Implementations
// return ErrUnauthenticated (possibly wrapped) when the request carries no
// acceptable credential.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// TokenAuthenticator accepts signed tokens from the token cookie or an
// Authorization bearer header.
type TokenAuthenticator struct {
	secret []byte
}

func NewTokenAuthenticator(secret string) *TokenAuthenticator {
	return &TokenAuthenticator{secret: []byte(secret)}
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		if cookie, err := r.Cookie(TokenCookieName); err == nil {
			token = cookie.Value
		}
	}
	if token == "" {
		return Identity{}, ErrUnauthenticated
	}
	claims, err := ParseToken(a.secret, token)
	if err != nil {
		return Identity{}, errors.Join(ErrUnauthenticated, err)
	}
	return claims.Identity(), nil
}

// Chain tries each authenticator in order and returns the first identity
// resolved. Errors other than ErrUnauthenticated stop the chain.
type Chain []Authenticator

func (c Chain) Authenticate(r *http.Request) (Identity, error) {
	for _, authenticator := range c {
		if authenticator == nil {
			continue
		}
		identity, err := authenticator.Authenticate(r)
		if err == nil {
			return identity, nil
		}
		if !errors.Is(err, ErrUnauthenticated) {
			return Identity{}, err
		}
	}
	return Identity{}, ErrUnauthenticated
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}
