package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Audience is the only aud value TokenAuthenticator accepts.
const Audience = "casebook"

// expiryLeeway tolerates clock skew between the identity service and us.
const expiryLeeway = 30 * time.Second

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
	Aud  string `json:"aud"`
	Exp  int64  `json:"exp"`
}

func (c Claims) Identity() Identity {
	return Identity{UserID: c.Sub, Username: c.Name, Role: c.Role}
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// IssueToken signs claims with secret. An empty Aud is filled with Audience.
// Tokens are normally minted by the identity service; this exists for tools
// and tests.
func IssueToken(secret []byte, claims Claims) (string, error) {
	if claims.Aud == "" {
		claims.Aud = Audience
	}
	body, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(body)
	return payload + "." + sign(secret, payload), nil
}

// ParseToken verifies the signature, audience and expiry of token.
func ParseToken(secret []byte, token string) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(sign(secret, payload))) {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	switch {
	case claims.Sub == "", claims.Name == "", claims.Exp == 0:
		return Claims{}, ErrInvalidToken
	case claims.Aud != Audience:
		return Claims{}, fmt.Errorf("%w: audience %q", ErrInvalidToken, claims.Aud)
	}
	if time.Now().Add(-expiryLeeway).Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func sign(secret []byte, payload string) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
