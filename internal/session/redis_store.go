// Package session resolves browser session cookies against Redis.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"casebook/api/internal/auth"
	"github.com/redis/go-redis/v9"
)

const CookieName = "casebook_sid"

// lookupTimeout bounds a single session lookup so a stalled Redis cannot
// hold up a websocket handshake indefinitely.
const lookupTimeout = 3 * time.Second

// sessionData is the JSON value stored for each session id.
type sessionData struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore keeps session-id → identity mappings in Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "session:",
	}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// SaveSession stores identity under sessionID until ttl elapses.
func (s *RedisStore) SaveSession(ctx context.Context, sessionID string, identity auth.Identity, ttl time.Duration) error {
	data := sessionData{
		UserID:    identity.UserID,
		Username:  identity.Username,
		Role:      identity.Role,
		CreatedAt: time.Now(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal session data: %w", err)
	}

	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	if err := s.client.Set(ctx, s.key(sessionID), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// LookupSession returns the identity stored for sessionID. A missing or
// expired session yields auth.ErrUnauthenticated.
func (s *RedisStore) LookupSession(ctx context.Context, sessionID string) (auth.Identity, error) {
	jsonData, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	if err != nil {
		return auth.Identity{}, fmt.Errorf("lookup session: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return auth.Identity{}, fmt.Errorf("unmarshal session data: %w", err)
	}
	if data.UserID == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}

	return auth.Identity{
		UserID:   data.UserID,
		Username: data.Username,
		Role:     data.Role,
	}, nil
}

// RevokeSession deletes a session
func (s *RedisStore) RevokeSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Authenticate implements auth.Authenticator using the session cookie.
func (s *RedisStore) Authenticate(r *http.Request) (auth.Identity, error) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	defer cancel()
	return s.LookupSession(ctx, cookie.Value)
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var _ auth.Authenticator = (*RedisStore)(nil)
