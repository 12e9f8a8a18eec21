// Package redisstore provides session storage on Redis for load-balanced
// deployments. TTLs are enforced server-side, so session expiry behaves
// identically across every instance sharing the server.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/resolvepay/reconcile"
)

// SessionStore is a Redis-backed implementation of reconcile.SessionStore.
type SessionStore struct {
	client redis.UniversalClient
	prefix string
}

// Option configures a SessionStore.
type Option func(*SessionStore)

// WithKeyPrefix sets the key namespace prepended to every session key.
//
// Default: "reconcile:session:"
func WithKeyPrefix(prefix string) Option {
	return func(s *SessionStore) {
		s.prefix = prefix
	}
}

// NewSessionStore creates a session store on the given client.
func NewSessionStore(client redis.UniversalClient, opts ...Option) *SessionStore {
	s := &SessionStore{client: client, prefix: "reconcile:session:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores the session with a TTL derived from its ExpiresAt. A session
// that is already expired is not stored.
func (s *SessionStore) Put(ctx context.Context, session *reconcile.Session) error {
	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+session.ID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("redis set session: %w", err)
	}
	return nil
}

// Get returns the session, or reconcile.ErrSessionNotFound once the TTL
// elapsed or the key never existed.
func (s *SessionStore) Get(ctx context.Context, id string) (*reconcile.Session, error) {
	payload, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, reconcile.ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var session reconcile.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &session, nil
}

// Delete removes a session. Deleting an unknown session is a no-op.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.prefix+id).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

// Ensure SessionStore implements reconcile.SessionStore
var _ reconcile.SessionStore = (*SessionStore)(nil)
