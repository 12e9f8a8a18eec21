package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/resolvepay/reconcile"
)

// SessionStore is an in-memory implementation of reconcile.SessionStore.
//
// Sessions expire at their ExpiresAt; expired entries are invisible to Get
// and lazily cleaned up on writes.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*reconcile.Session
	now      func() time.Time
}

// SessionOption configures a SessionStore.
type SessionOption func(*SessionStore)

// WithSessionClock sets the time source used for expiry decisions.
// Tests use this to step through session lifetimes deterministically.
//
// Default: time.Now
func WithSessionClock(clock func() time.Time) SessionOption {
	return func(s *SessionStore) {
		s.now = clock
	}
}

// NewSessionStore creates an empty session store.
func NewSessionStore(opts ...SessionOption) *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]*reconcile.Session),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores or replaces a session.
func (s *SessionStore) Put(ctx context.Context, session *reconcile.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *session
	s.sessions[stored.ID] = &stored
	s.cleanupExpiredLocked()
	return nil
}

// Get returns the session when it exists and has not expired.
func (s *SessionStore) Get(ctx context.Context, id string) (*reconcile.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, reconcile.ErrSessionNotFound
	}
	if !session.ExpiresAt.IsZero() && s.now().After(session.ExpiresAt) {
		// Expired - clean it up
		delete(s.sessions, id)
		return nil, reconcile.ErrSessionNotFound
	}
	c := *session
	return &c, nil
}

// Delete removes a session. Deleting an unknown session is a no-op.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// cleanupExpiredLocked removes expired sessions. Must be called with lock held.
func (s *SessionStore) cleanupExpiredLocked() {
	now := s.now()
	for id, session := range s.sessions {
		if !session.ExpiresAt.IsZero() && now.After(session.ExpiresAt) {
			delete(s.sessions, id)
		}
	}
}

// Ensure SessionStore implements reconcile.SessionStore
var _ reconcile.SessionStore = (*SessionStore)(nil)
