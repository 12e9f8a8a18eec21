package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/resolvepay/reconcile"
)

type sessionRecord struct {
	ID        string    `gorm:"column:id;type:varchar(64);primaryKey"`
	OrderID   string    `gorm:"column:order_id;type:uuid;not null;index"`
	CreatedAt time.Time `gorm:"column:created_at"`
	ExpiresAt time.Time `gorm:"column:expires_at;index"`
}

func (sessionRecord) TableName() string { return "checkout_sessions" }

// SessionStore is a GORM-backed implementation of reconcile.SessionStore.
// Expired rows are invisible to Get; PurgeExpired removes them.
type SessionStore struct {
	db  *gorm.DB
	now func() time.Time
}

// NewSessionStore creates a session store on db.
func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db, now: time.Now}
}

// AutoMigrate creates or updates the sessions table.
func (s *SessionStore) AutoMigrate() error {
	return s.db.AutoMigrate(&sessionRecord{})
}

// Put stores or replaces a session.
func (s *SessionStore) Put(ctx context.Context, session *reconcile.Session) error {
	record := sessionRecord{
		ID:        session.ID,
		OrderID:   session.OrderID,
		CreatedAt: session.CreatedAt,
		ExpiresAt: session.ExpiresAt,
	}
	if err := s.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Get returns the session when it exists and has not expired.
func (s *SessionStore) Get(ctx context.Context, id string) (*reconcile.Session, error) {
	var record sessionRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, reconcile.ErrSessionNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	if !record.ExpiresAt.IsZero() && s.now().After(record.ExpiresAt) {
		return nil, reconcile.ErrSessionNotFound
	}
	return &reconcile.Session{
		ID:        record.ID,
		OrderID:   record.OrderID,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// Delete removes a session. Deleting an unknown session is a no-op.
func (s *SessionStore) Delete(ctx context.Context, id string) error {
	if err := s.db.WithContext(ctx).Where("id = ?", id).Delete(&sessionRecord{}).Error; err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// PurgeExpired deletes sessions whose TTL elapsed before now and reports
// how many were removed. Meant for a periodic maintenance job.
func (s *SessionStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&sessionRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("purge sessions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Ensure SessionStore implements reconcile.SessionStore
var _ reconcile.SessionStore = (*SessionStore)(nil)
