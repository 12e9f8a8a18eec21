// Package gormstore provides durable order and session storage on a GORM
// database. SQLite serves development and tests; the schema and the
// version-guarded update work unchanged on server databases.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/resolvepay/reconcile"
)

// orderRecord is the persisted shape of a reconcile.Order. Session and
// transaction identifiers are unique: exactly one order may exist per
// checkout session and per gateway transaction.
type orderRecord struct {
	ID                  string    `gorm:"column:id;type:uuid;primaryKey"`
	SessionID           string    `gorm:"column:session_id;type:varchar(64);uniqueIndex;not null"`
	TranID              string    `gorm:"column:tran_id;type:varchar(64);uniqueIndex;not null"`
	ValID               string    `gorm:"column:val_id;type:varchar(64);index"`
	Amount              string    `gorm:"column:amount;type:varchar(32);not null"`
	Currency            string    `gorm:"column:currency;type:varchar(8);not null"`
	CustomerName        string    `gorm:"column:customer_name;type:varchar(128)"`
	CustomerEmail       string    `gorm:"column:customer_email;type:varchar(128)"`
	CustomerPhone       string    `gorm:"column:customer_phone;type:varchar(32)"`
	ProductID           string    `gorm:"column:product_id;type:varchar(64)"`
	ProductName         string    `gorm:"column:product_name;type:varchar(256)"`
	Status              string    `gorm:"column:status;type:varchar(16);not null;index"`
	PaymentInfo         []byte    `gorm:"column:payment_info"`
	ExternalAPIResponse []byte    `gorm:"column:external_api_response"`
	SyncAttempts        int       `gorm:"column:sync_attempts;not null;default:0"`
	NextSyncAt          time.Time `gorm:"column:next_sync_at;index"`
	LastSyncError       string    `gorm:"column:last_sync_error;type:text"`
	SyncEscalated       bool      `gorm:"column:sync_escalated;not null;default:false"`
	Version             int64     `gorm:"column:version;not null"`
	CreatedAt           time.Time `gorm:"column:created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at"`
}

func (orderRecord) TableName() string { return "orders" }

// OrderStore is a GORM-backed implementation of reconcile.OrderStore.
//
// Update is a single compare-and-set statement on the version column, so
// optimistic concurrency holds across processes sharing the database.
type OrderStore struct {
	db *gorm.DB
}

// NewOrderStore creates an order store on db.
//
// Open db with gorm.Config{TranslateError: true} so unique-key violations
// surface as reconcile.ErrDuplicateOrder.
func NewOrderStore(db *gorm.DB) *OrderStore {
	return &OrderStore{db: db}
}

// AutoMigrate creates or updates the orders table.
func (s *OrderStore) AutoMigrate() error {
	return s.db.AutoMigrate(&orderRecord{})
}

// Create persists a new order at version 1.
func (s *OrderStore) Create(ctx context.Context, order *reconcile.Order) error {
	record := toOrderRecord(order)
	if record.Version == 0 {
		record.Version = 1
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return reconcile.ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}
	order.Version = record.Version
	return nil
}

// Get returns the order by identifier.
func (s *OrderStore) Get(ctx context.Context, id string) (*reconcile.Order, error) {
	return s.first(ctx, "id = ?", id)
}

// GetBySessionID returns the order created for a checkout session.
func (s *OrderStore) GetBySessionID(ctx context.Context, sessionID string) (*reconcile.Order, error) {
	return s.first(ctx, "session_id = ?", sessionID)
}

// GetByTranID returns the order by gateway transaction identifier.
func (s *OrderStore) GetByTranID(ctx context.Context, tranID string) (*reconcile.Order, error) {
	return s.first(ctx, "tran_id = ?", tranID)
}

func (s *OrderStore) first(ctx context.Context, query string, arg interface{}) (*reconcile.Order, error) {
	var record orderRecord
	err := s.db.WithContext(ctx).Where(query, arg).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, reconcile.ErrOrderNotFound
		}
		return nil, fmt.Errorf("query order: %w", err)
	}
	return fromOrderRecord(&record)
}

// Update applies the order's mutable fields where the stored version still
// matches, then increments the version on the caller's struct. A write that
// matched no row is either a stale version or a missing order.
func (s *OrderStore) Update(ctx context.Context, order *reconcile.Order) error {
	updates := map[string]interface{}{
		"tran_id":               order.TranID,
		"val_id":                order.ValID,
		"status":                string(order.Status),
		"payment_info":          []byte(order.PaymentInfo),
		"external_api_response": []byte(order.ExternalAPIResponse),
		"sync_attempts":         order.SyncAttempts,
		"next_sync_at":          order.NextSyncAt,
		"last_sync_error":       order.LastSyncError,
		"sync_escalated":        order.SyncEscalated,
		"updated_at":            order.UpdatedAt,
		"version":               order.Version + 1,
	}

	result := s.db.WithContext(ctx).
		Model(&orderRecord{}).
		Where("id = ? AND version = ?", order.ID, order.Version).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("update order: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&orderRecord{}).Where("id = ?", order.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		if count == 0 {
			return reconcile.ErrOrderNotFound
		}
		return reconcile.ErrVersionConflict
	}
	order.Version++
	return nil
}

// ListSyncPending returns due SYNC_PENDING orders ordered by NextSyncAt.
func (s *OrderStore) ListSyncPending(ctx context.Context, now time.Time, limit int) ([]*reconcile.Order, error) {
	var records []orderRecord
	q := s.db.WithContext(ctx).
		Where("status = ? AND sync_escalated = ? AND next_sync_at <= ?", string(reconcile.StatusSyncPending), false, now).
		Order("next_sync_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list sync pending orders: %w", err)
	}

	orders := make([]*reconcile.Order, 0, len(records))
	for i := range records {
		order, err := fromOrderRecord(&records[i])
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func toOrderRecord(order *reconcile.Order) *orderRecord {
	return &orderRecord{
		ID:                  order.ID,
		SessionID:           order.SessionID,
		TranID:              order.TranID,
		ValID:               order.ValID,
		Amount:              order.Amount.String(),
		Currency:            order.Currency,
		CustomerName:        order.Customer.Name,
		CustomerEmail:       order.Customer.Email,
		CustomerPhone:       order.Customer.Phone,
		ProductID:           order.ProductID,
		ProductName:         order.ProductName,
		Status:              string(order.Status),
		PaymentInfo:         []byte(order.PaymentInfo),
		ExternalAPIResponse: []byte(order.ExternalAPIResponse),
		SyncAttempts:        order.SyncAttempts,
		NextSyncAt:          order.NextSyncAt,
		LastSyncError:       order.LastSyncError,
		SyncEscalated:       order.SyncEscalated,
		Version:             order.Version,
		CreatedAt:           order.CreatedAt,
		UpdatedAt:           order.UpdatedAt,
	}
}

func fromOrderRecord(record *orderRecord) (*reconcile.Order, error) {
	amount, err := decimal.NewFromString(record.Amount)
	if err != nil {
		return nil, fmt.Errorf("order %s has malformed amount %q: %w", record.ID, record.Amount, err)
	}
	return &reconcile.Order{
		ID:        record.ID,
		SessionID: record.SessionID,
		TranID:    record.TranID,
		ValID:     record.ValID,
		Amount:    amount,
		Currency:  record.Currency,
		Customer: reconcile.Customer{
			Name:  record.CustomerName,
			Email: record.CustomerEmail,
			Phone: record.CustomerPhone,
		},
		ProductID:           record.ProductID,
		ProductName:         record.ProductName,
		Status:              reconcile.OrderStatus(record.Status),
		PaymentInfo:         record.PaymentInfo,
		ExternalAPIResponse: record.ExternalAPIResponse,
		SyncAttempts:        record.SyncAttempts,
		NextSyncAt:          record.NextSyncAt,
		LastSyncError:       record.LastSyncError,
		SyncEscalated:       record.SyncEscalated,
		Version:             record.Version,
		CreatedAt:           record.CreatedAt,
		UpdatedAt:           record.UpdatedAt,
	}, nil
}

// Ensure OrderStore implements reconcile.OrderStore
var _ reconcile.OrderStore = (*OrderStore)(nil)
