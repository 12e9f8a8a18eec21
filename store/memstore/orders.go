// Package memstore provides in-memory order and session storage for
// single-instance deployments and tests. For durable or shared storage use
// the gormstore and redisstore packages.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/resolvepay/reconcile"
)

// OrderStore is an in-memory implementation of reconcile.OrderStore.
//
// Thread-safe. Updates enforce optimistic concurrency: a write whose
// version no longer matches the stored order fails with
// reconcile.ErrVersionConflict. All reads and writes copy, so callers can
// never alias store-internal state.
type OrderStore struct {
	mu        sync.RWMutex
	byID      map[string]*reconcile.Order
	bySession map[string]string
	byTran    map[string]string
}

// NewOrderStore creates an empty order store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		byID:      make(map[string]*reconcile.Order),
		bySession: make(map[string]string),
		byTran:    make(map[string]string),
	}
}

// Create persists a new order at version 1.
func (s *OrderStore) Create(ctx context.Context, order *reconcile.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[order.ID]; exists {
		return reconcile.ErrDuplicateOrder
	}
	if _, exists := s.bySession[order.SessionID]; exists {
		return reconcile.ErrDuplicateOrder
	}
	if order.TranID != "" {
		if _, exists := s.byTran[order.TranID]; exists {
			return reconcile.ErrDuplicateOrder
		}
	}

	stored := cloneOrder(order)
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.byID[stored.ID] = stored
	s.bySession[stored.SessionID] = stored.ID
	if stored.TranID != "" {
		s.byTran[stored.TranID] = stored.ID
	}
	order.Version = stored.Version
	return nil
}

// Get returns the order by identifier.
func (s *OrderStore) Get(ctx context.Context, id string) (*reconcile.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.byID[id]
	if !exists {
		return nil, reconcile.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// GetBySessionID returns the order created for a checkout session.
func (s *OrderStore) GetBySessionID(ctx context.Context, sessionID string) (*reconcile.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.bySession[sessionID]
	if !exists {
		return nil, reconcile.ErrOrderNotFound
	}
	return cloneOrder(s.byID[id]), nil
}

// GetByTranID returns the order by gateway transaction identifier.
func (s *OrderStore) GetByTranID(ctx context.Context, tranID string) (*reconcile.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byTran[tranID]
	if !exists {
		return nil, reconcile.ErrOrderNotFound
	}
	return cloneOrder(s.byID[id]), nil
}

// Update persists order if its version still matches, then increments the
// version on both the store and the caller's struct.
func (s *OrderStore) Update(ctx context.Context, order *reconcile.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.byID[order.ID]
	if !exists {
		return reconcile.ErrOrderNotFound
	}
	if stored.Version != order.Version {
		return reconcile.ErrVersionConflict
	}

	next := cloneOrder(order)
	next.Version = order.Version + 1
	if stored.TranID == "" && next.TranID != "" {
		s.byTran[next.TranID] = next.ID
	}
	s.byID[next.ID] = next
	order.Version = next.Version
	return nil
}

// ListSyncPending returns due SYNC_PENDING orders ordered by NextSyncAt.
func (s *OrderStore) ListSyncPending(ctx context.Context, now time.Time, limit int) ([]*reconcile.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*reconcile.Order
	for _, order := range s.byID {
		if order.Status != reconcile.StatusSyncPending || order.SyncEscalated {
			continue
		}
		if order.NextSyncAt.After(now) {
			continue
		}
		due = append(due, cloneOrder(order))
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextSyncAt.Before(due[j].NextSyncAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// cloneOrder deep-copies an order, including its raw payload slices.
func cloneOrder(order *reconcile.Order) *reconcile.Order {
	c := *order
	if order.PaymentInfo != nil {
		c.PaymentInfo = append([]byte(nil), order.PaymentInfo...)
	}
	if order.ExternalAPIResponse != nil {
		c.ExternalAPIResponse = append([]byte(nil), order.ExternalAPIResponse...)
	}
	return &c
}

// Ensure OrderStore implements reconcile.OrderStore
var _ reconcile.OrderStore = (*OrderStore)(nil)
