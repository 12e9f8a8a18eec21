package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Test Doubles
// ============================================================================

// mockOrderStore is an in-memory OrderStore with optional write-failure
// injection. Reads and writes copy, mirroring the aliasing contract real
// stores keep.
type mockOrderStore struct {
	mu         sync.Mutex
	orders     map[string]*Order
	failUpdate func(order *Order) error
}

func newMockOrderStore() *mockOrderStore {
	return &mockOrderStore{orders: make(map[string]*Order)}
}

func (m *mockOrderStore) Create(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.SessionID == order.SessionID || (order.TranID != "" && o.TranID == order.TranID) {
			return ErrDuplicateOrder
		}
	}
	stored := copyOrder(order)
	if stored.Version == 0 {
		stored.Version = 1
	}
	m.orders[stored.ID] = stored
	order.Version = stored.Version
	return nil
}

func (m *mockOrderStore) Get(ctx context.Context, id string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (m *mockOrderStore) GetBySessionID(ctx context.Context, sessionID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.SessionID == sessionID {
			return copyOrder(o), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *mockOrderStore) GetByTranID(ctx context.Context, tranID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.TranID == tranID {
			return copyOrder(o), nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *mockOrderStore) Update(ctx context.Context, order *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpdate != nil {
		if err := m.failUpdate(order); err != nil {
			return err
		}
	}
	stored, ok := m.orders[order.ID]
	if !ok {
		return ErrOrderNotFound
	}
	if stored.Version != order.Version {
		return ErrVersionConflict
	}
	next := copyOrder(order)
	next.Version = order.Version + 1
	m.orders[next.ID] = next
	order.Version = next.Version
	return nil
}

func (m *mockOrderStore) ListSyncPending(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*Order
	for _, o := range m.orders {
		if o.Status != StatusSyncPending || o.SyncEscalated || o.NextSyncAt.After(now) {
			continue
		}
		due = append(due, copyOrder(o))
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextSyncAt.Before(due[j].NextSyncAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func copyOrder(order *Order) *Order {
	c := *order
	if order.PaymentInfo != nil {
		c.PaymentInfo = append(json.RawMessage(nil), order.PaymentInfo...)
	}
	if order.ExternalAPIResponse != nil {
		c.ExternalAPIResponse = append(json.RawMessage(nil), order.ExternalAPIResponse...)
	}
	return &c
}

type mockSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMockSessionStore() *mockSessionStore {
	return &mockSessionStore{sessions: make(map[string]*Session)}
}

func (m *mockSessionStore) Put(ctx context.Context, session *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *session
	m.sessions[session.ID] = &c
	return nil
}

func (m *mockSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.Expired() {
		return nil, ErrSessionNotFound
	}
	c := *s
	return &c, nil
}

func (m *mockSessionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// mockLocker hands out exclusive leases from a plain map. Keys listed in
// denied always report contention.
type mockLocker struct {
	mu     sync.Mutex
	held   map[string]bool
	denied map[string]bool
}

func newMockLocker() *mockLocker {
	return &mockLocker{held: make(map[string]bool), denied: make(map[string]bool)}
}

func (m *mockLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.denied[key] || m.held[key] {
		return nil, ErrLeaseHeld
	}
	m.held[key] = true
	return &mockLease{locker: m, key: key}, nil
}

type mockLease struct {
	locker *mockLocker
	key    string
}

func (l *mockLease) Key() string { return l.key }

func (l *mockLease) Release(ctx context.Context) error {
	l.locker.mu.Lock()
	defer l.locker.mu.Unlock()
	delete(l.locker.held, l.key)
	return nil
}

// mockValidator echoes the notification outcome unless overridden.
type mockValidator struct {
	mu       sync.Mutex
	calls    int
	validate func(ctx context.Context, n IPNotification, want Expectation) (*ValidationResult, error)
}

func (m *mockValidator) Validate(ctx context.Context, n IPNotification, want Expectation) (*ValidationResult, error) {
	m.mu.Lock()
	m.calls++
	fn := m.validate
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, n, want)
	}
	outcome := n.Outcome
	if outcome == "" {
		outcome = OutcomeSuccessful
	}
	return &ValidationResult{
		Outcome: outcome,
		ValID:   n.ValID,
		Amount:  n.Amount,
		Raw:     json.RawMessage(`{"status":"VALID"}`),
	}, nil
}

func (m *mockValidator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockProvisioner struct {
	mu        sync.Mutex
	calls     int
	provision func(ctx context.Context, order *Order) (json.RawMessage, error)
}

func (m *mockProvisioner) Provision(ctx context.Context, order *Order) (json.RawMessage, error) {
	m.mu.Lock()
	m.calls++
	fn := m.provision
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, order)
	}
	return json.RawMessage(`{"fulfilled":true}`), nil
}

func (m *mockProvisioner) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockCheckout struct {
	mu             sync.Mutex
	calls          int
	createCheckout func(ctx context.Context, order *Order) (*CheckoutSession, error)
}

func (m *mockCheckout) CreateCheckout(ctx context.Context, order *Order) (*CheckoutSession, error) {
	m.mu.Lock()
	m.calls++
	fn := m.createCheckout
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, order)
	}
	return &CheckoutSession{
		TranID:      "tx-" + order.ID,
		RedirectURL: "https://gateway.test/checkout/" + order.ID,
	}, nil
}

func (m *mockCheckout) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// recordingBroadcaster captures every published status event.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []StatusEvent
}

func (b *recordingBroadcaster) Publish(sessionID string, event StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *recordingBroadcaster) Events() []StatusEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StatusEvent(nil), b.events...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// engineFixture wires an Engine over fresh test doubles.
type engineFixture struct {
	orders      *mockOrderStore
	sessions    *mockSessionStore
	locks       *mockLocker
	validator   *mockValidator
	provisioner *mockProvisioner
	checkout    *mockCheckout
	events      *recordingBroadcaster
	engine      *Engine
}

func newEngineFixture(opts ...EngineOption) *engineFixture {
	f := &engineFixture{
		orders:      newMockOrderStore(),
		sessions:    newMockSessionStore(),
		locks:       newMockLocker(),
		validator:   &mockValidator{},
		provisioner: &mockProvisioner{},
		checkout:    &mockCheckout{},
		events:      &recordingBroadcaster{},
	}
	base := []EngineOption{
		WithCheckoutClient(f.checkout),
		WithBroadcaster(f.events),
		WithLogger(quietLogger()),
	}
	f.engine = New(f.orders, f.sessions, f.locks, f.validator, f.provisioner, append(base, opts...)...)
	return f
}

func (f *engineFixture) initiate(t *testing.T) *InitResult {
	t.Helper()
	result, err := f.engine.Initiate(context.Background(), InitRequest{
		ProductID:   "plan-pro",
		ProductName: "Pro Plan",
		Amount:      decimal.RequireFromString("250.50"),
		Currency:    "bdt",
		Customer:    Customer{Name: "Arif Hossain", Email: "arif@example.com"},
	})
	if err != nil {
		t.Fatalf("Initiate failed: %v", err)
	}
	return result
}

func successNotification(result *InitResult) IPNotification {
	return IPNotification{
		SessionID: result.SessionID,
		TranID:    result.TranID,
		ValID:     "val-1",
		Amount:    decimal.RequireFromString("250.50"),
		Currency:  "BDT",
		Outcome:   OutcomeSuccessful,
	}
}

// ============================================================================
// Initiation
// ============================================================================

func TestInitiateCreatesOrderAndSession(t *testing.T) {
	f := newEngineFixture()

	result := f.initiate(t)
	if result.SessionID == "" {
		t.Fatal("Expected a session identifier")
	}
	if result.TranID == "" {
		t.Fatal("Expected a transaction identifier")
	}
	if result.RedirectURL == "" {
		t.Error("Expected a checkout redirect URL")
	}
	if result.Status != StatusPending {
		t.Errorf("Expected status PENDING, got %s", result.Status)
	}

	order, err := f.orders.GetBySessionID(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("Order not persisted: %v", err)
	}
	if order.Status != StatusPending {
		t.Errorf("Expected persisted status PENDING, got %s", order.Status)
	}
	if order.Currency != "BDT" {
		t.Errorf("Expected currency normalized to BDT, got %s", order.Currency)
	}
	if order.TranID != result.TranID {
		t.Errorf("Expected order tran_id %s, got %s", result.TranID, order.TranID)
	}

	session, err := f.sessions.Get(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("Session not stored: %v", err)
	}
	if session.OrderID != order.ID {
		t.Errorf("Session maps to order %s, want %s", session.OrderID, order.ID)
	}
	if !session.ExpiresAt.After(session.CreatedAt) {
		t.Error("Expected session expiry after creation time")
	}
}

func TestInitiateValidation(t *testing.T) {
	valid := InitRequest{
		ProductID: "plan-pro",
		Amount:    decimal.RequireFromString("100"),
		Currency:  "BDT",
		Customer:  Customer{Name: "A", Email: "a@example.com"},
	}

	tests := []struct {
		name   string
		mutate func(r *InitRequest)
	}{
		{"zero amount", func(r *InitRequest) { r.Amount = decimal.Zero }},
		{"negative amount", func(r *InitRequest) { r.Amount = decimal.RequireFromString("-5") }},
		{"empty currency", func(r *InitRequest) { r.Currency = "" }},
		{"malformed currency", func(r *InitRequest) { r.Currency = "TAKA" }},
		{"missing product", func(r *InitRequest) { r.ProductID = "" }},
		{"missing customer email", func(r *InitRequest) { r.Customer.Email = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture()
			req := valid
			tt.mutate(&req)

			_, err := f.engine.Initiate(context.Background(), req)
			if ErrorCode(err) != ErrCodeInvalidRequest {
				t.Fatalf("Expected invalid_request, got %v", err)
			}
			if f.checkout.Calls() != 0 {
				t.Error("Checkout must not run for an invalid request")
			}
		})
	}
}

func TestInitiateCheckoutFailure(t *testing.T) {
	f := newEngineFixture()
	f.checkout.createCheckout = func(ctx context.Context, order *Order) (*CheckoutSession, error) {
		return nil, errors.New("gateway timeout")
	}

	_, err := f.engine.Initiate(context.Background(), InitRequest{
		ProductID: "plan-pro",
		Amount:    decimal.RequireFromString("100"),
		Currency:  "BDT",
		Customer:  Customer{Name: "A", Email: "a@example.com"},
	})
	if ErrorCode(err) != ErrCodeCheckoutFailed {
		t.Fatalf("Expected checkout_failed, got %v", err)
	}

	// Nothing must be persisted for a checkout that never started.
	f.orders.mu.Lock()
	stored := len(f.orders.orders)
	f.orders.mu.Unlock()
	if stored != 0 {
		t.Errorf("Expected no orders persisted, found %d", stored)
	}
}

// ============================================================================
// Notification Processing
// ============================================================================

func TestProcessNotificationSuccess(t *testing.T) {
	f := newEngineFixture()
	result := f.initiate(t)

	var hops []string
	f.engine.OnAfterTransition(func(tc TransitionContext) error {
		hops = append(hops, string(tc.From)+">"+string(tc.To))
		return nil
	})

	res, err := f.engine.ProcessNotification(context.Background(), successNotification(result))
	if err != nil {
		t.Fatalf("ProcessNotification failed: %v", err)
	}
	if res.Duplicate {
		t.Error("First delivery must not report duplicate")
	}
	if res.Order.Status != StatusSuccess {
		t.Fatalf("Expected SUCCESS, got %s", res.Order.Status)
	}
	if res.Order.ValID != "val-1" {
		t.Errorf("Expected val_id recorded, got %q", res.Order.ValID)
	}
	if len(res.Order.PaymentInfo) == 0 {
		t.Error("Expected validator response recorded on the order")
	}
	if len(res.Order.ExternalAPIResponse) == 0 {
		t.Error("Expected provisioning response recorded on the order")
	}

	if f.provisioner.Calls() != 1 {
		t.Errorf("Expected exactly one provisioning call, got %d", f.provisioner.Calls())
	}

	events := f.events.Events()
	if len(events) != 1 {
		t.Fatalf("Expected exactly one status event, got %d", len(events))
	}
	if events[0].SessionID != result.SessionID || events[0].Status != StatusSuccess {
		t.Errorf("Unexpected event %+v", events[0])
	}

	want := []string{"PENDING>VALIDATED", "VALIDATED>SUCCESS"}
	if len(hops) != len(want) || hops[0] != want[0] || hops[1] != want[1] {
		t.Errorf("Unexpected transition sequence %v", hops)
	}
}

func TestProcessNotificationTerminalOutcomes(t *testing.T) {
	tests := []struct {
		outcome string
		status  OrderStatus
	}{
		{OutcomeFailed, StatusFailed},
		{OutcomeCancelled, StatusCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			f := newEngineFixture()
			result := f.initiate(t)

			n := successNotification(result)
			n.Outcome = tt.outcome

			res, err := f.engine.ProcessNotification(context.Background(), n)
			if err != nil {
				t.Fatalf("ProcessNotification failed: %v", err)
			}
			if res.Order.Status != tt.status {
				t.Fatalf("Expected %s, got %s", tt.status, res.Order.Status)
			}
			if f.provisioner.Calls() != 0 {
				t.Error("Provisioning must not run for a non-successful payment")
			}

			events := f.events.Events()
			if len(events) != 1 || events[0].Status != tt.status {
				t.Errorf("Expected one %s event, got %v", tt.status, events)
			}
		})
	}
}

func TestProcessNotificationDuplicateRedelivery(t *testing.T) {
	f := newEngineFixture()
	result := f.initiate(t)
	n := successNotification(result)

	if _, err := f.engine.ProcessNotification(context.Background(), n); err != nil {
		t.Fatalf("First delivery failed: %v", err)
	}

	res, err := f.engine.ProcessNotification(context.Background(), n)
	if err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}
	if !res.Duplicate {
		t.Error("Redelivery must be reported as duplicate")
	}
	if res.Order.Status != StatusSuccess {
		t.Errorf("Expected SUCCESS, got %s", res.Order.Status)
	}

	if f.provisioner.Calls() != 1 {
		t.Errorf("Redelivery must not provision again, got %d calls", f.provisioner.Calls())
	}
	if len(f.events.Events()) != 1 {
		t.Errorf("Redelivery must not rebroadcast, got %d events", len(f.events.Events()))
	}
}

func TestProcessNotificationConflictingFinalization(t *testing.T) {
	f := newEngineFixture()
	result := f.initiate(t)

	if _, err := f.engine.ProcessNotification(context.Background(), successNotification(result)); err != nil {
		t.Fatalf("First delivery failed: %v", err)
	}

	var conflict *ConflictContext
	f.engine.OnConflict(func(cc ConflictContext) error {
		conflict = &cc
		return nil
	})

	contradicting := successNotification(result)
	contradicting.Outcome = OutcomeFailed

	_, err := f.engine.ProcessNotification(context.Background(), contradicting)
	if ErrorCode(err) != ErrCodeConflictingFinalization {
		t.Fatalf("Expected conflicting_finalization, got %v", err)
	}

	// The finalized decision never regresses.
	order, _ := f.orders.GetBySessionID(context.Background(), result.SessionID)
	if order.Status != StatusSuccess {
		t.Errorf("Expected order to stay SUCCESS, got %s", order.Status)
	}
	if len(f.events.Events()) != 1 {
		t.Errorf("Conflict must not broadcast, got %d events", len(f.events.Events()))
	}

	if conflict == nil {
		t.Fatal("Expected conflict hook to fire")
	}
	if conflict.Reported != OutcomeFailed {
		t.Errorf("Expected reported outcome FAILED, got %s", conflict.Reported)
	}
	if conflict.Order.ID != order.ID {
		t.Errorf("Conflict hook saw order %s, want %s", conflict.Order.ID, order.ID)
	}
}

func TestProcessNotificationValidationFailure(t *testing.T) {
	f := newEngineFixture()
	result := f.initiate(t)

	f.validator.validate = func(ctx context.Context, n IPNotification, want Expectation) (*ValidationResult, error) {
		return nil, errors.New("amount mismatch")
	}

	_, err := f.engine.ProcessNotification(context.Background(), successNotification(result))
	if ErrorCode(err) != ErrCodeValidationFailed {
		t.Fatalf("Expected validation_failed, got %v", err)
	}

	// The order is untouched so gateway redelivery can retry.
	order, _ := f.orders.GetBySessionID(context.Background(), result.SessionID)
	if order.Status != StatusPending {
		t.Errorf("Expected order to stay PENDING, got %s", order.Status)
	}
	if f.provisioner.Calls() != 0 {
		t.Error("Provisioning must not run for an unvalidated notification")
	}
	if len(f.events.Events()) != 0 {
		t.Error("No event may be broadcast for an unvalidated notification")
	}
}

func TestProcessNotificationUnresolvedSession(t *testing.T) {
	f := newEngineFixture()

	_, err := f.engine.ProcessNotification(context.Background(), IPNotification{
		SessionID: "sess-unknown",
		TranID:    "tx-unknown",
		Outcome:   OutcomeSuccessful,
	})
	if ErrorCode(err) != ErrCodeUnresolvedSession {
		t.Fatalf("Expected unresolved_session, got %v", err)
	}
}

func TestProcessNotificationMissingTranID(t *testing.T) {
	f := newEngineFixture()

	_, err := f.engine.ProcessNotification(context.Background(), IPNotification{
		SessionID: "sess-1",
		Outcome:   OutcomeSuccessful,
	})
	if ErrorCode(err) != ErrCodeInvalidNotification {
		t.Fatalf("Expected invalid_notification, got %v", err)
	}
}

func TestProcessNotificationLeaseContention(t *testing.T) {
	f := newEngineFixture()
	result := f.initiate(t)

	f.locks.mu.Lock()
	f.locks.denied["tran:"+result.TranID] = true
	f.locks.mu.Unlock()

	res, err := f.engine.ProcessNotification(context.Background(), successNotification(result))
	if err != nil {
		t.Fatalf("Contended delivery must not error: %v", err)
	}
	if !res.Duplicate {
		t.Error("Contended delivery must report duplicate")
	}
	if res.Order.Status != StatusPending {
		t.Errorf("Expected persisted state PENDING, got %s", res.Order.Status)
	}

	// The lease holder owns the outcome; the loser must not validate.
	if f.validator.Calls() != 0 {
		t.Errorf("Expected no validation under contention, got %d calls", f.validator.Calls())
	}
}

func TestProcessNotificationAfterSessionExpiry(t *testing.T) {
	f := newEngineFixture()
	result := f.initiate(t)

	// The checkout session is gone but the order must stay resolvable.
	if err := f.sessions.Delete(context.Background(), result.SessionID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	res, err := f.engine.ProcessNotification(context.Background(), successNotification(result))
	if err != nil {
		t.Fatalf("ProcessNotification failed after session expiry: %v", err)
	}
	if res.Order.Status != StatusSuccess {
		t.Errorf("Expected SUCCESS, got %s", res.Order.Status)
	}
}

func TestProcessNotificationResolvesByTranID(t *testing.T) {
	f := newEngineFixture()
	result := f.initiate(t)

	// Some gateways omit the session reference entirely.
	n := successNotification(result)
	n.SessionID = ""

	res, err := f.engine.ProcessNotification(context.Background(), n)
	if err != nil {
		t.Fatalf("ProcessNotification by tran_id failed: %v", err)
	}
	if res.Order.SessionID != result.SessionID {
		t.Errorf("Resolved wrong order: session %s, want %s", res.Order.SessionID, result.SessionID)
	}
}

// ============================================================================
// Provisioning Failure Handling
// ============================================================================

func TestProvisioningFailureParksSyncPending(t *testing.T) {
	start := time.Unix(1700000000, 0)
	f := newEngineFixture(
		WithClock(func() time.Time { return start }),
		WithSyncBackoffBase(time.Minute),
	)
	result := f.initiate(t)

	f.provisioner.provision = func(ctx context.Context, order *Order) (json.RawMessage, error) {
		return nil, errors.New("connection refused")
	}

	res, err := f.engine.ProcessNotification(context.Background(), successNotification(result))
	if err != nil {
		t.Fatalf("ProcessNotification failed: %v", err)
	}
	if res.Duplicate {
		t.Error("First delivery must not report duplicate")
	}
	if res.Order.Status != StatusSyncPending {
		t.Fatalf("Expected SYNC_PENDING, got %s", res.Order.Status)
	}
	if res.Order.SyncAttempts != 1 {
		t.Errorf("Expected one recorded attempt, got %d", res.Order.SyncAttempts)
	}
	if !res.Order.NextSyncAt.Equal(start.Add(time.Minute)) {
		t.Errorf("Expected retry at %v, got %v", start.Add(time.Minute), res.Order.NextSyncAt)
	}
	if res.Order.LastSyncError == "" {
		t.Error("Expected the provisioning error recorded")
	}

	events := f.events.Events()
	if len(events) != 1 || events[0].Status != StatusSyncPending {
		t.Errorf("Expected one SYNC_PENDING event, got %v", events)
	}

	// Gateway redelivery confirms the decided payment idempotently and
	// does not drive a second inline provisioning attempt.
	res2, err := f.engine.ProcessNotification(context.Background(), successNotification(result))
	if err != nil {
		t.Fatalf("Redelivery failed: %v", err)
	}
	if !res2.Duplicate {
		t.Error("Redelivery against SYNC_PENDING must confirm as duplicate")
	}
	if f.provisioner.Calls() != 1 {
		t.Errorf("Expected provisioning attempted once, got %d", f.provisioner.Calls())
	}
}

func TestValidatedOrderResumesProvisioning(t *testing.T) {
	f := newEngineFixture()
	result := f.initiate(t)

	// A processor that crashed between validation and provisioning leaves
	// the order VALIDATED. The next delivery resumes from there.
	order, err := f.orders.GetBySessionID(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	order.Status = StatusValidated
	order.ValID = "val-1"
	if err := f.orders.Update(context.Background(), order); err != nil {
		t.Fatalf("Staging update failed: %v", err)
	}

	res, err := f.engine.ProcessNotification(context.Background(), successNotification(result))
	if err != nil {
		t.Fatalf("ProcessNotification failed: %v", err)
	}
	if res.Order.Status != StatusSuccess {
		t.Fatalf("Expected SUCCESS, got %s", res.Order.Status)
	}
	if f.provisioner.Calls() != 1 {
		t.Errorf("Expected exactly one provisioning call, got %d", f.provisioner.Calls())
	}
}

func TestVersionConflictResolvesAsDuplicate(t *testing.T) {
	f := newEngineFixture()
	result := f.initiate(t)

	// First commit loses to a concurrent writer; the engine re-reads and
	// yields to the winner instead of erroring.
	conflicted := false
	f.orders.failUpdate = func(order *Order) error {
		if !conflicted {
			conflicted = true
			return ErrVersionConflict
		}
		return nil
	}

	res, err := f.engine.ProcessNotification(context.Background(), successNotification(result))
	if err != nil {
		t.Fatalf("Expected duplicate resolution, got error: %v", err)
	}
	if !res.Duplicate {
		t.Error("Expected duplicate after losing the version race")
	}
	if f.provisioner.Calls() != 0 {
		t.Error("Loser of the version race must not provision")
	}
}

// ============================================================================
// Concurrency
// ============================================================================

func TestConcurrentRedeliveriesProvisionOnce(t *testing.T) {
	f := newEngineFixture()
	result := f.initiate(t)
	n := successNotification(result)

	const deliveries = 16
	results := make([]*ProcessResult, deliveries)
	errs := make([]error, deliveries)

	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.ProcessNotification(context.Background(), n)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < deliveries; i++ {
		if errs[i] != nil {
			t.Fatalf("Delivery %d failed: %v", i, errs[i])
		}
		if !results[i].Duplicate {
			winners++
		}
	}
	if winners != 1 {
		t.Errorf("Expected exactly one non-duplicate delivery, got %d", winners)
	}

	if f.provisioner.Calls() != 1 {
		t.Errorf("Expected exactly one provisioning call, got %d", f.provisioner.Calls())
	}

	order, _ := f.orders.GetBySessionID(context.Background(), result.SessionID)
	if order.Status != StatusSuccess {
		t.Errorf("Expected SUCCESS, got %s", order.Status)
	}
	if len(f.events.Events()) != 1 {
		t.Errorf("Expected exactly one broadcast, got %d", len(f.events.Events()))
	}
}

// ============================================================================
// Status
// ============================================================================

func TestStatusSnapshot(t *testing.T) {
	f := newEngineFixture()
	result := f.initiate(t)

	snap, err := f.engine.Status(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Status != StatusPending {
		t.Errorf("Expected PENDING, got %s", snap.Status)
	}
	if snap.TranID != result.TranID {
		t.Errorf("Expected tran_id %s, got %s", result.TranID, snap.TranID)
	}
	if !snap.Amount.Equal(decimal.RequireFromString("250.50")) {
		t.Errorf("Unexpected amount %s", snap.Amount)
	}

	if _, err := f.engine.ProcessNotification(context.Background(), successNotification(result)); err != nil {
		t.Fatalf("ProcessNotification failed: %v", err)
	}

	snap, err = f.engine.Status(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if snap.Status != StatusSuccess {
		t.Errorf("Expected SUCCESS, got %s", snap.Status)
	}
}

func TestStatusSurvivesSessionExpiry(t *testing.T) {
	f := newEngineFixture()
	result := f.initiate(t)

	if err := f.sessions.Delete(context.Background(), result.SessionID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	snap, err := f.engine.Status(context.Background(), result.SessionID)
	if err != nil {
		t.Fatalf("Status must keep working after session expiry: %v", err)
	}
	if snap.SessionID != result.SessionID {
		t.Errorf("Unexpected snapshot session %s", snap.SessionID)
	}
}

func TestStatusUnknownSession(t *testing.T) {
	f := newEngineFixture()

	_, err := f.engine.Status(context.Background(), "sess-unknown")
	if ErrorCode(err) != ErrCodeUnresolvedSession {
		t.Fatalf("Expected unresolved_session, got %v", err)
	}
}
