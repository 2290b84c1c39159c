package order

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bundlehub/internal/phonepe"
)

type mockStore struct {
	InsertFunc             func(ctx context.Context, o *Order, evt OutboxEvent) error
	SetPaymentURLFunc      func(ctx context.Context, orderID, paymentURL string) error
	GetByIDFunc            func(ctx context.Context, orderID string) (*Order, error)
	GetByTransactionIDFunc func(ctx context.Context, transactionID string) (*Order, error)
	CompletePaymentFunc    func(ctx context.Context, transactionID string, c Completion, evt OutboxEvent) (bool, error)
	FailPaymentFunc        func(ctx context.Context, transactionID, reason string, evt OutboxEvent) (bool, error)
}

func (m *mockStore) Insert(ctx context.Context, o *Order, evt OutboxEvent) error {
	return m.InsertFunc(ctx, o, evt)
}

func (m *mockStore) SetPaymentURL(ctx context.Context, orderID, paymentURL string) error {
	return m.SetPaymentURLFunc(ctx, orderID, paymentURL)
}

func (m *mockStore) GetByID(ctx context.Context, orderID string) (*Order, error) {
	return m.GetByIDFunc(ctx, orderID)
}

func (m *mockStore) GetByTransactionID(ctx context.Context, transactionID string) (*Order, error) {
	return m.GetByTransactionIDFunc(ctx, transactionID)
}

func (m *mockStore) CompletePayment(ctx context.Context, transactionID string, c Completion, evt OutboxEvent) (bool, error) {
	return m.CompletePaymentFunc(ctx, transactionID, c, evt)
}

func (m *mockStore) FailPayment(ctx context.Context, transactionID, reason string, evt OutboxEvent) (bool, error) {
	return m.FailPaymentFunc(ctx, transactionID, reason, evt)
}

type mockGateway struct {
	InitiateFunc func(ctx context.Context, r phonepe.PaymentRequest) phonepe.InitiationResult
	StatusFunc   func(ctx context.Context, merchantTransactionID string) phonepe.StatusResult
	VerifyFunc   func(env phonepe.CallbackEnvelope) phonepe.CallbackResult

	statusCalls atomic.Int32
}

func (m *mockGateway) InitiatePayment(ctx context.Context, r phonepe.PaymentRequest) phonepe.InitiationResult {
	return m.InitiateFunc(ctx, r)
}

func (m *mockGateway) CheckPaymentStatus(ctx context.Context, merchantTransactionID string) phonepe.StatusResult {
	m.statusCalls.Add(1)
	if m.StatusFunc == nil {
		return phonepe.StatusResult{Success: false, Status: phonepe.StateError, Error: "unexpected status call"}
	}
	return m.StatusFunc(ctx, merchantTransactionID)
}

func (m *mockGateway) VerifyCallback(env phonepe.CallbackEnvelope) phonepe.CallbackResult {
	return m.VerifyFunc(env)
}

func (m *mockGateway) NewTransactionID(prefix string) string {
	return prefix + "_1700000000000_AB12CD34"
}

type mockNotifier struct {
	sent atomic.Int32
	last *Order
	mu   sync.Mutex
}

func (m *mockNotifier) SendOrderConfirmation(ctx context.Context, o *Order) error {
	m.sent.Add(1)
	m.mu.Lock()
	m.last = o
	m.mu.Unlock()
	return nil
}

func testService(store Store, gw Gateway, n Notifier) *Service {
	return NewService(store, gw, n, ServiceConfig{
		FrontendBaseURL: "https://shop.example.com",
		TxnPrefix:       "BBB",
	}, slog.Default())
}

func validCreateRequest() CreateRequest {
	return CreateRequest{
		CustomerName:  "Asha Rao",
		CustomerEmail: "asha@example.com",
		CustomerPhone: "9876543210",
		Items: []Item{
			{ProductID: "bundle-1", Name: "Starter Bundle", UnitPrice: 24900, Quantity: 2},
		},
		TotalAmount: 49800,
	}
}

func pendingOrder() *Order {
	return &Order{
		ID:            "7d0efc52-02a4-4aa1-bb19-0b6f0bb1f6a1",
		CustomerName:  "Asha Rao",
		CustomerEmail: "asha@example.com",
		CustomerPhone: "9876543210",
		Items: []Item{
			{ProductID: "bundle-1", Name: "Starter Bundle", UnitPrice: 49800, Quantity: 1},
		},
		TotalAmount: 49800,
		Payment: Payment{
			TransactionID: "BBB_1700000000000_AB12CD34",
			Gateway:       GatewayPhonePe,
			Amount:        49800,
			Status:        PaymentPending,
		},
	}
}

func completedStatus(txnID string) phonepe.StatusResult {
	return phonepe.StatusResult{
		Success:               true,
		Status:                phonepe.StateCompleted,
		MerchantTransactionID: txnID,
		TransactionID:         "T2409151234",
		Amount:                49800,
		PaymentInstrument:     phonepe.PaymentInstrument{Type: "UPI"},
	}
}

func TestCreateOrder(t *testing.T) {
	var inserted *Order
	var insertedEvt OutboxEvent
	var savedURL string

	store := &mockStore{
		InsertFunc: func(ctx context.Context, o *Order, evt OutboxEvent) error {
			inserted, insertedEvt = o, evt
			return nil
		},
		SetPaymentURLFunc: func(ctx context.Context, orderID, paymentURL string) error {
			savedURL = paymentURL
			return nil
		},
	}
	gw := &mockGateway{
		InitiateFunc: func(ctx context.Context, r phonepe.PaymentRequest) phonepe.InitiationResult {
			assert.Equal(t, int64(49800), r.Amount)
			assert.Equal(t, "BBB_1700000000000_AB12CD34", r.MerchantTransactionID)
			return phonepe.InitiationResult{
				Success:               true,
				PaymentURL:            "https://pg/pay/abc",
				MerchantTransactionID: r.MerchantTransactionID,
			}
		},
	}
	svc := testService(store, gw, &mockNotifier{})

	res, err := svc.Create(context.Background(), validCreateRequest())
	require.NoError(t, err)

	assert.NotEmpty(t, res.OrderID)
	assert.Equal(t, "https://pg/pay/abc", res.PaymentURL)
	assert.Equal(t, "BBB_1700000000000_AB12CD34", res.MerchantTransactionID)

	require.NotNil(t, inserted)
	assert.Equal(t, PaymentPending, inserted.Payment.Status)
	assert.Equal(t, GatewayPhonePe, inserted.Payment.Gateway)
	assert.Equal(t, int64(49800), inserted.Payment.Amount)
	assert.Equal(t, "orders.created", insertedEvt.Type)
	assert.NotEmpty(t, insertedEvt.ID)
	assert.Equal(t, "https://pg/pay/abc", savedURL)
}

func TestCreateValidation(t *testing.T) {
	store := &mockStore{
		InsertFunc: func(ctx context.Context, o *Order, evt OutboxEvent) error {
			t.Fatal("Insert must not be called for invalid requests")
			return nil
		},
	}
	gw := &mockGateway{
		InitiateFunc: func(ctx context.Context, r phonepe.PaymentRequest) phonepe.InitiationResult {
			t.Fatal("InitiatePayment must not be called for invalid requests")
			return phonepe.InitiationResult{}
		},
	}
	svc := testService(store, gw, &mockNotifier{})

	mutate := func(f func(*CreateRequest)) CreateRequest {
		r := validCreateRequest()
		f(&r)
		return r
	}

	tests := []struct {
		name string
		req  CreateRequest
	}{
		{"blank name", mutate(func(r *CreateRequest) { r.CustomerName = "  " })},
		{"blank email", mutate(func(r *CreateRequest) { r.CustomerEmail = "" })},
		{"short phone", mutate(func(r *CreateRequest) { r.CustomerPhone = "12345" })},
		{"no items", mutate(func(r *CreateRequest) { r.Items = nil })},
		{"zero total", mutate(func(r *CreateRequest) { r.TotalAmount = 0 })},
		{"total mismatch", mutate(func(r *CreateRequest) { r.TotalAmount = 100 })},
		{"bad quantity", mutate(func(r *CreateRequest) { r.Items[0].Quantity = 0; r.TotalAmount = 0 })},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.Create(context.Background(), tt.req)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestCreateGatewayFailure(t *testing.T) {
	var failedReason string
	store := &mockStore{
		InsertFunc: func(ctx context.Context, o *Order, evt OutboxEvent) error { return nil },
		FailPaymentFunc: func(ctx context.Context, transactionID, reason string, evt OutboxEvent) (bool, error) {
			failedReason = reason
			assert.Equal(t, "orders.reconciled", evt.Type)
			return true, nil
		},
	}
	gw := &mockGateway{
		InitiateFunc: func(ctx context.Context, r phonepe.PaymentRequest) phonepe.InitiationResult {
			return phonepe.InitiationResult{Success: false, Error: "merchant KYC pending"}
		},
	}
	svc := testService(store, gw, &mockNotifier{})

	res, err := svc.Create(context.Background(), validCreateRequest())
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrGateway)
	assert.Contains(t, err.Error(), "merchant KYC pending")
	assert.Equal(t, "merchant KYC pending", failedReason)
}

func TestRedirectCompletesPayment(t *testing.T) {
	o := pendingOrder()
	notifier := &mockNotifier{}

	var completion Completion
	store := &mockStore{
		GetByTransactionIDFunc: func(ctx context.Context, transactionID string) (*Order, error) {
			return o, nil
		},
		CompletePaymentFunc: func(ctx context.Context, transactionID string, c Completion, evt OutboxEvent) (bool, error) {
			completion = c
			assert.Equal(t, o.Payment.TransactionID, transactionID)
			assert.Equal(t, "orders.reconciled", evt.Type)
			return true, nil
		},
	}
	gw := &mockGateway{
		StatusFunc: func(ctx context.Context, id string) phonepe.StatusResult {
			return completedStatus(id)
		},
	}

	redirect := testService(store, gw, notifier).ReconcileRedirect(context.Background(), o.Payment.TransactionID)

	assert.Contains(t, redirect.URL, "/payment-success")
	assert.Contains(t, redirect.URL, "orderId="+o.ID)
	assert.Contains(t, redirect.URL, "transactionId="+o.Payment.TransactionID)

	assert.Equal(t, "T2409151234", completion.GatewayTransactionID)
	assert.Equal(t, "UPI", completion.PaymentMethod)
	require.Len(t, completion.DownloadLinks, 1)
	assert.Contains(t, completion.DownloadLinks[0].URL, "/downloads/bundle-1")
	assert.Equal(t, int32(1), notifier.sent.Load())
}

func TestRedirectTerminalShortCircuit(t *testing.T) {
	o := pendingOrder()
	o.Payment.Status = PaymentCompleted
	notifier := &mockNotifier{}

	store := &mockStore{
		GetByTransactionIDFunc: func(ctx context.Context, transactionID string) (*Order, error) {
			return o, nil
		},
	}
	gw := &mockGateway{}

	redirect := testService(store, gw, notifier).ReconcileRedirect(context.Background(), o.Payment.TransactionID)

	assert.Contains(t, redirect.URL, "/payment-success")
	assert.Equal(t, int32(0), gw.statusCalls.Load(), "terminal order must not hit the gateway")
	assert.Equal(t, int32(0), notifier.sent.Load(), "page reload must not re-send email")
}

func TestRedirectRaceLoser(t *testing.T) {
	o := pendingOrder()
	notifier := &mockNotifier{}

	store := &mockStore{
		GetByTransactionIDFunc: func(ctx context.Context, transactionID string) (*Order, error) {
			return o, nil
		},
		CompletePaymentFunc: func(ctx context.Context, transactionID string, c Completion, evt OutboxEvent) (bool, error) {
			// Another reconciler already applied the transition.
			return false, nil
		},
	}
	gw := &mockGateway{
		StatusFunc: func(ctx context.Context, id string) phonepe.StatusResult {
			return completedStatus(id)
		},
	}

	redirect := testService(store, gw, notifier).ReconcileRedirect(context.Background(), o.Payment.TransactionID)

	assert.Contains(t, redirect.URL, "/payment-success")
	assert.Equal(t, int32(0), notifier.sent.Load(), "race loser must not send email")
}

func TestRedirectStatusQueryFails(t *testing.T) {
	o := pendingOrder()
	store := &mockStore{
		GetByTransactionIDFunc: func(ctx context.Context, transactionID string) (*Order, error) {
			return o, nil
		},
	}
	gw := &mockGateway{
		StatusFunc: func(ctx context.Context, id string) phonepe.StatusResult {
			return phonepe.StatusResult{Success: false, Status: phonepe.StateError, Error: "gateway timeout"}
		},
	}

	redirect := testService(store, gw, &mockNotifier{}).ReconcileRedirect(context.Background(), o.Payment.TransactionID)

	assert.Contains(t, redirect.URL, "/payment-error")
}

func TestRedirectStillPending(t *testing.T) {
	o := pendingOrder()
	store := &mockStore{
		GetByTransactionIDFunc: func(ctx context.Context, transactionID string) (*Order, error) {
			return o, nil
		},
	}
	gw := &mockGateway{
		StatusFunc: func(ctx context.Context, id string) phonepe.StatusResult {
			return phonepe.StatusResult{Success: true, Status: phonepe.StatePending, MerchantTransactionID: id}
		},
	}

	redirect := testService(store, gw, &mockNotifier{}).ReconcileRedirect(context.Background(), o.Payment.TransactionID)

	assert.Contains(t, redirect.URL, "/payment-pending")
}

func TestRedirectUnknownTransaction(t *testing.T) {
	store := &mockStore{
		GetByTransactionIDFunc: func(ctx context.Context, transactionID string) (*Order, error) {
			return nil, ErrOrderNotFound
		},
	}

	redirect := testService(store, &mockGateway{}, &mockNotifier{}).ReconcileRedirect(context.Background(), "BBB_MISSING")

	assert.Contains(t, redirect.URL, "/payment-error")
}

func validCallback(txnID string) phonepe.CallbackResult {
	var res phonepe.CallbackResult
	res.IsValid = true
	res.Data.Data.MerchantTransactionID = txnID
	res.Data.Data.State = phonepe.StateCompleted
	return res
}

func TestWebhookBadSignature(t *testing.T) {
	store := &mockStore{
		GetByTransactionIDFunc: func(ctx context.Context, transactionID string) (*Order, error) {
			t.Fatal("store must not be touched on signature failure")
			return nil, nil
		},
	}
	gw := &mockGateway{
		VerifyFunc: func(env phonepe.CallbackEnvelope) phonepe.CallbackResult {
			return phonepe.CallbackResult{IsValid: false, Error: "checksum mismatch"}
		},
	}

	err := testService(store, gw, &mockNotifier{}).ReconcileWebhook(context.Background(), phonepe.CallbackEnvelope{})

	assert.ErrorIs(t, err, ErrSignature)
}

func TestWebhookCompletesPayment(t *testing.T) {
	o := pendingOrder()
	notifier := &mockNotifier{}

	var completed bool
	store := &mockStore{
		GetByTransactionIDFunc: func(ctx context.Context, transactionID string) (*Order, error) {
			return o, nil
		},
		CompletePaymentFunc: func(ctx context.Context, transactionID string, c Completion, evt OutboxEvent) (bool, error) {
			completed = true
			return true, nil
		},
	}
	gw := &mockGateway{
		VerifyFunc: func(env phonepe.CallbackEnvelope) phonepe.CallbackResult {
			return validCallback(o.Payment.TransactionID)
		},
		StatusFunc: func(ctx context.Context, id string) phonepe.StatusResult {
			return completedStatus(id)
		},
	}

	err := testService(store, gw, notifier).ReconcileWebhook(context.Background(), phonepe.CallbackEnvelope{
		Response: "ZXlK", Checksum: "abc###1",
	})

	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, int32(1), notifier.sent.Load())
	assert.Equal(t, int32(1), gw.statusCalls.Load(), "webhook must confirm via the status API")
}

func TestWebhookReplayAck(t *testing.T) {
	o := pendingOrder()
	o.Payment.Status = PaymentCompleted
	notifier := &mockNotifier{}

	store := &mockStore{
		GetByTransactionIDFunc: func(ctx context.Context, transactionID string) (*Order, error) {
			return o, nil
		},
	}
	gw := &mockGateway{
		VerifyFunc: func(env phonepe.CallbackEnvelope) phonepe.CallbackResult {
			return validCallback(o.Payment.TransactionID)
		},
	}

	err := testService(store, gw, notifier).ReconcileWebhook(context.Background(), phonepe.CallbackEnvelope{})

	assert.NoError(t, err, "replay for a terminal order must be acked")
	assert.Equal(t, int32(0), gw.statusCalls.Load())
	assert.Equal(t, int32(0), notifier.sent.Load())
}

func TestWebhookUnknownOrder(t *testing.T) {
	store := &mockStore{
		GetByTransactionIDFunc: func(ctx context.Context, transactionID string) (*Order, error) {
			return nil, ErrOrderNotFound
		},
	}
	gw := &mockGateway{
		VerifyFunc: func(env phonepe.CallbackEnvelope) phonepe.CallbackResult {
			return validCallback("BBB_MISSING")
		},
	}

	err := testService(store, gw, &mockNotifier{}).ReconcileWebhook(context.Background(), phonepe.CallbackEnvelope{})

	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestWebhookFailedPayment(t *testing.T) {
	o := pendingOrder()
	notifier := &mockNotifier{}

	var reason string
	store := &mockStore{
		GetByTransactionIDFunc: func(ctx context.Context, transactionID string) (*Order, error) {
			return o, nil
		},
		FailPaymentFunc: func(ctx context.Context, transactionID, r string, evt OutboxEvent) (bool, error) {
			reason = r
			return true, nil
		},
	}
	gw := &mockGateway{
		VerifyFunc: func(env phonepe.CallbackEnvelope) phonepe.CallbackResult {
			return validCallback(o.Payment.TransactionID)
		},
		StatusFunc: func(ctx context.Context, id string) phonepe.StatusResult {
			return phonepe.StatusResult{Success: true, Status: phonepe.StateFailed, MerchantTransactionID: id}
		},
	}

	err := testService(store, gw, notifier).ReconcileWebhook(context.Background(), phonepe.CallbackEnvelope{})

	require.NoError(t, err)
	assert.Equal(t, "payment failed at gateway", reason)
	assert.Equal(t, int32(0), notifier.sent.Load(), "failed payments must not trigger confirmation email")
}

// memStore implements the conditional-transition contract in memory, for
// exercising concurrent reconcilers against real compare-and-set semantics.
type memStore struct {
	mu     sync.Mutex
	orders map[string]*Order
	events []OutboxEvent
}

func newMemStore(orders ...*Order) *memStore {
	m := &memStore{orders: make(map[string]*Order)}
	for _, o := range orders {
		m.orders[o.Payment.TransactionID] = o
	}
	return m
}

func (m *memStore) Insert(ctx context.Context, o *Order, evt OutboxEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[o.Payment.TransactionID] = o
	m.events = append(m.events, evt)
	return nil
}

func (m *memStore) SetPaymentURL(ctx context.Context, orderID, paymentURL string) error {
	return nil
}

func (m *memStore) GetByID(ctx context.Context, orderID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ID == orderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (m *memStore) GetByTransactionID(ctx context.Context, transactionID string) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[transactionID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) CompletePayment(ctx context.Context, transactionID string, c Completion, evt OutboxEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[transactionID]
	if !ok || o.Payment.Status != PaymentPending {
		return false, nil
	}
	o.Payment.Status = PaymentCompleted
	o.Payment.GatewayTransactionID = c.GatewayTransactionID
	o.Payment.PaymentMethod = c.PaymentMethod
	o.DownloadLinks = c.DownloadLinks
	m.events = append(m.events, evt)
	return true, nil
}

func (m *memStore) FailPayment(ctx context.Context, transactionID, reason string, evt OutboxEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[transactionID]
	if !ok || o.Payment.Status != PaymentPending {
		return false, nil
	}
	o.Payment.Status = PaymentFailed
	o.Payment.FailureReason = reason
	m.events = append(m.events, evt)
	return true, nil
}

func (m *memStore) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.events))
	for _, e := range m.events {
		types = append(types, e.Type)
	}
	return types
}

func TestConcurrentReconciliation(t *testing.T) {
	o := pendingOrder()
	store := newMemStore(o)
	notifier := &mockNotifier{}
	gw := &mockGateway{
		VerifyFunc: func(env phonepe.CallbackEnvelope) phonepe.CallbackResult {
			return validCallback(o.Payment.TransactionID)
		},
		StatusFunc: func(ctx context.Context, id string) phonepe.StatusResult {
			return completedStatus(id)
		},
	}
	svc := testService(store, gw, notifier)

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			svc.ReconcileRedirect(context.Background(), o.Payment.TransactionID)
		}()
		go func() {
			defer wg.Done()
			_ = svc.ReconcileWebhook(context.Background(), phonepe.CallbackEnvelope{})
		}()
	}
	wg.Wait()

	got, err := store.GetByTransactionID(context.Background(), o.Payment.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, got.Payment.Status)
	assert.Equal(t, int32(1), notifier.sent.Load(), "exactly one confirmation across all reconcilers")

	var reconciled int
	for _, typ := range store.eventTypes() {
		if typ == "orders.reconciled" {
			reconciled++
		}
	}
	assert.Equal(t, 1, reconciled, "exactly one reconciled event across all reconcilers")
}

func TestTerminalStateImmutable(t *testing.T) {
	o := pendingOrder()
	store := newMemStore(o)
	gw := &mockGateway{
		StatusFunc: func(ctx context.Context, id string) phonepe.StatusResult {
			return completedStatus(id)
		},
	}
	svc := testService(store, gw, &mockNotifier{})

	svc.ReconcileRedirect(context.Background(), o.Payment.TransactionID)

	// A late failure report must not overwrite the completed state.
	applied, err := store.FailPayment(context.Background(), o.Payment.TransactionID, "late failure", OutboxEvent{Type: "orders.reconciled"})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := store.GetByTransactionID(context.Background(), o.Payment.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, PaymentCompleted, got.Payment.Status)
	assert.Empty(t, got.Payment.FailureReason)
}

func TestDefaultPaymentMethod(t *testing.T) {
	o := pendingOrder()
	store := newMemStore(o)
	st := completedStatus(o.Payment.TransactionID)
	st.PaymentInstrument = phonepe.PaymentInstrument{}
	gw := &mockGateway{
		StatusFunc: func(ctx context.Context, id string) phonepe.StatusResult { return st },
	}

	testService(store, gw, &mockNotifier{}).ReconcileRedirect(context.Background(), o.Payment.TransactionID)

	got, err := store.GetByTransactionID(context.Background(), o.Payment.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, "UPI", got.Payment.PaymentMethod)
}

func TestDownloadLinks(t *testing.T) {
	svc := testService(newMemStore(), &mockGateway{}, &mockNotifier{})
	o := pendingOrder()
	o.Items = append(o.Items, Item{ProductID: "bundle-2", Name: "Pro Bundle", UnitPrice: 99900, Quantity: 1})

	links := svc.downloadLinks(o)

	require.Len(t, links, 2)
	for i, l := range links {
		assert.Equal(t, o.Items[i].ProductID, l.ProductID)
		assert.True(t, strings.HasPrefix(l.URL, "https://shop.example.com/downloads/"+o.Items[i].ProductID))
		assert.Contains(t, l.URL, "order="+o.ID)
		assert.Contains(t, l.URL, "token=")
		assert.True(t, l.ExpiresAt.After(time.Now().Add(71*time.Hour)), "default ttl is 72h")
	}
	assert.NotEqual(t, links[0].URL, links[1].URL)
}
