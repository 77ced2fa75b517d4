package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"loyalty-platform/internal/breaker"
	"loyalty-platform/internal/config"
	"loyalty-platform/internal/pricing"
	"loyalty-platform/internal/provider"
	"loyalty-platform/internal/settlement"
)

type fakeAdapter struct {
	id       provider.ID
	artifact provider.PaymentArtifact
	err      error
	calls    int
}

func (a *fakeAdapter) ID() provider.ID { return a.id }

func (a *fakeAdapter) CreatePayment(ctx context.Context, req provider.CreatePaymentRequest) (provider.PaymentArtifact, error) {
	a.calls++
	if a.err != nil {
		return provider.PaymentArtifact{}, a.err
	}
	return a.artifact, nil
}

func (a *fakeAdapter) VerifyWebhook(payload []byte) bool { return false }

func (a *fakeAdapter) ParseWebhook(payload []byte) (provider.Notification, error) {
	return provider.Notification{}, errors.New("not implemented")
}

type fakeStore struct {
	created  []settlement.CreatePendingRequest
	attached map[string]string
	failed   map[string]string
	nextID   string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		attached: make(map[string]string),
		failed:   make(map[string]string),
		nextID:   "tx-1",
	}
}

func (s *fakeStore) CreatePendingTransaction(ctx context.Context, req settlement.CreatePendingRequest) (settlement.Transaction, error) {
	s.created = append(s.created, req)
	return settlement.Transaction{
		ID:          s.nextID,
		OwnerID:     req.OwnerID,
		Kind:        req.Kind,
		Status:      settlement.TransactionStatusPending,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		Provider:    req.Provider,
	}, nil
}

func (s *fakeStore) AttachProviderReference(ctx context.Context, transactionID, providerReference string) error {
	s.attached[transactionID] = providerReference
	return nil
}

func (s *fakeStore) MarkTransactionFailed(ctx context.Context, transactionID, reason string) error {
	s.failed[transactionID] = reason
	return nil
}

func testPricing(t *testing.T) *pricing.Service {
	t.Helper()
	repo := pricing.NewMemoryRepo()
	repo.Put(pricing.ProviderFees{
		Provider:       provider.IDPayline,
		Currency:       "UZS",
		CommissionBps:  200,
		MinAmountMinor: 1000,
		MaxAmountMinor: 1_000_000,
		Status:         pricing.FeeStatusActive,
	})
	return pricing.NewService(repo, 100, 10_000_000)
}

func newTestRouter(t *testing.T, adapter *fakeAdapter, store *fakeStore, threshold int) *Router {
	t.Helper()
	mgr := breaker.NewManager(config.BreakerConfig{
		FailureThreshold: threshold,
		RecoveryTimeout:  time.Minute,
		ProbeTTL:         time.Second,
	}, breaker.NewMemoryStore(), breaker.NewLocalProbeGate(), nil, nil)
	return NewRouter(provider.NewRegistry(adapter), mgr, testPricing(t), store, nil)
}

func validRequest() CreatePaymentRequest {
	return CreatePaymentRequest{
		OwnerID:     "owner-1",
		AmountMinor: 50_000,
		Provider:    "payline",
		Purpose:     "topup",
	}
}

func TestCreatePayment_Success(t *testing.T) {
	adapter := &fakeAdapter{
		id: provider.IDPayline,
		artifact: provider.PaymentArtifact{
			RedirectURL:       "https://pay.example/p/abc",
			ProviderReference: "payline-abc",
		},
	}
	store := newFakeStore()
	router := newTestRouter(t, adapter, store, 3)

	res, err := router.CreatePayment(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if res.Status != settlement.TransactionStatusPending {
		t.Fatalf("expected pending, got %s", res.Status)
	}
	if res.RedirectURL != "https://pay.example/p/abc" {
		t.Fatalf("unexpected redirect url %q", res.RedirectURL)
	}
	if res.CommissionMinor != 1000 { // 50_000 * 200bps
		t.Fatalf("expected commission 1000, got %d", res.CommissionMinor)
	}
	if len(store.created) != 1 {
		t.Fatalf("expected one pending transaction, got %d", len(store.created))
	}
	if store.created[0].Kind != settlement.TransactionKindTopup {
		t.Fatalf("expected topup kind, got %s", store.created[0].Kind)
	}
	if store.attached[res.TransactionID] != "payline-abc" {
		t.Fatalf("provider reference not attached: %v", store.attached)
	}
	if len(store.failed) != 0 {
		t.Fatalf("no transaction should fail: %v", store.failed)
	}
}

func TestCreatePayment_ValidationStopsBeforeTransaction(t *testing.T) {
	adapter := &fakeAdapter{id: provider.IDPayline}
	store := newFakeStore()
	router := newTestRouter(t, adapter, store, 3)

	req := validRequest()
	req.AmountMinor = 500 // below payline minimum
	if _, err := router.CreatePayment(context.Background(), req); !errors.Is(err, pricing.ErrAmountBelowMin) {
		t.Fatalf("expected ErrAmountBelowMin, got %v", err)
	}

	req = validRequest()
	req.Provider = "unknownpay"
	if _, err := router.CreatePayment(context.Background(), req); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}

	req = validRequest()
	req.Purpose = "withdrawal"
	if _, err := router.CreatePayment(context.Background(), req); !errors.Is(err, ErrInvalidPurpose) {
		t.Fatalf("expected ErrInvalidPurpose, got %v", err)
	}

	if len(store.created) != 0 || adapter.calls != 0 {
		t.Fatalf("nothing should be created on validation failure")
	}
}

func TestCreatePayment_TerminalProviderErrorFailsTransaction(t *testing.T) {
	adapter := &fakeAdapter{
		id: provider.IDPayline,
		err: &provider.Error{
			Provider: provider.IDPayline,
			Code:     "insufficient_limit",
			Message:  "merchant limit exceeded",
		},
	}
	store := newFakeStore()
	router := newTestRouter(t, adapter, store, 3)

	_, err := router.CreatePayment(context.Background(), validRequest())
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("business error must not be retryable: %v", err)
	}
	reason, ok := store.failed["tx-1"]
	if !ok {
		t.Fatalf("transaction should be marked failed")
	}
	if reason == "" {
		t.Fatalf("failure reason should carry the cause")
	}
}

func TestCreatePayment_RetryableErrorLeavesPending(t *testing.T) {
	adapter := &fakeAdapter{
		id: provider.IDPayline,
		err: &provider.Error{
			Provider:  provider.IDPayline,
			Code:      "timeout",
			Message:   "request timed out",
			Retryable: true,
		},
	}
	store := newFakeStore()
	router := newTestRouter(t, adapter, store, 5)

	_, err := router.CreatePayment(context.Background(), validRequest())
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("expected retryable provider error, got %v", err)
	}
	if len(store.failed) != 0 {
		t.Fatalf("retryable failure must leave the transaction pending: %v", store.failed)
	}
	if len(store.created) != 1 {
		t.Fatalf("pending transaction should exist")
	}
}

func TestCreatePayment_BreakerOpenFailsWithoutCallingAdapter(t *testing.T) {
	adapter := &fakeAdapter{
		id: provider.IDPayline,
		err: &provider.Error{
			Provider:  provider.IDPayline,
			Code:      "timeout",
			Message:   "request timed out",
			Retryable: true,
		},
	}
	store := newFakeStore()
	router := newTestRouter(t, adapter, store, 1)

	// First call trips the breaker.
	if _, err := router.CreatePayment(context.Background(), validRequest()); err == nil {
		t.Fatalf("expected failure")
	}
	callsBefore := adapter.calls

	store.nextID = "tx-2"
	_, err := router.CreatePayment(context.Background(), validRequest())
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected breaker open, got %v", err)
	}
	if adapter.calls != callsBefore {
		t.Fatalf("adapter must not be invoked while the breaker is open")
	}
	if reason := store.failed["tx-2"]; reason != "circuit breaker open" {
		t.Fatalf("expected breaker-open failure reason, got %q", reason)
	}

	var openErr *breaker.OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected *breaker.OpenError for the retry hint")
	}
	if openErr.RetryAfter <= 0 {
		t.Fatalf("retry hint should be positive, got %s", openErr.RetryAfter)
	}
}
