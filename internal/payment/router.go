// Package payment routes payment intents to bank provider adapters under
// circuit breaker protection.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loyalty-platform/internal/breaker"
	"loyalty-platform/internal/pricing"
	"loyalty-platform/internal/provider"
	"loyalty-platform/internal/settlement"
)

// Purpose says what a provider-routed payment funds.
type Purpose string

const (
	// PurposeTopup funds the wallet: a success webhook credits the balance.
	PurposeTopup Purpose = "topup"
	// PurposePayment pays a partner directly: the wallet is never touched,
	// only the transaction status is tracked.
	PurposePayment Purpose = "payment"
)

var ErrInvalidPurpose = errors.New("invalid payment purpose")

func (p Purpose) kind() (settlement.TransactionKind, error) {
	switch p {
	case PurposeTopup:
		return settlement.TransactionKindTopup, nil
	case PurposePayment:
		return settlement.TransactionKindPayment, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPurpose, string(p))
}

// TransactionStore is the slice of settlement the router needs.
type TransactionStore interface {
	CreatePendingTransaction(ctx context.Context, req settlement.CreatePendingRequest) (settlement.Transaction, error)
	AttachProviderReference(ctx context.Context, transactionID, providerReference string) error
	MarkTransactionFailed(ctx context.Context, transactionID, reason string) error
}

// Router dispatches a payment intent to the caller-chosen provider. There is
// no automatic failover: once a customer is redirected to one provider's
// payment page, silently retrying another provider is unsafe.
type Router struct {
	adapters *provider.Registry
	breakers *breaker.Manager
	pricing  *pricing.Service
	store    TransactionStore
	log      *slog.Logger
	clock    func() time.Time
}

func NewRouter(adapters *provider.Registry, breakers *breaker.Manager, pr *pricing.Service, store TransactionStore, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		adapters: adapters,
		breakers: breakers,
		pricing:  pr,
		store:    store,
		log:      log,
		clock:    time.Now,
	}
}

type CreatePaymentRequest struct {
	OwnerID     string `json:"owner_id"`
	AmountMinor int64  `json:"amount_minor"`
	Provider    string `json:"provider"`
	Purpose     string `json:"purpose"`
	Description string `json:"description,omitempty"`
}

type CreatePaymentResult struct {
	TransactionID     string                       `json:"transaction_id"`
	Status            settlement.TransactionStatus `json:"status"`
	RedirectURL       string                       `json:"redirect_url,omitempty"`
	QRCode            string                       `json:"qr_code,omitempty"`
	ProviderReference string                       `json:"provider_reference,omitempty"`
	CommissionMinor   int64                        `json:"commission_minor"`
}

// CreatePayment validates the intent, records a PENDING transaction whose id
// becomes the provider-facing reference, and calls the adapter through the
// provider's breaker.
//
// Outcome handling:
// - breaker open: the provider was never contacted, the transaction fails
//   terminally with cause
// - terminal provider error (business rejection): fails terminally with the
//   provider's code
// - retryable error (timeout, 5xx, network): the transaction stays PENDING;
//   the provider may have received the request, a late webhook or operator
//   reconciliation decides the outcome
func (r *Router) CreatePayment(ctx context.Context, req CreatePaymentRequest) (CreatePaymentResult, error) {
	id, ok := provider.ParseID(req.Provider)
	if !ok {
		return CreatePaymentResult{}, fmt.Errorf("%w: %q", provider.ErrUnknownProvider, req.Provider)
	}
	kind, err := Purpose(req.Purpose).kind()
	if err != nil {
		return CreatePaymentResult{}, err
	}
	adapter, err := r.adapters.Get(id)
	if err != nil {
		return CreatePaymentResult{}, err
	}

	quote, err := r.pricing.QuotePayment(ctx, id, req.AmountMinor, r.clock().UTC())
	if err != nil {
		return CreatePaymentResult{}, err
	}

	tx, err := r.store.CreatePendingTransaction(ctx, settlement.CreatePendingRequest{
		OwnerID:         req.OwnerID,
		Kind:            kind,
		AmountMinor:     quote.AmountMinor,
		Currency:        quote.Currency,
		Provider:        id,
		CommissionMinor: quote.CommissionMinor,
	})
	if err != nil {
		return CreatePaymentResult{}, err
	}

	var artifact provider.PaymentArtifact
	callErr := r.breakers.For(string(id)).Call(ctx, func(ctx context.Context) error {
		a, err := adapter.CreatePayment(ctx, provider.CreatePaymentRequest{
			AmountMinor: quote.AmountMinor,
			Currency:    quote.Currency,
			Reference:   tx.ID,
			Description: req.Description,
		})
		if err != nil {
			return err
		}
		artifact = a
		return nil
	})

	switch {
	case callErr == nil:
		if artifact.ProviderReference != "" {
			if err := r.store.AttachProviderReference(ctx, tx.ID, artifact.ProviderReference); err != nil {
				r.log.Error("attach provider reference failed",
					"transaction_id", tx.ID, "provider", id, "error", err)
			}
		}
		return CreatePaymentResult{
			TransactionID:     tx.ID,
			Status:            settlement.TransactionStatusPending,
			RedirectURL:       artifact.RedirectURL,
			QRCode:            artifact.QRCode,
			ProviderReference: artifact.ProviderReference,
			CommissionMinor:   quote.CommissionMinor,
		}, nil

	case errors.Is(callErr, breaker.ErrOpen):
		r.failTransaction(ctx, tx.ID, id, "circuit breaker open")
		return CreatePaymentResult{}, callErr

	case errors.Is(callErr, provider.ErrUnavailable):
		// Possibly in flight on the provider side. Leave PENDING.
		r.log.Warn("provider unavailable, transaction left pending",
			"transaction_id", tx.ID, "provider", id, "error", callErr)
		return CreatePaymentResult{}, callErr

	default:
		r.failTransaction(ctx, tx.ID, id, callErr.Error())
		return CreatePaymentResult{}, callErr
	}
}

func (r *Router) failTransaction(ctx context.Context, transactionID string, id provider.ID, reason string) {
	if err := r.store.MarkTransactionFailed(ctx, transactionID, reason); err != nil {
		r.log.Error("mark transaction failed errored",
			"transaction_id", transactionID, "provider", id, "error", err)
	}
}
