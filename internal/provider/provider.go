package provider

import (
	"context"
	"errors"
	"fmt"
)

// ID identifies one of the supported bank payment providers.
// The set is closed: adding a provider means adding a constant, an adapter
// implementation and registry wiring. No string-keyed dispatch elsewhere.
type ID string

const (
	IDPayline ID = "payline" // redirect-based checkout
	IDQRPay   ID = "qrpay"   // QR-code based checkout
)

// ParseID maps a route segment to a known provider ID.
func ParseID(s string) (ID, bool) {
	switch ID(s) {
	case IDPayline:
		return IDPayline, true
	case IDQRPay:
		return IDQRPay, true
	default:
		return "", false
	}
}

// Adapter is the provider-agnostic capability set used by business logic.
//
// Rules:
// - No provider HTTP calls outside adapters.
// - Adapters never touch the wallet ledger.
// - Request/response types stay provider-agnostic; raw provider payloads may
//   be kept in metadata for audit.
type Adapter interface {
	ID() ID

	// CreatePayment registers a payment intent with the provider and returns
	// the artifact the customer needs to complete it (redirect URL or QR code).
	CreatePayment(ctx context.Context, req CreatePaymentRequest) (PaymentArtifact, error)

	// VerifyWebhook authenticates an inbound notification payload.
	// It returns false (never an error) for a missing, malformed or wrong
	// signature, or when the secret is unconfigured.
	VerifyWebhook(payload []byte) bool

	// ParseWebhook extracts the normalized notification from a payload that
	// already passed VerifyWebhook.
	ParseWebhook(payload []byte) (Notification, error)
}

type CreatePaymentRequest struct {
	// AmountMinor is the charge amount in minor units.
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`

	// Reference is the server-generated transaction id. It is the only
	// internal identifier ever exposed to the provider.
	Reference string `json:"reference"`

	Description string `json:"description,omitempty"`
}

// PaymentArtifact is what the customer needs to complete the payment.
// Exactly one of RedirectURL / QRCode is set, depending on the provider.
type PaymentArtifact struct {
	RedirectURL       string `json:"redirect_url,omitempty"`
	QRCode            string `json:"qr_code,omitempty"`
	ProviderReference string `json:"provider_reference"`
}

// Notification is the normalized asynchronous payment-status callback.
// Status is one of "success", "failed", "cancelled"; adapters map
// provider-specific codes to these before returning.
type Notification struct {
	TransactionID     string `json:"transaction_id"`
	Status            string `json:"status"`
	AmountMinor       int64  `json:"amount"`
	ProviderReference string `json:"provider_reference"`
}

// ErrUnavailable is the retryable class of provider failures: timeouts,
// connection errors, 5xx. Only this class counts toward circuit breaker
// failure accounting.
var ErrUnavailable = errors.New("provider unavailable")

var ErrUnknownProvider = errors.New("unknown provider")

// Error is a tagged provider call failure. Retryable errors match
// ErrUnavailable under errors.Is; terminal (business) errors do not.
type Error struct {
	Provider  ID
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("provider %s: %s error: %s %s", e.Provider, kind, e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	return target == ErrUnavailable && e.Retryable
}

// Registry is the closed set of configured adapters.
type Registry struct {
	adapters map[ID]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[ID]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.ID()] = a
	}
	return &Registry{adapters: m}
}

func (r *Registry) Get(id ID) (Adapter, error) {
	a, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return a, nil
}

func (r *Registry) IDs() []ID {
	out := make([]ID, 0, len(r.adapters))
	for id := range r.adapters {
		out = append(out, id)
	}
	return out
}
