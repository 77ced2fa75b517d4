package settlement

import (
	"time"

	"loyalty-platform/internal/provider"
)

// Wallet is a customer's virtual-currency balance, keyed by owner.
// Invariant: balance never goes negative, and every balance change is
// attributed to exactly one Transaction. Only this package mutates it.
type Wallet struct {
	OwnerID      string `json:"owner_id" db:"owner_id"`
	BalanceMinor int64  `json:"balance_minor" db:"balance_minor"`
	Currency     string `json:"currency" db:"currency"`

	Status WalletStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type WalletStatus string

const (
	WalletStatusActive WalletStatus = "active"
	WalletStatusFrozen WalletStatus = "frozen"
)

// Transaction records one logical money operation. Created PENDING by the
// payment router (or directly terminal by settlement for internal kinds),
// it reaches a terminal status exactly once and is immutable afterwards.
type Transaction struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`

	Kind   TransactionKind   `json:"kind" db:"kind"`
	Status TransactionStatus `json:"status" db:"status"`

	AmountMinor int64  `json:"amount_minor" db:"amount_minor"`
	Currency    string `json:"currency" db:"currency"`

	// BalanceBeforeMinor/BalanceAfterMinor snapshot the wallet around the
	// mutation. Zero for kinds that never touch the wallet.
	BalanceBeforeMinor int64 `json:"balance_before_minor" db:"balance_before_minor"`
	BalanceAfterMinor  int64 `json:"balance_after_minor" db:"balance_after_minor"`

	// Provider/ProviderReference identify the external leg for provider-routed
	// kinds. Empty for internal kinds (discount, refund, manual credit).
	Provider          provider.ID `json:"provider,omitempty" db:"provider"`
	ProviderReference string      `json:"provider_reference,omitempty" db:"provider_reference"`

	// CommissionMinor is the provider fee quoted at creation time. It is
	// informational and never deducted from the credited amount.
	CommissionMinor int64 `json:"commission_minor" db:"commission_minor"`

	// IdempotencyKey dedupes client-initiated operations. Empty (stored NULL)
	// for webhook-settled transactions, which dedupe on terminal status.
	IdempotencyKey string `json:"idempotency_key,omitempty" db:"idempotency_key"`

	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}

type TransactionKind string

const (
	TransactionKindTopup    TransactionKind = "topup"    // real-money top-up; success credits the wallet
	TransactionKindPayment  TransactionKind = "payment"  // provider-side purchase; never touches the wallet
	TransactionKindRefund   TransactionKind = "refund"   // reversal of a prior successful transaction
	TransactionKindDiscount TransactionKind = "discount" // order confirmation debit
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusSuccess   TransactionStatus = "success"
	TransactionStatusFailed    TransactionStatus = "failed"
	TransactionStatusCancelled TransactionStatus = "cancelled"
)

// Terminal reports whether the status is final. A terminal transaction is
// immutable; a repeated webhook for it is an idempotent no-op.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusCancelled:
		return true
	}
	return false
}

// Order is a partner purchase paid partially with wallet balance. It is
// created in the same atomic unit as its funding discount Transaction and
// shares that transaction's idempotency key, so a retried confirm resolves
// to the same Order.
type Order struct {
	ID        string `json:"id" db:"id"`
	OwnerID   string `json:"owner_id" db:"owner_id"`
	PartnerID string `json:"partner_id" db:"partner_id"`

	OrderTotalMinor  int64 `json:"order_total_minor" db:"order_total_minor"`
	DiscountMinor    int64 `json:"discount_minor" db:"discount_minor"`
	FinalAmountMinor int64 `json:"final_amount_minor" db:"final_amount_minor"`

	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	Status OrderStatus `json:"status" db:"status"`

	TransactionID string `json:"transaction_id" db:"transaction_id"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type OrderStatus string

const (
	OrderStatusConfirmed OrderStatus = "confirmed"
)

// Partner is a merchant accepting wallet balance as a discount.
type Partner struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`

	// MaxDiscountPercent caps the wallet discount per order as a percentage
	// of the order total.
	MaxDiscountPercent int64 `json:"max_discount_percent" db:"max_discount_percent"`

	Status PartnerStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type PartnerStatus string

const (
	PartnerStatusActive   PartnerStatus = "active"
	PartnerStatusInactive PartnerStatus = "inactive"
)
