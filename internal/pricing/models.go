package pricing

import (
	"time"

	"loyalty-platform/internal/provider"
)

// Amounts are expressed in minor units (e.g., tiyin) using int64.
// Commission is expressed in basis points so fee math stays integral.

// ProviderFees is the fee schedule row for one payment provider.
type ProviderFees struct {
	ID       string      `json:"id" db:"id"`
	Provider provider.ID `json:"provider" db:"provider"`

	Currency string `json:"currency" db:"currency"`

	// CommissionBps is the provider's fee in basis points of the amount,
	// charged to the platform (never deducted from the credited amount).
	CommissionBps int64 `json:"commission_bps" db:"commission_bps"`

	// MinAmountMinor / MaxAmountMinor bound a single payment through this
	// provider. Zero max means "no provider-specific cap".
	MinAmountMinor int64 `json:"min_amount_minor" db:"min_amount_minor"`
	MaxAmountMinor int64 `json:"max_amount_minor" db:"max_amount_minor"`

	// Effective window for the schedule.
	EffectiveFrom time.Time  `json:"effective_from" db:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty" db:"effective_to"`

	Status FeeStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type FeeStatus string

const (
	FeeStatusActive   FeeStatus = "active"
	FeeStatusInactive FeeStatus = "inactive"
)
