package pricing

import (
	"context"
	"errors"
	"time"

	"loyalty-platform/internal/provider"
)

// Service resolves provider fee schedules and validates payment amounts
// against global and per-provider bounds.
//
// Contract:
// - Pure calculation + repository lookups; no provider calls, no ledger access.
// - Commission math is integral (basis points, rounded down).
type Service struct {
	repo  FeeRepository
	clock func() time.Time

	globalMinMinor int64
	globalMaxMinor int64
}

func NewService(repo FeeRepository, globalMinMinor, globalMaxMinor int64) *Service {
	return &Service{
		repo:           repo,
		clock:          time.Now,
		globalMinMinor: globalMinMinor,
		globalMaxMinor: globalMaxMinor,
	}
}

var (
	ErrFeesNotFound    = errors.New("provider fees not found")
	ErrAmountBelowMin  = errors.New("amount below minimum")
	ErrAmountAboveMax  = errors.New("amount above maximum")
	ErrInvalidQuoteReq = errors.New("invalid quote request")
)

// Quote is the resolved cost of routing one payment through a provider.
type Quote struct {
	Provider provider.ID
	Currency string

	AmountMinor     int64
	CommissionBps   int64
	CommissionMinor int64
}

// QuotePayment validates amount bounds and computes the provider commission.
// Bound violations return distinct errors so the API layer can report which
// limit was hit.
func (s *Service) QuotePayment(ctx context.Context, id provider.ID, amountMinor int64, at time.Time) (Quote, error) {
	if id == "" || amountMinor <= 0 {
		return Quote{}, ErrInvalidQuoteReq
	}
	if at.IsZero() {
		at = s.clock().UTC()
	}

	if amountMinor < s.globalMinMinor {
		return Quote{}, ErrAmountBelowMin
	}
	if s.globalMaxMinor > 0 && amountMinor > s.globalMaxMinor {
		return Quote{}, ErrAmountAboveMax
	}

	fees, ok, err := s.repo.FindProviderFees(ctx, id, at)
	if err != nil {
		return Quote{}, err
	}
	if !ok {
		return Quote{}, ErrFeesNotFound
	}

	if fees.MinAmountMinor > 0 && amountMinor < fees.MinAmountMinor {
		return Quote{}, ErrAmountBelowMin
	}
	if fees.MaxAmountMinor > 0 && amountMinor > fees.MaxAmountMinor {
		return Quote{}, ErrAmountAboveMax
	}

	return Quote{
		Provider:        id,
		Currency:        fees.Currency,
		AmountMinor:     amountMinor,
		CommissionBps:   fees.CommissionBps,
		CommissionMinor: commissionMinor(amountMinor, fees.CommissionBps),
	}, nil
}

// FeeRepository abstracts fee schedule persistence.
// Implementation can be Postgres, config-backed, cached, etc.
type FeeRepository interface {
	FindProviderFees(ctx context.Context, id provider.ID, at time.Time) (ProviderFees, bool, error)
}

func commissionMinor(amountMinor, bps int64) int64 {
	if amountMinor <= 0 || bps <= 0 {
		return 0
	}
	return amountMinor * bps / 10_000
}
