package pricing

import (
	"context"
	"sync"
	"time"

	"loyalty-platform/internal/config"
	"loyalty-platform/internal/provider"
)

// MemoryRepo serves fee schedules from memory. In this deployment the
// schedule is static config, so the production wiring uses it too, seeded
// via FromConfig.
type MemoryRepo struct {
	mu   sync.RWMutex
	fees map[provider.ID]ProviderFees
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{fees: make(map[provider.ID]ProviderFees)}
}

// FromConfig builds the fee repository from the static provider config.
func FromConfig(providers config.ProvidersConfig, currency string) *MemoryRepo {
	r := NewMemoryRepo()
	r.Put(ProviderFees{
		Provider:       provider.IDPayline,
		Currency:       currency,
		CommissionBps:  providers.Payline.CommissionBps,
		MinAmountMinor: providers.Payline.MinMinor,
		MaxAmountMinor: providers.Payline.MaxMinor,
		Status:         FeeStatusActive,
	})
	r.Put(ProviderFees{
		Provider:       provider.IDQRPay,
		Currency:       currency,
		CommissionBps:  providers.QRPay.CommissionBps,
		MinAmountMinor: providers.QRPay.MinMinor,
		MaxAmountMinor: providers.QRPay.MaxMinor,
		Status:         FeeStatusActive,
	})
	return r
}

func (r *MemoryRepo) Put(f ProviderFees) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fees[f.Provider] = f
}

func (r *MemoryRepo) FindProviderFees(ctx context.Context, id provider.ID, at time.Time) (ProviderFees, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.fees[id]
	if !ok || f.Status != FeeStatusActive {
		return ProviderFees{}, false, nil
	}
	if !f.EffectiveFrom.IsZero() && at.Before(f.EffectiveFrom) {
		return ProviderFees{}, false, nil
	}
	if f.EffectiveTo != nil && !at.Before(*f.EffectiveTo) {
		return ProviderFees{}, false, nil
	}
	return f, true, nil
}
