package pricing

import (
	"context"
	"errors"
	"testing"
	"time"

	"loyalty-platform/internal/provider"
)

func testRepo() *MemoryRepo {
	r := NewMemoryRepo()
	r.Put(ProviderFees{
		Provider:       provider.IDPayline,
		Currency:       "UZS",
		CommissionBps:  150, // 1.5%
		MinAmountMinor: 1000,
		MaxAmountMinor: 1_000_000,
		Status:         FeeStatusActive,
	})
	return r
}

func TestQuotePayment_ComputesCommission(t *testing.T) {
	svc := NewService(testRepo(), 100, 10_000_000)

	q, err := svc.QuotePayment(context.Background(), provider.IDPayline, 100_000, time.Time{})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.CommissionMinor != 1500 {
		t.Fatalf("expected commission 1500, got %d", q.CommissionMinor)
	}
	if q.Currency != "UZS" || q.AmountMinor != 100_000 {
		t.Fatalf("unexpected quote: %+v", q)
	}
}

func TestQuotePayment_CommissionRoundsDown(t *testing.T) {
	svc := NewService(testRepo(), 0, 0)
	q, err := svc.QuotePayment(context.Background(), provider.IDPayline, 1001, time.Time{})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	// 1001 * 150 / 10000 = 15.015 -> 15
	if q.CommissionMinor != 15 {
		t.Fatalf("expected 15, got %d", q.CommissionMinor)
	}
}

func TestQuotePayment_Bounds(t *testing.T) {
	svc := NewService(testRepo(), 100, 500_000)

	if _, err := svc.QuotePayment(context.Background(), provider.IDPayline, 50, time.Time{}); !errors.Is(err, ErrAmountBelowMin) {
		t.Fatalf("expected ErrAmountBelowMin (global), got %v", err)
	}
	if _, err := svc.QuotePayment(context.Background(), provider.IDPayline, 999, time.Time{}); !errors.Is(err, ErrAmountBelowMin) {
		t.Fatalf("expected ErrAmountBelowMin (provider), got %v", err)
	}
	if _, err := svc.QuotePayment(context.Background(), provider.IDPayline, 600_000, time.Time{}); !errors.Is(err, ErrAmountAboveMax) {
		t.Fatalf("expected ErrAmountAboveMax (global), got %v", err)
	}

	svc = NewService(testRepo(), 0, 0)
	if _, err := svc.QuotePayment(context.Background(), provider.IDPayline, 2_000_000, time.Time{}); !errors.Is(err, ErrAmountAboveMax) {
		t.Fatalf("expected ErrAmountAboveMax (provider), got %v", err)
	}
}

func TestQuotePayment_UnknownProvider(t *testing.T) {
	svc := NewService(testRepo(), 0, 0)
	if _, err := svc.QuotePayment(context.Background(), provider.IDQRPay, 5000, time.Time{}); !errors.Is(err, ErrFeesNotFound) {
		t.Fatalf("expected ErrFeesNotFound, got %v", err)
	}
}

func TestQuotePayment_EffectiveWindow(t *testing.T) {
	r := testRepo()
	until := time.Unix(1700000000, 0).UTC()
	r.Put(ProviderFees{
		Provider:      provider.IDQRPay,
		Currency:      "UZS",
		CommissionBps: 90,
		EffectiveTo:   &until,
		Status:        FeeStatusActive,
	})
	svc := NewService(r, 0, 0)

	if _, err := svc.QuotePayment(context.Background(), provider.IDQRPay, 5000, until.Add(-time.Hour)); err != nil {
		t.Fatalf("expected quote within window, got %v", err)
	}
	if _, err := svc.QuotePayment(context.Background(), provider.IDQRPay, 5000, until.Add(time.Hour)); !errors.Is(err, ErrFeesNotFound) {
		t.Fatalf("expected ErrFeesNotFound after window, got %v", err)
	}
}
