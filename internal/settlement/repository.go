package settlement

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NOTE: This repository assumes the following tables exist:
// - wallets (one row per owner_id)
// - transactions
// - orders
// - partners
//
// It also assumes the idempotency constraints:
// UNIQUE (idempotency_key) on transactions (partial, WHERE idempotency_key IS NOT NULL)
// UNIQUE (idempotency_key) on orders

const transactionColumns = `
id, owner_id, kind, status, amount_minor, currency,
balance_before_minor, balance_after_minor,
provider, provider_reference, commission_minor,
idempotency_key, failure_reason, created_at, processed_at
`

func lockWallet(ctx context.Context, tx *sql.Tx, ownerID string) (Wallet, error) {
	// Lock the wallet row to serialize concurrent money operations per owner.
	const q = `
SELECT owner_id, balance_minor, currency, status, created_at, updated_at
FROM wallets
WHERE owner_id = $1
FOR UPDATE
`
	var w Wallet
	if err := tx.QueryRowContext(ctx, q, ownerID).Scan(
		&w.OwnerID,
		&w.BalanceMinor,
		&w.Currency,
		&w.Status,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

func getWallet(ctx context.Context, db *sql.DB, ownerID string) (Wallet, error) {
	const q = `
SELECT owner_id, balance_minor, currency, status, created_at, updated_at
FROM wallets
WHERE owner_id = $1
`
	var w Wallet
	if err := db.QueryRowContext(ctx, q, ownerID).Scan(
		&w.OwnerID,
		&w.BalanceMinor,
		&w.Currency,
		&w.Status,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

func updateWalletBalance(ctx context.Context, tx *sql.Tx, ownerID string, newBalanceMinor int64, now time.Time) error {
	const q = `
UPDATE wallets
SET balance_minor = $2, updated_at = $3
WHERE owner_id = $1
`
	_, err := tx.ExecContext(ctx, q, ownerID, newBalanceMinor, now)
	return err
}

func scanTransaction(row *sql.Row) (Transaction, error) {
	var t Transaction
	var idemKey, failureReason sql.NullString
	var processedAt sql.NullTime
	err := row.Scan(
		&t.ID,
		&t.OwnerID,
		&t.Kind,
		&t.Status,
		&t.AmountMinor,
		&t.Currency,
		&t.BalanceBeforeMinor,
		&t.BalanceAfterMinor,
		&t.Provider,
		&t.ProviderReference,
		&t.CommissionMinor,
		&idemKey,
		&failureReason,
		&t.CreatedAt,
		&processedAt,
	)
	if err != nil {
		return Transaction{}, err
	}
	t.IdempotencyKey = idemKey.String
	t.FailureReason = failureReason.String
	if processedAt.Valid {
		at := processedAt.Time
		t.ProcessedAt = &at
	}
	return t, nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t Transaction) error {
	const q = `
INSERT INTO transactions (
  id, owner_id, kind, status, amount_minor, currency,
  balance_before_minor, balance_after_minor,
  provider, provider_reference, commission_minor,
  idempotency_key, failure_reason, created_at, processed_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)
`
	_, err := tx.ExecContext(ctx, q,
		t.ID,
		t.OwnerID,
		t.Kind,
		t.Status,
		t.AmountMinor,
		t.Currency,
		t.BalanceBeforeMinor,
		t.BalanceAfterMinor,
		t.Provider,
		t.ProviderReference,
		t.CommissionMinor,
		nullIfEmpty(t.IdempotencyKey),
		nullIfEmpty(t.FailureReason),
		t.CreatedAt,
		t.ProcessedAt,
	)
	return err
}

func lockTransaction(ctx context.Context, tx *sql.Tx, id string) (Transaction, error) {
	const q = `
SELECT ` + transactionColumns + `
FROM transactions
WHERE id = $1
FOR UPDATE
`
	t, err := scanTransaction(tx.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	return t, nil
}

func getTransaction(ctx context.Context, db *sql.DB, id string) (Transaction, error) {
	const q = `
SELECT ` + transactionColumns + `
FROM transactions
WHERE id = $1
`
	t, err := scanTransaction(db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	return t, nil
}

func getTransactionTx(ctx context.Context, tx *sql.Tx, id string) (Transaction, error) {
	const q = `
SELECT ` + transactionColumns + `
FROM transactions
WHERE id = $1
`
	t, err := scanTransaction(tx.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrNotFound
		}
		return Transaction{}, err
	}
	return t, nil
}

func findTransactionByIdempotency(ctx context.Context, tx *sql.Tx, key string) (Transaction, bool, error) {
	const q = `
SELECT ` + transactionColumns + `
FROM transactions
WHERE idempotency_key = $1
LIMIT 1
`
	t, err := scanTransaction(tx.QueryRowContext(ctx, q, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, false, nil
		}
		return Transaction{}, false, err
	}
	return t, true, nil
}

// finalizeTransaction moves a pending transaction to a terminal status.
// The WHERE guard makes a terminal row unreachable, preserving immutability
// even if two writers race past the service-level check.
func finalizeTransaction(ctx context.Context, tx *sql.Tx, t Transaction) error {
	const q = `
UPDATE transactions
SET status = $2,
    balance_before_minor = $3,
    balance_after_minor = $4,
    failure_reason = $5,
    processed_at = $6
WHERE id = $1 AND status = 'pending'
`
	res, err := tx.ExecContext(ctx, q,
		t.ID,
		t.Status,
		t.BalanceBeforeMinor,
		t.BalanceAfterMinor,
		nullIfEmpty(t.FailureReason),
		t.ProcessedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func updateTransactionProviderReference(ctx context.Context, tx *sql.Tx, id, providerReference string) error {
	const q = `
UPDATE transactions
SET provider_reference = $2
WHERE id = $1 AND status = 'pending'
`
	_, err := tx.ExecContext(ctx, q, id, providerReference)
	return err
}

func insertOrder(ctx context.Context, tx *sql.Tx, o Order) error {
	const q = `
INSERT INTO orders (
  id, owner_id, partner_id, order_total_minor, discount_minor, final_amount_minor,
  idempotency_key, status, transaction_id, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
`
	_, err := tx.ExecContext(ctx, q,
		o.ID,
		o.OwnerID,
		o.PartnerID,
		o.OrderTotalMinor,
		o.DiscountMinor,
		o.FinalAmountMinor,
		o.IdempotencyKey,
		o.Status,
		o.TransactionID,
		o.CreatedAt,
	)
	return err
}

func findOrderByIdempotency(ctx context.Context, tx *sql.Tx, key string) (Order, bool, error) {
	const q = `
SELECT id, owner_id, partner_id, order_total_minor, discount_minor, final_amount_minor,
       idempotency_key, status, transaction_id, created_at
FROM orders
WHERE idempotency_key = $1
LIMIT 1
`
	var o Order
	err := tx.QueryRowContext(ctx, q, key).Scan(
		&o.ID,
		&o.OwnerID,
		&o.PartnerID,
		&o.OrderTotalMinor,
		&o.DiscountMinor,
		&o.FinalAmountMinor,
		&o.IdempotencyKey,
		&o.Status,
		&o.TransactionID,
		&o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, false, nil
		}
		return Order{}, false, err
	}
	return o, true, nil
}

func getPartner(ctx context.Context, tx *sql.Tx, id string) (Partner, error) {
	const q = `
SELECT id, name, max_discount_percent, status, created_at, updated_at
FROM partners
WHERE id = $1
`
	var p Partner
	if err := tx.QueryRowContext(ctx, q, id).Scan(
		&p.ID,
		&p.Name,
		&p.MaxDiscountPercent,
		&p.Status,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Partner{}, ErrNotFound
		}
		return Partner{}, err
	}
	return p, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
