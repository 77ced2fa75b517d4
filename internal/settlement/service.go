package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loyalty-platform/internal/provider"
	"loyalty-platform/pkg/utils"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// Service is the ledger write path.
//
// Money invariants:
// - Wallet.balance is mutated only here, never by another package
// - Every balance change is attributed to exactly one Transaction
// - Balance update, transaction transition and order creation happen in one
//   DB transaction; any failure rolls back all of them
// - A terminal transaction is immutable; re-settling it is a no-op
//
// Ordering:
// - The wallet row is locked (FOR UPDATE) before any balance math, so
//   concurrent operations against one wallet serialize
type Service struct {
	db     *sql.DB
	events EventPublisher
	log    *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(db *sql.DB, events EventPublisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{db: db, events: events, log: log, clock: time.Now}
}

// EventPublisher receives post-commit settlement events. Publishing happens
// outside the atomic unit: a publish failure is logged, never rolled back.
type EventPublisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

const (
	EventTransactionSettled = "transaction.settled"
	EventOrderConfirmed     = "order.confirmed"
)

// TransactionSettledEvent is emitted after a transaction reaches a terminal
// status through the webhook or refund path.
type TransactionSettledEvent struct {
	TransactionID     string            `json:"transaction_id"`
	OwnerID           string            `json:"owner_id"`
	Kind              TransactionKind   `json:"kind"`
	Status            TransactionStatus `json:"status"`
	AmountMinor       int64             `json:"amount_minor"`
	BalanceAfterMinor int64             `json:"balance_after_minor"`
	OccurredAt        time.Time         `json:"occurred_at"`
}

// OrderConfirmedEvent is emitted after an order confirmation commits.
type OrderConfirmedEvent struct {
	OrderID          string    `json:"order_id"`
	OwnerID          string    `json:"owner_id"`
	PartnerID        string    `json:"partner_id"`
	DiscountMinor    int64     `json:"discount_minor"`
	FinalAmountMinor int64     `json:"final_amount_minor"`
	OccurredAt       time.Time `json:"occurred_at"`
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInsufficientFunds = errors.New("insufficient funds")

	// Order confirmation invariants, each violation named so the API layer
	// can report which rule was broken.
	ErrDiscountExceedsPartnerCap = errors.New("discount exceeds partner's maximum")
	ErrDiscountExceedsBalance    = errors.New("discount exceeds wallet balance")
	ErrDiscountExceedsOrderTotal = errors.New("discount exceeds order total")

	// ErrUnknownWebhookStatus rejects webhook statuses outside the known set
	// without mutating anything.
	ErrUnknownWebhookStatus = errors.New("unknown webhook status")

	ErrNotRefundable = errors.New("transaction not refundable")
)

// --- payment router support -------------------------------------------------

type CreatePendingRequest struct {
	OwnerID         string
	Kind            TransactionKind
	AmountMinor     int64
	Currency        string
	Provider        provider.ID
	CommissionMinor int64
}

// CreatePendingTransaction records a provider-routed payment intent. The
// returned transaction id doubles as the provider-facing reference. No wallet
// mutation happens here.
func (s *Service) CreatePendingTransaction(ctx context.Context, req CreatePendingRequest) (Transaction, error) {
	if req.OwnerID == "" || req.AmountMinor <= 0 || req.Currency == "" {
		return Transaction{}, ErrInvalidArgument
	}
	if req.Kind != TransactionKindTopup && req.Kind != TransactionKindPayment {
		return Transaction{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	entry := Transaction{
		ID:              uuid.NewString(),
		OwnerID:         req.OwnerID,
		Kind:            req.Kind,
		Status:          TransactionStatusPending,
		AmountMinor:     req.AmountMinor,
		Currency:        req.Currency,
		Provider:        req.Provider,
		CommissionMinor: req.CommissionMinor,
		CreatedAt:       now,
	}

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		w, err := lockWallet(ctx, tx, req.OwnerID)
		if err != nil {
			return err
		}
		if w.Currency != req.Currency || w.Status != WalletStatusActive {
			return ErrInvalidArgument
		}
		return insertTransaction(ctx, tx, entry)
	})
	if err != nil {
		return Transaction{}, err
	}
	return entry, nil
}

// AttachProviderReference stores the provider's own id for a still-pending
// transaction once the create-payment call returns it.
func (s *Service) AttachProviderReference(ctx context.Context, transactionID, providerReference string) error {
	if transactionID == "" || providerReference == "" {
		return ErrInvalidArgument
	}
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		return updateTransactionProviderReference(ctx, tx, transactionID, providerReference)
	})
}

// MarkTransactionFailed finalizes a pending transaction as FAILED with a
// cause. Already-terminal transactions are left untouched.
func (s *Service) MarkTransactionFailed(ctx context.Context, transactionID, reason string) error {
	if transactionID == "" {
		return ErrInvalidArgument
	}
	now := s.clock().UTC()
	return utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		t, err := lockTransaction(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			return nil
		}
		t.Status = TransactionStatusFailed
		t.FailureReason = reason
		t.ProcessedAt = &now
		return finalizeTransaction(ctx, tx, t)
	})
}

// GetTransaction reads one transaction by id.
func (s *Service) GetTransaction(ctx context.Context, transactionID string) (Transaction, error) {
	if transactionID == "" {
		return Transaction{}, ErrInvalidArgument
	}
	return getTransaction(ctx, s.db, transactionID)
}

// GetBalance reads the wallet for an owner.
func (s *Service) GetBalance(ctx context.Context, ownerID string) (Wallet, error) {
	if ownerID == "" {
		return Wallet{}, ErrInvalidArgument
	}
	return getWallet(ctx, s.db, ownerID)
}

// --- webhook settlement -----------------------------------------------------

// TerminalResult reports the final state of a settled transaction.
type TerminalResult struct {
	Transaction        Transaction
	WalletBalanceMinor int64
	// Replayed is true when the transaction was already terminal and nothing
	// was mutated (providers retry webhooks).
	Replayed bool
}

// Apply settles a pending transaction from a provider notification.
//
// Behavior:
// - already terminal: idempotent no-op, prior state returned
// - status outside {success, failed, cancelled}: rejected, nothing mutated
// - notified amount != expected amount: the transaction fails terminally
//   (possible fraud or provider bug), committed
// - success on a topup credits the wallet; other kinds only transition status
func (s *Service) Apply(ctx context.Context, transactionID, status string, observedAmountMinor int64) (TerminalResult, error) {
	if transactionID == "" {
		return TerminalResult{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	var out TerminalResult
	var settled bool

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		t, err := lockTransaction(ctx, tx, transactionID)
		if err != nil {
			return err
		}
		if t.Status.Terminal() {
			out = TerminalResult{Transaction: t, WalletBalanceMinor: t.BalanceAfterMinor, Replayed: true}
			return nil
		}

		target, err := parseWebhookStatus(status)
		if err != nil {
			return err
		}

		w, err := lockWallet(ctx, tx, t.OwnerID)
		if err != nil {
			return err
		}

		if observedAmountMinor != t.AmountMinor {
			t.Status = TransactionStatusFailed
			t.FailureReason = fmt.Sprintf("amount mismatch: expected %d, provider reported %d", t.AmountMinor, observedAmountMinor)
			t.BalanceBeforeMinor = w.BalanceMinor
			t.BalanceAfterMinor = w.BalanceMinor
			t.ProcessedAt = &now
			if err := finalizeTransaction(ctx, tx, t); err != nil {
				return err
			}
			out = TerminalResult{Transaction: t, WalletBalanceMinor: w.BalanceMinor}
			settled = true
			return nil
		}

		newBalance := w.BalanceMinor
		if target == TransactionStatusSuccess && t.Kind == TransactionKindTopup {
			newBalance = w.BalanceMinor + t.AmountMinor
		}

		t.Status = target
		t.BalanceBeforeMinor = w.BalanceMinor
		t.BalanceAfterMinor = newBalance
		t.ProcessedAt = &now
		if err := finalizeTransaction(ctx, tx, t); err != nil {
			return err
		}
		if newBalance != w.BalanceMinor {
			if err := updateWalletBalance(ctx, tx, t.OwnerID, newBalance, now); err != nil {
				return err
			}
		}

		out = TerminalResult{Transaction: t, WalletBalanceMinor: newBalance}
		settled = true
		return nil
	})
	if err != nil {
		return TerminalResult{}, err
	}

	if settled {
		s.publish(ctx, EventTransactionSettled, TransactionSettledEvent{
			TransactionID:     out.Transaction.ID,
			OwnerID:           out.Transaction.OwnerID,
			Kind:              out.Transaction.Kind,
			Status:            out.Transaction.Status,
			AmountMinor:       out.Transaction.AmountMinor,
			BalanceAfterMinor: out.WalletBalanceMinor,
			OccurredAt:        now,
		})
	}
	return out, nil
}

func parseWebhookStatus(status string) (TransactionStatus, error) {
	switch TransactionStatus(status) {
	case TransactionStatusSuccess, TransactionStatusFailed, TransactionStatusCancelled:
		return TransactionStatus(status), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownWebhookStatus, status)
}

// --- order confirmation -----------------------------------------------------

type ConfirmOrderRequest struct {
	OwnerID         string `json:"owner_id"`
	PartnerID       string `json:"partner_id"`
	OrderTotalMinor int64  `json:"order_total_minor"`
	DiscountMinor   int64  `json:"discount_minor"`
	IdempotencyKey  string `json:"idempotency_key"`
}

type OrderResult struct {
	Order           Order
	Transaction     Transaction
	NewBalanceMinor int64
	// Replayed is true when an earlier confirm with the same idempotency key
	// already created the order; the prior result is returned unchanged.
	Replayed bool
}

// ConfirmOrder debits the wallet by the discount and records the order, all
// in one atomic unit. Retried and concurrent duplicate submissions of one
// idempotency key resolve to the single order created first.
func (s *Service) ConfirmOrder(ctx context.Context, req ConfirmOrderRequest) (OrderResult, error) {
	if req.OwnerID == "" || req.PartnerID == "" || req.IdempotencyKey == "" {
		return OrderResult{}, ErrInvalidArgument
	}
	if req.OrderTotalMinor <= 0 || req.DiscountMinor < 0 {
		return OrderResult{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	out, err := s.confirmOrderTx(ctx, req, now)
	if err != nil {
		// Concurrent duplicate: the other submission won the unique index
		// race. Read its result instead of erroring.
		if isUniqueViolation(err) {
			replay, ok, rerr := s.readOrderByKey(ctx, req.IdempotencyKey)
			if rerr == nil && ok {
				return replay, nil
			}
		}
		return OrderResult{}, err
	}

	if !out.Replayed {
		s.publish(ctx, EventOrderConfirmed, OrderConfirmedEvent{
			OrderID:          out.Order.ID,
			OwnerID:          out.Order.OwnerID,
			PartnerID:        out.Order.PartnerID,
			DiscountMinor:    out.Order.DiscountMinor,
			FinalAmountMinor: out.Order.FinalAmountMinor,
			OccurredAt:       now,
		})
	}
	return out, nil
}

func (s *Service) confirmOrderTx(ctx context.Context, req ConfirmOrderRequest, now time.Time) (OrderResult, error) {
	var out OrderResult
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		// Idempotency: a prior confirm with this key returns its result.
		if existing, ok, err := findOrderByIdempotency(ctx, tx, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			t, err := getTransactionTx(ctx, tx, existing.TransactionID)
			if err != nil {
				return err
			}
			out = OrderResult{Order: existing, Transaction: t, NewBalanceMinor: t.BalanceAfterMinor, Replayed: true}
			return nil
		}

		p, err := getPartner(ctx, tx, req.PartnerID)
		if err != nil {
			return err
		}
		if p.Status != PartnerStatusActive {
			return ErrNotFound
		}

		if req.DiscountMinor > req.OrderTotalMinor {
			return ErrDiscountExceedsOrderTotal
		}
		if req.DiscountMinor > req.OrderTotalMinor*p.MaxDiscountPercent/100 {
			return ErrDiscountExceedsPartnerCap
		}

		w, err := lockWallet(ctx, tx, req.OwnerID)
		if err != nil {
			return err
		}
		if w.Status != WalletStatusActive {
			return ErrInvalidArgument
		}
		if req.DiscountMinor > w.BalanceMinor {
			return ErrDiscountExceedsBalance
		}

		newBalance := w.BalanceMinor - req.DiscountMinor
		entry := Transaction{
			ID:                 uuid.NewString(),
			OwnerID:            req.OwnerID,
			Kind:               TransactionKindDiscount,
			Status:             TransactionStatusSuccess,
			AmountMinor:        req.DiscountMinor,
			Currency:           w.Currency,
			BalanceBeforeMinor: w.BalanceMinor,
			BalanceAfterMinor:  newBalance,
			IdempotencyKey:     req.IdempotencyKey,
			CreatedAt:          now,
			ProcessedAt:        &now,
		}
		if err := insertTransaction(ctx, tx, entry); err != nil {
			return err
		}
		if err := updateWalletBalance(ctx, tx, req.OwnerID, newBalance, now); err != nil {
			return err
		}

		order := Order{
			ID:               uuid.NewString(),
			OwnerID:          req.OwnerID,
			PartnerID:        req.PartnerID,
			OrderTotalMinor:  req.OrderTotalMinor,
			DiscountMinor:    req.DiscountMinor,
			FinalAmountMinor: req.OrderTotalMinor - req.DiscountMinor,
			IdempotencyKey:   req.IdempotencyKey,
			Status:           OrderStatusConfirmed,
			TransactionID:    entry.ID,
			CreatedAt:        now,
		}
		if err := insertOrder(ctx, tx, order); err != nil {
			return err
		}

		out = OrderResult{Order: order, Transaction: entry, NewBalanceMinor: newBalance}
		return nil
	})
	return out, err
}

func (s *Service) readOrderByKey(ctx context.Context, key string) (OrderResult, bool, error) {
	var out OrderResult
	var found bool
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx *sql.Tx) error {
		o, ok, err := findOrderByIdempotency(ctx, tx, key)
		if err != nil || !ok {
			return err
		}
		t, err := getTransactionTx(ctx, tx, o.TransactionID)
		if err != nil {
			return err
		}
		out = OrderResult{Order: o, Transaction: t, NewBalanceMinor: t.BalanceAfterMinor, Replayed: true}
		found = true
		return nil
	})
	return out, found, err
}

// --- refund -----------------------------------------------------------------

// Refund reverses a previously successful transaction exactly once. The
// refund's idempotency key is derived from the original transaction id, so
// retries converge on a single refund row regardless of the caller.
//
// Wallet effect mirrors the original: a discount debit is credited back, a
// topup credit is debited back (balance permitting), a provider-side payment
// is recorded with no wallet movement.
func (s *Service) Refund(ctx context.Context, originalTransactionID string) (TerminalResult, error) {
	if originalTransactionID == "" {
		return TerminalResult{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	key := "refund:" + originalTransactionID
	var out TerminalResult

	apply := func(ctx context.Context, tx *sql.Tx) error {
		orig, err := getTransactionTx(ctx, tx, originalTransactionID)
		if err != nil {
			return err
		}
		if orig.Status != TransactionStatusSuccess || orig.Kind == TransactionKindRefund {
			return ErrNotRefundable
		}

		if existing, ok, err := findTransactionByIdempotency(ctx, tx, key); err != nil {
			return err
		} else if ok {
			out = TerminalResult{Transaction: existing, WalletBalanceMinor: existing.BalanceAfterMinor, Replayed: true}
			return nil
		}

		w, err := lockWallet(ctx, tx, orig.OwnerID)
		if err != nil {
			return err
		}

		var delta int64
		switch orig.Kind {
		case TransactionKindDiscount:
			delta = orig.AmountMinor
		case TransactionKindTopup:
			if w.BalanceMinor < orig.AmountMinor {
				return ErrInsufficientFunds
			}
			delta = -orig.AmountMinor
		case TransactionKindPayment:
			delta = 0
		}

		newBalance := w.BalanceMinor + delta
		entry := Transaction{
			ID:                 uuid.NewString(),
			OwnerID:            orig.OwnerID,
			Kind:               TransactionKindRefund,
			Status:             TransactionStatusSuccess,
			AmountMinor:        orig.AmountMinor,
			Currency:           orig.Currency,
			BalanceBeforeMinor: w.BalanceMinor,
			BalanceAfterMinor:  newBalance,
			ProviderReference:  orig.ID,
			IdempotencyKey:     key,
			CreatedAt:          now,
			ProcessedAt:        &now,
		}
		if err := insertTransaction(ctx, tx, entry); err != nil {
			return err
		}
		if delta != 0 {
			if err := updateWalletBalance(ctx, tx, orig.OwnerID, newBalance, now); err != nil {
				return err
			}
		}
		out = TerminalResult{Transaction: entry, WalletBalanceMinor: newBalance}
		return nil
	}

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, apply)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race to a concurrent refund of the same transaction.
			if replay, rerr := s.refundReplay(ctx, key); rerr == nil {
				return replay, nil
			}
		}
		return TerminalResult{}, err
	}

	if !out.Replayed {
		s.publish(ctx, EventTransactionSettled, TransactionSettledEvent{
			TransactionID:     out.Transaction.ID,
			OwnerID:           out.Transaction.OwnerID,
			Kind:              out.Transaction.Kind,
			Status:            out.Transaction.Status,
			AmountMinor:       out.Transaction.AmountMinor,
			BalanceAfterMinor: out.WalletBalanceMinor,
			OccurredAt:        now,
		})
	}
	return out, nil
}

func (s *Service) refundReplay(ctx context.Context, key string) (TerminalResult, error) {
	var out TerminalResult
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{ReadOnly: true}, func(ctx context.Context, tx *sql.Tx) error {
		existing, ok, err := findTransactionByIdempotency(ctx, tx, key)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotFound
		}
		out = TerminalResult{Transaction: existing, WalletBalanceMinor: existing.BalanceAfterMinor, Replayed: true}
		return nil
	})
	return out, err
}

// --- admin manual credit ----------------------------------------------------

type ManualCreditRequest struct {
	OwnerID        string `json:"owner_id"`
	AmountMinor    int64  `json:"amount_minor"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ManualCredit is the operator escape hatch: credit a wallet outside the
// provider flow, e.g. compensation for a stuck top-up. The caller is expected
// to write an audit record alongside.
func (s *Service) ManualCredit(ctx context.Context, req ManualCreditRequest) (TerminalResult, error) {
	if req.OwnerID == "" || req.IdempotencyKey == "" || req.Reason == "" {
		return TerminalResult{}, ErrInvalidArgument
	}
	if req.AmountMinor <= 0 {
		return TerminalResult{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	var out TerminalResult

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if existing, ok, err := findTransactionByIdempotency(ctx, tx, req.IdempotencyKey); err != nil {
			return err
		} else if ok {
			out = TerminalResult{Transaction: existing, WalletBalanceMinor: existing.BalanceAfterMinor, Replayed: true}
			return nil
		}

		w, err := lockWallet(ctx, tx, req.OwnerID)
		if err != nil {
			return err
		}

		newBalance := w.BalanceMinor + req.AmountMinor
		entry := Transaction{
			ID:                 uuid.NewString(),
			OwnerID:            req.OwnerID,
			Kind:               TransactionKindTopup,
			Status:             TransactionStatusSuccess,
			AmountMinor:        req.AmountMinor,
			Currency:           w.Currency,
			BalanceBeforeMinor: w.BalanceMinor,
			BalanceAfterMinor:  newBalance,
			ProviderReference:  "manual_credit",
			IdempotencyKey:     req.IdempotencyKey,
			CreatedAt:          now,
			ProcessedAt:        &now,
		}
		if err := insertTransaction(ctx, tx, entry); err != nil {
			return err
		}
		if err := updateWalletBalance(ctx, tx, req.OwnerID, newBalance, now); err != nil {
			return err
		}
		out = TerminalResult{Transaction: entry, WalletBalanceMinor: newBalance}
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			if replay, rerr := s.refundReplay(ctx, req.IdempotencyKey); rerr == nil {
				return replay, nil
			}
		}
		return TerminalResult{}, err
	}

	if !out.Replayed {
		s.publish(ctx, EventTransactionSettled, TransactionSettledEvent{
			TransactionID:     out.Transaction.ID,
			OwnerID:           out.Transaction.OwnerID,
			Kind:              out.Transaction.Kind,
			Status:            out.Transaction.Status,
			AmountMinor:       out.Transaction.AmountMinor,
			BalanceAfterMinor: out.WalletBalanceMinor,
			OccurredAt:        now,
		})
	}
	return out, nil
}

// --- helpers ----------------------------------------------------------------

func (s *Service) publish(ctx context.Context, eventType string, payload any) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, eventType, payload); err != nil {
		s.log.Warn("settlement event publish failed", "event_type", eventType, "error", err)
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
