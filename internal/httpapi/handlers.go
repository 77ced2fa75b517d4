// Package httpapi groups the HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"loyalty-platform/internal/audit"
	"loyalty-platform/internal/auth"
	"loyalty-platform/internal/breaker"
	"loyalty-platform/internal/payment"
	"loyalty-platform/internal/pricing"
	"loyalty-platform/internal/provider"
	"loyalty-platform/internal/rbac"
	"loyalty-platform/internal/settlement"
	"loyalty-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Error kinds are part of the API contract: stable, machine-readable.
const (
	KindValidationError     = "validation_error"
	KindInsufficientFunds   = "insufficient_funds"
	KindProviderUnavailable = "provider_unavailable"
	KindProviderRejected    = "provider_rejected"
	KindNotFound            = "not_found"
	KindInvariantViolation  = "ledger_invariant_violation"
	KindInternal            = "internal_error"
)

type Handlers struct {
	Auth       *auth.Manager
	Router     *payment.Router
	Settlement *settlement.Service
	Overrides  breaker.OverrideStore
	Audit      *audit.Service
}

func abortError(c *gin.Context, status int, kind, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": kind, "message": message})
}

// --- Auth ---

type loginRequest struct {
	UserID    string `json:"user_id"`
	PartnerID string `json:"partner_id,omitempty"`
	Role      string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		abortError(c, http.StatusInternalServerError, KindInternal, "auth not configured")
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, KindValidationError, "invalid json")
		return
	}
	if req.UserID == "" || req.Role == "" {
		abortError(c, http.StatusBadRequest, KindValidationError, "user_id and role required")
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.PartnerID, req.Role)
	if err != nil {
		abortError(c, http.StatusInternalServerError, KindInternal, "token issuance failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Payments ---

type createPaymentRequest struct {
	OwnerID     string `json:"owner_id,omitempty"`
	AmountMinor int64  `json:"amount_minor"`
	Provider    string `json:"provider_id"`
	Purpose     string `json:"purpose"`
	Description string `json:"description,omitempty"`
}

// CreatePayment starts a provider-routed payment. The authenticated customer
// pays for themselves; finance/super_admin may act for another owner.
func (h Handlers) CreatePayment(c *gin.Context) {
	log := logger.FromGin(c)

	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		abortError(c, http.StatusUnauthorized, KindValidationError, "authentication required")
		return
	}
	role, _ := auth.Role(c.Request.Context())

	var req createPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, KindValidationError, "invalid json")
		return
	}
	ownerID := userID
	if req.OwnerID != "" && req.OwnerID != userID {
		if role != rbac.RoleFinance && role != rbac.RoleSuperAdmin {
			abortError(c, http.StatusForbidden, KindValidationError, "cannot create payments for another owner")
			return
		}
		ownerID = req.OwnerID
	}

	res, err := h.Router.CreatePayment(c.Request.Context(), payment.CreatePaymentRequest{
		OwnerID:     ownerID,
		AmountMinor: req.AmountMinor,
		Provider:    req.Provider,
		Purpose:     req.Purpose,
		Description: req.Description,
	})
	if err != nil {
		h.writePaymentError(c, err)
		return
	}

	log.Info("payment created", "transaction_id", res.TransactionID, "provider", req.Provider)
	c.JSON(http.StatusOK, gin.H{
		"transaction_id":     res.TransactionID,
		"status":             res.Status,
		"redirect_url":       res.RedirectURL,
		"qr_code":            res.QRCode,
		"provider_reference": res.ProviderReference,
	})
}

func (h Handlers) writePaymentError(c *gin.Context, err error) {
	var openErr *breaker.OpenError
	switch {
	case errors.As(err, &openErr):
		c.Header("Retry-After", strconv.FormatInt(int64(openErr.RetryAfter/time.Second)+1, 10))
		abortError(c, http.StatusServiceUnavailable, KindProviderUnavailable, err.Error())
	case errors.Is(err, provider.ErrUnavailable):
		abortError(c, http.StatusServiceUnavailable, KindProviderUnavailable, "provider temporarily unavailable, retry later")
	case errors.Is(err, provider.ErrUnknownProvider),
		errors.Is(err, payment.ErrInvalidPurpose),
		errors.Is(err, pricing.ErrAmountBelowMin),
		errors.Is(err, pricing.ErrAmountAboveMax),
		errors.Is(err, pricing.ErrFeesNotFound),
		errors.Is(err, pricing.ErrInvalidQuoteReq),
		errors.Is(err, settlement.ErrInvalidArgument):
		abortError(c, http.StatusBadRequest, KindValidationError, err.Error())
	case errors.Is(err, settlement.ErrNotFound):
		abortError(c, http.StatusNotFound, KindNotFound, "wallet not found")
	default:
		var provErr *provider.Error
		if errors.As(err, &provErr) {
			abortError(c, http.StatusBadGateway, KindProviderRejected, provErr.Error())
			return
		}
		logger.FromGin(c).Error("payment creation failed", "err", err)
		abortError(c, http.StatusInternalServerError, KindInternal, "payment creation failed")
	}
}

// --- Orders ---

type confirmOrderRequest struct {
	OwnerID         string `json:"owner_id,omitempty"`
	PartnerID       string `json:"partner_id"`
	OrderTotalMinor int64  `json:"order_total_minor"`
	DiscountMinor   int64  `json:"discount_minor"`
	IdempotencyKey  string `json:"idempotency_key"`
}

// ConfirmOrder applies a wallet discount to a partner order. Replays of the
// same idempotency key return the original result.
func (h Handlers) ConfirmOrder(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		abortError(c, http.StatusUnauthorized, KindValidationError, "authentication required")
		return
	}
	role, _ := auth.Role(c.Request.Context())

	var req confirmOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, KindValidationError, "invalid json")
		return
	}
	ownerID := userID
	if req.OwnerID != "" && req.OwnerID != userID {
		if role != rbac.RolePartnerManager && role != rbac.RoleSuperAdmin {
			abortError(c, http.StatusForbidden, KindValidationError, "cannot confirm orders for another owner")
			return
		}
		ownerID = req.OwnerID
	}

	res, err := h.Settlement.ConfirmOrder(c.Request.Context(), settlement.ConfirmOrderRequest{
		OwnerID:         ownerID,
		PartnerID:       req.PartnerID,
		OrderTotalMinor: req.OrderTotalMinor,
		DiscountMinor:   req.DiscountMinor,
		IdempotencyKey:  req.IdempotencyKey,
	})
	switch {
	case err == nil:
	case errors.Is(err, settlement.ErrDiscountExceedsBalance):
		abortError(c, http.StatusPaymentRequired, KindInsufficientFunds, err.Error())
		return
	case errors.Is(err, settlement.ErrDiscountExceedsPartnerCap),
		errors.Is(err, settlement.ErrDiscountExceedsOrderTotal):
		abortError(c, http.StatusBadRequest, KindInvariantViolation, err.Error())
		return
	case errors.Is(err, settlement.ErrInvalidArgument):
		abortError(c, http.StatusBadRequest, KindValidationError, err.Error())
		return
	case errors.Is(err, settlement.ErrNotFound):
		abortError(c, http.StatusNotFound, KindNotFound, "partner or wallet not found")
		return
	default:
		logger.FromGin(c).Error("order confirmation failed", "err", err)
		abortError(c, http.StatusInternalServerError, KindInternal, "order confirmation failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":           res.Order.ID,
		"new_balance_minor":  res.NewBalanceMinor,
		"discount_minor":     res.Order.DiscountMinor,
		"final_amount_minor": res.Order.FinalAmountMinor,
	})
}

// --- Wallet ---

func (h Handlers) GetWalletBalance(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		abortError(c, http.StatusUnauthorized, KindValidationError, "authentication required")
		return
	}
	w, err := h.Settlement.GetBalance(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) {
			abortError(c, http.StatusNotFound, KindNotFound, "wallet not found")
			return
		}
		logger.FromGin(c).Error("balance lookup failed", "err", err)
		abortError(c, http.StatusInternalServerError, KindInternal, "balance lookup failed")
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h Handlers) GetTransaction(c *gin.Context) {
	userID, err := auth.UserID(c.Request.Context())
	if err != nil {
		abortError(c, http.StatusUnauthorized, KindValidationError, "authentication required")
		return
	}
	role, _ := auth.Role(c.Request.Context())

	t, err := h.Settlement.GetTransaction(c.Request.Context(), c.Param("transaction_id"))
	if err != nil {
		if errors.Is(err, settlement.ErrNotFound) || errors.Is(err, settlement.ErrInvalidArgument) {
			abortError(c, http.StatusNotFound, KindNotFound, "transaction not found")
			return
		}
		logger.FromGin(c).Error("transaction lookup failed", "err", err)
		abortError(c, http.StatusInternalServerError, KindInternal, "transaction lookup failed")
		return
	}
	if t.OwnerID != userID && role != rbac.RoleFinance && role != rbac.RoleSuperAdmin {
		abortError(c, http.StatusNotFound, KindNotFound, "transaction not found")
		return
	}
	c.JSON(http.StatusOK, t)
}

// --- Admin ---

type manualCreditRequest struct {
	OwnerID        string `json:"owner_id"`
	AmountMinor    int64  `json:"amount_minor"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// AdminManualCredit credits a wallet outside the provider flow.
// RBAC: finance or super_admin.
func (h Handlers) AdminManualCredit(c *gin.Context) {
	adminUserID, _ := auth.UserID(c.Request.Context())
	adminRole, _ := auth.Role(c.Request.Context())

	var req manualCreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, KindValidationError, "invalid json")
		return
	}

	res, err := h.Settlement.ManualCredit(c.Request.Context(), settlement.ManualCreditRequest{
		OwnerID:        req.OwnerID,
		AmountMinor:    req.AmountMinor,
		Reason:         req.Reason,
		IdempotencyKey: req.IdempotencyKey,
	})
	switch {
	case err == nil:
	case errors.Is(err, settlement.ErrInvalidArgument):
		abortError(c, http.StatusBadRequest, KindValidationError, err.Error())
		return
	case errors.Is(err, settlement.ErrNotFound):
		abortError(c, http.StatusNotFound, KindNotFound, "wallet not found")
		return
	default:
		logger.FromGin(c).Error("manual credit failed", "err", err)
		abortError(c, http.StatusInternalServerError, KindInternal, "manual credit failed")
		return
	}

	if h.Audit != nil && !res.Replayed {
		if aerr := h.Audit.LogAdminAction(c.Request.Context(), adminUserID, adminRole, c.ClientIP(),
			"manual wallet credit: "+req.Reason, req.OwnerID, ""); aerr != nil {
			logger.FromGin(c).Error("manual credit audit failed", "err", aerr)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction_id":    res.Transaction.ID,
		"new_balance_minor": res.WalletBalanceMinor,
		"replayed":          res.Replayed,
	})
}

// AdminRefund reverses a settled transaction.
// RBAC: finance or super_admin.
func (h Handlers) AdminRefund(c *gin.Context) {
	adminUserID, _ := auth.UserID(c.Request.Context())
	adminRole, _ := auth.Role(c.Request.Context())

	transactionID := c.Param("transaction_id")
	res, err := h.Settlement.Refund(c.Request.Context(), transactionID)
	switch {
	case err == nil:
	case errors.Is(err, settlement.ErrNotFound):
		abortError(c, http.StatusNotFound, KindNotFound, "transaction not found")
		return
	case errors.Is(err, settlement.ErrNotRefundable):
		abortError(c, http.StatusBadRequest, KindInvariantViolation, err.Error())
		return
	case errors.Is(err, settlement.ErrInsufficientFunds):
		abortError(c, http.StatusPaymentRequired, KindInsufficientFunds, err.Error())
		return
	case errors.Is(err, settlement.ErrInvalidArgument):
		abortError(c, http.StatusBadRequest, KindValidationError, err.Error())
		return
	default:
		logger.FromGin(c).Error("refund failed", "transaction_id", transactionID, "err", err)
		abortError(c, http.StatusInternalServerError, KindInternal, "refund failed")
		return
	}

	if h.Audit != nil && !res.Replayed {
		if aerr := h.Audit.LogAdminAction(c.Request.Context(), adminUserID, adminRole, c.ClientIP(),
			"refund of transaction "+transactionID, res.Transaction.OwnerID, ""); aerr != nil {
			logger.FromGin(c).Error("refund audit failed", "err", aerr)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"transaction_id":    res.Transaction.ID,
		"new_balance_minor": res.WalletBalanceMinor,
		"replayed":          res.Replayed,
	})
}

type breakerOverrideRequest struct {
	Mode       string `json:"mode"` // force_open | force_close
	TTLSeconds int64  `json:"ttl_seconds"`
}

// AdminSetBreakerOverride forces a provider's breaker open or closed for a
// bounded window, e.g. a provider maintenance announcement.
// RBAC: super_admin or the hidden risk_operator.
func (h Handlers) AdminSetBreakerOverride(c *gin.Context) {
	if h.Overrides == nil {
		abortError(c, http.StatusInternalServerError, KindInternal, "overrides not configured")
		return
	}
	adminUserID, _ := auth.UserID(c.Request.Context())
	adminRole, _ := auth.Role(c.Request.Context())

	id, ok := provider.ParseID(c.Param("provider_id"))
	if !ok {
		abortError(c, http.StatusNotFound, KindNotFound, "unknown provider")
		return
	}

	var req breakerOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortError(c, http.StatusBadRequest, KindValidationError, "invalid json")
		return
	}
	if req.TTLSeconds <= 0 {
		abortError(c, http.StatusBadRequest, KindValidationError, "ttl_seconds must be positive")
		return
	}

	now := time.Now().UTC()
	override := breaker.Override{
		Name:       string(id),
		OverrideID: uuid.NewString(),
		Mode:       breaker.OverrideMode(req.Mode),
		ExpiresAt:  now.Add(time.Duration(req.TTLSeconds) * time.Second),
	}
	if err := h.Overrides.SetOverride(c.Request.Context(), override, now); err != nil {
		if errors.Is(err, breaker.ErrInvalidOverride) {
			abortError(c, http.StatusBadRequest, KindValidationError, err.Error())
			return
		}
		logger.FromGin(c).Error("breaker override failed", "provider", id, "err", err)
		abortError(c, http.StatusInternalServerError, KindInternal, "override failed")
		return
	}

	if h.Audit != nil {
		if aerr := h.Audit.LogBreakerOverride(c.Request.Context(), adminUserID, adminRole, c.ClientIP(),
			string(id), override.OverrideID, `{"mode":"`+req.Mode+`"}`); aerr != nil {
			logger.FromGin(c).Error("breaker override audit failed", "err", aerr)
		}
	}
	c.JSON(http.StatusOK, gin.H{"override_id": override.OverrideID, "expires_at": override.ExpiresAt})
}

// AdminClearBreakerOverride removes any active override for a provider.
func (h Handlers) AdminClearBreakerOverride(c *gin.Context) {
	if h.Overrides == nil {
		abortError(c, http.StatusInternalServerError, KindInternal, "overrides not configured")
		return
	}
	adminUserID, _ := auth.UserID(c.Request.Context())
	adminRole, _ := auth.Role(c.Request.Context())

	id, ok := provider.ParseID(c.Param("provider_id"))
	if !ok {
		abortError(c, http.StatusNotFound, KindNotFound, "unknown provider")
		return
	}
	if err := h.Overrides.ClearOverride(c.Request.Context(), string(id)); err != nil {
		logger.FromGin(c).Error("breaker override clear failed", "provider", id, "err", err)
		abortError(c, http.StatusInternalServerError, KindInternal, "override clear failed")
		return
	}
	if h.Audit != nil {
		if aerr := h.Audit.LogBreakerOverride(c.Request.Context(), adminUserID, adminRole, c.ClientIP(),
			string(id), "", `{"mode":"cleared"}`); aerr != nil {
			logger.FromGin(c).Error("breaker override audit failed", "err", aerr)
		}
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}
