// Package webhook authenticates inbound provider payment notifications and
// hands them to settlement.
package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"

	"loyalty-platform/internal/audit"
	"loyalty-platform/internal/provider"
	"loyalty-platform/internal/settlement"
	"loyalty-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// maxPayloadBytes bounds webhook bodies. Provider notifications are small.
const maxPayloadBytes = 1 << 20

// Settler is the slice of settlement the intake needs.
type Settler interface {
	Apply(ctx context.Context, transactionID, status string, observedAmountMinor int64) (settlement.TerminalResult, error)
}

// Auditor records rejected signatures for security review.
type Auditor interface {
	LogSignatureRejected(ctx context.Context, provider, ip, metadata string) error
}

// IntakeHandler processes POST /webhooks/:provider_id.
//
// No business logic here: signature verification and payload parsing belong
// to the adapter, the money decision belongs to settlement. Settlement is
// never invoked for a payload that failed verification.
type IntakeHandler struct {
	Adapters *provider.Registry
	Settler  Settler
	Auditor  Auditor
}

func (h IntakeHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	id, ok := provider.ParseID(c.Param("provider_id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}
	adapter, err := h.Adapters.Get(id)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown provider"})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable payload"})
		return
	}

	ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())

	if !adapter.VerifyWebhook(payload) {
		log.Warn("webhook signature rejected", "provider", id, "source_ip", c.ClientIP())
		if h.Auditor != nil {
			if aerr := h.Auditor.LogSignatureRejected(ctx, string(id), c.ClientIP(), ""); aerr != nil {
				log.Error("signature rejection audit failed", "err", aerr)
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	n, err := adapter.ParseWebhook(payload)
	if err != nil {
		log.Warn("webhook parse failed", "provider", id, "err", err)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	res, err := h.Settler.Apply(ctx, n.TransactionID, n.Status, n.AmountMinor)
	switch {
	case err == nil:
	case errors.Is(err, settlement.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown transaction"})
		return
	case errors.Is(err, settlement.ErrUnknownWebhookStatus):
		log.Warn("webhook status rejected", "provider", id, "status", n.Status, "transaction_id", n.TransactionID)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	default:
		log.Error("settlement failed", "provider", id, "transaction_id", n.TransactionID, "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
		return
	}

	if res.Replayed {
		log.Info("webhook replay ignored", "provider", id, "transaction_id", n.TransactionID)
	} else {
		log.Info("webhook settled",
			"provider", id,
			"transaction_id", n.TransactionID,
			"status", res.Transaction.Status)
	}
	c.JSON(http.StatusOK, gin.H{"processed": true})
}
