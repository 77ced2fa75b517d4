package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loyalty-platform/internal/config"
)

// Payline is the redirect-based checkout provider: CreatePayment returns a
// hosted payment page URL the customer is sent to.
type Payline struct {
	cfg         config.ProviderConfig
	callbackURL string
	client      *http.Client
	now         func() time.Time
}

func NewPayline(cfg config.ProviderConfig, callbackURL string, client *http.Client) *Payline {
	return &Payline{cfg: cfg, callbackURL: callbackURL, client: client, now: time.Now}
}

func (p *Payline) ID() ID { return IDPayline }

func (p *Payline) CreatePayment(ctx context.Context, req CreatePaymentRequest) (PaymentArtifact, error) {
	params := map[string]string{
		"merchant_id":  p.cfg.MerchantID,
		"amount":       strconv.FormatInt(req.AmountMinor, 10),
		"currency":     req.Currency,
		"reference":    req.Reference,
		"callback_url": p.callbackURL,
		"timestamp":    strconv.FormatInt(p.now().UTC().Unix(), 10),
	}
	if req.Description != "" {
		params["description"] = req.Description
	}
	params["signature"] = Sign(p.cfg.SecretKey, params)

	var resp struct {
		Status      string `json:"status"`
		PaymentID   string `json:"payment_id"`
		RedirectURL string `json:"redirect_url"`
		Code        string `json:"code"`
		Message     string `json:"message"`
	}
	url := strings.TrimSuffix(p.cfg.BaseURL, "/") + "/api/v1/payments"
	if err := postJSON(ctx, p.client, IDPayline, url, params, &resp); err != nil {
		return PaymentArtifact{}, err
	}

	if resp.Status != "ok" {
		return PaymentArtifact{}, &Error{Provider: IDPayline, Code: resp.Code, Message: resp.Message, Retryable: false}
	}
	if resp.PaymentID == "" || resp.RedirectURL == "" {
		return PaymentArtifact{}, &Error{Provider: IDPayline, Code: "bad_response", Message: "missing payment_id or redirect_url", Retryable: true}
	}

	return PaymentArtifact{
		RedirectURL:       resp.RedirectURL,
		ProviderReference: resp.PaymentID,
	}, nil
}

func (p *Payline) VerifyWebhook(payload []byte) bool {
	return VerifyPayload(p.cfg.SecretKey, payload)
}

// ParseWebhook decodes a payline callback. Payline already reports status as
// one of success/failed/cancelled; anything else is passed through for
// settlement to reject.
func (p *Payline) ParseWebhook(payload []byte) (Notification, error) {
	var body struct {
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
		Amount        int64  `json:"amount"`
		PaymentID     string `json:"payment_id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Notification{}, &Error{Provider: IDPayline, Code: "bad_webhook", Message: err.Error(), Retryable: false}
	}
	if body.TransactionID == "" {
		return Notification{}, &Error{Provider: IDPayline, Code: "bad_webhook", Message: "transaction_id missing", Retryable: false}
	}
	return Notification{
		TransactionID:     body.TransactionID,
		Status:            body.Status,
		AmountMinor:       body.Amount,
		ProviderReference: body.PaymentID,
	}, nil
}
