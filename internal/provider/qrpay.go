package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loyalty-platform/internal/config"
)

// QRPay is the QR-based checkout provider: CreatePayment returns an encoded
// QR string the customer scans in their banking app.
type QRPay struct {
	cfg         config.ProviderConfig
	callbackURL string
	client      *http.Client
	now         func() time.Time
}

func NewQRPay(cfg config.ProviderConfig, callbackURL string, client *http.Client) *QRPay {
	return &QRPay{cfg: cfg, callbackURL: callbackURL, client: client, now: time.Now}
}

func (q *QRPay) ID() ID { return IDQRPay }

// qrpay invoice states as delivered in webhooks.
const (
	qrpayStatePaid      = 2
	qrpayStateCancelled = -1
	qrpayStateFailed    = -2
)

func (q *QRPay) CreatePayment(ctx context.Context, req CreatePaymentRequest) (PaymentArtifact, error) {
	params := map[string]string{
		"merchant_id":  q.cfg.MerchantID,
		"amount":       strconv.FormatInt(req.AmountMinor, 10),
		"currency":     req.Currency,
		"reference":    req.Reference,
		"callback_url": q.callbackURL,
		"timestamp":    strconv.FormatInt(q.now().UTC().Unix(), 10),
	}
	params["signature"] = Sign(q.cfg.SecretKey, params)

	var resp struct {
		Result *struct {
			QRCode  string `json:"qr_code"`
			OrderID string `json:"order_id"`
		} `json:"result"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	url := strings.TrimSuffix(q.cfg.BaseURL, "/") + "/merchant/api/qr/create"
	if err := postJSON(ctx, q.client, IDQRPay, url, params, &resp); err != nil {
		return PaymentArtifact{}, err
	}

	if resp.Error != nil {
		return PaymentArtifact{}, &Error{Provider: IDQRPay, Code: resp.Error.Code, Message: resp.Error.Message, Retryable: false}
	}
	if resp.Result == nil || resp.Result.QRCode == "" || resp.Result.OrderID == "" {
		return PaymentArtifact{}, &Error{Provider: IDQRPay, Code: "bad_response", Message: "missing result", Retryable: true}
	}

	return PaymentArtifact{
		QRCode:            resp.Result.QRCode,
		ProviderReference: resp.Result.OrderID,
	}, nil
}

func (q *QRPay) VerifyWebhook(payload []byte) bool {
	return VerifyPayload(q.cfg.SecretKey, payload)
}

// ParseWebhook decodes a qrpay callback and maps its numeric invoice state to
// the normalized status vocabulary. Unknown states are surfaced verbatim so
// settlement rejects them instead of guessing.
func (q *QRPay) ParseWebhook(payload []byte) (Notification, error) {
	var body struct {
		InvoiceID string `json:"invoice_id"`
		State     int    `json:"state"`
		Amount    int64  `json:"amount"`
		QRID      string `json:"qr_id"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return Notification{}, &Error{Provider: IDQRPay, Code: "bad_webhook", Message: err.Error(), Retryable: false}
	}
	if body.InvoiceID == "" {
		return Notification{}, &Error{Provider: IDQRPay, Code: "bad_webhook", Message: "invoice_id missing", Retryable: false}
	}

	status := ""
	switch body.State {
	case qrpayStatePaid:
		status = "success"
	case qrpayStateFailed:
		status = "failed"
	case qrpayStateCancelled:
		status = "cancelled"
	default:
		status = fmt.Sprintf("state_%d", body.State)
	}

	return Notification{
		TransactionID:     body.InvoiceID,
		Status:            status,
		AmountMinor:       body.Amount,
		ProviderReference: body.QRID,
	}, nil
}
