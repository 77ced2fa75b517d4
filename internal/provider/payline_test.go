package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"loyalty-platform/internal/config"
)

func paylineCfg(baseURL string) config.ProviderConfig {
	return config.ProviderConfig{
		BaseURL:    baseURL,
		MerchantID: "m-1",
		SecretKey:  "secret",
	}
}

func TestPayline_CreatePayment_SignsAndParses(t *testing.T) {
	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":       "ok",
			"payment_id":   "P-1",
			"redirect_url": "https://pay.example.com/P-1",
		})
	}))
	defer srv.Close()

	p := NewPayline(paylineCfg(srv.URL), "https://api.example.com/webhooks/payline", srv.Client())
	p.now = func() time.Time { return time.Unix(1700000000, 0) }

	art, err := p.CreatePayment(context.Background(), CreatePaymentRequest{
		AmountMinor: 150000,
		Currency:    "UZS",
		Reference:   "tx-42",
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	if art.RedirectURL != "https://pay.example.com/P-1" || art.ProviderReference != "P-1" {
		t.Fatalf("unexpected artifact: %+v", art)
	}

	if received["merchant_id"] != "m-1" || received["reference"] != "tx-42" || received["amount"] != "150000" {
		t.Fatalf("unexpected outbound params: %v", received)
	}
	sig := received["signature"]
	if sig == "" {
		t.Fatalf("expected outbound signature")
	}
	delete(received, "signature")
	if Sign("secret", received) != sig {
		t.Fatalf("outbound signature does not match canonical form")
	}
}

func TestPayline_CreatePayment_BusinessErrorIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":  "error",
			"code":    "limit_exceeded",
			"message": "daily limit exceeded",
		})
	}))
	defer srv.Close()

	p := NewPayline(paylineCfg(srv.URL), "cb", srv.Client())
	_, err := p.CreatePayment(context.Background(), CreatePaymentRequest{AmountMinor: 1, Currency: "UZS", Reference: "tx"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatalf("business rejection must not be retryable: %v", err)
	}
	var pe *Error
	if !errors.As(err, &pe) || pe.Code != "limit_exceeded" {
		t.Fatalf("expected tagged provider error, got %v", err)
	}
}

func TestPayline_CreatePayment_ServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPayline(paylineCfg(srv.URL), "cb", srv.Client())
	_, err := p.CreatePayment(context.Background(), CreatePaymentRequest{AmountMinor: 1, Currency: "UZS", Reference: "tx"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected retryable provider error, got %v", err)
	}
}

func TestPayline_CreatePayment_TimeoutIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	client := &http.Client{Timeout: 10 * time.Millisecond}
	p := NewPayline(paylineCfg(srv.URL), "cb", client)
	_, err := p.CreatePayment(context.Background(), CreatePaymentRequest{AmountMinor: 1, Currency: "UZS", Reference: "tx"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected timeout to classify as unavailable, got %v", err)
	}
}

func TestPayline_ParseWebhook(t *testing.T) {
	p := NewPayline(paylineCfg("http://x"), "cb", http.DefaultClient)

	n, err := p.ParseWebhook([]byte(`{"transaction_id":"tx-1","status":"success","amount":1000,"payment_id":"P-9"}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if n.TransactionID != "tx-1" || n.Status != "success" || n.AmountMinor != 1000 || n.ProviderReference != "P-9" {
		t.Fatalf("unexpected notification: %+v", n)
	}

	if _, err := p.ParseWebhook([]byte(`{"status":"success"}`)); err == nil {
		t.Fatalf("expected error for missing transaction_id")
	}
}

func TestQRPay_ParseWebhook_MapsStates(t *testing.T) {
	q := NewQRPay(config.ProviderConfig{BaseURL: "http://x", MerchantID: "m", SecretKey: "s"}, "cb", http.DefaultClient)

	cases := []struct {
		state int
		want  string
	}{
		{2, "success"},
		{-2, "failed"},
		{-1, "cancelled"},
		{7, "state_7"},
	}
	for _, tc := range cases {
		raw := []byte(`{"invoice_id":"tx-1","state":` + itoa(tc.state) + `,"amount":500,"qr_id":"Q-1"}`)
		n, err := q.ParseWebhook(raw)
		if err != nil {
			t.Fatalf("parse state %d: %v", tc.state, err)
		}
		if n.Status != tc.want {
			t.Fatalf("state %d: expected %q, got %q", tc.state, tc.want, n.Status)
		}
	}
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestRegistry_ClosedSet(t *testing.T) {
	p := NewPayline(paylineCfg("http://x"), "cb", http.DefaultClient)
	reg := NewRegistry(p)

	if _, err := reg.Get(IDPayline); err != nil {
		t.Fatalf("expected payline adapter: %v", err)
	}
	if _, err := reg.Get(IDQRPay); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
	if _, ok := ParseID("payline"); !ok {
		t.Fatalf("expected payline to parse")
	}
	if _, ok := ParseID("giropay"); ok {
		t.Fatalf("expected unknown provider to fail parsing")
	}
}
