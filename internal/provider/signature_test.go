package provider

import (
	"encoding/json"
	"testing"
)

func TestCanonical_SortsAndExcludesSignature(t *testing.T) {
	got := Canonical(map[string]string{
		"b":         "2",
		"a":         "1",
		"signature": "deadbeef",
		"c":         "3",
	})
	if got != "a=1&b=2&c=3" {
		t.Fatalf("unexpected canonical form %q", got)
	}
}

func TestVerifyPayload_AcceptsValidSignature(t *testing.T) {
	secret := "topsecret"
	params := map[string]string{
		"transaction_id": "tx-1",
		"status":         "success",
		"amount":         "1000",
		"payment_id":     "P-77",
	}
	body := map[string]any{
		"transaction_id": "tx-1",
		"status":         "success",
		"amount":         1000,
		"payment_id":     "P-77",
		"signature":      Sign(secret, params),
	}
	raw, _ := json.Marshal(body)

	if !VerifyPayload(secret, raw) {
		t.Fatalf("expected valid signature to verify")
	}
}

func TestVerifyPayload_RejectsTamperedAmount(t *testing.T) {
	secret := "topsecret"
	params := map[string]string{"transaction_id": "tx-1", "amount": "1000"}
	body := map[string]any{
		"transaction_id": "tx-1",
		"amount":         9000, // tampered after signing
		"signature":      Sign(secret, params),
	}
	raw, _ := json.Marshal(body)

	if VerifyPayload(secret, raw) {
		t.Fatalf("expected tampered payload to be rejected")
	}
}

func TestVerifyPayload_DegeneratesSafely(t *testing.T) {
	secret := "topsecret"

	// unconfigured secret
	if VerifyPayload("", []byte(`{"signature":"aa"}`)) {
		t.Fatalf("expected rejection with empty secret")
	}
	// missing signature
	if VerifyPayload(secret, []byte(`{"amount":1}`)) {
		t.Fatalf("expected rejection without signature")
	}
	// malformed JSON must reject, not panic
	if VerifyPayload(secret, []byte(`{"amount":`)) {
		t.Fatalf("expected rejection for malformed payload")
	}
	// garbage-but-present signature
	if VerifyPayload(secret, []byte("{\"amount\":1,\"signature\":\"not-hex-\x00\"}")) {
		t.Fatalf("expected rejection for malformed signature")
	}
}

func TestVerifyPayload_NumberRepresentationStable(t *testing.T) {
	secret := "s"
	// The signer used "10.50"; verification must keep the exact wire form.
	params := map[string]string{"amount": "10.50", "reference": "r1"}
	raw := []byte(`{"amount":10.50,"reference":"r1","signature":"` + Sign(secret, params) + `"}`)
	if !VerifyPayload(secret, raw) {
		t.Fatalf("expected decimal representation to survive verification")
	}
}
