package provider

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// All providers share the same signature scheme:
// hex(HMAC-SHA256(secret, canonical form)), where the canonical form is the
// request parameters (signature field excluded) sorted by key and joined as
// "key=value&key=value". Values are the literal JSON scalar representations.

const signatureField = "signature"

// Canonical builds the canonical string for signing.
func Canonical(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == signatureField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(params[k])
	}
	return b.String()
}

// Sign computes the hex signature over the canonical form of params.
func Sign(secret string, params map[string]string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Canonical(params)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyPayload authenticates a raw JSON webhook payload.
// It recomputes the signature over all fields except "signature" and compares
// in constant time. Any malformed input yields false, never a panic or error:
// webhook endpoints must reject bad input, not crash on it.
func VerifyPayload(secret string, payload []byte) bool {
	if secret == "" {
		return false
	}
	params, sig, ok := flattenPayload(payload)
	if !ok || sig == "" {
		return false
	}
	expected := Sign(secret, params)
	return hmac.Equal([]byte(strings.ToLower(sig)), []byte(expected))
}

// flattenPayload decodes a flat JSON object into string params plus the
// signature field. Numbers keep their exact wire representation so the
// canonical form matches what the provider signed.
func flattenPayload(payload []byte) (map[string]string, string, bool) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, "", false
	}

	params := make(map[string]string, len(raw))
	sig := ""
	for k, v := range raw {
		s, ok := stringifyScalar(v)
		if !ok {
			// Nested objects/arrays are not part of the signed surface.
			continue
		}
		if k == signatureField {
			sig = s
			continue
		}
		params[k] = s
	}
	return params, sig, true
}

func stringifyScalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		if t {
			return "true", true
		}
		return "false", true
	case nil:
		return "", true
	default:
		return "", false
	}
}
