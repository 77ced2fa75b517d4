package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// postJSON performs a provider API call and classifies the outcome.
// Transport failures (including timeouts) and 5xx responses are retryable;
// 4xx responses are terminal business rejections. The caller's http.Client
// must carry a bounded timeout.
func postJSON(ctx context.Context, client *http.Client, id ID, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("provider %s: marshal request: %w", id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("provider %s: build request: %w", id, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return &Error{Provider: id, Code: "network", Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Provider: id, Code: "network", Message: err.Error(), Retryable: true}
	}

	if resp.StatusCode >= 500 {
		return &Error{Provider: id, Code: fmt.Sprintf("http_%d", resp.StatusCode), Message: trimmed(raw), Retryable: true}
	}
	if resp.StatusCode >= 400 {
		code, msg := decodeProviderError(raw)
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		if msg == "" {
			msg = trimmed(raw)
		}
		return &Error{Provider: id, Code: code, Message: msg, Retryable: false}
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			// A 2xx we cannot parse: treat as retryable, the provider side
			// may or may not have registered the payment.
			return &Error{Provider: id, Code: "bad_response", Message: err.Error(), Retryable: true}
		}
	}
	return nil
}

func decodeProviderError(raw []byte) (code, message string) {
	var e struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return "", ""
	}
	if e.Code != "" || e.Message != "" {
		return e.Code, e.Message
	}
	return e.Error.Code, e.Error.Message
}

func trimmed(raw []byte) string {
	const max = 256
	if len(raw) > max {
		raw = raw[:max]
	}
	return string(raw)
}
