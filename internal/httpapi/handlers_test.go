package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"loyalty-platform/internal/breaker"

	"github.com/gin-gonic/gin"
)

func overrideRouter(store breaker.OverrideStore) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := Handlers{Overrides: store}
	r.PUT("/admin/breakers/:provider_id/override", h.AdminSetBreakerOverride)
	r.DELETE("/admin/breakers/:provider_id/override", h.AdminClearBreakerOverride)
	return r
}

func TestAdminSetBreakerOverride(t *testing.T) {
	store := breaker.NewMemoryOverrideStore()
	r := overrideRouter(store)

	req := httptest.NewRequest(http.MethodPut, "/admin/breakers/payline/override",
		strings.NewReader(`{"mode":"force_open","ttl_seconds":600}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	o, ok, err := store.GetActiveOverride(context.Background(), "payline", time.Now().UTC())
	if err != nil || !ok {
		t.Fatalf("override should be active: ok=%v err=%v", ok, err)
	}
	if o.Mode != breaker.OverrideForceOpen {
		t.Fatalf("expected force_open, got %s", o.Mode)
	}
}

func TestAdminSetBreakerOverride_Rejections(t *testing.T) {
	store := breaker.NewMemoryOverrideStore()
	r := overrideRouter(store)

	// unknown provider
	req := httptest.NewRequest(http.MethodPut, "/admin/breakers/megapay/override",
		strings.NewReader(`{"mode":"force_open","ttl_seconds":600}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown provider, got %d", w.Code)
	}

	// bad mode
	req = httptest.NewRequest(http.MethodPut, "/admin/breakers/payline/override",
		strings.NewReader(`{"mode":"force_maybe","ttl_seconds":600}`))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid mode, got %d", w.Code)
	}

	// missing ttl
	req = httptest.NewRequest(http.MethodPut, "/admin/breakers/payline/override",
		strings.NewReader(`{"mode":"force_open"}`))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing ttl, got %d", w.Code)
	}
}

func TestAdminClearBreakerOverride(t *testing.T) {
	store := breaker.NewMemoryOverrideStore()
	now := time.Now().UTC()
	if err := store.SetOverride(context.Background(), breaker.Override{
		Name:      "qrpay",
		Mode:      breaker.OverrideForceClose,
		ExpiresAt: now.Add(time.Hour),
	}, now); err != nil {
		t.Fatalf("seed override: %v", err)
	}

	r := overrideRouter(store)
	req := httptest.NewRequest(http.MethodDelete, "/admin/breakers/qrpay/override", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	if _, ok, _ := store.GetActiveOverride(context.Background(), "qrpay", now); ok {
		t.Fatalf("override should be cleared")
	}
}
