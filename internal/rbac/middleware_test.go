package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"loyalty-platform/internal/auth"

	"github.com/gin-gonic/gin"
)

func doWithIdentity(t *testing.T, mw gin.HandlerFunc, userID, partnerID, role string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != "" {
			c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, partnerID, role))
		}
		c.Next()
	})
	r.Use(mw)
	r.GET("/x", func(c *gin.Context) { c.JSON(200, gin.H{"ok": true}) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.ServeHTTP(w, req)
	return w
}

func TestRequireAnyRole_AllowsListedRole(t *testing.T) {
	w := doWithIdentity(t, RequireAnyRole(RoleCustomer), "u1", "", RoleCustomer)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequireAnyRole_RejectsUnlistedRole(t *testing.T) {
	w := doWithIdentity(t, RequireAnyRole(RoleFinance), "u1", "", RoleCustomer)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	w := doWithIdentity(t, RequireAnyRole(RoleCustomer), "u1", "", RoleSuperAdmin)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequireAnyRole_HiddenRoleIsOptIn(t *testing.T) {
	w := doWithIdentity(t, RequireAnyRole(RoleFinance), "u1", "", RoleRiskOperator)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	w = doWithIdentity(t, RequireAnyRole(RoleRiskOperator), "u1", "", RoleRiskOperator)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for explicitly allowed hidden role, got %d", w.Code)
	}
}

func TestRequireAnyRole_MissingIdentity(t *testing.T) {
	w := doWithIdentity(t, RequireAnyRole(RoleCustomer), "", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequirePartnerScope(t *testing.T) {
	w := doWithIdentity(t, RequirePartnerScope(), "u1", "", RolePartnerManager)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for partner_manager without partner_id, got %d", w.Code)
	}
	w = doWithIdentity(t, RequirePartnerScope(), "u1", "p1", RolePartnerManager)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}
