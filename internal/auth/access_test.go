package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func accessRouter(apiKey, signingKey, issuer string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AccessMiddleware(apiKey, signingKey, issuer))
	r.GET("/ping", func(c *gin.Context) {
		role, _ := c.Get("operator_role")
		c.JSON(http.StatusOK, gin.H{"role": role})
	})
	return r
}

func doGet(t *testing.T, r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAccessDisabledWithoutCredentialsConfigured(t *testing.T) {
	r := accessRouter("", "", "")
	if w := doGet(t, r, nil); w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when auth is disabled", w.Code)
	}
}

func TestAccessAPIKey(t *testing.T) {
	r := accessRouter("secret", "", "")

	if w := doGet(t, r, map[string]string{"X-API-Key": "secret"}); w.Code != http.StatusOK {
		t.Errorf("valid key: status = %d, want 200", w.Code)
	}
	if w := doGet(t, r, map[string]string{"X-API-Key": "wrong"}); w.Code != http.StatusForbidden {
		t.Errorf("wrong key: status = %d, want 403", w.Code)
	}
	if w := doGet(t, r, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no credentials: status = %d, want 401", w.Code)
	}
}

func TestAccessOperatorToken(t *testing.T) {
	r := accessRouter("secret", "signing-key", "proctor")

	token, err := Issue("op-1", "invigilator", "proctor", "signing-key", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	w := doGet(t, r, map[string]string{"Authorization": "Bearer " + token})
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	if body := w.Body.String(); !strings.Contains(body, "invigilator") {
		t.Errorf("operator role not propagated to handler context: %s", body)
	}
}

func TestAccessRejectsForgedToken(t *testing.T) {
	r := accessRouter("", "signing-key", "proctor")

	forged, err := Issue("op-1", "admin", "proctor", "other-key", time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	if w := doGet(t, r, map[string]string{"Authorization": "Bearer " + forged}); w.Code != http.StatusUnauthorized {
		t.Errorf("forged token: status = %d, want 401", w.Code)
	}
}
