package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/your-org/proctor/internal/api/ws"
	"github.com/your-org/proctor/internal/roleclient"
)

func testRouter() http.Handler {
	return NewRouter(RouterConfig{
		APIKey: "secret",
		Hub:    ws.NewHub(),
		Roles:  roleclient.New("", true),
	})
}

func TestUserRoleEndpointOpen(t *testing.T) {
	r := testRouter()

	// No API key on the request: scanner devices resolve roles before they
	// hold any credential.
	req := httptest.NewRequest(http.MethodGet, "/user-role/op-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}

	var body struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.UserID != "op-1" || body.Role != "invigilator" {
		t.Errorf("role lookup = %+v, want op-1/invigilator", body)
	}
}

func TestV1RequiresCredentials(t *testing.T) {
	r := testRouter()

	req := httptest.NewRequest(http.MethodGet, "/v1/students", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated /v1 request: status = %d, want 401", w.Code)
	}
}

func TestHealthzOpen(t *testing.T) {
	r := testRouter()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", w.Code)
	}
}
