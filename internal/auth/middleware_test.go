package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/admission"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupMiddlewareTest() (*Manager, string, *APIKey) {
	mgr := NewManager(NewMemoryStore())
	rawKey, key, _ := mgr.GenerateKey(context.Background(), "actor-abc", "test-key", 0)
	return mgr, rawKey, key
}

// --- Middleware() ---

func TestMiddleware_ValidKey_SetsActor(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	for _, header := range []string{"Authorization", "X-API-Key"} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request, _ = http.NewRequest("GET", "/test", nil)
		c.Request.Header.Set(header, rawKey)

		Middleware(mgr)(c)

		if got := c.GetString(admission.ActorKey); got != "actor-abc" {
			t.Errorf("%s: expected actor-abc, got %q", header, got)
		}
		key, ok := GetAPIKey(c)
		if !ok || key.Name != "test-key" {
			t.Errorf("%s: expected API key in context", header)
		}
	}
}

func TestMiddleware_InvalidOrMissingKey_Anonymous(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()

	for _, value := range []string{"", "Bearer sk_invalid"} {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		c.Request, _ = http.NewRequest("GET", "/test", nil)
		if value != "" {
			c.Request.Header.Set("Authorization", value)
		}

		Middleware(mgr)(c)

		if IsAuthenticated(c) {
			t.Errorf("%q: expected anonymous request", value)
		}
		if _, exists := c.Get(admission.ActorKey); exists {
			t.Errorf("%q: expected no actor", value)
		}
		if c.IsAborted() {
			t.Errorf("%q: anonymous requests must pass through", value)
		}
	}
}

// --- RequireActor() ---

func TestRequireActor(t *testing.T) {
	mgr, rawKey, _ := setupMiddlewareTest()

	r := gin.New()
	r.Use(Middleware(mgr))
	r.GET("/private", RequireActor(), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/private", nil))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/private", nil)
	req.Header.Set("Authorization", "Bearer "+rawKey)
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("Expected 204 with key, got %d", w.Code)
	}
}

// --- RequireAdmin() ---

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		provided string
		want     int
	}{
		{"correct secret", "s3cret", "s3cret", http.StatusNoContent},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"wrong secret", "s3cret", "guess", http.StatusForbidden},
		{"admin disabled", "", "anything", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/admin", RequireAdmin(tt.secret), func(c *gin.Context) { c.Status(http.StatusNoContent) })

			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/admin", nil)
			if tt.provided != "" {
				req.Header.Set(AdminSecretHeader, tt.provided)
			}
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, w.Code)
			}
		})
	}
}

// --- Handlers ---

func newHandlerRouter(mgr *Manager) *gin.Engine {
	r := gin.New()
	r.Use(Middleware(mgr))
	NewHandler(mgr, "s3cret").RegisterRoutes(r.Group("/v1"))
	return r
}

func TestHandler_CreateKeyRequiresAdmin(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()
	r := newHandlerRouter(mgr)

	body := `{"actor_id":"actor-new","name":"ci","ttl":"24h"}`

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/v1/auth/keys", strings.NewReader(body)))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without admin secret, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/v1/auth/keys", strings.NewReader(body))
	req.Header.Set(AdminSecretHeader, "s3cret")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		APIKey string `json:"api_key"`
		Key    APIKey `json:"key"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response: %v", err)
	}
	if resp.Key.ActorID != "actor-new" || resp.Key.ExpiresAt == nil {
		t.Errorf("Unexpected key metadata: %+v", resp.Key)
	}
	if strings.Contains(w.Body.String(), `"hash"`) {
		t.Error("Key hash must not be exposed")
	}

	key, err := mgr.ValidateKey(context.Background(), resp.APIKey)
	if err != nil || key.ActorID != "actor-new" {
		t.Errorf("Issued key should validate for actor-new, got %v", err)
	}
}

func TestHandler_CreateKeyRejectsBadInput(t *testing.T) {
	mgr, _, _ := setupMiddlewareTest()
	r := newHandlerRouter(mgr)

	for _, body := range []string{`{"actor_id":""}`, `{"actor_id":"a","ttl":"soon"}`, `not json`} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("POST", "/v1/auth/keys", strings.NewReader(body))
		req.Header.Set(AdminSecretHeader, "s3cret")
		r.ServeHTTP(w, req)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, w.Code)
		}
	}
}

func TestHandler_ListAndRevoke(t *testing.T) {
	mgr, rawKey, current := setupMiddlewareTest()
	_, other, _ := mgr.GenerateKey(context.Background(), "actor-abc", "second", 0)
	r := newHandlerRouter(mgr)

	do := func(method, path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set("Authorization", "Bearer "+rawKey)
		r.ServeHTTP(w, req)
		return w
	}

	w := do("GET", "/v1/auth/keys")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"count":2`) {
		t.Errorf("Expected 2 keys, got %d: %s", w.Code, w.Body.String())
	}

	if w := do("DELETE", "/v1/auth/keys/"+current.ID); w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 revoking current key, got %d", w.Code)
	}
	if w := do("DELETE", "/v1/auth/keys/"+other.ID); w.Code != http.StatusOK {
		t.Errorf("Expected 200 revoking other key, got %d", w.Code)
	}
	if w := do("DELETE", "/v1/auth/keys/"+other.ID); w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second revoke, got %d", w.Code)
	}
	if w := do("GET", "/v1/auth/me"); !strings.Contains(w.Body.String(), `"actor_id":"actor-abc"`) {
		t.Errorf("Unexpected /me response: %s", w.Body.String())
	}
}
