package payments

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/admission"
)

func newTestRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if actor := c.GetHeader("X-Test-Actor"); actor != "" {
			c.Set(admission.ActorKey, actor)
		}
		c.Next()
	})
	h := NewHandler(f.svc)
	h.RegisterRoutes(r.Group("/v1"))
	h.RegisterProtectedRoutes(r.Group("/v1"))
	return r
}

func do(r http.Handler, method, path, actor, body string, headers ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set("X-Test-Actor", actor)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

type submitResponse struct {
	Receipt   Receipt `json:"receipt"`
	FromCache bool    `json:"from_cache"`
}

func TestHandler_Submit(t *testing.T) {
	f := newFixture(t, nil)
	r := newTestRouter(f)

	w := do(r, http.MethodPost, "/v1/payments", "42", `{"order_id":"ord-1","amount":1500}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var first submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.False(t, first.FromCache)
	assert.Equal(t, "1500.00", first.Receipt.Amount)

	w = do(r, http.MethodPost, "/v1/payments", "42", `{"order_id":"ord-1","amount":"1500"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
	var second submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Receipt.TransactionID, second.Receipt.TransactionID)
}

func TestHandler_SubmitErrors(t *testing.T) {
	f := newFixture(t, func(d *Deps) { d.RateLimitAttempts = 1 })
	r := newTestRouter(f)

	w := do(r, http.MethodPost, "/v1/payments", "", `{"order_id":"ord-1","amount":10}`)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/v1/payments", "42", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/v1/payments", "42", `{"order_id":"ord-1","amount":-3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_request")

	w = do(r, http.MethodPost, "/v1/payments", "42", `{"order_id":"ord-1","amount":10,"timestamp":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "replay_rejected")

	w = do(r, http.MethodPost, "/v1/payments", "42", `{"order_id":"ord-1","amount":10}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	w = do(r, http.MethodPost, "/v1/payments", "42", `{"order_id":"ord-2","amount":10}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestHandler_IdempotencyKeyConflict(t *testing.T) {
	f := newFixture(t, nil)
	r := newTestRouter(f)

	w := do(r, http.MethodPost, "/v1/payments", "42", `{"order_id":"ord-1","amount":10}`, "Idempotency-Key", "k-123")
	require.Equal(t, http.StatusCreated, w.Code)
	w = do(r, http.MethodPost, "/v1/payments", "77", `{"order_id":"ord-1","amount":10}`, "Idempotency-Key", "k-123")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_Receipts(t *testing.T) {
	f := newFixture(t, nil)
	r := newTestRouter(f)

	w := do(r, http.MethodPost, "/v1/payments", "42", `{"order_id":"ord-1","amount":10}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created submitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	id := created.Receipt.ID

	w = do(r, http.MethodGet, "/v1/payments/receipts/"+id, "42", "")
	assert.Equal(t, http.StatusOK, w.Code)

	// other actors cannot read it
	w = do(r, http.MethodGet, "/v1/payments/receipts/"+id, "77", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/v1/payments/receipts/rcpt_nope", "42", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/v1/payments/receipts?limit=500", "42", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)

	w = do(r, http.MethodPost, "/v1/payments/receipts/verify", "", `{"receipt_id":"`+id+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var verify struct {
		Verification VerifyResponse `json:"verification"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &verify))
	assert.True(t, verify.Verification.Valid)

	w = do(r, http.MethodPost, "/v1/payments/receipts/verify", "", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
