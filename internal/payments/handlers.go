package payments

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/admission"
	"github.com/mbd888/sentinel/internal/idempotency"
	"github.com/mbd888/sentinel/internal/logging"
)

// Handler provides HTTP endpoints for payments.
type Handler struct {
	service *Service
}

// NewHandler creates a payment handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up the receipt routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/payments/receipts", h.ListReceipts)
	r.GET("/payments/receipts/:id", h.GetReceipt)
	r.POST("/payments/receipts/verify", h.VerifyReceipt)
}

// RegisterProtectedRoutes sets up payment submission. submit guards it,
// normally the admission gate's middleware under a payment policy.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup, submit ...gin.HandlerFunc) {
	r.POST("/payments", append(submit, h.Submit)...)
}

// Submit handles POST /v1/payments
func (h *Handler) Submit(c *gin.Context) {
	actor := actorFrom(c)
	if actor.ID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "payments require an authenticated actor",
		})
		return
	}

	var req Request
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.IdempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))

	receipt, fromCache, err := h.service.Submit(c.Request.Context(), actor, req)
	if err != nil {
		status, code := statusFor(err)
		if status >= http.StatusInternalServerError {
			logging.L(c.Request.Context()).Error("payment failed", "error", err)
		}
		c.JSON(status, gin.H{
			"error":   code,
			"message": err.Error(),
		})
		return
	}

	admission.MarkFromCache(c, fromCache)
	status := http.StatusCreated
	if fromCache {
		c.Header("Idempotent-Replayed", "true")
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"receipt":    receipt,
		"from_cache": fromCache,
	})
}

// ListReceipts handles GET /v1/payments/receipts
func (h *Handler) ListReceipts(c *gin.Context) {
	actor := actorFrom(c)
	if actor.ID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "listing receipts requires an authenticated actor",
		})
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	receipts, err := h.service.ListByActor(c.Request.Context(), actor.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"receipts": receipts,
		"count":    len(receipts),
	})
}

// GetReceipt handles GET /v1/payments/receipts/:id
func (h *Handler) GetReceipt(c *gin.Context) {
	receipt, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrReceiptNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Receipt not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	if actor := actorFrom(c); actor.ID != receipt.ActorID {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Receipt not found",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

type verifyRequest struct {
	ReceiptID string `json:"receipt_id" binding:"required"`
}

// VerifyReceipt handles POST /v1/payments/receipts/verify
func (h *Handler) VerifyReceipt(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	resp, err := h.service.Verify(c.Request.Context(), req.ReceiptID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": resp})
}

func actorFrom(c *gin.Context) Actor {
	if rc := admission.RequestFrom(c); rc != nil {
		return Actor{ID: rc.ActorID, IPAddress: rc.IPAddress, UserAgent: rc.UserAgent}
	}
	return Actor{
		ID:        strings.TrimSpace(c.GetString(admission.ActorKey)),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrReplay):
		return http.StatusBadRequest, "replay_rejected"
	case errors.Is(err, ErrFraud):
		return http.StatusForbidden, "fraud_detected"
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limit_exceeded"
	case errors.Is(err, ErrDeclined):
		return http.StatusPaymentRequired, "payment_declined"
	case errors.Is(err, idempotency.ErrOwnerMismatch), errors.Is(err, idempotency.ErrEmptyKey):
		return http.StatusConflict, "idempotency_conflict"
	case errors.Is(err, ErrUnavailable), errors.Is(err, idempotency.ErrStorage),
		errors.Is(err, idempotency.ErrLockUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusBadGateway, "payment_failed"
	}
}
