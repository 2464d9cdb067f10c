package auth

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/validation"
)

const maxKeyNameLength = 100

// Handler provides HTTP endpoints for key management
type Handler struct {
	manager     *Manager
	adminSecret string
}

// NewHandler creates a new auth handler. Key issuance is admin-only.
func NewHandler(m *Manager, adminSecret string) *Handler {
	return &Handler{manager: m, adminSecret: adminSecret}
}

// RegisterRoutes mounts the key routes on r. r must already run Middleware.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	r.GET("/auth/me", RequireActor(), h.Me)
	r.GET("/auth/keys", RequireActor(), h.ListKeys)
	r.DELETE("/auth/keys/:keyId", RequireActor(), h.RevokeKey)
	r.POST("/auth/keys", RequireAdmin(h.adminSecret), h.CreateKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"anonymous": "requests without a key are rate limited per IP address",
	})
}

// Me returns the authenticated actor.
func (h *Handler) Me(c *gin.Context) {
	key, _ := GetAPIKey(c)
	c.JSON(http.StatusOK, gin.H{
		"actor_id":   key.ActorID,
		"key_id":     key.ID,
		"key_name":   key.Name,
		"created_at": key.CreatedAt,
		"expires_at": key.ExpiresAt,
	})
}

// ListKeys returns API keys for the authenticated actor
func (h *Handler) ListKeys(c *gin.Context) {
	key, _ := GetAPIKey(c)

	keys, err := h.manager.ListKeys(c.Request.Context(), key.ActorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list keys"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  keys,
		"count": len(keys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name"`
	TTL     string `json:"ttl,omitempty"`
}

// CreateKey issues a key for any actor. Admin only.
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	req.Name = validation.SanitizeString(req.Name, maxKeyNameLength)
	if req.Name == "" {
		req.Name = "default"
	}
	var ttl time.Duration
	if req.TTL != "" {
		d, err := time.ParseDuration(req.TTL)
		if err != nil || d < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "ttl must be a positive duration"})
			return
		}
		ttl = d
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), req.ActorID, req.Name, ttl)
	if errors.Is(err, ErrInvalidActor) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create key"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"api_key": rawKey,
		"key":     newKey,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes one of the caller's keys, never the one in use.
func (h *Handler) RevokeKey(c *gin.Context) {
	key, _ := GetAPIKey(c)
	keyID := c.Param("keyId")

	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.ActorID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "key_not_found",
			"message": "Key not found or already revoked",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Key revoked", "key_id": keyID})
}
