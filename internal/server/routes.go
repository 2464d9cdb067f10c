package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/admission"
	"github.com/mbd888/sentinel/internal/audit"
	"github.com/mbd888/sentinel/internal/auth"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/pagination"
	"github.com/mbd888/sentinel/internal/payments"
	"github.com/mbd888/sentinel/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	admin := auth.RequireAdmin(s.cfg.AdminSecret)

	// Live security-event feed
	s.router.GET("/ws/security", admin, func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API v1. Keys resolve to actors; anonymous callers are limited by IP.
	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))

	gated := v1.Group("")
	gated.Use(s.gate.Middleware(admission.DefaultPolicy()))

	paymentHandler := payments.NewHandler(s.payments)
	paymentHandler.RegisterRoutes(gated)
	paymentHandler.RegisterProtectedRoutes(v1, s.gate.Middleware(admission.PaymentPolicy()))

	auth.NewHandler(s.authMgr, s.cfg.AdminSecret).RegisterRoutes(gated)

	// Operator endpoints
	sec := v1.Group("/security")
	sec.Use(admin, validation.RequestSizeMiddleware(s.cfg.Security.MaxBodyBytes))
	{
		sec.GET("/stats", s.securityStatsHandler)
		sec.GET("/events", s.securityEventsHandler)
		sec.POST("/sweep", s.sweepHandler)
	}
}

// -----------------------------------------------------------------------------
// Security operator handlers
// -----------------------------------------------------------------------------

func (s *Server) securityStatsHandler(c *gin.Context) {
	stats, err := s.audit.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "security event store unavailable",
		})
		return
	}
	resp := gin.H{
		"stats": stats,
		"feed":  s.realtimeHub.Stats(),
	}
	if s.alerts != nil {
		resp["alerts"] = s.alerts.Stats()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) securityEventsHandler(c *gin.Context) {
	status := c.Query("status")
	if errs := validation.Validate(
		validation.OneOf("status", status, audit.StatusAllowed, audit.StatusBlocked),
		validation.MaxLength("action", c.Query("action"), 64),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": errs.Error(),
		})
		return
	}

	page, err := s.audit.List(c.Request.Context(),
		status,
		c.Query("action"),
		c.Query("cursor"),
		pagination.ParseLimit(c.Query("limit")),
	)
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "invalid cursor",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "unavailable",
			"message": "security event store unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, page)
}

func (s *Server) sweepHandler(c *gin.Context) {
	purged, err := s.sweeper.SweepOnce(c.Request.Context())
	status := http.StatusOK
	body := gin.H{"purged": purged}
	if err != nil {
		status = http.StatusInternalServerError
		body["error"] = err.Error()
	}
	c.JSON(status, body)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the /health body
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.health.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	healthy, statuses := s.health.CheckAll(c.Request.Context())
	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": statuses})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
