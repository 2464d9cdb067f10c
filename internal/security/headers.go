// Package security holds the request-hardening primitives of the admission
// pipeline: response headers, suspicious-pattern matching, CORS and
// outbound endpoint checks.
package security

import (
	"github.com/gin-gonic/gin"
)

// HeaderSet is the hardened response header set. Base headers always
// apply; HSTS only applies to TLS requests.
type HeaderSet struct {
	base map[string]string
	hsts string
}

// NewHeaderSet builds a header set from the configured headers and HSTS
// value. The cache and robots headers that keep sensitive responses out of
// caches and indexes are always added.
func NewHeaderSet(configured map[string]string, hsts string) *HeaderSet {
	base := make(map[string]string, len(configured)+4)
	for k, v := range configured {
		base[k] = v
	}
	base["X-Robots-Tag"] = "noindex, nofollow"
	base["Cache-Control"] = "no-cache, no-store, must-revalidate"
	base["Pragma"] = "no-cache"
	base["Expires"] = "0"
	return &HeaderSet{base: base, hsts: hsts}
}

// For returns the headers for one request. The returned map is a fresh copy.
func (h *HeaderSet) For(tls bool) map[string]string {
	out := make(map[string]string, len(h.base)+1)
	for k, v := range h.base {
		out[k] = v
	}
	if tls && h.hsts != "" {
		out["Strict-Transport-Security"] = h.hsts
	}
	return out
}

// Apply writes headers onto a gin response.
func Apply(c *gin.Context, headers map[string]string) {
	for k, v := range headers {
		c.Header(k, v)
	}
}

// HeadersMiddleware hardens every response, including routes that do not
// go through the admission gate (health, metrics, the security API).
func HeadersMiddleware(h *HeaderSet) gin.HandlerFunc {
	return func(c *gin.Context) {
		Apply(c, h.For(c.Request.TLS != nil))
		c.Next()
	}
}

// CORSMiddleware handles CORS for API endpoints
func CORSMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if origin != "" && (origins[origin] || origins["*"]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, X-API-Key, X-Request-ID")
			c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-Trace-ID, Retry-After, Idempotent-Replayed")
			c.Header("Access-Control-Max-Age", "86400")
			// credentials are never combined with a wildcard origin
			if !origins["*"] {
				c.Header("Access-Control-Allow-Credentials", "true")
			}
			c.Header("Vary", "Origin")
		}

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
