package admission

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/audit"
	"github.com/mbd888/sentinel/internal/logging"
	"github.com/mbd888/sentinel/internal/security"
)

// Gin context keys.
const (
	// ActorKey is set by the host's authentication layer.
	ActorKey     = "actor_id"
	requestKey   = "admission.request"
	decisionKey  = "admission.decision"
	fromCacheKey = "admission.from_cache"
)

// TraceIDHeader carries the decision's trace ID on every admitted or
// blocked response. X-Request-ID is left to the host.
const TraceIDHeader = "X-Trace-ID"

// requestIDRegex bounds client-supplied X-Request-ID values.
var requestIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{8,64}$`)

// FromGin builds a RequestContext from a gin request. It reads the body up
// to maxBody+1 bytes and puts it back for the handler. An oversized body is
// left truncated; the payload stage rejects it on the declared or read size.
func FromGin(c *gin.Context, maxBody int64) (*RequestContext, error) {
	r := c.Request
	rc := &RequestContext{
		ActorID:        strings.TrimSpace(c.GetString(ActorKey)),
		IPAddress:      c.ClientIP(),
		UserAgent:      r.UserAgent(),
		Method:         r.Method,
		URI:            r.URL.Path,
		Query:          r.URL.RawQuery,
		ContentType:    r.Header.Get("Content-Type"),
		ContentLength:  r.ContentLength,
		TLS:            r.TLS != nil,
		IdempotencyKey: strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	if id := r.Header.Get("X-Request-ID"); requestIDRegex.MatchString(id) {
		rc.RequestID = id
	}

	if r.Body != nil && r.Body != http.NoBody {
		limit := maxBody
		if limit <= 0 {
			limit = 10 << 20
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		_ = r.Body.Close()
		if err != nil {
			return nil, err
		}
		rc.Body = body
		r.Body = io.NopCloser(bytes.NewReader(body))
	}
	return rc, nil
}

// Middleware admits each request under p. Blocked requests are answered
// with the decision's status and a JSON error; admitted requests continue
// to the handler and request_processed is logged once it returns.
func (g *Gate) Middleware(p Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc, err := FromGin(c, g.MaxBodyBytes())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "could not read request body",
			})
			return
		}

		d := g.Admit(c.Request.Context(), rc, p)
		if !c.Writer.Written() {
			security.Apply(c, d.Headers)
		}
		c.Header(TraceIDHeader, d.TraceID)

		if !d.Allowed {
			if d.Status == http.StatusTooManyRequests {
				c.Header("Retry-After", strconv.Itoa(int(g.retryAfter(p).Seconds())))
			}
			body := gin.H{
				"error":    d.Action,
				"message":  d.Reason,
				"trace_id": d.TraceID,
			}
			if d.Verdict != nil && d.Action == audit.ActionFraudDetected {
				body["fraud_score"] = d.Verdict.Score
			}
			c.AbortWithStatusJSON(d.Status, body)
			return
		}

		ctx := logging.WithTraceID(c.Request.Context(), d.TraceID)
		c.Request = c.Request.WithContext(ctx)
		c.Set(requestKey, rc)
		c.Set(decisionKey, d)

		c.Next()

		fromCache, _ := c.Get(fromCacheKey)
		cached, _ := fromCache.(bool)
		details := map[string]any{
			"policy":      p.Name,
			"from_cache":  cached,
			"http_status": c.Writer.Status(),
		}
		if d.Verdict != nil {
			details["score"] = d.Verdict.Score
		}
		action := audit.ActionRequestProcessed
		if c.Writer.Status() >= http.StatusInternalServerError {
			action = audit.ActionRequestFailed
		}
		// The handler may have finished after the client went away.
		g.record(context.WithoutCancel(ctx), g.event(rc, action, audit.StatusAllowed, details))
	}
}

// RequestFrom returns the admitted request, or nil outside the middleware.
func RequestFrom(c *gin.Context) *RequestContext {
	v, ok := c.Get(requestKey)
	if !ok {
		return nil
	}
	rc, _ := v.(*RequestContext)
	return rc
}

// DecisionFrom returns the admission decision for the request.
func DecisionFrom(c *gin.Context) (Decision, bool) {
	v, ok := c.Get(decisionKey)
	if !ok {
		return Decision{}, false
	}
	d, ok := v.(Decision)
	return d, ok
}

// MarkFromCache records that the handler served a stored idempotent result.
func MarkFromCache(c *gin.Context, fromCache bool) {
	c.Set(fromCacheKey, fromCache)
}

// retryAfter is the wait advertised on a rate-limited response: the
// policy's window, else the gate default, else one hour.
func (g *Gate) retryAfter(p Policy) time.Duration {
	if p.RateLimitWindow > 0 {
		return p.RateLimitWindow
	}
	if g.defaultWindow > 0 {
		return g.defaultWindow
	}
	return time.Hour
}
