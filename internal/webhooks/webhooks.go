// Package webhooks delivers security alerts to operator endpoints.
//
// The Dispatcher is an audit sink: blocked security events (or the actions
// an operator selects) are queued and POSTed as JSON to every configured
// endpoint. Deliveries are signed with HMAC-SHA256 when a secret is set and
// retried with backoff on network errors and 5xx responses.
package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mbd888/sentinel/internal/audit"
	"github.com/mbd888/sentinel/internal/cryptoutil"
	"github.com/mbd888/sentinel/internal/idgen"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/retry"
	"github.com/mbd888/sentinel/internal/security"
)

// Headers set on every delivery.
const (
	HeaderEvent     = "X-Sentinel-Event"
	HeaderTimestamp = "X-Sentinel-Timestamp"
	HeaderSignature = "X-Sentinel-Signature"
	HeaderDelivery  = "X-Sentinel-Delivery"
)

// QueueSize bounds pending alerts; Publish drops beyond it.
const QueueSize = 1024

// Alert is the JSON body of a delivery.
type Alert struct {
	ID        string               `json:"id"`
	Type      string               `json:"type"` // the event's action
	Timestamp time.Time            `json:"timestamp"`
	Event     *audit.SecurityEvent `json:"event"`
}

// Config configures a Dispatcher.
type Config struct {
	URLs    []string
	Secret  string
	Actions []string // empty alerts on every blocked event
	Timeout time.Duration
	Retry   retry.Policy
}

// Dispatcher queues and delivers alerts.
type Dispatcher struct {
	urls         []string
	signer       *cryptoutil.Signer
	actions      map[string]bool
	client       *http.Client
	policy       retry.Policy
	queue        chan *audit.SecurityEvent
	logger       *slog.Logger
	urlValidator func(string) error
	done         chan struct{}

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithURLValidator replaces the SSRF check on endpoint URLs.
func WithURLValidator(v func(string) error) Option {
	return func(d *Dispatcher) { d.urlValidator = v }
}

// WithHTTPClient sets the client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.client = c }
}

// NewDispatcher validates the endpoints and creates a dispatcher. Call Run
// to start delivering.
func NewDispatcher(cfg Config, logger *slog.Logger, opts ...Option) (*Dispatcher, error) {
	if len(cfg.URLs) == 0 {
		return nil, errors.New("webhooks: at least one URL is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = retry.Policy{Attempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		urls:         cfg.URLs,
		signer:       cryptoutil.NewSigner(cfg.Secret),
		actions:      make(map[string]bool, len(cfg.Actions)),
		client:       &http.Client{Timeout: cfg.Timeout},
		policy:       cfg.Retry,
		queue:        make(chan *audit.SecurityEvent, QueueSize),
		logger:       logger,
		urlValidator: security.ValidateEndpointURL,
		done:         make(chan struct{}),
	}
	for _, a := range cfg.Actions {
		d.actions[a] = true
	}
	for _, opt := range opts {
		opt(d)
	}

	for _, u := range d.urls {
		if err := d.urlValidator(u); err != nil {
			return nil, fmt.Errorf("webhooks: %s: %w", u, err)
		}
	}
	return d, nil
}

// Wants reports whether ev should raise an alert.
func (d *Dispatcher) Wants(ev *audit.SecurityEvent) bool {
	if len(d.actions) > 0 {
		return d.actions[ev.Action]
	}
	return ev.Blocked()
}

// Publish implements audit.Sink. It never blocks; alerts beyond the queue
// are dropped and counted.
func (d *Dispatcher) Publish(ev *audit.SecurityEvent) {
	if !d.Wants(ev) {
		return
	}
	cp := *ev
	select {
	case d.queue <- &cp:
	default:
		d.dropped.Add(1)
		metrics.AlertDeliveriesTotal.WithLabelValues("dropped").Inc()
	}
}

// Run delivers queued alerts until ctx is done. Call in a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.dispatch(ctx, ev)
		}
	}
}

// Done is closed when Run returns.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *audit.SecurityEvent) {
	alert := &Alert{
		ID:        idgen.WithPrefix("alrt_"),
		Type:      ev.Action,
		Timestamp: time.Now().UTC(),
		Event:     ev,
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		d.logger.Error("failed to marshal alert", "trace_id", ev.TraceID, "error", err)
		return
	}

	for _, u := range d.urls {
		err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
			return d.send(ctx, u, alert, payload)
		})
		if err != nil {
			d.failed.Add(1)
			metrics.AlertDeliveriesTotal.WithLabelValues("failed").Inc()
			d.logger.Warn("alert delivery failed", "url", u, "alert_id", alert.ID, "action", alert.Type, "error", err)
			continue
		}
		d.delivered.Add(1)
		metrics.AlertDeliveriesTotal.WithLabelValues("delivered").Inc()
	}
}

func (d *Dispatcher) send(ctx context.Context, url string, alert *Alert, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, alert.Type)
	req.Header.Set(HeaderDelivery, alert.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(alert.Timestamp.Unix(), 10))
	if d.signer != nil {
		sig, err := d.signer.Sign(payload)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set(HeaderSignature, sig)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() map[string]int64 {
	return map[string]int64{
		"delivered": d.delivered.Load(),
		"failed":    d.failed.Load(),
		"dropped":   d.dropped.Load(),
		"pending":   int64(len(d.queue)),
	}
}

var _ audit.Sink = (*Dispatcher)(nil)
