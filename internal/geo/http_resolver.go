package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/retry"
)

// HTTPResolver queries an ip-api compatible JSON endpoint
// (GET {base}/json/{ip}?fields=status,message,country,city). Private and
// loopback addresses are never sent. Calls are retried on transient
// failures and guarded by a circuit breaker so a dead upstream costs one
// fast rejection per request instead of a timeout.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
	policy  retry.Policy
}

// NewHTTPResolver creates a resolver for baseURL.
func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
		policy:  retry.Policy{Attempts: 2, BaseDelay: 50 * time.Millisecond, MaxDelay: 200 * time.Millisecond},
	}
}

type ipAPIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Country string `json:"country"`
	City    string `json:"city"`
}

func (r *HTTPResolver) ResolveLocation(ctx context.Context, ip string) (Location, error) {
	if !isPublic(ip) {
		return Location{}, nil
	}

	var loc Location
	err := r.breaker.Execute(r.baseURL, func() error {
		return retry.Do(ctx, r.policy, func(ctx context.Context) error {
			var err error
			loc, err = r.lookup(ctx, ip)
			return err
		})
	})
	if err != nil {
		return Location{}, fmt.Errorf("geo lookup %s: %w", ip, err)
	}
	return loc, nil
}

func (r *HTTPResolver) lookup(ctx context.Context, ip string) (Location, error) {
	endpoint := r.baseURL + "/json/" + url.PathEscape(strings.TrimSpace(ip)) + "?fields=status,message,country,city"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Location{}, retry.Permanent(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Location{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return Location{}, fmt.Errorf("upstream status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return Location{}, retry.Permanent(fmt.Errorf("upstream status %d", resp.StatusCode))
	}

	var body ipAPIResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return Location{}, retry.Permanent(fmt.Errorf("decode response: %w", err))
	}
	if body.Status != "success" {
		// Reserved or unroutable ranges; nothing to compare against.
		if body.Status == "fail" {
			return Location{}, nil
		}
		return Location{}, retry.Permanent(errors.New("unexpected response status " + body.Status))
	}
	return Location{Country: body.Country, City: body.City}, nil
}
