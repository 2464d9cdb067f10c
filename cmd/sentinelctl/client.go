package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 10 * time.Second

type clientOptions struct {
	baseURL     string
	adminSecret string
	apiKey      string
	timeout     time.Duration
}

// apiError is a non-2xx response from the server.
type apiError struct {
	Status  int
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Code)
}

type client struct {
	base *url.URL
	opts clientOptions
	http *http.Client
}

func newClient(opts clientOptions) (*client, error) {
	base, err := url.Parse(strings.TrimRight(opts.baseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid --url %q", opts.baseURL)
	}
	if opts.timeout <= 0 {
		opts.timeout = defaultTimeout
	}
	return &client{base: base, opts: opts, http: &http.Client{Timeout: opts.timeout}}, nil
}

// do sends body as JSON and decodes a JSON response into out. headers are
// key/value pairs.
func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out any, headers ...string) (http.Header, error) {
	u := *c.base
	u.Path += path
	u.RawQuery = query.Encode()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("User-Agent", "sentinelctl/"+Version)
	for i := 0; i+1 < len(headers); i += 2 {
		if headers[i+1] != "" {
			req.Header.Set(headers[i], headers[i+1])
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.Header, err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, apiErr) != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return resp.Header, apiErr
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.Header, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.Header, nil
}

func (c *client) admin(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.opts.adminSecret == "" {
		return errors.New("--admin-secret or ADMIN_SECRET is required")
	}
	_, err := c.do(ctx, method, path, query, body, out, "X-Admin-Secret", c.opts.adminSecret)
	return err
}

func (c *client) actor(ctx context.Context, method, path string, body, out any, headers ...string) (http.Header, error) {
	if c.opts.apiKey == "" {
		return nil, errors.New("--api-key or SENTINEL_API_KEY is required")
	}
	return c.do(ctx, method, path, nil, body, out, append([]string{"Authorization", "Bearer " + c.opts.apiKey}, headers...)...)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
