package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// defaultHTTPTimeout bounds a single backend round trip when the caller's
// context carries no deadline of its own.
const defaultHTTPTimeout = 30 * time.Second

// HTTPInvoker talks to an automation backend over its REST surface:
//
//	POST {base}/api/execute      — perform an action
//	GET  {base}/api/capabilities — fetch the capability snapshot
//
// Requests carry a bearer token when one is configured.
type HTTPInvoker struct {
	base   *url.URL
	token  string
	client *http.Client
}

var _ Invoker = (*HTTPInvoker)(nil)

// HTTPOption is a functional option for HTTPInvoker.
type HTTPOption func(*HTTPInvoker)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) HTTPOption {
	return func(h *HTTPInvoker) {
		h.token = token
	}
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPInvoker) {
		h.client = c
	}
}

// NewHTTPInvoker creates an HTTPInvoker for the given base URL.
func NewHTTPInvoker(baseURL string, opts ...HTTPOption) (*HTTPInvoker, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("action: parse base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("action: base URL %q must be absolute", baseURL)
	}

	h := &HTTPInvoker{
		base:   u,
		client: &http.Client{Timeout: defaultHTTPTimeout},
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Execute implements Invoker.
func (h *HTTPInvoker) Execute(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("action: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint("/api/execute"), bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("action: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	h.authorize(httpReq)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("action: execute %s.%s: %w", req.Domain, req.Action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, fmt.Errorf("action: execute %s.%s: backend returned %d: %s",
			req.Domain, req.Action, resp.StatusCode, snippet)
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("action: decode result: %w", err)
	}
	if result.Status == "" {
		result.Status = "ok"
	}
	return result, nil
}

// Capabilities implements Invoker.
func (h *HTTPInvoker) Capabilities(ctx context.Context) (CapabilitySnapshot, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.endpoint("/api/capabilities"), nil)
	if err != nil {
		return CapabilitySnapshot{}, fmt.Errorf("action: build request: %w", err)
	}
	h.authorize(httpReq)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return CapabilitySnapshot{}, fmt.Errorf("action: fetch capabilities: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return CapabilitySnapshot{}, fmt.Errorf("action: fetch capabilities: backend returned %d", resp.StatusCode)
	}

	var snap CapabilitySnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return CapabilitySnapshot{}, fmt.Errorf("action: decode capabilities: %w", err)
	}
	return snap, nil
}

func (h *HTTPInvoker) endpoint(path string) string {
	return strings.TrimSuffix(h.base.String(), "/") + path
}

func (h *HTTPInvoker) authorize(req *http.Request) {
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
}
