// Package remote is the JSON-over-HTTP client of the admin API.
package remote

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

	"mandi.org/internal/access"
	"mandi.org/internal/audit"
	"mandi.org/internal/auth"
	"mandi.org/internal/stepup"
)

// StepUpHeader carries the held step-up session on gated requests.
const StepUpHeader = "X-StepUp-Session"

var (
	ErrUnauthorized = errors.New("remote: unauthorized")
	ErrNotFound     = errors.New("remote: not found")
	ErrInvalidCode  = errors.New("remote: invalid verification code")
	ErrUnavailable  = errors.New("remote: admin api unavailable")
	ErrBadResponse  = errors.New("remote: malformed response")
)

const maxResponseBytes = 4 << 20

// Client talks to the admin API.
type Client struct {
	base   *url.URL
	http   *http.Client
	bearer string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http = &http.Client{Timeout: d}
		}
	}
}

// WithBearer sets a fixed bearer token used when the context carries none.
func WithBearer(token string) Option {
	return func(c *Client) { c.bearer = strings.TrimSpace(token) }
}

// New returns a client rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil, errors.New("remote: base url is required")
	}
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("remote: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("remote: unsupported scheme %q", u.Scheme)
	}
	c := &Client{base: u, http: &http.Client{Timeout: 10 * time.Second}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// FetchUIConfig returns the UI configuration of identity.
func (c *Client) FetchUIConfig(ctx context.Context, identity string) (access.UIConfig, error) {
	var cfg access.UIConfig
	err := c.do(ctx, http.MethodGet, "/admin/ui-config", url.Values{"user_id": {identity}}, nil, "", &cfg)
	return cfg, err
}

// FetchStepUpPolicy returns the step-up policy applying to identity.
func (c *Client) FetchStepUpPolicy(ctx context.Context, identity string) (stepup.Policy, error) {
	var p stepup.Policy
	err := c.do(ctx, http.MethodGet, "/admin/stepup/policy", url.Values{"user_id": {identity}}, nil, "", &p)
	return p, err
}

// FetchRegistry returns the server-side resource registry.
func (c *Client) FetchRegistry(ctx context.Context) ([]access.RegistryEntry, error) {
	var out struct {
		Items []access.RegistryEntry `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/resource-registry", nil, nil, "", &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// UpdateRegistryEntry writes one registry row. The entry is a gated action, so
// the held step-up session is attached.
func (c *Client) UpdateRegistryEntry(ctx context.Context, entry access.RegistryEntry, stepUpToken string) error {
	key := access.CanonicalKey(entry.ResourceKey)
	if key == "" {
		return fmt.Errorf("%w: empty resource key", auth.ErrInvalidInput)
	}
	entry.ResourceKey = key
	return c.do(ctx, http.MethodPut, "/admin/resource-registry/"+url.PathEscape(key), nil, entry, stepUpToken, nil)
}

// Inquire implements stepup.Gate.
func (c *Client) Inquire(ctx context.Context, req stepup.InquiryRequest) (stepup.InquiryResponse, error) {
	var resp stepup.InquiryResponse
	err := c.do(ctx, http.MethodPost, "/admin/stepup/check", nil, req, req.SessionToken, &resp)
	return resp, err
}

// Verify implements stepup.Gate. A rejected code is reported as ErrInvalidCode.
func (c *Client) Verify(ctx context.Context, req stepup.VerifyRequest) (stepup.VerifyResponse, error) {
	var resp stepup.VerifyResponse
	err := c.do(ctx, http.MethodPost, "/admin/stepup/verify", nil, req, "", &resp)
	if errors.Is(err, errRejected) {
		return resp, fmt.Errorf("%w: %v", ErrInvalidCode, err)
	}
	return resp, err
}

var errRejected = errors.New("request rejected")

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, stepUpToken string, out any) error {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("remote: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok, ok := auth.TokenFromContext(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+tok)
	} else if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}
	if rid := audit.RequestIDFromContext(ctx); rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}
	if tok := strings.TrimSpace(stepUpToken); tok != "" {
		req.Header.Set(StepUpHeader, tok)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if err := statusError(resp.StatusCode, payload); err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	return nil
}

func statusError(code int, payload []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}
	msg := errorMessage(payload)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", errRejected, msg)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, code, msg)
	}
}

func errorMessage(payload []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	s := strings.TrimSpace(string(payload))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
