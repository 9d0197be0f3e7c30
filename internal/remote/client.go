// Package remote implements the HTTP transport used by record tables.
//
// A [Client] sends JSON requests relative to a base URL, paces them with a
// token bucket and authenticates them with a bearer token. Responses with a
// status of 400 or more are returned as [*APIError].
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/maruel/ksid"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// DefaultTimeout bounds a request when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Options configures a [Client].
type Options struct {
	// BaseURL is prepended to every request path, e.g. "https://example.com".
	BaseURL string
	// Token is sent as a bearer token when set.
	Token string
	// RequestsPerSecond limits the request rate. Zero means unlimited.
	RequestsPerSecond float64
	// Burst is the token bucket size. Defaults to 1.
	Burst   int
	Timeout time.Duration
	// HTTPClient is used for the underlying transport. It is not modified.
	HTTPClient *http.Client
}

// Client is a rate-limited JSON client for a remote collection API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client. ctx is only used to build the authenticated
// transport.
func NewClient(ctx context.Context, opts *Options) (*Client, error) {
	u, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", opts.BaseURL)
	}

	base := opts.HTTPClient
	if base == nil {
		base = http.DefaultClient
	}
	var hc *http.Client
	if opts.Token != "" {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
		hc = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"}))
	} else {
		c := *base
		hc = &c
	}
	hc.Timeout = opts.Timeout
	if hc.Timeout == 0 {
		hc.Timeout = DefaultTimeout
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		httpClient: hc,
		limiter:    rate.NewLimiter(limit, burst),
	}, nil
}

// Do performs a request and returns the response body.
//
// params are encoded in the query string. A non-nil body is sent as JSON.
func (c *Client) Do(ctx context.Context, method, path string, params url.Values, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait failed: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	target := c.baseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	reqID := ksid.NewID().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", reqID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	slog.DebugContext(ctx, "Remote request", "method", method, "path", path, "status", resp.StatusCode, "request_id", reqID, "dur", time.Since(start))

	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode() == http.StatusTooManyRequests
}
