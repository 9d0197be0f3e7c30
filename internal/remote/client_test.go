package remote

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/maruel/seradb/internal/store"
)

func TestClient(t *testing.T) {
	type seen struct {
		method, path, auth, reqID, contentType string
		query                                  url.Values
		body                                   map[string]any
	}
	var mu sync.Mutex
	var last seen
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		last = seen{
			method:      r.Method,
			path:        r.URL.Path,
			auth:        r.Header.Get("Authorization"),
			reqID:       r.Header.Get("X-Request-ID"),
			contentType: r.Header.Get("Content-Type"),
			query:       r.URL.Query(),
		}
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			_ = json.Unmarshal(b, &last.body)
		}
		switch r.URL.Path {
		case "/api/product/404":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"no such product"}}`))
		case "/api/boom":
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`{"records":{}}`))
		}
	}))
	defer srv.Close()
	request := func() seen {
		mu.Lock()
		defer mu.Unlock()
		return last
	}

	ctx := t.Context()
	c, err := NewClient(ctx, &Options{BaseURL: srv.URL + "/", Token: "secret", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("Get", func(t *testing.T) {
		data, err := c.Do(ctx, http.MethodGet, "/api/product", url.Values{"limit": {"2"}, "id[in]": {"1", "2"}}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != `{"records":{}}` {
			t.Errorf("body = %s", data)
		}
		got := request()
		if got.method != http.MethodGet || got.path != "/api/product" {
			t.Errorf("request = %s %s", got.method, got.path)
		}
		if got.auth != "Bearer secret" {
			t.Errorf("Authorization = %q", got.auth)
		}
		if got.reqID == "" {
			t.Error("X-Request-ID not set")
		}
		want := url.Values{"limit": {"2"}, "id[in]": {"1", "2"}}
		if diff := cmp.Diff(want, got.query); diff != "" {
			t.Errorf("query mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("Post", func(t *testing.T) {
		if _, err := c.Do(ctx, http.MethodPost, "/api/product", nil, map[string]any{"name": "drill"}); err != nil {
			t.Fatal(err)
		}
		got := request()
		if got.contentType != "application/json" {
			t.Errorf("Content-Type = %q", got.contentType)
		}
		if diff := cmp.Diff(map[string]any{"name": "drill"}, got.body); diff != "" {
			t.Errorf("body mismatch (-want +got):\n%s", diff)
		}
	})
	t.Run("NotFound", func(t *testing.T) {
		_, err := c.Do(ctx, http.MethodGet, "/api/product/404", nil, nil)
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("Do() = %v, want *APIError", err)
		}
		if apiErr.StatusCode() != http.StatusNotFound || apiErr.Code() != "not_found" || apiErr.Message() != "no such product" {
			t.Errorf("APIError = %d %q %q", apiErr.StatusCode(), apiErr.Code(), apiErr.Message())
		}
		if !store.IsNotFound(err) {
			t.Error("store.IsNotFound() = false")
		}
	})
	t.Run("PlainError", func(t *testing.T) {
		_, err := c.Do(ctx, http.MethodGet, "/api/boom", nil, nil)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.StatusCode() != http.StatusBadGateway || apiErr.Message() != "upstream exploded" {
			t.Errorf("Do() = %v", err)
		}
		if store.IsNotFound(err) || IsRateLimited(err) {
			t.Error("502 classified as not found or rate limited")
		}
	})
}

func TestNewClient(t *testing.T) {
	for _, base := range []string{"", "ftp://example.com", "://bad"} {
		if _, err := NewClient(t.Context(), &Options{BaseURL: base}); err == nil {
			t.Errorf("NewClient(%q) returned nil error", base)
		}
	}
	hc := &http.Client{}
	if _, err := NewClient(t.Context(), &Options{BaseURL: "https://example.com", HTTPClient: hc}); err != nil {
		t.Fatal(err)
	}
	if hc.Timeout != 0 {
		t.Error("NewClient modified the given http.Client")
	}
}

func TestAPIError(t *testing.T) {
	tests := []struct {
		status int
		body   string
		want   string
	}{
		{404, `{"error":{"code":"not_found","message":"gone"}}`, "API error 404 not_found: gone"},
		{500, "boom\n", "API error 500: boom"},
		{429, "", "API error 429: Too Many Requests"},
	}
	for _, tt := range tests {
		if got := decodeAPIError(tt.status, []byte(tt.body)).Error(); got != tt.want {
			t.Errorf("decodeAPIError(%d, %q) = %q, want %q", tt.status, tt.body, got, tt.want)
		}
	}
	if !IsRateLimited(NewAPIError(http.StatusTooManyRequests, "", "slow down")) {
		t.Error("IsRateLimited() = false")
	}
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("key"))
	if err != nil {
		t.Fatal(err)
	}
	got, ok := TokenExpiry(signed)
	if !ok || !got.Equal(exp) {
		t.Errorf("TokenExpiry() = %v, %v, want %v", got, ok, exp)
	}
	if _, ok := TokenExpiry("opaque-token"); ok {
		t.Error("TokenExpiry(opaque) ok = true")
	}
}
