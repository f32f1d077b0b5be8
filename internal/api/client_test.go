package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/clob-sync/internal/auth"
	"github.com/rickgao/clob-sync/internal/errs"
)

func testCreds(t *testing.T) *auth.Credentials {
	t.Helper()
	secret := base64.URLEncoding.EncodeToString([]byte("test-secret"))
	creds, err := auth.NewCredentials("test-key", secret, "test-pass", "0x1111111111111111111111111111111111111111")
	if err != nil {
		t.Fatalf("NewCredentials failed: %v", err)
	}
	return creds
}

// TestNewClient tests client construction with various options.
func TestNewClient(t *testing.T) {
	t.Run("default values", func(t *testing.T) {
		c := NewClient("https://api.example.com", nil)

		if c.baseURL != "https://api.example.com" {
			t.Errorf("baseURL = %q, want %q", c.baseURL, "https://api.example.com")
		}
		if c.httpClient.Timeout != 30*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 30*time.Second)
		}
		if c.maxRetries != 3 {
			t.Errorf("maxRetries = %d, want %d", c.maxRetries, 3)
		}
		if c.logger == nil {
			t.Error("logger should not be nil")
		}
	})

	t.Run("with multiple options", func(t *testing.T) {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		c := NewClient("https://api.example.com", testCreds(t),
			WithTimeout(15*time.Second),
			WithRetries(10, 500*time.Millisecond),
			WithLogger(logger),
		)
		if c.httpClient.Timeout != 15*time.Second {
			t.Errorf("Timeout = %v, want %v", c.httpClient.Timeout, 15*time.Second)
		}
		if c.maxRetries != 10 {
			t.Errorf("maxRetries = %d, want %d", c.maxRetries, 10)
		}
		if c.retryBackoff != 500*time.Millisecond {
			t.Errorf("retryBackoff = %v, want %v", c.retryBackoff, 500*time.Millisecond)
		}
		if c.logger != logger {
			t.Error("logger not set correctly")
		}
	})

	t.Run("with custom HTTP client", func(t *testing.T) {
		customClient := &http.Client{Timeout: 10 * time.Second}
		c := NewClient("https://api.example.com", nil, WithHTTPClient(customClient))
		if c.httpClient != customClient {
			t.Error("custom HTTP client not set")
		}
	})
}

// TestAPIError tests the APIError type.
func TestAPIError(t *testing.T) {
	err := &APIError{StatusCode: 404, Message: "Not Found"}
	if err.Error() != "venue api error 404: Not Found" {
		t.Errorf("Error() = %q, want %q", err.Error(), "venue api error 404: Not Found")
	}

	tests := []struct {
		code      int
		retryable bool
		kind      errs.Kind
	}{
		{500, true, errs.KindTransport},
		{503, true, errs.KindTransport},
		{429, true, errs.KindTransport},
		{400, false, errs.KindVenue},
		{401, false, errs.KindAuth},
		{403, false, errs.KindAuth},
		{404, false, errs.KindNotFound},
	}

	for _, tt := range tests {
		err := &APIError{StatusCode: tt.code}
		if got := err.IsRetryable(); got != tt.retryable {
			t.Errorf("IsRetryable() for status %d = %v, want %v", tt.code, got, tt.retryable)
		}
		if got := err.Kind(); got != tt.kind {
			t.Errorf("Kind() for status %d = %v, want %v", tt.code, got, tt.kind)
		}
	}
}

// TestDoRequest tests the HTTP request functionality.
func TestDoRequest(t *testing.T) {
	t.Run("signed request carries L2 headers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, h := range []string{auth.HeaderAddress, auth.HeaderAPIKey, auth.HeaderPassphrase, auth.HeaderTimestamp, auth.HeaderSignature} {
				if r.Header.Get(h) == "" {
					t.Errorf("header %s missing", h)
				}
			}
			if r.Header.Get(auth.HeaderAPIKey) != "test-key" {
				t.Errorf("%s = %q, want %q", auth.HeaderAPIKey, r.Header.Get(auth.HeaderAPIKey), "test-key")
			}
			w.Write([]byte(`{"status": "ok"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, testCreds(t))
		body, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil, nil, true)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if string(body) != `{"status": "ok"}` {
			t.Errorf("body = %q, want %q", string(body), `{"status": "ok"}`)
		}
	})

	t.Run("public request has no auth headers", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(auth.HeaderSignature) != "" {
				t.Errorf("%s should be empty", auth.HeaderSignature)
			}
			w.Write([]byte(`{}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, testCreds(t))
		if _, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil, nil, false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("authed request without credentials", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", nil)
		_, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil, nil, true)
		if !errors.Is(err, ErrNoCredentials) {
			t.Errorf("error = %v, want ErrNoCredentials", err)
		}
	})

	t.Run("4xx error returns APIError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": "not found"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, nil)
		_, err := c.doRequest(context.Background(), http.MethodGet, "/test", nil, nil, false)
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T", err)
		}
		if apiErr.StatusCode != 404 {
			t.Errorf("StatusCode = %d, want %d", apiErr.StatusCode, 404)
		}
		if !strings.Contains(string(apiErr.Body), "not found") {
			t.Errorf("Body should contain 'not found', got %q", string(apiErr.Body))
		}
	})
}

// TestDoWithRetry tests the retry logic.
func TestDoWithRetry(t *testing.T) {
	t.Run("retries on 5xx and succeeds", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.Write([]byte(`{"ok": true}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, nil, WithRetries(3, 10*time.Millisecond))
		if _, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil, false); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("does not retry on 4xx", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer server.Close()

		c := NewClient(server.URL, nil, WithRetries(3, 10*time.Millisecond))
		if _, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil, false); err == nil {
			t.Fatal("expected error, got nil")
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("max retries exceeded", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		c := NewClient(server.URL, nil, WithRetries(2, 10*time.Millisecond))
		_, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil, false)
		if err == nil || !strings.Contains(err.Error(), "max retries exceeded") {
			t.Errorf("error should contain 'max retries exceeded', got %v", err)
		}
		// 1 initial + 2 retries = 3 attempts
		if attempts != 3 {
			t.Errorf("attempts = %d, want 3", attempts)
		}
	})

	t.Run("stops waiting when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
			cancel()
		}))
		defer server.Close()

		c := NewClient(server.URL, nil, WithRetries(3, time.Hour))
		_, err := c.doWithRetry(ctx, http.MethodGet, "/test", nil, false)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("does not retry transport failures", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := server.URL
		server.Close()

		c := NewClient(url, nil, WithRetries(3, time.Hour))
		start := time.Now()
		if _, err := c.doWithRetry(context.Background(), http.MethodGet, "/test", nil, false); err == nil {
			t.Fatal("expected error, got nil")
		}
		if elapsed := time.Since(start); elapsed > time.Minute {
			t.Errorf("elapsed = %v, want no backoff wait", elapsed)
		}
	})
}

// TestPostOrder tests order placement.
func TestPostOrder(t *testing.T) {
	t.Run("successful placement", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/order" {
				t.Errorf("request = %s %s, want POST /order", r.Method, r.URL.Path)
			}
			body, _ := io.ReadAll(r.Body)
			var req PostOrderRequest
			if err := json.Unmarshal(body, &req); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if req.OrderType != OrderTypeGTC {
				t.Errorf("OrderType = %q, want %q", req.OrderType, OrderTypeGTC)
			}
			if req.Order.TokenID != "123" {
				t.Errorf("TokenID = %q, want %q", req.Order.TokenID, "123")
			}
			w.Write([]byte(`{"success":true,"errorMsg":"","orderID":"0xabc","status":"live"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, testCreds(t))
		resp, err := c.PostOrder(context.Background(), PostOrderRequest{Order: SignedOrder{TokenID: "123"}, Owner: "test-key"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !resp.Success || resp.OrderID != "0xabc" || resp.Status != PlacementLive {
			t.Errorf("resp = %+v, want live 0xabc", resp)
		}
	})

	t.Run("server error is not retried", func(t *testing.T) {
		var attempts int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&attempts, 1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		c := NewClient(server.URL, testCreds(t), WithRetries(3, 10*time.Millisecond))
		_, err := c.PostOrder(context.Background(), PostOrderRequest{})
		if !errs.IsKind(err, errs.KindTransport) {
			t.Errorf("error kind = %v, want transport", errs.KindOf(err))
		}
		if attempts != 1 {
			t.Errorf("attempts = %d, want 1", attempts)
		}
	})

	t.Run("venue refusal carries message", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"not enough balance"}`))
		}))
		defer server.Close()

		c := NewClient(server.URL, testCreds(t))
		_, err := c.PostOrder(context.Background(), PostOrderRequest{})
		if !errs.IsKind(err, errs.KindVenue) {
			t.Fatalf("error kind = %v, want venue", errs.KindOf(err))
		}
		if !strings.Contains(err.Error(), "not enough balance") {
			t.Errorf("error = %v, want venue message", err)
		}
	})
}

// TestCancelOrder tests order cancellation.
func TestCancelOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s, want DELETE", r.Method)
		}
		w.Write([]byte(`{"canceled":[],"not_canceled":{"0xabc":"order already matched"}}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, testCreds(t))
	resp, err := c.CancelOrder(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	reason, ok := resp.NotCanceled["0xabc"]
	if !ok {
		t.Fatalf("NotCanceled = %v, want entry for 0xabc", resp.NotCanceled)
	}
	if !IsMatchedReason(reason) {
		t.Errorf("IsMatchedReason(%q) = false, want true", reason)
	}
	if IsMatchedReason("order not found") {
		t.Error("IsMatchedReason(\"order not found\") = true, want false")
	}
}

// TestGetOrder tests fetching one order.
func TestGetOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data/order/0xabc" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/data/order/0xabc")
		}
		w.Write([]byte(`{"id":"0xabc","status":"LIVE","asset_id":"123","side":"BUY","original_size":"100","size_matched":"25.5","price":"0.42","created_at":1700000000}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, testCreds(t))
	o, err := c.GetOrder(context.Background(), "0xabc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Status != OrderStatusLive {
		t.Errorf("Status = %q, want %q", o.Status, OrderStatusLive)
	}
	if !o.SizeMatched.Equal(decimal.RequireFromString("25.5")) {
		t.Errorf("SizeMatched = %s, want 25.5", o.SizeMatched)
	}
	if !o.Price.Equal(decimal.RequireFromString("0.42")) {
		t.Errorf("Price = %s, want 0.42", o.Price)
	}
}

// TestGetMarket tests fetching market parameters and converting them.
func TestGetMarket(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(auth.HeaderSignature) != "" {
			t.Error("market lookup should be public")
		}
		w.Write([]byte(`{"condition_id":"0xc1","tokens":[{"token_id":"1","outcome":"Yes"},{"token_id":"2","outcome":"No"}],"minimum_tick_size":0.01,"minimum_order_size":5,"neg_risk":false,"active":true,"closed":false,"accepting_orders":true}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, nil)
	m, err := c.GetMarket(context.Background(), "0xc1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mm, err := m.ToModel()
	if err != nil {
		t.Fatalf("ToModel failed: %v", err)
	}
	if !mm.TickSize.Equal(decimal.RequireFromString("0.01")) {
		t.Errorf("TickSize = %s, want 0.01", mm.TickSize)
	}
	if !mm.MinOrderSize.Equal(decimal.NewFromInt(5)) {
		t.Errorf("MinOrderSize = %s, want 5", mm.MinOrderSize)
	}
	if comp, _ := mm.Complement("1"); comp != "2" {
		t.Errorf("Complement(1) = %q, want %q", comp, "2")
	}
	if !mm.Active {
		t.Error("Active = false, want true")
	}
}

func TestToModelRejectsNonBinary(t *testing.T) {
	m := &APIMarket{ConditionID: "0xc1", Tokens: []APIToken{{TokenID: "1"}}}
	if _, err := m.ToModel(); err == nil {
		t.Error("ToModel should fail for a single-token market")
	}
}
