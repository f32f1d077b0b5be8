package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/rickgao/clob-sync/internal/errs"
)

// ErrNoCredentials is returned when an authenticated endpoint is called without credentials.
var ErrNoCredentials = errs.New(errs.KindAuth, "api", errs.WithMessage("credentials required"))

// APIError represents an error response from the venue.
type APIError struct {
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable returns true if the error should trigger a retry.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Kind maps the status code onto the error taxonomy.
func (e *APIError) Kind() errs.Kind {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return errs.KindAuth
	case e.StatusCode == http.StatusNotFound:
		return errs.KindNotFound
	case e.IsRetryable():
		return errs.KindTransport
	default:
		return errs.KindVenue
	}
}

// wrapError converts a request failure into a kinded error for op.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if body := venueErrorMessage(apiErr.Body); body != "" {
			msg = body
		}
		return errs.New(apiErr.Kind(), op, errs.WithMessage(msg), errs.WithCause(err))
	}
	var e *errs.E
	if errors.As(err, &e) {
		return err
	}
	return errs.New(errs.KindTransport, op, errs.WithCause(err))
}

// venueErrorMessage extracts {"error": "..."} from an error body if present.
func venueErrorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil {
		return ""
	}
	return payload.Error
}

// doRequest performs an HTTP request. When authed is set, L2 headers are
// signed over the path (with query) and body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body []byte, authed bool) ([]byte, error) {
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if c.creds == nil {
			return nil, ErrNoCredentials
		}
		for k, v := range c.creds.SignRequest(method, path, body) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Message:    http.StatusText(resp.StatusCode),
			Body:       respBody,
		}
	}

	return respBody, nil
}

// doWithRetry performs a request, retrying 5xx and 429 responses with
// jittered exponential backoff. Other failures are returned at once.
func (c *Client) doWithRetry(ctx context.Context, method, path string, query url.Values, authed bool) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBackoff
	b.RandomizationFactor = 0.5
	b.Multiplier = 2

	op := func() ([]byte, error) {
		body, err := c.doRequest(ctx, method, path, query, nil, authed)
		if err == nil {
			return body, nil
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsRetryable() {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	body, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(max(c.maxRetries, 0)+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Debug("retrying request", "path", path, "backoff", next, "error", err)
		}),
	)
	if err == nil {
		return body, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.IsRetryable() {
		return nil, fmt.Errorf("max retries exceeded: %w", err)
	}
	return nil, err
}

// get performs a GET request with retries.
func (c *Client) get(ctx context.Context, path string, query url.Values, authed bool, result any) error {
	body, err := c.doWithRetry(ctx, http.MethodGet, path, query, authed)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}

// send performs a single authenticated write with a JSON body.
func (c *Client) send(ctx context.Context, method, path string, payload, result any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.doRequest(ctx, method, path, nil, body, true)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(resp, result); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	return nil
}
