// Package remote calls the hosted billing functions over HTTP.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultMaxRetries = 3
	DefaultRetryBase  = 500 * time.Millisecond
	DefaultRetryCap   = 8 * time.Second

	GenericMessage = "Something went wrong. Please try again."
	NetworkMessage = "Could not reach the billing service. Check your connection and try again."
)

// ErrTransient matches errors whose last attempt failed with a retryable
// status or a network error.
var ErrTransient = errors.New("remote: transient failure")

var transientStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

var statusMessages = map[int]string{
	http.StatusBadRequest:          "The billing request was invalid. Please try again.",
	http.StatusUnauthorized:        "Your session has expired. Please sign in again.",
	http.StatusForbidden:           "You do not have permission to manage billing for this account.",
	http.StatusNotFound:            "The billing service is not available right now.",
	http.StatusRequestTimeout:      "The billing service timed out. Please try again.",
	http.StatusTooManyRequests:     "Too many requests. Please wait a moment and try again.",
	http.StatusInternalServerError: "The billing service is temporarily unavailable. Please try again later.",
	http.StatusBadGateway:          "The billing service is temporarily unavailable. Please try again later.",
	http.StatusServiceUnavailable:  "The billing service is temporarily unavailable. Please try again later.",
	http.StatusGatewayTimeout:      "The billing service timed out. Please try again.",
}

// Error is the single error returned for a failed call. Message is safe to
// show to end users; Cause carries the technical detail.
type Error struct {
	Function  string
	Status    int
	Attempts  int
	Message   string
	Transient bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s: status %d after %d attempt(s): %v", e.Function, e.Status, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("remote %s: after %d attempt(s): %v", e.Function, e.Attempts, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	return target == ErrTransient && e.Transient
}

// UserMessage returns the end-user message for err, or GenericMessage.
func UserMessage(err error) string {
	var remoteErr *Error
	if errors.As(err, &remoteErr) && remoteErr.Message != "" {
		return remoteErr.Message
	}
	return GenericMessage
}

// MessageForStatus maps an HTTP status to an end-user message.
func MessageForStatus(status int) string {
	if message, ok := statusMessages[status]; ok {
		return message
	}
	return GenericMessage
}

type Options struct {
	MaxRetries int
	RetryBase  time.Duration
	RetryCap   time.Duration
	HTTPClient *http.Client
	// Sleep waits between attempts; tests replace it to avoid real delays.
	Sleep func(context.Context, time.Duration) error
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	maxRetries int
	retryBase  time.Duration
	retryCap   time.Duration
	sleep      func(context.Context, time.Duration) error
}

func NewClient(baseURL string, opts Options) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: opts.HTTPClient,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBase,
		retryCap:   opts.RetryCap,
		sleep:      opts.Sleep,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if c.maxRetries < 0 {
		c.maxRetries = 0
	}
	if c.retryBase <= 0 {
		c.retryBase = DefaultRetryBase
	}
	if c.retryCap <= 0 {
		c.retryCap = DefaultRetryCap
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}
	return c
}

// Invoke POSTs body to the named function, retrying transient failures, and
// decodes a 2xx JSON response into out.
func (c *Client) Invoke(ctx context.Context, function, token string, body, out any) error {
	return c.invoke(ctx, function, token, body, out, c.maxRetries)
}

// InvokeOnce is Invoke without retries, for calls that are not idempotent.
func (c *Client) InvokeOnce(ctx context.Context, function, token string, body, out any) error {
	return c.invoke(ctx, function, token, body, out, 0)
}

func (c *Client) invoke(ctx context.Context, function, token string, body, out any, retries int) error {
	payload := []byte("{}")
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &Error{Function: function, Message: GenericMessage, Cause: fmt.Errorf("encode request: %w", err)}
		}
		payload = encoded
	}

	var last *Error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, Backoff(attempt-1, c.retryBase, c.retryCap)); err != nil {
				last.Cause = err
				return last
			}
		}
		last = c.attempt(ctx, function, token, payload, out)
		if last == nil {
			return nil
		}
		last.Attempts = attempt + 1
		if !last.Transient {
			return last
		}
	}
	return last
}

func (c *Client) attempt(ctx context.Context, function, token string, payload []byte, out any) *Error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+function, bytes.NewReader(payload))
	if err != nil {
		return &Error{Function: function, Message: GenericMessage, Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return &Error{Function: function, Message: NetworkMessage, Cause: ctx.Err()}
		}
		return &Error{Function: function, Message: NetworkMessage, Transient: true, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Error{Function: function, Status: resp.StatusCode, Message: NetworkMessage, Transient: true, Cause: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &Error{
			Function:  function,
			Status:    resp.StatusCode,
			Message:   MessageForStatus(resp.StatusCode),
			Transient: transientStatuses[resp.StatusCode],
			Cause:     errors.New(remoteDetail(raw, resp.Status)),
		}
	}

	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &Error{Function: function, Status: resp.StatusCode, Message: GenericMessage, Cause: fmt.Errorf("decode response: %w", err)}
		}
	}
	return nil
}

// Backoff returns the wait before retry number n (zero based): base doubled n
// times, capped at limit.
func Backoff(n int, base, limit time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := base
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	if delay > limit {
		return limit
	}
	return delay
}

func remoteDetail(raw []byte, status string) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) <= 200 {
		return text
	}
	return status
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
