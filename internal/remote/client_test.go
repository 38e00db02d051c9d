package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(url string, retries int, slept *[]time.Duration) *Client {
	return NewClient(url, Options{
		MaxRetries: retries,
		RetryBase:  500 * time.Millisecond,
		RetryCap:   8 * time.Second,
		Sleep: func(_ context.Context, d time.Duration) error {
			if slept != nil {
				*slept = append(*slept, d)
			}
			return nil
		},
	})
}

func TestInvokeDecodesResponseAndForwardsToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/check-subscription", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"subscribed":true,"product_id":"prod_pro"}`))
	}))
	defer server.Close()

	var out struct {
		Subscribed bool   `json:"subscribed"`
		ProductID  string `json:"product_id"`
	}
	err := newTestClient(server.URL+"/", 3, nil).Invoke(context.Background(), "check-subscription", "tok", nil, &out)
	require.NoError(t, err)
	assert.True(t, out.Subscribed)
	assert.Equal(t, "prod_pro", out.ProductID)
}

func TestInvokeRetriesTransientUntilExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"upstream down"}`))
	}))
	defer server.Close()

	var slept []time.Duration
	err := newTestClient(server.URL, 3, &slept).Invoke(context.Background(), "check-subscription", "tok", nil, nil)

	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}, slept)
	assert.True(t, errors.Is(err, ErrTransient))

	var remoteErr *Error
	require.True(t, errors.As(err, &remoteErr))
	assert.Equal(t, 4, remoteErr.Attempts)
	assert.Equal(t, http.StatusServiceUnavailable, remoteErr.Status)
	assert.Equal(t, MessageForStatus(http.StatusServiceUnavailable), UserMessage(err))
	assert.Contains(t, err.Error(), "upstream down")
}

func TestInvokeRecoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	err := newTestClient(server.URL, 3, nil).Invoke(context.Background(), "fn", "", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvokeDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	err := newTestClient(server.URL, 3, nil).Invoke(context.Background(), "fn", "tok", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, errors.Is(err, ErrTransient))
	assert.Equal(t, "Your session has expired. Please sign in again.", UserMessage(err))
}

func TestInvokeOnceNeverRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	err := newTestClient(server.URL, 3, nil).InvokeOnce(context.Background(), "create-checkout", "tok", map[string]string{"priceId": "p"}, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUnmappedStatusUsesGenericMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	err := newTestClient(server.URL, 0, nil).Invoke(context.Background(), "fn", "", nil, nil)
	assert.Equal(t, GenericMessage, UserMessage(err))
	assert.Equal(t, GenericMessage, UserMessage(errors.New("plain")))
}

func TestNetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	var slept []time.Duration
	err := newTestClient(url, 2, &slept).Invoke(context.Background(), "fn", "", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransient))
	assert.Len(t, slept, 2)
	assert.Equal(t, NetworkMessage, UserMessage(err))
}

func TestBackoffCaps(t *testing.T) {
	base := 500 * time.Millisecond
	limit := 8 * time.Second
	assert.Equal(t, base, Backoff(0, base, limit))
	assert.Equal(t, 4*time.Second, Backoff(3, base, limit))
	assert.Equal(t, limit, Backoff(4, base, limit))
	assert.Equal(t, limit, Backoff(30, base, limit))
}

func TestSleepFailureStopsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, Options{
		MaxRetries: 5,
		Sleep:      func(context.Context, time.Duration) error { return context.Canceled },
	})
	err := client.Invoke(context.Background(), "fn", "", nil, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, errors.Is(err, context.Canceled))
}
