package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "rosterwatch/pkg/errors"
	"rosterwatch/pkg/ledger"
	"rosterwatch/pkg/logger"
)

func sample() Notification {
	return FromFollower(ledger.Follower{
		Target:      "someone",
		Username:    "alice",
		DisplayName: "Alice A.",
		FirstSeen:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	})
}

func TestFromFollower(t *testing.T) {
	n := sample()
	assert.Equal(t, "someone", n.TargetAccount)
	assert.Equal(t, "alice", n.FollowerUsername)
	assert.Equal(t, "Alice A.", n.FollowerDisplayName)
	assert.Equal(t, "2024-03-01T12:00:00Z", n.FirstSeen)
}

func TestSendSuccess(t *testing.T) {
	var got Notification
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get(TokenHeader))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "secret", WithLogger(logger.NewNopLogger()))
	require.NoError(t, c.Send(context.Background(), sample()))
	assert.Equal(t, sample(), got)
}

func TestSendClassifiesResponses(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   errs.ErrorType
	}{
		{"not found", http.StatusNotFound, `{"error":"nope"}`, errs.ErrorTypeNotFound},
		{"server error json", http.StatusInternalServerError, `{"error":"db down"}`, errs.ErrorTypeServerError},
		{"server error html", http.StatusBadGateway, `<html>bad gateway</html>`, errs.ErrorTypeServerError},
		{"unparseable", http.StatusOK, `ok`, errs.ErrorTypeParsing},
		{"no success flag", http.StatusOK, `{"success": false, "error": "duplicate"}`, errs.ErrorTypeRejected},
		{"client error", http.StatusUnauthorized, `{"error":"bad token"}`, errs.ErrorTypeRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			tl := logger.NewTestLogger()
			err := NewClient(server.URL, "secret", WithLogger(tl)).Send(context.Background(), sample())
			require.Error(t, err)
			assert.Equal(t, tt.want, errs.TypeOf(err))
		})
	}
}

func TestSendRejectedCarriesEndpointMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"target not registered"}`))
	}))
	defer server.Close()

	err := NewClient(server.URL, "t", WithLogger(logger.NewNopLogger())).Send(context.Background(), sample())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "target not registered")
	assert.Contains(t, err.Error(), "code 400")
}

func TestSendNetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	err := NewClient(url, "t", WithLogger(logger.NewNopLogger())).Send(context.Background(), sample())
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeNetwork, errs.TypeOf(err))
}

func TestSendTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(server.URL, "t", WithTimeout(50*time.Millisecond), WithLogger(logger.NewNopLogger()))
	err := c.Send(context.Background(), sample())
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeNetwork, errs.TypeOf(err))
}

func TestSendRespectsRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "t", WithRequestsPerMinute(1), WithLogger(logger.NewNopLogger()))
	require.NoError(t, c.Send(context.Background(), sample()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.Send(ctx, sample())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCustomHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "blue", r.Header.Get("X-Deployment"))
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, "t", WithLogger(logger.NewNopLogger()))
	c.SetHeader("X-Deployment", "blue")
	require.NoError(t, c.Send(context.Background(), sample()))
	assert.Equal(t, server.URL, c.Endpoint())
}
