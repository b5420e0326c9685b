package taskqueue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyCallbackSignature(t *testing.T) {
	payload := []byte(`{"type":"process-job","job_id":"abc"}`)
	secret := "queue-signing-key"

	sig := SignCallbackPayload(payload, secret)
	assert.True(t, VerifyCallbackSignature(payload, sig, secret))
	assert.True(t, VerifyCallbackSignature(payload, "  "+sig+"  ", secret))

	assert.False(t, VerifyCallbackSignature(payload, sig, "other-key"))
	assert.False(t, VerifyCallbackSignature([]byte("tampered"), sig, secret))
	assert.False(t, VerifyCallbackSignature(payload, "", secret))
	assert.False(t, VerifyCallbackSignature(payload, sig, ""))
	assert.False(t, VerifyCallbackSignature(payload, "not-hex!", secret))
}

func TestPublishReturnsMessageID(t *testing.T) {
	var gotAuth, gotRetries string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotRetries = r.Header.Get("X-Queue-Retries")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"messageId":"msg-123"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	id, err := client.Publish(context.Background(), "https://app.example/webhooks/queue-callback", []byte(`{}`), 3)
	require.NoError(t, err)
	assert.Equal(t, "msg-123", id)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "3", gotRetries)
}

func TestPublishRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "tok")
	_, err := client.Publish(context.Background(), "https://app.example/cb", []byte(`{}`), 1)
	require.ErrorIs(t, err, ErrPublishRejected)
}

func TestPublishUnreachable(t *testing.T) {
	// Closed server: connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	client := NewClient(srv.URL, "tok")
	_, err := client.Publish(context.Background(), "https://app.example/cb", []byte(`{}`), 1)
	require.ErrorIs(t, err, ErrUnreachable)
}
