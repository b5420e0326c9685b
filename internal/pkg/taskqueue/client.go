package taskqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rankpulse/rankpulse/internal/pkg/env"
)

// The durable queue is an external HTTP service: Publish hands it a target
// URL and a body, and the queue delivers that body to the target with
// at-least-once semantics, retrying on non-2xx responses.

var (
	// ErrUnreachable means the queue endpoint could not be reached at all.
	// The message was definitely not accepted.
	ErrUnreachable = errors.New("task queue unreachable")

	// ErrPublishRejected means the queue answered but refused the message.
	ErrPublishRejected = errors.New("task queue rejected publish")
)

const publishTimeout = 10 * time.Second

// Client publishes messages to the durable task queue.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a queue client for the given endpoint and token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: publishTimeout},
	}
}

// NewClientFromEnv creates a queue client from QUEUE_URL / QUEUE_TOKEN.
func NewClientFromEnv() *Client {
	return NewClient(
		env.GetEnv("QUEUE_URL", "http://localhost:8585"),
		env.GetEnv("QUEUE_TOKEN", ""),
	)
}

type publishResponse struct {
	MessageID string `json:"messageId"`
}

// Publish enqueues a delivery of body to endpointURL with the given retry
// budget and returns the queue's message id.
func (c *Client) Publish(ctx context.Context, endpointURL string, body []byte, retries int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/publish/%s", c.baseURL, endpointURL), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create publish request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-Queue-Retries", strconv.Itoa(retries))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: status %d", ErrPublishRejected, resp.StatusCode)
	}

	var pr publishResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("%w: invalid response body: %v", ErrPublishRejected, err)
	}
	if pr.MessageID == "" {
		return "", fmt.Errorf("%w: response carried no message id", ErrPublishRejected)
	}
	return pr.MessageID, nil
}
