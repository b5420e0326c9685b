package serp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rankpulse/rankpulse/app/models"
	"github.com/rankpulse/rankpulse/internal/pkg/env"
)

// ProviderName identifies the upstream SERP data vendor on job rows.
const ProviderName = "serpwatch"

const refreshTimeout = 60 * time.Second

// Client calls the external SERP provider for live ranking snapshots. Scoring
// and trend math happen elsewhere; this only fetches.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a provider client.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: refreshTimeout},
	}
}

// NewClientFromEnv creates a provider client from SERP_API_URL / SERP_API_KEY.
func NewClientFromEnv() *Client {
	return NewClient(
		env.GetEnv("SERP_API_URL", "https://api.serpwatch.example/v1/live"),
		env.GetEnv("SERP_API_KEY", ""),
	)
}

type refreshRequest struct {
	Domain   string   `json:"domain"`
	Keywords []string `json:"keywords"`
}

type refreshResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// RefreshProject runs one live SERP fetch for the project's keyword set.
func (c *Client) RefreshProject(ctx context.Context, project *models.Project) error {
	payload := refreshRequest{
		Domain:   project.Domain,
		Keywords: splitKeywords(project.Keywords),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("serp provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("serp provider returned status %d", resp.StatusCode)
	}

	var rr refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("serp provider returned invalid JSON: %w", err)
	}
	if rr.Status != "ok" {
		return fmt.Errorf("serp provider reported failure: %s", rr.Error)
	}
	return nil
}

func splitKeywords(raw string) []string {
	parts := strings.Split(raw, ",")
	keywords := make([]string, 0, len(parts))
	for _, p := range parts {
		if kw := strings.TrimSpace(p); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	return keywords
}
