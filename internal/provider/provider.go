package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/querymeter/gateway/internal/config"
	"go.uber.org/zap"
)

// Client is the execution handle for the paid semantic-search provider,
// warmed up for one identity. It carries no state that affects billing
// correctness; it can be dropped and recreated at any time.
type Client struct {
	baseURL    string
	apiKey     string
	identity   string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a provider client bound to one identity
func NewClient(cfg config.ProviderConfig, identity string, logger *zap.Logger) *Client {
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		apiKey:   cfg.APIKey,
		identity: identity,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// Identity returns the identity this handle was created for.
func (c *Client) Identity() string {
	return c.identity
}

type searchRequest struct {
	Query     string `json:"query"`
	Principal string `json:"principal,omitempty"`
}

type searchResponse struct {
	Answer string `json:"answer"`
	Error  string `json:"error,omitempty"`
}

// Search runs one paid semantic-search call. Failures, including timeouts,
// surface as errors; the caller decides whether and how to bill.
func (c *Client) Search(ctx context.Context, query string) (string, error) {
	payload, err := json.Marshal(searchRequest{
		Query:     query,
		Principal: c.identity,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/semantic-search", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read search response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("provider returned error",
			zap.Int("status", resp.StatusCode),
			zap.String("identity", c.identity),
		)
		return "", fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to decode search response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("provider error: %s", parsed.Error)
	}

	return parsed.Answer, nil
}
