// Package embedder provides the HTTP client for the external embedding
// service. The engine treats embeddings as opaque fixed-dimension vectors;
// this client only transports them.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/meridianfm/riskmatch/internal/domain"
)

// Client calls the embedding service. Transient failures (network errors,
// 5xx) are retried with exponential backoff up to MaxRetries attempts, then
// surfaced as domain.EmbeddingUnavailableError. Client errors (4xx) are not
// retried.
type Client struct {
	baseURL    string
	dimensions int
	maxRetries int
	httpClient *http.Client
	log        zerolog.Logger
}

// Config holds embedding client configuration.
type Config struct {
	BaseURL    string
	Dimensions int
	MaxRetries int
	Timeout    time.Duration
}

type embedRequest struct {
	Input string `json:"input"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// New creates a new embedding service client.
func New(cfg Config, log zerolog.Logger) *Client {
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = domain.DefaultEmbeddingDim
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		dimensions: cfg.Dimensions,
		maxRetries: cfg.MaxRetries,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log.With().Str("client", "embedder").Logger(),
	}
}

// Dimensions returns the expected embedding dimension.
func (c *Client) Dimensions() int {
	return c.dimensions
}

// Embed converts a risk-state description into a fixed-dimension vector.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result []float32
	attempts := 0

	operation := func() error {
		attempts++
		vec, err := c.embed(ctx, text)
		if err != nil {
			return err
		}
		result = vec
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries-1)),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		c.log.Error().Err(err).Int("attempts", attempts).Msg("Embedding request failed")
		return nil, &domain.EmbeddingUnavailableError{Attempts: attempts, Cause: err}
	}

	return result, nil
}

// embed performs a single embedding request.
func (c *Client) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Input: text})
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to encode embed request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build embed request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors are transient, let backoff retry
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read embed response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("embedding service error: status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		// 4xx will not improve on retry
		return nil, backoff.Permanent(fmt.Errorf("embedding service rejected request: status %d: %s", resp.StatusCode, respBody))
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode embed response: %w", err)
	}

	if len(parsed.Embedding) != c.dimensions {
		return nil, backoff.Permanent(fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(parsed.Embedding), c.dimensions))
	}

	return parsed.Embedding, nil
}
