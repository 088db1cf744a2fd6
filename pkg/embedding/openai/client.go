// Package openai implements the embedding provider against an
// OpenAI-compatible /embeddings endpoint.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quarrylabs/quarry/pkg/embedding"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "qwen3-embedding"
	defaultTimeout = 30 * time.Second

	retryBaseDelay = time.Second
	retryMaxDelay  = 5 * time.Second
)

// Config holds OpenAI-compatible client configuration.
type Config struct {
	// APIKeys holds one or more credentials. A key rejected with 401 or
	// 403 is marked dead and the next live key is used.
	APIKeys []string

	// Model is the embedding model to use.
	Model string

	// BaseURL is the API base URL.
	BaseURL string

	// Dimension is the expected embedding dimensionality.
	Dimension int

	// Timeout for API requests.
	Timeout time.Duration

	// MaxRetries for transient failures.
	MaxRetries int

	// OnRetry, when set, is called once per retry attempt.
	OnRetry func()
}

// Client implements embedding.Provider for OpenAI-compatible APIs.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger

	mu     sync.Mutex
	dead   []bool
	keyIdx int
}

// NewClient creates a new embedding client.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}

	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
		dead:   make([]bool, len(cfg.APIKeys)),
	}, nil
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

type errorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// Embed converts a single text into a unit-length vector embedding.
// Transient failures are retried with exponential backoff; rejected
// credentials fail over to the next configured key.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, embedding.ErrEmptyInput
	}

	reqJSON, err := json.Marshal(embeddingRequest{
		Input: []string{text},
		Model: c.cfg.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if c.cfg.OnRetry != nil {
				c.cfg.OnRetry()
			}
			delay := retryBaseDelay << (attempt - 1)
			if delay > retryMaxDelay {
				delay = retryMaxDelay
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", embedding.ErrTransient, ctx.Err())
			}
		}

		var vec []float32
		vec, lastErr = c.doRequest(ctx, reqJSON)
		if lastErr == nil {
			if !embedding.Normalize(vec) {
				c.logger.Warn().
					Str("model", c.cfg.Model).
					Msg("embedding has zero norm, passing through unnormalized")
			}
			return vec, nil
		}

		if errors.Is(lastErr, embedding.ErrInvalidCredential) {
			// Failover already advanced the key; spend the attempt only
			// if no live key remains.
			if c.allKeysDead() {
				return nil, lastErr
			}
			continue
		}
		if !errors.Is(lastErr, embedding.ErrTransient) {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

// doRequest makes one HTTP call with the current live key.
func (c *Client) doRequest(ctx context.Context, body []byte) ([]float32, error) {
	key, idx, ok := c.currentKey()
	if !ok {
		return nil, fmt.Errorf("%w: all keys exhausted", embedding.ErrInvalidCredential)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", embedding.ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", embedding.ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp errorResponse
		_ = json.Unmarshal(respBody, &errResp)

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			c.markDead(idx)
			c.logger.Warn().
				Int("key_index", idx).
				Int("status", resp.StatusCode).
				Msg("embedding credential rejected, failing over")
			return nil, fmt.Errorf("%w: status %d", embedding.ErrInvalidCredential, resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: status %d: %s", embedding.ErrTransient, resp.StatusCode, errResp.Error.Message)
		default:
			return nil, fmt.Errorf("embedding API error: status %d: %s", resp.StatusCode, errResp.Error.Message)
		}
	}

	var embResp embeddingResponse
	if err := json.Unmarshal(respBody, &embResp); err != nil {
		return nil, fmt.Errorf("%w: %v", embedding.ErrMalformed, err)
	}
	if len(embResp.Data) == 0 || len(embResp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: no embedding in response", embedding.ErrMalformed)
	}

	return embResp.Data[0].Embedding, nil
}

func (c *Client) currentKey() (string, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < len(c.cfg.APIKeys); i++ {
		idx := (c.keyIdx + i) % len(c.cfg.APIKeys)
		if !c.dead[idx] {
			c.keyIdx = idx
			return c.cfg.APIKeys[idx], idx, true
		}
	}
	return "", 0, false
}

func (c *Client) markDead(idx int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead[idx] = true
}

func (c *Client) allKeysDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.dead {
		if !d {
			return false
		}
	}
	return true
}

// Dimension returns the configured embedding dimension.
func (c *Client) Dimension() int {
	return c.cfg.Dimension
}

// ModelName returns the model name.
func (c *Client) ModelName() string {
	return c.cfg.Model
}
