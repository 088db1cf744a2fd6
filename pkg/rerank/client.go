// Package rerank scores retrieval candidates against the query using a
// hosted cross-encoder behind a Cohere-style /rerank API.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultModel   = "rerank-2"
	defaultTimeout = 30 * time.Second
)

// Common errors.
var (
	ErrEmptyQuery        = errors.New("empty rerank query")
	ErrTransient         = errors.New("transient rerank error")
	ErrInvalidCredential = errors.New("rerank credential rejected")
	ErrMalformed         = errors.New("malformed rerank response")
)

// Result is one scored document.
type Result struct {
	// Index is the document's position in the input slice.
	Index int

	// Score is the relevance score, higher is better.
	Score float64
}

// Reranker orders documents by relevance to a query.
type Reranker interface {
	// Rerank scores docs against query and returns up to topN results
	// sorted by descending score. Ties keep input order.
	Rerank(ctx context.Context, query string, docs []string, topN int) ([]Result, error)
}

// Config holds rerank client configuration.
type Config struct {
	BaseURL string
	Model   string

	// APIKeys holds one or more credentials with dead-key failover.
	APIKeys []string

	// Instruction is the task description sent with every call.
	Instruction string

	Timeout    time.Duration
	MaxRetries int

	// OnRetry, when set, is called once per retry attempt.
	OnRetry func()
}

// Client implements Reranker over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     zerolog.Logger

	mu     sync.Mutex
	dead   []bool
	keyIdx int
}

// NewClient creates a new rerank client.
func NewClient(cfg Config, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("at least one API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 2
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

type rerankRequest struct {
	Model       string   `json:"model"`
	Query       string   `json:"query"`
	Documents   []string `json:"documents"`
	TopN        int      `json:"top_n"`
	Instruction string   `json:"instruction,omitempty"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Rerank scores docs against query. Transient failures are retried
// immediately up to the configured count; latency matters more here
// than politeness since the caller holds a user request open.
func (c *Client) Rerank(ctx context.Context, query string, docs []string, topN int) ([]Result, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if len(docs) == 0 {
		return nil, nil
	}
	if topN <= 0 || topN > len(docs) {
		topN = len(docs)
	}

	reqJSON, err := json.Marshal(rerankRequest{
		Model:       c.cfg.Model,
		Query:       query,
		Documents:   docs,
		TopN:        topN,
		Instruction: c.cfg.Instruction,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var results []Result
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
		}
		if attempt > 0 && c.cfg.OnRetry != nil {
			c.cfg.OnRetry()
		}

		results, lastErr = c.doRequest(ctx, reqJSON)
		if lastErr == nil {
			sortResults(results)
			if len(results) > topN {
				results = results[:topN]
			}
			return results, nil
		}

		if errors.Is(lastErr, ErrInvalidCredential) {
			if c.allKeysDead() {
				return nil, lastErr
			}
			continue
		}
		if !errors.Is(lastErr, ErrTransient) {
			return nil, lastErr
		}
	}

	return nil, lastErr
}

func (c *Client) doRequest(ctx context.Context, body []byte) ([]Result, error) {
	key, idx, ok := c.currentKey()
	if !ok {
		return nil, fmt.Errorf("%w: all keys exhausted", ErrInvalidCredential)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
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
				Msg("rerank credential rejected, failing over")
			return nil, fmt.Errorf("%w: status %d", ErrInvalidCredential, resp.StatusCode)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: status %d: %s", ErrTransient, resp.StatusCode, errResp.Message)
		default:
			return nil, fmt.Errorf("rerank API error: status %d: %s", resp.StatusCode, errResp.Message)
		}
	}

	var rr rerankResponse
	if err := json.Unmarshal(respBody, &rr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	results := make([]Result, 0, len(rr.Results))
	for _, r := range rr.Results {
		results = append(results, Result{Index: r.Index, Score: r.RelevanceScore})
	}
	return results, nil
}

// sortResults orders by descending score, ties by ascending input
// index so repeated calls produce identical output.
func sortResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Index < results[j].Index
	})
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
