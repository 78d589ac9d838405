package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fathomhq/fathom/internal/metrics"
	"github.com/fathomhq/fathom/internal/retry"
	"github.com/fathomhq/fathom/internal/sources"
)

// Config locates the grounding search service.
type Config struct {
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxResults int           `mapstructure:"max_results" yaml:"max_results"`
}

// GroundingClient calls an HTTP grounding provider: a search API that
// returns supporting sources alongside an optional answer.
type GroundingClient struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// NewGroundingClient creates a client. The provider URL and key must be
// present; their absence is a startup configuration error.
func NewGroundingClient(cfg Config, logger *zap.Logger) (*GroundingClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("search: provider base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("search: provider API key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GroundingClient{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

type searchRequest struct {
	Query      string `json:"query"`
	Context    string `json:"context,omitempty"`
	MaxResults int    `json:"max_results"`
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search posts the query and maps the response to sources. Network errors,
// timeouts, 429, and 5xx responses are marked transient for the retry layer.
func (c *GroundingClient) Search(ctx context.Context, queryText, entityContext string) ([]sources.Source, error) {
	body, err := json.Marshal(searchRequest{
		Query:      queryText,
		Context:    entityContext,
		MaxResults: c.cfg.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.SearchLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SearchCalls.WithLabelValues("error").Inc()
		return nil, retry.Transient(fmt.Errorf("search call failed: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		metrics.SearchCalls.WithLabelValues("transient").Inc()
		return nil, retry.Transient(fmt.Errorf("search provider returned status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		metrics.SearchCalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("search provider returned status %d", resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.SearchCalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	results := make([]sources.Source, 0, len(out.Results))
	for _, r := range out.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, sources.Source{
			Title:      r.Title,
			URL:        r.URL,
			Content:    r.Content,
			IntelScore: r.Score,
		})
	}
	metrics.SearchCalls.WithLabelValues("ok").Inc()
	c.logger.Debug("search complete",
		zap.String("query", queryText),
		zap.Int("results", len(results)),
	)
	return results, nil
}
