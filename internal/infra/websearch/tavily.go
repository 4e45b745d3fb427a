// Package websearch implements merchant lookup services backed by public web
// search.
package websearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dvloznov/merchant-categorizer/internal/categorizer"
)

// DefaultTavilyEndpoint is the Tavily search API.
const DefaultTavilyEndpoint = "https://api.tavily.com/search"

// TavilyConfig configures a TavilyClient.
type TavilyConfig struct {
	APIKey     string
	Endpoint   string
	MaxResults int
	// SearchDepth is "basic" or "advanced".
	SearchDepth string
}

// TavilyClient implements categorizer.LookupService on the Tavily API.
type TavilyClient struct {
	endpoint    string
	apiKey      string
	maxResults  int
	searchDepth string
	httpClient  *http.Client
}

var _ categorizer.LookupService = (*TavilyClient)(nil)

// NewTavilyClient builds a client from configuration. A nil httpClient gets a
// 20s timeout; per-call deadlines still come from ctx.
func NewTavilyClient(cfg TavilyConfig, httpClient *http.Client) *TavilyClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultTavilyEndpoint
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 5
	}
	depth := cfg.SearchDepth
	if depth == "" {
		depth = "basic"
	}
	return &TavilyClient{
		endpoint:    endpoint,
		apiKey:      cfg.APIKey,
		maxResults:  maxResults,
		searchDepth: depth,
		httpClient:  httpClient,
	}
}

type tavilyRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilyResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Lookup implements categorizer.LookupService. An empty result list is
// returned as a nil slice with a nil error.
func (c *TavilyClient) Lookup(ctx context.Context, query string) ([]categorizer.Snippet, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("tavily client misconfigured: missing api key")
	}

	body, err := json.Marshal(tavilyRequest{
		APIKey:      c.apiKey,
		Query:       query,
		MaxResults:  c.maxResults,
		SearchDepth: c.searchDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tavily request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily search: %w", classifyTransportError(err))
	}
	defer resp.Body.Close()

	if err := checkStatus("tavily", resp); err != nil {
		return nil, err
	}

	var decoded tavilyResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode tavily response: %w", err)
	}

	var snippets []categorizer.Snippet
	for _, r := range decoded.Results {
		if strings.TrimSpace(r.Content) == "" && strings.TrimSpace(r.Title) == "" {
			continue
		}
		snippets = append(snippets, categorizer.Snippet{
			Title:   strings.TrimSpace(r.Title),
			URL:     r.URL,
			Content: strings.TrimSpace(r.Content),
			Score:   r.Score,
		})
	}
	return snippets, nil
}

// checkStatus maps HTTP failures to errors. Rate limits and server errors
// are transient.
func checkStatus(service string, resp *http.Response) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	err := fmt.Errorf("%s error %s: %s", service, resp.Status, strings.TrimSpace(string(payload)))
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %v", categorizer.ErrTransient, err)
	}
	return err
}
