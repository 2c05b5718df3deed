// Package search implements ports.SearchProvider over the two HTTP search
// backends spec §6/§4.9 names via config.Config: a self-hosted SearXNG
// instance and the Brave Search API, generalized from
// internal/tools/search.go (Brave-only) into narrow ports.SearchProvider
// adapters.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"deepresearch/internal/ports"
)

// SearxNG queries a self-hosted SearXNG instance's JSON API.
type SearxNG struct {
	baseURL    string
	httpClient *http.Client
}

// NewSearxNG builds a SearxNG provider against instanceURL (e.g.
// "http://localhost:8080").
func NewSearxNG(instanceURL string) *SearxNG {
	return &SearxNG{baseURL: instanceURL, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

type searxngResponse struct {
	Query   string `json:"query"`
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search implements ports.SearchProvider.
func (s *SearxNG) Search(ctx context.Context, query string, maxResults int) (*ports.SearchResponse, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng: request %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("searxng: %s returned %d", s.baseURL, resp.StatusCode)
	}

	var parsed searxngResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %w", err)
	}

	if maxResults <= 0 {
		maxResults = 10
	}
	results := make([]ports.SearchResult, 0, maxResults)
	for i, r := range parsed.Results {
		if i >= maxResults {
			break
		}
		results = append(results, ports.SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
			Score:   r.Score,
		})
	}

	return &ports.SearchResponse{
		Query:        query,
		Results:      results,
		TotalResults: len(results),
	}, nil
}

var _ ports.SearchProvider = (*SearxNG)(nil)
