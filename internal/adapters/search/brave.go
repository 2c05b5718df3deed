package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"deepresearch/internal/ports"
)

const braveSearchURL = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search API, generalizing
// internal/tools.SearchTool onto ports.SearchProvider.
type Brave struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewBrave builds a Brave provider.
func NewBrave(apiKey string) *Brave {
	return &Brave{apiKey: apiKey, baseURL: braveSearchURL, httpClient: &http.Client{Timeout: 30 * time.Second}}
}

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search implements ports.SearchProvider.
func (b *Brave) Search(ctx context.Context, query string, maxResults int) (*ports.SearchResponse, error) {
	if maxResults <= 0 {
		maxResults = 10
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("count", strconv.Itoa(maxResults))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("brave: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave: request %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("brave: api error %d: %s", resp.StatusCode, string(body))
	}

	var parsed braveResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("brave: decode response: %w", err)
	}

	results := make([]ports.SearchResult, 0, len(parsed.Web.Results))
	for _, r := range parsed.Web.Results {
		results = append(results, ports.SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}

	return &ports.SearchResponse{Query: query, Results: results, TotalResults: len(results)}, nil
}

var _ ports.SearchProvider = (*Brave)(nil)
