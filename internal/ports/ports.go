// Package ports defines the narrow interfaces the core consumes for every
// out-of-scope external collaborator named in spec §1/§6: the search
// provider, the page scraper, the embedding/vector index, and the
// checkpoint store. Adapters implement these; the core never imports a
// concrete SDK outside the adapter itself.
//
// Grounded on the original internal/core/ports package, which plays the
// same hexagonal-architecture role for its event store and event bus.
package ports

import (
	"context"
	"time"

	"deepresearch/internal/domain"
)

// SearchResult is one hit from the external search provider (§6).
type SearchResult struct {
	Title         string    `json:"title"`
	URL           string    `json:"url"`
	Snippet       string    `json:"snippet"`
	Score         float64   `json:"score,omitempty"`
	PublishedDate *time.Time `json:"published_date,omitempty"`
}

// SearchResponse is the external search provider's contract: search(query,
// max_results) -> {query, results, total_results}. 200 OK with empty
// results is normal.
type SearchResponse struct {
	Query        string         `json:"query"`
	Results      []SearchResult `json:"results"`
	TotalResults int            `json:"total_results"`
}

// SearchProvider is the out-of-scope search collaborator.
type SearchProvider interface {
	Search(ctx context.Context, query string, maxResults int) (*SearchResponse, error)
}

// ScrapeResult is the external scraper's contract (§6): scrape(url) ->
// {url, title, content, markdown?, html?, images[], links[]}.
type ScrapeResult struct {
	URL      string   `json:"url"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Markdown string   `json:"markdown,omitempty"`
	HTML     string   `json:"html,omitempty"`
	Images   []string `json:"images,omitempty"`
	Links    []string `json:"links,omitempty"`
}

// Scraper is the out-of-scope page-scraping collaborator. Timeouts surface
// as an error; the caller degrades that source rather than failing.
type Scraper interface {
	Scrape(ctx context.Context, url string) (*ScrapeResult, error)
}

// VectorIndex is the out-of-scope embedding/vector-search collaborator used
// by the search_memory node (§4.6 step 1).
type VectorIndex interface {
	Query(ctx context.Context, text string, topK int) ([]VectorHit, error)
}

// VectorHit is one nearest-neighbor result from VectorIndex.
type VectorHit struct {
	Text  string
	Score float64
}

// Checkpointer persists SessionState after every graph node, enabling the
// interrupt/resume semantics around clarification turns (§2). Grounded on
// the original ports.EventStore / filesystem.EventStore.
type Checkpointer interface {
	Save(ctx context.Context, sessionID string, version int, state []byte) error
	Load(ctx context.Context, sessionID string) (version int, state []byte, err error)
}

// SessionStore is the slice of the session manager (C7) the graph (C6)
// needs to flip session-level status around the clarification interrupt
// (§4.6 step 3). Kept narrow on purpose so the graph can be built and
// tested before C7 exists.
type SessionStore interface {
	UpdateStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error
}

// DeepSearcher is the compact-mode entrypoint the graph's run_deep_search
// node (§4.6 step 2) calls into C9.
type DeepSearcher interface {
	DeepSearch(ctx context.Context, query string, mode domain.Mode) (string, error)
}

// Embedder is the optional embedding collaborator C9 uses to rerank search
// results by cosine similarity to the rewritten query (§4.9). No embedding
// provider appears anywhere in the corpus this module is grounded on, so
// Embedder is nil-able: callers fall back to the search provider's own
// relevance Score when it is absent, the same optional-collaborator pattern
// already used for VectorIndex in search_memory.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}
