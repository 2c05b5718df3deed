package search

import (
	"context"
	"errors"
	"fmt"

	"deepresearch/internal/ports"
)

// Fallback tries each provider in order, returning the first successful
// response, even one with no results. Grounded on the original multi-key OPENAI_BASE_URL
// failover convention (config.Config carries both a SearxNG URL and a Brave
// key; this is the Go shape of "use whichever is configured, prefer the
// self-hosted one").
type Fallback struct {
	providers []ports.SearchProvider
}

// NewFallback builds a Fallback over providers, in priority order. Nil
// entries are skipped so callers can pass conditionally-constructed
// providers directly.
func NewFallback(providers ...ports.SearchProvider) *Fallback {
	nonNil := make([]ports.SearchProvider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			nonNil = append(nonNil, p)
		}
	}
	return &Fallback{providers: nonNil}
}

// Search implements ports.SearchProvider.
func (f *Fallback) Search(ctx context.Context, query string, maxResults int) (*ports.SearchResponse, error) {
	if len(f.providers) == 0 {
		return nil, errors.New("search: no provider configured")
	}

	var lastErr error
	for _, p := range f.providers {
		resp, err := p.Search(ctx, query, maxResults)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("search: all providers failed: %w", lastErr)
}

var _ ports.SearchProvider = (*Fallback)(nil)
