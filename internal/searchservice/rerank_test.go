package searchservice

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"deepresearch/internal/ports"
)

func TestDedupeAndCap_RemovesDuplicateURLsAndCapsPerDomain(t *testing.T) {
	results := []ports.SearchResult{
		{Title: "a1", URL: "https://a.com/1"},
		{Title: "a1-dup", URL: "https://a.com/1"},
		{Title: "a2", URL: "https://a.com/2"},
		{Title: "a3", URL: "https://a.com/3"},
		{Title: "b1", URL: "https://b.com/1"},
	}

	out := DedupeAndCap(results, 2, nil, nil)

	assert.Len(t, out, 3)
	urls := make([]string, len(out))
	for i, r := range out {
		urls[i] = r.URL
	}
	assert.Equal(t, []string{"https://a.com/1", "https://a.com/2", "https://b.com/1"}, urls)
}

func TestDedupeAndCap_FiltersBlockedDomainsAndKeywords(t *testing.T) {
	results := []ports.SearchResult{
		{Title: "spam", URL: "https://spammy.example/post", Snippet: "buy now"},
		{Title: "good", URL: "https://trusted.example/post", Snippet: "informative article"},
		{Title: "clickbait", URL: "https://trusted.example/other", Snippet: "you won't believe this"},
	}

	out := DedupeAndCap(results, 5, []string{"spammy.example"}, []string{"won't believe"})

	assert.Len(t, out, 1)
	assert.Equal(t, "https://trusted.example/post", out[0].URL)
}

func TestDedupeAndCap_DropsEmptyURL(t *testing.T) {
	results := []ports.SearchResult{{Title: "no url"}}
	out := DedupeAndCap(results, 5, nil, nil)
	assert.Empty(t, out)
}

func TestRerank_NilEmbedderFallsBackToScoreDescending(t *testing.T) {
	results := []ports.SearchResult{
		{Title: "low", URL: "https://a.com", Score: 0.2},
		{Title: "high", URL: "https://b.com", Score: 0.9},
		{Title: "mid", URL: "https://c.com", Score: 0.5},
	}

	out := Rerank(context.Background(), nil, "query", results)

	assert.Equal(t, []string{"high", "mid", "low"}, []string{out[0].Title, out[1].Title, out[2].Title})
}

// fakeEmbedder returns a vector whose single dimension is the count of a
// marker word's occurrences in text, making similarity to the query
// predictable without a real embedding model.
type fakeEmbedder struct{ marker string }

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	return []float64{float64(strings.Count(strings.ToLower(text), f.marker)), 1}, nil
}

func TestRerank_WithEmbedderOrdersByCosineSimilarity(t *testing.T) {
	results := []ports.SearchResult{
		{Title: "unrelated", URL: "https://a.com", Snippet: "weather forecast"},
		{Title: "relevant", URL: "https://b.com", Snippet: "golang concurrency golang goroutines"},
	}

	out := Rerank(context.Background(), &fakeEmbedder{marker: "golang"}, "golang concurrency", results)

	assert.Equal(t, "relevant", out[0].Title)
}
