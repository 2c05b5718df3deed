package searchservice

import (
	"context"
	"math"
	"net/url"
	"sort"
	"strings"

	"deepresearch/internal/ports"
)

// DedupeAndCap removes duplicate URLs, drops anything matching blockedDomains
// or blockedKeywords, and caps results per domain (§4.9: "deduped by URL
// with per-domain caps (default 2) and filtered against a blocklist").
func DedupeAndCap(results []ports.SearchResult, perDomainCap int, blockedDomains, blockedKeywords []string) []ports.SearchResult {
	if perDomainCap <= 0 {
		perDomainCap = 2
	}

	seenURLs := make(map[string]bool)
	perDomain := make(map[string]int)
	out := make([]ports.SearchResult, 0, len(results))

	for _, r := range results {
		if r.URL == "" || seenURLs[r.URL] {
			continue
		}
		if isBlocked(r, blockedDomains, blockedKeywords) {
			continue
		}
		domain := hostOf(r.URL)
		if perDomain[domain] >= perDomainCap {
			continue
		}
		seenURLs[r.URL] = true
		perDomain[domain]++
		out = append(out, r)
	}
	return out
}

func isBlocked(r ports.SearchResult, blockedDomains, blockedKeywords []string) bool {
	host := hostOf(r.URL)
	for _, d := range blockedDomains {
		if d != "" && strings.Contains(host, strings.ToLower(d)) {
			return true
		}
	}
	haystack := strings.ToLower(r.Title + " " + r.Snippet)
	for _, kw := range blockedKeywords {
		if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}

// Rerank orders results by cosine similarity of their embedding to query's
// embedding. When embedder is nil (no embedding provider configured -
// §4.9's rerank step is the one stage of this module with no concrete
// library anywhere in the corpus), it falls back to the search provider's
// own relevance Score, descending.
func Rerank(ctx context.Context, embedder ports.Embedder, query string, results []ports.SearchResult) []ports.SearchResult {
	if embedder == nil {
		sorted := make([]ports.SearchResult, len(results))
		copy(sorted, results)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })
		return sorted
	}

	queryVec, err := embedder.Embed(ctx, query)
	if err != nil {
		return results
	}

	type scored struct {
		result ports.SearchResult
		score  float64
	}
	withScores := make([]scored, 0, len(results))
	for _, r := range results {
		text := r.Title + " " + r.Snippet
		vec, err := embedder.Embed(ctx, text)
		if err != nil {
			withScores = append(withScores, scored{result: r, score: 0})
			continue
		}
		withScores = append(withScores, scored{result: r, score: cosineSimilarity(queryVec, vec)})
	}

	sort.SliceStable(withScores, func(i, j int) bool { return withScores[i].score > withScores[j].score })

	out := make([]ports.SearchResult, len(withScores))
	for i, s := range withScores {
		s.result.Score = s.score
		out[i] = s.result
	}
	return out
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
