package searchservice

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/config"
	"deepresearch/internal/domain"
	"deepresearch/internal/llm"
	"deepresearch/internal/ports"
)

// fakeClient replays a fixed queue of structured-output payloads and a
// separate fixed sequence of chat turns, mirroring internal/graph's
// fakeStructuredClient fixture.
type fakeClient struct {
	structured []string
	n          int
	chatTurns  []llm.Message
	chatN      int
}

func (c *fakeClient) StructuredOutput(ctx context.Context, messages []llm.Message, schemaName string, schema any) (json.RawMessage, error) {
	idx := c.n
	if idx >= len(c.structured) {
		idx = len(c.structured) - 1
	}
	c.n++
	return json.RawMessage(c.structured[idx]), nil
}

func (c *fakeClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDef) (*llm.ChatResponse, error) {
	if len(c.chatTurns) == 0 {
		return llm.NewChatResponse(llm.Message{Role: "assistant", Content: "no script"}), nil
	}
	msg := c.chatTurns[c.chatN]
	if c.chatN < len(c.chatTurns)-1 {
		c.chatN++
	}
	return llm.NewChatResponse(msg), nil
}

func (c *fakeClient) SetModel(string)  {}
func (c *fakeClient) GetModel() string { return "stub" }

type fakeSearchProvider struct{ resp *ports.SearchResponse }

func (f *fakeSearchProvider) Search(ctx context.Context, query string, maxResults int) (*ports.SearchResponse, error) {
	return f.resp, nil
}

type fakeScraper struct{}

func (f *fakeScraper) Scrape(ctx context.Context, url string) (*ports.ScrapeResult, error) {
	return &ports.ScrapeResult{URL: url, Title: "scraped page", Content: "scraped body text"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		SourcesLimit:   20,
		SpeedBudget:    config.ModeBudget{MaxIterations: 2, MaxConcurrent: 1},
		BalancedBudget: config.ModeBudget{MaxIterations: 2, MaxConcurrent: 1},
		QualityBudget:  config.ModeBudget{MaxIterations: 3, MaxConcurrent: 1},
	}
}

func TestService_DeepSearch_ChatModeSkipsResearch(t *testing.T) {
	client := &fakeClient{
		structured: []string{`{"mode":"chat","rewritten_query":"hi","language":"en"}`},
		chatTurns:  []llm.Message{{Role: "assistant", Content: "Hello there!"}},
	}
	svc := NewService(client, &fakeSearchProvider{}, &fakeScraper{}, testConfig())

	answer, err := svc.DeepSearch(context.Background(), "hi", domain.ModeChat)
	require.NoError(t, err)
	assert.Equal(t, "Hello there!", answer)
}

func TestService_DeepSearch_WebModeRunsAgentAndWrites(t *testing.T) {
	client := &fakeClient{
		structured: []string{`{"mode":"web","rewritten_query":"go concurrency primitives","language":"en"}`},
		chatTurns: []llm.Message{
			{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "1", Name: "web_search", Arguments: `{"query":"go concurrency primitives"}`}}},
			{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "2", Name: "done", Arguments: `{}`}}},
			{Role: "assistant", Content: "Goroutines are cheap [1].\n\n## Sources\n[1] Go Concurrency - https://go.dev/blog/concurrency"},
		},
	}
	search := &fakeSearchProvider{resp: &ports.SearchResponse{
		Query: "go concurrency primitives",
		Results: []ports.SearchResult{
			{Title: "Go Concurrency", URL: "https://go.dev/blog/concurrency", Snippet: "goroutines and channels"},
		},
		TotalResults: 1,
	}}
	svc := NewService(client, search, &fakeScraper{}, testConfig())

	answer, err := svc.DeepSearch(context.Background(), "how does go do concurrency", domain.ModeWeb)
	require.NoError(t, err)
	assert.Contains(t, answer, "[1]")
	assert.Contains(t, answer, "Sources")
}

func TestService_DeepSearch_FallsBackToCallerModeOnBadClassification(t *testing.T) {
	client := &fakeClient{
		structured: []string{`{"mode":"not-a-real-mode","rewritten_query":"q","language":"en"}`},
		chatTurns: []llm.Message{
			{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "1", Name: "done", Arguments: `{}`}}},
			{Role: "assistant", Content: "Answer with no sources.\n\n## Sources\n"},
		},
	}
	svc := NewService(client, &fakeSearchProvider{resp: &ports.SearchResponse{}}, &fakeScraper{}, testConfig())

	answer, err := svc.DeepSearch(context.Background(), "q", domain.ModeDeepSearch)
	require.NoError(t, err)
	assert.NotEmpty(t, answer)
}
