package agents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"deepresearch/internal/config"
	"deepresearch/internal/domain"
	"deepresearch/internal/filestore"
	"deepresearch/internal/llm"
	"deepresearch/internal/ports"
	"deepresearch/internal/queue"
	"deepresearch/internal/streaming"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearch struct {
	result *ports.SearchResponse
	err    error
}

func (f *fakeSearch) Search(ctx context.Context, query string, maxResults int) (*ports.SearchResponse, error) {
	return f.result, f.err
}

type fakeScraper struct{}

func (f *fakeScraper) Scrape(ctx context.Context, url string) (*ports.ScrapeResult, error) {
	return &ports.ScrapeResult{URL: url, Title: "scraped", Content: "scraped content"}, nil
}

// scriptedClient replays a fixed sequence of assistant turns, one per Chat
// call, and ignores the tool bindings passed in.
type scriptedClient struct {
	turns []llm.Message
	n     int
}

func (c *scriptedClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDef) (*llm.ChatResponse, error) {
	msg := c.turns[c.n]
	if c.n < len(c.turns)-1 {
		c.n++
	}
	return llm.NewChatResponse(msg), nil
}

func (c *scriptedClient) StructuredOutput(ctx context.Context, messages []llm.Message, schemaName string, schema any) (json.RawMessage, error) {
	return nil, nil
}
func (c *scriptedClient) SetModel(string) {}
func (c *scriptedClient) GetModel() string { return "stub" }

func newTestResearcher(t *testing.T, client llm.ChatClient) (*Researcher, *filestore.Store, *queue.Queue) {
	t.Helper()
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	q := queue.New()
	cfg := &config.Config{AgentMaxSteps: 4, SourcesLimit: 10}
	r := NewResearcher(client, &fakeSearch{result: &ports.SearchResponse{Query: "q", Results: []ports.SearchResult{
		{Title: "Result One", URL: "https://example.com/a", Snippet: "snippet a"},
	}, TotalResults: 1}}, &fakeScraper{}, store, q, streaming.NewBus(), cfg)
	return r, store, q
}

func TestResearcher_NoTasksEnqueuesNoTasksEvent(t *testing.T) {
	client := &scriptedClient{turns: []llm.Message{{Role: "assistant", Content: "nothing to do"}}}
	r, _, q := newTestResearcher(t, client)

	finding, err := r.Run(context.Background(), "session-1", "agent-1", "topic", domain.AgentCharacteristic{Role: "Analyst", Expertise: "economics"})
	require.NoError(t, err)
	assert.Nil(t, finding)
	assert.Equal(t, 1, q.Len())
}

func TestResearcher_CompletesTodoAndEnqueuesFinding(t *testing.T) {
	client := &scriptedClient{turns: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "1", Name: "web_search", Arguments: `{"queries":["go concurrency"]}`}}},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "2", Name: "write_note", Arguments: `{"title":"finding","summary":"goroutines are cheap","share":true}`}}},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "3", Name: "finish", Arguments: `{}`}}},
	}}
	r, store, q := newTestResearcher(t, client)

	err := store.AddTodo("agent-1", domain.Todo{
		Title:     "Survey concurrency primitives",
		Objective: "Summarize goroutines and channels",
		Priority:  domain.PriorityHigh,
		Status:    domain.TodoPending,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	finding, err := r.Run(context.Background(), "session-1", "agent-1", "concurrency", domain.AgentCharacteristic{Role: "Engineer", Expertise: "Go"})
	require.NoError(t, err)
	require.NotNil(t, finding)
	assert.Equal(t, domain.ConfidenceMedium, finding.Confidence)
	require.Len(t, finding.Sources, 1)
	assert.Equal(t, "https://example.com/a", finding.Sources[0].URL)

	af, err := store.ReadAgentFile("agent-1")
	require.NoError(t, err)
	require.Len(t, af.Todos, 1)
	assert.Equal(t, domain.TodoDone, af.Todos[0].Status)

	assert.Equal(t, 1, q.Len())
}

func TestResearcher_ForcedFinishStillProducesFinding(t *testing.T) {
	client := &scriptedClient{turns: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "1", Name: "web_search", Arguments: `{"queries":["x"]}`}}},
	}}
	cfg := &config.Config{AgentMaxSteps: 1, SourcesLimit: 10}
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	q := queue.New()
	r := NewResearcher(client, &fakeSearch{result: &ports.SearchResponse{}}, &fakeScraper{}, store, q, streaming.NewBus(), cfg)

	require.NoError(t, store.AddTodo("agent-1", domain.Todo{
		Title: "t", Objective: "o", Priority: domain.PriorityMedium, Status: domain.TodoPending, CreatedAt: time.Now(),
	}))

	finding, err := r.Run(context.Background(), "session-1", "agent-1", "topic", domain.AgentCharacteristic{Role: "R", Expertise: "E"})
	require.NoError(t, err)
	require.NotNil(t, finding)
	assert.Equal(t, domain.ConfidenceLow, finding.Confidence)
}
