package graph

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"deepresearch/internal/agents"
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

// fakeStructuredClient replays a fixed queue of structured-output payloads,
// one per call, holding on the last entry once exhausted. Chat is scripted
// separately since the researcher/supervisor ReAct loops drive it directly.
type fakeStructuredClient struct {
	structured []string
	n          int
	chatTurns  []llm.Message
	chatN      int
}

func (c *fakeStructuredClient) StructuredOutput(ctx context.Context, messages []llm.Message, schemaName string, schema any) (json.RawMessage, error) {
	idx := c.n
	if idx >= len(c.structured) {
		idx = len(c.structured) - 1
	}
	c.n++
	return json.RawMessage(c.structured[idx]), nil
}

func (c *fakeStructuredClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDef) (*llm.ChatResponse, error) {
	if len(c.chatTurns) == 0 {
		return llm.NewChatResponse(llm.Message{Role: "assistant", Content: "no script"}), nil
	}
	msg := c.chatTurns[c.chatN]
	if c.chatN < len(c.chatTurns)-1 {
		c.chatN++
	}
	return llm.NewChatResponse(msg), nil
}

func (c *fakeStructuredClient) SetModel(string)  {}
func (c *fakeStructuredClient) GetModel() string { return "stub" }

type fakeSearchProvider struct{ resp *ports.SearchResponse }

func (f *fakeSearchProvider) Search(ctx context.Context, query string, maxResults int) (*ports.SearchResponse, error) {
	return f.resp, nil
}

type fakeScraperImpl struct{}

func (f *fakeScraperImpl) Scrape(ctx context.Context, url string) (*ports.ScrapeResult, error) {
	return &ports.ScrapeResult{URL: url, Title: "t", Content: "c"}, nil
}

func newTestGraph(t *testing.T, structuredClient llm.ChatClient, researcher *agents.Researcher, supervisor *agents.Supervisor, store *filestore.Store, q *queue.Queue, cfg *config.Config) *Graph {
	t.Helper()
	return New(structuredClient, researcher, supervisor, q, store, streaming.NewBus(), nil, nil, nil, nil, nil, cfg)
}

func TestGraph_ClarifyWithUser_InterruptsWhenQuestionsNeeded(t *testing.T) {
	needs := `{"needs_clarification":true,"questions":["Which time period?"],"language":"en"}`
	client := &fakeStructuredClient{structured: []string{needs}}
	g := newTestGraph(t, client, nil, nil, nil, nil, &config.Config{})

	state := &domain.SessionState{OriginalQuery: "history of compilers", Query: "history of compilers"}
	err := g.clarifyWithUser(context.Background(), "s1", state)

	require.ErrorIs(t, err, errClarificationPending)
	assert.True(t, state.ClarificationNeeded)
	require.Len(t, state.ChatHistory, 1)
	assert.Contains(t, state.ChatHistory[0].Content, "Which time period?")
}

func TestGraph_ClarifyWithUser_ResumeDetectsAnswer(t *testing.T) {
	g := newTestGraph(t, &fakeStructuredClient{}, nil, nil, nil, nil, &config.Config{})

	state := &domain.SessionState{
		OriginalQuery:       "history of compilers",
		DeepSearchResult:    "some context",
		ClarificationNeeded: true,
		ChatHistory: []domain.ChatTurn{
			{Role: "assistant", Content: "some context\n\n\n\nquestions..."},
			{Role: "user", Content: "the 1960s onward"},
		},
	}

	err := g.clarifyWithUser(context.Background(), "s1", state)
	require.NoError(t, err)
	assert.False(t, state.ClarificationNeeded)
	assert.Equal(t, "the 1960s onward", state.ClarificationAnswers["answer"])
}

func TestGraph_ClarifyWithUser_SkipsWhenNotNeeded(t *testing.T) {
	needs := `{"needs_clarification":false,"questions":[],"language":"en"}`
	client := &fakeStructuredClient{structured: []string{needs}}
	g := newTestGraph(t, client, nil, nil, nil, nil, &config.Config{})

	state := &domain.SessionState{OriginalQuery: "what is the capital of France"}
	err := g.clarifyWithUser(context.Background(), "s1", state)
	require.NoError(t, err)
	assert.False(t, state.ClarificationNeeded)
	assert.Empty(t, state.ChatHistory)
}

func TestGraph_PlanResearch_PersistsToMain(t *testing.T) {
	plan := `{"topics":[{"title":"Origins","description":"early history","priority":"high","estimated_sources":3}],"reasoning":"cover chronologically","coordination_strategy":"split by era"}`
	client := &fakeStructuredClient{structured: []string{plan}}
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	g := newTestGraph(t, client, nil, nil, store, nil, &config.Config{})

	state := &domain.SessionState{OriginalQuery: "q"}
	require.NoError(t, g.planResearch(context.Background(), "s1", state))

	require.NotNil(t, state.ResearchPlan)
	assert.Equal(t, "Origins", state.ResearchPlan.Topics[0].Title)

	main, err := store.ReadMain(10000)
	require.NoError(t, err)
	assert.Contains(t, main, "Research Plan")
	assert.Contains(t, main, "Origins")
}

func TestGraph_CreateAgentCharacteristics_PadsToRequestedCount(t *testing.T) {
	chars := `{"agents":[{"role":"Historian","expertise":"compilers","personality":"curious","topics":["Origins"],
		"initial_todos":[{"title":"Survey origins","objective":"study early compilers","priority":"high"}]}]}`
	client := &fakeStructuredClient{structured: []string{chars}}
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	cfg := &config.Config{NumAgents: 2}
	g := newTestGraph(t, client, nil, nil, store, nil, cfg)

	state := &domain.SessionState{
		OriginalQuery: "history of compilers",
		ResearchTopics: []domain.ResearchTopic{
			{Title: "Origins", Description: "early history"},
			{Title: "Modern optimizers", Description: "recent work"},
		},
	}
	require.NoError(t, g.createAgentCharacteristics(context.Background(), "s1", state))

	require.Len(t, state.AgentCharacteristics, 2)
	af, err := store.ReadAgentFile("agent-1")
	require.NoError(t, err)
	require.Len(t, af.Todos, 1)
	assert.Contains(t, af.Todos[0].Objective, "history of compilers")

	af2, err := store.ReadAgentFile("agent-2")
	require.NoError(t, err)
	require.Len(t, af2.Todos, 1)
	assert.Equal(t, "Modern optimizers", af2.Expertise)
}

func TestGraph_ExecuteAgents_DrivesResearcherAndSupervisorToCompletion(t *testing.T) {
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	q := queue.New()
	bus := streaming.NewBus()

	researcherClient := &fakeStructuredClient{chatTurns: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "1", Name: "web_search", Arguments: `{"queries":["compiler history"]}`}}},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "2", Name: "write_note", Arguments: `{"title":"n","summary":"early compilers used assembly","share":true}`}}},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "3", Name: "finish", Arguments: `{}`}}},
	}}
	supervisorClient := &fakeStructuredClient{chatTurns: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "1", Name: "make_final_decision", Arguments: `{"reasoning":"enough","decision":"finish"}`}}},
	}}

	cfg := &config.Config{AgentMaxSteps: 4, SourcesLimit: 10, NumAgents: 1}
	researcher := agents.NewResearcher(researcherClient, &fakeSearchProvider{resp: &ports.SearchResponse{Query: "q", Results: []ports.SearchResult{{Title: "R", URL: "https://example.com/x", Snippet: "s"}}, TotalResults: 1}}, &fakeScraperImpl{}, store, q, bus, cfg)
	supervisor := agents.NewSupervisor(supervisorClient, store, bus)

	require.NoError(t, store.AddTodo("agent-1", domain.Todo{
		Title: "Survey origins", Objective: "study early compilers", Priority: domain.PriorityHigh,
		Status: domain.TodoPending, CreatedAt: time.Now(),
	}))

	g := newTestGraph(t, &fakeStructuredClient{}, researcher, supervisor, store, q, cfg)

	state := &domain.SessionState{
		OriginalQuery:       "history of compilers",
		MaxIterations:       3,
		MaxSupervisorCalls:  5,
		ModeConfig:          domain.ModeConfig{MaxConcurrent: 2},
		AgentCharacteristics: map[string]domain.AgentCharacteristic{
			"agent-1": {AgentID: "agent-1", Role: "Historian", Expertise: "compilers", Topics: []string{"compiler history"}},
		},
	}

	require.NoError(t, g.executeAgents(context.Background(), "s1", state))

	require.Len(t, state.AgentFindings, 1)
	assert.Equal(t, 0, q.Len())

	af, err := store.ReadAgentFile("agent-1")
	require.NoError(t, err)
	require.Len(t, af.Todos, 1)
	assert.Equal(t, domain.TodoDone, af.Todos[0].Status)
}

func TestGraph_GenerateReport_FallsBackToDraftWhenTooShort(t *testing.T) {
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.WriteDraftReport("Origins", "Early compilers translated assembly directly.", filestore.DraftAppend))

	shortReport := `{"executive_summary":"x","sections":[],"conclusion":"y","sources":[],"confidence":"low"}`
	client := &fakeStructuredClient{structured: []string{shortReport}}
	g := newTestGraph(t, client, nil, nil, store, nil, &config.Config{})

	state := &domain.SessionState{OriginalQuery: "q"}
	require.NoError(t, g.generateReport(context.Background(), "s1", state))

	require.NotNil(t, state.FinalReport)
	require.Len(t, state.FinalReport.Sections, 1)
	assert.Equal(t, "Origins", state.FinalReport.Sections[0].Title)
}

func TestGraph_CompressFindings_ProducesSummary(t *testing.T) {
	cf := `{"summary":"a synthesis","key_themes":["assembly","optimization"],"important_sources":[]}`
	client := &fakeStructuredClient{structured: []string{cf}}
	g := newTestGraph(t, client, nil, nil, nil, nil, &config.Config{})

	state := &domain.SessionState{
		OriginalQuery: "q",
		AgentFindings: []domain.Finding{{Topic: "origins", Summary: "assembly-era compilers", Confidence: domain.ConfidenceMedium}},
	}
	require.NoError(t, g.compressFindings(context.Background(), "s1", state))
	require.NotNil(t, state.CompressedResearch)
	assert.Equal(t, "a synthesis", state.CompressedResearch.Summary)
	assert.Len(t, state.CompressedResearch.KeyThemes, 2)
}
