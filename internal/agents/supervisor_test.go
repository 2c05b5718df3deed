package agents

import (
	"context"
	"testing"
	"time"

	"deepresearch/internal/domain"
	"deepresearch/internal/filestore"
	"deepresearch/internal/llm"
	"deepresearch/internal/streaming"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T, client llm.ChatClient) (*Supervisor, *filestore.Store) {
	t.Helper()
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	return NewSupervisor(client, store, streaming.NewBus()), store
}

func TestSupervisor_IngestsFindingsFromBatch(t *testing.T) {
	client := &scriptedClient{turns: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "1", Name: "make_final_decision", Arguments: `{"reasoning":"enough coverage","decision":"finish"}`}}},
	}}
	sup, _ := newTestSupervisor(t, client)

	state := &domain.SessionState{OriginalQuery: "history of compilers", MaxIterations: 5, MaxSupervisorCalls: 3}
	batch := []domain.SupervisorEvent{
		{AgentID: "agent-1", Action: domain.ActionTaskCompleted, Result: &domain.Finding{Topic: "early compilers", Confidence: domain.ConfidenceMedium}, Timestamp: time.Now()},
	}

	decision, err := sup.ReviewBatch(context.Background(), "session-1", state, batch)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionFinish, decision.Outcome)
	require.Len(t, state.AgentFindings, 1)
	assert.Equal(t, "early compilers", state.AgentFindings[0].Topic)
}

func TestSupervisor_NeverEmptyToolCallsForcesFinish(t *testing.T) {
	client := &scriptedClient{turns: []llm.Message{
		{Role: "assistant", Content: "I think we're done."},
	}}
	sup, _ := newTestSupervisor(t, client)

	state := &domain.SessionState{OriginalQuery: "q", MaxIterations: 5, MaxSupervisorCalls: 3}
	decision, err := sup.ReviewBatch(context.Background(), "session-1", state, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionFinish, decision.Outcome)
}

func TestSupervisor_CreateAgentTodoWritesToFilestore(t *testing.T) {
	client := &scriptedClient{turns: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "1", Name: "create_agent_todo", Arguments: `{"agent_id":"agent-2","title":"Survey primary sources","objective":"find archival material","priority":"high"}`}}},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "2", Name: "make_final_decision", Arguments: `{"reasoning":"assigned","decision":"continue"}`}}},
	}}
	sup, store := newTestSupervisor(t, client)

	state := &domain.SessionState{OriginalQuery: "q", MaxIterations: 5, MaxSupervisorCalls: 3}
	_, err := sup.ReviewBatch(context.Background(), "session-1", state, nil)
	require.NoError(t, err)

	af, err := store.ReadAgentFile("agent-2")
	require.NoError(t, err)
	require.Len(t, af.Todos, 1)
	assert.Equal(t, "Survey primary sources", af.Todos[0].Title)
	assert.Equal(t, 1, state.SupervisorCallCount)
}

func TestSupervisor_DuplicateTodoTitleIsQualifiedAcrossAgents(t *testing.T) {
	client := &scriptedClient{turns: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "1", Name: "create_agent_todo", Arguments: `{"agent_id":"agent-2","title":"Survey primary sources","objective":"dup"}`}}},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "2", Name: "make_final_decision", Arguments: `{"reasoning":"done","decision":"continue"}`}}},
	}}
	sup, store := newTestSupervisor(t, client)

	require.NoError(t, store.AddTodo("agent-1", domain.Todo{
		Title: "Survey primary sources", Objective: "already taken", Priority: domain.PriorityMedium, Status: domain.TodoPending, CreatedAt: time.Now(),
	}))

	state := &domain.SessionState{OriginalQuery: "q", MaxIterations: 5, MaxSupervisorCalls: 3}
	_, err := sup.ReviewBatch(context.Background(), "session-1", state, nil)
	require.NoError(t, err)

	af, err := store.ReadAgentFile("agent-2")
	require.NoError(t, err)
	require.Len(t, af.Todos, 1)
	assert.NotEqual(t, "Survey primary sources", af.Todos[0].Title)
	assert.Contains(t, af.Todos[0].Title, "Survey primary sources")
}

func TestSupervisor_CallAccountingRejectsOverBudget(t *testing.T) {
	client := &scriptedClient{turns: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "1", Name: "create_agent_todo", Arguments: `{"agent_id":"agent-1","title":"one","objective":"o"}`}}},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "2", Name: "create_agent_todo", Arguments: `{"agent_id":"agent-1","title":"two","objective":"o"}`}}},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "3", Name: "make_final_decision", Arguments: `{"reasoning":"done","decision":"continue"}`}}},
	}}
	sup, store := newTestSupervisor(t, client)

	state := &domain.SessionState{OriginalQuery: "q", MaxIterations: 5, MaxSupervisorCalls: 1}
	_, err := sup.ReviewBatch(context.Background(), "session-1", state, nil)
	require.NoError(t, err)

	af, err := store.ReadAgentFile("agent-1")
	require.NoError(t, err)
	assert.Len(t, af.Todos, 1)
	assert.Equal(t, 1, state.SupervisorCallCount)
}
