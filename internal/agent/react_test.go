package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"deepresearch/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubClient answers Chat calls from a fixed response queue, advancing by
// one per call and holding on the last entry once exhausted.
type stubClient struct {
	responses []llm.Message
	n         int
}

func (s *stubClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.ToolDef) (*llm.ChatResponse, error) {
	msg := s.responses[s.n]
	if s.n < len(s.responses)-1 {
		s.n++
	}
	return llm.NewChatResponse(msg), nil
}

func (s *stubClient) StructuredOutput(ctx context.Context, messages []llm.Message, schemaName string, schema any) (json.RawMessage, error) {
	return nil, nil
}

func (s *stubClient) SetModel(model string) {}
func (s *stubClient) GetModel() string      { return "stub" }

// fakeTools records executed calls and returns a canned result per name.
type fakeTools struct {
	results map[string]string
	calls   []string
}

func (f *fakeTools) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	f.calls = append(f.calls, name)
	if r, ok := f.results[name]; ok {
		return r, nil
	}
	return "", errors.New("unknown tool: " + name)
}

func (f *fakeTools) Definitions() []llm.ToolDef {
	return []llm.ToolDef{{Name: "noop", Description: "does nothing"}}
}

func TestLoop_StopsOnNoToolCalls(t *testing.T) {
	client := &stubClient{responses: []llm.Message{
		{Role: "assistant", Content: "final answer, no tools needed"},
	}}
	loop := NewLoop(Config{
		Client:        client,
		Tools:         &fakeTools{results: map[string]string{}},
		MaxIterations: 5,
		TerminalTools: map[string]bool{"finish": true},
	})

	result, err := loop.Run(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Iterations)
	assert.False(t, result.Terminal)
	assert.False(t, result.ForcedFinish)
	assert.Equal(t, "final answer, no tools needed", result.LastAssistant)
}

func TestLoop_PreservesToolCallID(t *testing.T) {
	client := &stubClient{responses: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "call-abc", Name: "search", Arguments: `{"query":"go"}`}}},
		{Role: "assistant", Content: "done"},
	}}
	loop := NewLoop(Config{
		Client:        client,
		Tools:         &fakeTools{results: map[string]string{"search": "some results"}},
		MaxIterations: 5,
		TerminalTools: map[string]bool{"finish": true},
	})

	result, err := loop.Run(context.Background(), "system", "user")
	require.NoError(t, err)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "call-abc", result.ToolCalls[0].ID)

	var toolMsg *llm.Message
	for i := range result.Messages {
		if result.Messages[i].Role == "tool" {
			toolMsg = &result.Messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "call-abc", toolMsg.ToolCallID)
}

func TestLoop_TerminalToolEndsLoop(t *testing.T) {
	client := &stubClient{responses: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "1", Name: "finish", Arguments: `{}`}}},
	}}
	loop := NewLoop(Config{
		Client:        client,
		Tools:         &fakeTools{},
		MaxIterations: 5,
		TerminalTools: map[string]bool{"finish": true},
	})

	result, err := loop.Run(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.True(t, result.Terminal)
	assert.Equal(t, "finish", result.TerminalTool)
}

func TestLoop_ForcedFinishAtMaxIterations(t *testing.T) {
	client := &stubClient{responses: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "1", Name: "search", Arguments: `{}`}}},
	}}
	loop := NewLoop(Config{
		Client:        client,
		Tools:         &fakeTools{results: map[string]string{"search": "ok"}},
		MaxIterations: 3,
		TerminalTools: map[string]bool{"finish": true},
	})

	result, err := loop.Run(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.True(t, result.ForcedFinish)
	assert.Equal(t, 3, result.Iterations)
}

func TestLoop_NeverEmptyToolCallsSubstitutesImplicitTerminal(t *testing.T) {
	client := &stubClient{responses: []llm.Message{
		{Role: "assistant", Content: "no tools this turn"},
	}}
	loop := NewLoop(Config{
		Client:              client,
		Tools:               &fakeTools{},
		MaxIterations:       5,
		TerminalTools:       map[string]bool{"make_final_decision": true},
		NeverEmptyToolCalls: true,
		ImplicitTerminal:    "make_final_decision",
	})

	result, err := loop.Run(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.True(t, result.Terminal)
	assert.Equal(t, "make_final_decision", result.TerminalTool)
}

func TestLoop_ToolErrorDoesNotAbortLoop(t *testing.T) {
	client := &stubClient{responses: []llm.Message{
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "1", Name: "broken_tool", Arguments: `{}`}}},
		{Role: "assistant", Content: "recovered"},
	}}
	loop := NewLoop(Config{
		Client:        client,
		Tools:         &fakeTools{results: map[string]string{}},
		MaxIterations: 5,
		TerminalTools: map[string]bool{"finish": true},
	})

	result, err := loop.Run(context.Background(), "system", "user")
	require.NoError(t, err)
	require.Len(t, result.ToolCalls, 1)
	assert.Error(t, result.ToolCalls[0].Err)
	assert.Contains(t, result.ToolCalls[0].Result, "error")
	assert.Equal(t, "recovered", result.LastAssistant)
}
