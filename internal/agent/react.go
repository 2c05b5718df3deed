// Package agent implements the bounded ReAct (reason + act) loop shared by
// the researcher and supervisor agents (spec §4.1, component C1). Grounded
// on the original internal/agent/react.go regex-driven loop, rewritten to
// drive structured tool calls instead of scraping <tool>/<answer> tags out
// of free text, so that tool_call_id is preserved verbatim end to end (P5).
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"deepresearch/internal/llm"
	"deepresearch/internal/streaming"
)

// ToolSet is what the loop needs from a tool registry: bind definitions to
// the LLM call, execute by name. *tools.Registry satisfies this.
type ToolSet interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (string, error)
	Definitions() []llm.ToolDef
}

// Config parametrises one Loop (§4.1).
type Config struct {
	Client        llm.ChatClient
	Tools         ToolSet
	MaxIterations int
	// TerminalTools names the tools whose invocation ends the loop (e.g.
	// "finish" for the researcher, "make_final_decision" for the
	// supervisor) without being treated as a forced-finish.
	TerminalTools map[string]bool
	// NeverEmptyToolCalls enforces the supervisor's rule (§4.3): an
	// assistant turn with no tool calls is treated as an implicit
	// terminal call rather than ending the loop silently.
	NeverEmptyToolCalls bool
	ImplicitTerminal    string // tool name substituted when NeverEmptyToolCalls fires

	Bus       *streaming.Bus // optional; nil disables event emission
	SessionID string
	AgentID   string
}

// ExecutedCall records one tool invocation and its result for the caller to
// inspect after the loop exits (sources collection, todo bookkeeping, …).
type ExecutedCall struct {
	ID     string
	Name   string
	Args   map[string]interface{}
	Result string
	Err    error
}

// Result is what Run returns once the loop exits, by terminal tool,
// no-tool-calls, or max_iterations (§4.1 step 3).
type Result struct {
	Messages      []llm.Message
	Iterations    int
	ToolCalls     []ExecutedCall
	Terminal      bool   // true iff a designated terminal tool was called
	TerminalTool  string
	TerminalArgs  map[string]interface{}
	ForcedFinish  bool // true iff the loop exited by hitting MaxIterations
	LastAssistant string
}

// Loop drives one bounded ReAct conversation.
type Loop struct {
	cfg Config
}

// NewLoop builds a Loop from cfg.
func NewLoop(cfg Config) *Loop {
	return &Loop{cfg: cfg}
}

// Run executes the loop starting from [System(systemPrompt),
// User(userPrompt)], returning once a terminal tool fires, the assistant
// emits no tool calls, or MaxIterations is reached (§4.1).
func (l *Loop) Run(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}

	result := &Result{}
	defs := l.cfg.Tools.Definitions()

	for i := 0; i < l.cfg.MaxIterations; i++ {
		result.Iterations = i + 1

		resp, err := l.cfg.Client.Chat(ctx, messages, defs)
		if err != nil {
			return result, fmt.Errorf("react loop: LLM call failed at iteration %d: %w", i+1, err)
		}
		assistant := resp.Message()
		messages = append(messages, assistant)
		result.LastAssistant = assistant.Content

		l.emit(streaming.EventAgentReasoning, map[string]any{
			"agent_id":  l.cfg.AgentID,
			"iteration": i + 1,
			"content":   assistant.Content,
		})

		toolCalls := assistant.ToolCalls
		if len(toolCalls) == 0 {
			if l.cfg.NeverEmptyToolCalls && l.cfg.ImplicitTerminal != "" {
				toolCalls = []llm.ToolCall{{
					ID:        fmt.Sprintf("implicit-%d", i+1),
					Name:      l.cfg.ImplicitTerminal,
					Arguments: `{}`,
				}}
			} else {
				result.Messages = messages
				return result, nil
			}
		}

		for _, tc := range toolCalls {
			var args map[string]interface{}
			if tc.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = map[string]interface{}{}
				}
			}
			if args == nil {
				args = map[string]interface{}{}
			}

			l.emit(streaming.EventAgentAction, map[string]any{
				"agent_id": l.cfg.AgentID,
				"tool":     tc.Name,
				"args":     args,
			})

			var toolResult string
			var toolErr error
			if l.cfg.TerminalTools[tc.Name] {
				// Terminal tools are recorded but not executed against the
				// tool registry; the caller (researcher/supervisor)
				// interprets their arguments directly.
				toolResult = `{"ok":true}`
			} else {
				toolResult, toolErr = l.cfg.Tools.Execute(ctx, tc.Name, args)
				if toolErr != nil {
					errBody, _ := json.Marshal(map[string]string{"error": toolErr.Error()})
					toolResult = string(errBody)
				}
			}

			result.ToolCalls = append(result.ToolCalls, ExecutedCall{
				ID:     tc.ID,
				Name:   tc.Name,
				Args:   args,
				Result: toolResult,
				Err:    toolErr,
			})

			// Preserve the LLM's tool_call_id verbatim on the tool-result
			// message (P5) so multi-call turns stay matched across
			// iterations.
			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    toolResult,
				ToolCallID: tc.ID,
			})

			if l.cfg.TerminalTools[tc.Name] {
				result.Terminal = true
				result.TerminalTool = tc.Name
				result.TerminalArgs = args
			}
		}

		if result.Terminal {
			result.Messages = messages
			return result, nil
		}
	}

	result.ForcedFinish = true
	result.Messages = messages
	l.emit(streaming.EventDebug, map[string]any{
		"agent_id": l.cfg.AgentID,
		"message":  "react loop reached max_iterations without a terminal tool call",
	})
	return result, nil
}

func (l *Loop) emit(t streaming.EventType, data any) {
	if l.cfg.Bus == nil || l.cfg.SessionID == "" {
		return
	}
	l.cfg.Bus.Publish(l.cfg.SessionID, streaming.Event{Type: t, Data: data})
}
