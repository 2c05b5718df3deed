// Package tools implements the document- and web-facing tool surface the
// ReAct loop binds to an LLM turn (spec §4.1.1, §4.2.1). Each Tool declares
// its argument shape as a JSON schema via invopop/jsonschema, the same
// reflection pattern basegraph's relay/common/llm package uses to build
// tool-call schemas for openai-go.
package tools

import (
	"context"
	"fmt"

	"deepresearch/internal/llm"

	"github.com/invopop/jsonschema"
)

// Tool defines the interface for research tools. ArgsSchema lets the ReAct
// loop (internal/agent) and the supervisor (internal/agents) bind a tool to
// an LLM turn without hand-written parameter documents.
type Tool interface {
	Name() string
	Description() string
	ArgsSchema() *jsonschema.Schema
	Execute(ctx context.Context, args map[string]interface{}) (string, error)
}

// ToolExecutor is the interface for tool execution (allows mocking in tests).
type ToolExecutor interface {
	Execute(ctx context.Context, name string, args map[string]interface{}) (string, error)
	ToolNames() []string
}

// Registry manages available tools.
type Registry struct {
	tools map[string]Tool
}

// NewEmptyRegistry creates a registry with no tools registered. Callers
// (researcher/supervisor agents) register their own bespoke tool set on it.
func NewEmptyRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry.
func (r *Registry) Register(tool Tool) {
	r.tools[tool.Name()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Execute runs a tool by name.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	tool, ok := r.tools[name]
	if !ok {
		return "", fmt.Errorf("unknown tool: %s", name)
	}
	return tool.Execute(ctx, args)
}

// List returns all available tool names and descriptions.
func (r *Registry) List() map[string]string {
	result := make(map[string]string)
	for name, tool := range r.tools {
		result[name] = tool.Description()
	}
	return result
}

// ToolNames returns just the tool names.
func (r *Registry) ToolNames() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Definitions returns the registry's tools as llm.ToolDef, ready to bind to
// a Chat call.
func (r *Registry) Definitions() []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.ArgsSchema(),
		})
	}
	return defs
}

// schemaFor reflects a JSON schema from a zero-value args struct. Tools
// define a small unexported "XArgs" struct next to their Execute method and
// pass it here rather than hand-writing a schema document.
func schemaFor(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(v)
}
