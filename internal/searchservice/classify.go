package searchservice

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"deepresearch/internal/domain"
	"deepresearch/internal/llm"
)

func schemaFor(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{AllowAdditionalProperties: false, DoNotReference: true}
	return reflector.Reflect(v)
}

// classification is the classifier's structured output (§4.9): which mode
// the query belongs to, and the query rewritten to a standalone form (so a
// follow-up like "and in Japan?" becomes self-contained before it reaches
// the research agent).
type classification struct {
	Mode           string `json:"mode" jsonschema:"enum=chat,enum=web,enum=deep_search,enum=deep_research,description=which research mode this query needs"`
	RewrittenQuery string `json:"rewritten_query" jsonschema:"description=the query rewritten to stand alone without needing prior chat turns"`
	Language       string `json:"language" jsonschema:"description=ISO 639-1 code of the query's language"`
}

// classify asks the LLM to pick a mode and rewrite the query to a
// standalone form (§4.9 stage 1).
func classify(ctx context.Context, client llm.ChatClient, query string, history []domain.ChatTurn) (*classification, error) {
	system := "You classify a user's research request and rewrite it to stand alone. " +
		"Modes: chat (no research needed, conversational), web (a quick factual lookup), " +
		"deep_search (a multi-source but bounded search), deep_research (an in-depth multi-agent investigation)."

	user := fmt.Sprintf("Conversation so far:\n%s\n\nLatest message: %s", formatHistory(history), query)

	messages := []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}

	raw, err := client.StructuredOutput(ctx, messages, "classification", schemaFor(&classification{}))
	if err != nil {
		return nil, fmt.Errorf("searchservice: classify: %w", err)
	}

	var c classification
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("searchservice: unmarshal classification: %w", err)
	}
	if c.RewrittenQuery == "" {
		c.RewrittenQuery = query
	}
	return &c, nil
}

func formatHistory(history []domain.ChatTurn) string {
	if len(history) == 0 {
		return "(none)"
	}
	out := ""
	for _, turn := range history {
		out += fmt.Sprintf("%s: %s\n", turn.Role, turn.Content)
	}
	return out
}
