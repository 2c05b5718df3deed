package searchservice

import (
	"context"
	"fmt"
	"strings"

	"deepresearch/internal/langcheck"
	"deepresearch/internal/llm"
	"deepresearch/internal/ports"
)

// writeAnswer synthesizes a markdown answer from query and the collected
// sources, with mandatory inline [n] citations and a trailing Sources
// section (§4.9 stage 3). The language is detected from the query itself
// via langcheck's script-membership proxy and passed to the model as an
// instruction, since no production language-detection library appears
// anywhere in the corpus this module is grounded on.
func writeAnswer(ctx context.Context, client llm.ChatClient, query string, sources []ports.SearchResult, agentNotes string) (string, error) {
	lang := langcheck.Detect(query)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Query: %s\n\n", query)
	if agentNotes != "" {
		fmt.Fprintf(&sb, "Research notes:\n%s\n\n", agentNotes)
	}
	sb.WriteString("Sources:\n")
	for i, s := range sources {
		fmt.Fprintf(&sb, "[%d] %s - %s\n%s\n\n", i+1, s.Title, s.URL, s.Snippet)
	}

	system := fmt.Sprintf(
		"You are a research writer. Answer the query using only the given sources. Every factual claim "+
			"must carry an inline [n] citation matching a source number. End with a \"Sources\" section "+
			"listing every cited source as \"[n] Title - URL\". Respond in the language with ISO code %q.",
		lang,
	)

	resp, err := client.Chat(ctx, []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: sb.String()},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("searchservice: writer: %w", err)
	}

	answer := resp.Message().Content
	if !strings.Contains(answer, "Sources") {
		answer += "\n\n" + renderSourcesSection(sources)
	}
	return answer, nil
}

func renderSourcesSection(sources []ports.SearchResult) string {
	if len(sources) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Sources\n")
	for i, s := range sources {
		fmt.Fprintf(&sb, "[%d] %s - %s\n", i+1, s.Title, s.URL)
	}
	return sb.String()
}
