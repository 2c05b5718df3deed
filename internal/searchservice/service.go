// Package searchservice implements the search service (spec §4.9, component
// C9): a classifier that picks a mode and rewrites the query, a bounded
// research agent for web/deep_search modes, and a writer that turns
// collected sources into a cited markdown answer. Implements
// ports.DeepSearcher for the research graph's run_deep_search node (§4.6
// step 2).
//
// Grounded on the original internal/agents/search.go (iterative search
// agent) and internal/tools/{search,summarizer}.go (URL extraction/dedup
// helpers), combined into the classifier -> research-agent -> writer
// pipeline §4.9 describes.
package searchservice

import (
	"context"
	"fmt"

	"deepresearch/internal/config"
	"deepresearch/internal/domain"
	"deepresearch/internal/llm"
	"deepresearch/internal/ports"
)

// Service implements ports.DeepSearcher.
type Service struct {
	client llm.ChatClient
	agent  *researchAgent
	cfg    *config.Config
}

// NewService builds a Service over the given LLM client and external
// collaborators.
func NewService(client llm.ChatClient, search ports.SearchProvider, scraper ports.Scraper, cfg *config.Config) *Service {
	return &Service{
		client: client,
		agent:  newResearchAgent(client, search, scraper, cfg),
		cfg:    cfg,
	}
}

var _ ports.DeepSearcher = (*Service)(nil)

// DeepSearch implements ports.DeepSearcher: classify the query, run the
// research agent if the mode calls for it, and write a cited answer.
func (s *Service) DeepSearch(ctx context.Context, query string, mode domain.Mode) (string, error) {
	class, err := classify(ctx, s.client, query, nil)
	if err != nil {
		return "", err
	}

	effectiveMode := mode
	if classifiedMode, err := domain.NormalizeMode(class.Mode); err == nil {
		effectiveMode = classifiedMode
	}

	if effectiveMode == domain.ModeChat {
		return s.answerChat(ctx, class.RewrittenQuery)
	}

	sources, notes, err := s.agent.run(ctx, class.RewrittenQuery, effectiveMode)
	if err != nil {
		return "", err
	}

	return writeAnswer(ctx, s.client, class.RewrittenQuery, sources, notes)
}

// answerChat handles the no-research-needed classifier outcome directly.
func (s *Service) answerChat(ctx context.Context, query string) (string, error) {
	resp, err := s.client.Chat(ctx, []llm.Message{
		{Role: "system", Content: "Answer conversationally; no research is needed for this message."},
		{Role: "user", Content: query},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("searchservice: chat answer: %w", err)
	}
	return resp.Message().Content, nil
}
