package searchservice

import (
	"context"
	"fmt"
	"strings"

	"deepresearch/internal/agent"
	"deepresearch/internal/config"
	"deepresearch/internal/domain"
	"deepresearch/internal/llm"
	"deepresearch/internal/ports"
)

// researchAgent runs the C9 variant ReAct loop (§4.9 stage 2): web_search,
// scrape_url, a reasoning preamble, and done, budgeted per mode. Grounded on
// the original internal/agents/search.go iterative-refinement search agent,
// rewritten against C1's structured agent.Loop (shared with C2/C3) instead
// of its own hand-rolled iteration loop.
type researchAgent struct {
	client  llm.ChatClient
	search  ports.SearchProvider
	scraper ports.Scraper
	cfg     *config.Config
}

func newResearchAgent(client llm.ChatClient, search ports.SearchProvider, scraper ports.Scraper, cfg *config.Config) *researchAgent {
	return &researchAgent{client: client, search: search, scraper: scraper, cfg: cfg}
}

// run executes the bounded search loop for the rewritten query under mode's
// budget, returning the collected sources.
func (a *researchAgent) run(ctx context.Context, query string, mode domain.Mode) ([]ports.SearchResult, string, error) {
	budget := a.budgetFor(mode)

	collected := newResultCollector(a.cfg.SourcesLimit)
	reg := a.buildToolset(collected)

	loop := agent.NewLoop(agent.Config{
		Client:              a.client,
		Tools:               reg,
		MaxIterations:       budget.MaxIterations,
		TerminalTools:       map[string]bool{"done": true},
		NeverEmptyToolCalls: false,
	})

	system := researchAgentSystemPrompt(mode, budget)
	user := fmt.Sprintf("Research query: %s", query)

	result, err := loop.Run(ctx, system, user)
	if err != nil {
		return nil, "", fmt.Errorf("searchservice: research agent: %w", err)
	}

	deduped := DedupeAndCap(collected.results, 2, a.cfg.SearchBlockedDomains, a.cfg.SearchBlockedKeywords)
	reranked := Rerank(ctx, nil, query, deduped)
	return reranked, result.LastAssistant, nil
}

func (a *researchAgent) budgetFor(mode domain.Mode) config.ModeBudget {
	switch mode {
	case domain.ModeWeb:
		return a.cfg.SpeedBudget
	case domain.ModeDeepSearch:
		return a.cfg.BalancedBudget
	case domain.ModeDeepResearch:
		return a.cfg.QualityBudget
	default:
		return a.cfg.SpeedBudget
	}
}

func researchAgentSystemPrompt(mode domain.Mode, budget config.ModeBudget) string {
	var b strings.Builder
	b.WriteString("You are a focused web researcher. Use web_search to find sources and scrape_url to read " +
		"a promising page in full. ")
	if mode == domain.ModeDeepSearch || mode == domain.ModeDeepResearch {
		b.WriteString("Call __reasoning_preamble before your first search to lay out your plan. ")
	}
	fmt.Fprintf(&b, "You have at most %d tool-calling turns; call done as soon as you have enough sources "+
		"to answer the query, or once you run low on turns.", budget.MaxIterations)
	return b.String()
}

// resultCollector deduplicates ports.SearchResult hits by URL across a
// research agent's web_search/scrape_url calls, capped at max (0 =
// unbounded). Mirrors agents.sourceCollector's role for C2.
type resultCollector struct {
	max     int
	seen    map[string]bool
	results []ports.SearchResult
}

func newResultCollector(max int) *resultCollector {
	return &resultCollector{max: max, seen: make(map[string]bool)}
}

func (c *resultCollector) add(r ports.SearchResult) {
	if r.URL == "" || c.seen[r.URL] {
		return
	}
	if c.max > 0 && len(c.results) >= c.max {
		return
	}
	c.seen[r.URL] = true
	c.results = append(c.results, r)
}

// toolset binds the research agent's fixed four tools to an agent.Loop.
type toolset struct {
	search    ports.SearchProvider
	scraper   ports.Scraper
	collected *resultCollector
}

func (a *researchAgent) buildToolset(collected *resultCollector) *toolset {
	return &toolset{search: a.search, scraper: a.scraper, collected: collected}
}

func (t *toolset) Definitions() []llm.ToolDef {
	return []llm.ToolDef{
		{Name: "web_search", Description: "Search the web. Args: {\"query\": \"...\"}", Parameters: schemaFor(webSearchArgs{})},
		{Name: "scrape_url", Description: "Fetch a page's content. Args: {\"url\": \"https://...\"}", Parameters: schemaFor(scrapeURLArgs{})},
		{Name: "__reasoning_preamble", Description: "State your research plan before searching. Args: {\"plan\": \"...\"}", Parameters: schemaFor(reasoningArgs{})},
		{Name: "done", Description: "Stop researching; you have enough sources.", Parameters: schemaFor(doneArgs{})},
	}
}

type webSearchArgs struct {
	Query string `json:"query" jsonschema:"required"`
}

type scrapeURLArgs struct {
	URL string `json:"url" jsonschema:"required"`
}

type reasoningArgs struct {
	Plan string `json:"plan"`
}

type doneArgs struct{}

func (t *toolset) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	switch name {
	case "web_search":
		query, _ := args["query"].(string)
		if query == "" {
			return "", fmt.Errorf("web_search requires a 'query' argument")
		}
		resp, err := t.search.Search(ctx, query, 8)
		if err != nil {
			return fmt.Sprintf("search error: %s", err), nil
		}
		var b strings.Builder
		for _, r := range resp.Results {
			t.collected.add(r)
			fmt.Fprintf(&b, "- %s (%s): %s\n", r.Title, r.URL, r.Snippet)
		}
		return b.String(), nil
	case "scrape_url":
		u, _ := args["url"].(string)
		if u == "" {
			return "", fmt.Errorf("scrape_url requires a 'url' argument")
		}
		res, err := t.scraper.Scrape(ctx, u)
		if err != nil {
			return fmt.Sprintf("scrape error: %s", err), nil
		}
		t.collected.add(ports.SearchResult{URL: res.URL, Title: res.Title, Snippet: truncate(res.Content, 2000)})
		return truncate(res.Content, 4000), nil
	case "__reasoning_preamble":
		return `{"ok":true}`, nil
	default:
		return "", fmt.Errorf("searchservice: unknown tool %q", name)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...[truncated]"
}
