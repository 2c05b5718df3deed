// Package agents implements the researcher worker (C2) and supervisor
// agent (C3): the two C1 ReAct-loop callers of the research engine.
//
// Grounded on the original internal/agents/sub_researcher.go (the
// pick-a-task / run-loop / synthesise-output shape is kept) but rewritten
// against the structured agent.Loop instead of its
// regex-scraped <tool>/<answer> tags, and against filestore.Store /
// queue.Queue instead of the original think_deep runtime.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"deepresearch/internal/agent"
	"deepresearch/internal/config"
	"deepresearch/internal/domain"
	"deepresearch/internal/filestore"
	"deepresearch/internal/llm"
	"deepresearch/internal/ports"
	"deepresearch/internal/queue"
	"deepresearch/internal/streaming"
	"deepresearch/internal/tools"

	"github.com/invopop/jsonschema"
)

func schemaFor(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{AllowAdditionalProperties: false, DoNotReference: true}
	return reflector.Reflect(v)
}

// Researcher runs the C2 contract: complete at most one pending todo,
// produce one Finding, enqueue it, return.
type Researcher struct {
	client   llm.ChatClient
	search   ports.SearchProvider
	scraper  ports.Scraper
	store    *filestore.Store
	queue    *queue.Queue
	bus      *streaming.Bus
	cfg      *config.Config
}

// NewResearcher builds a Researcher sharing the session's collaborators.
func NewResearcher(client llm.ChatClient, search ports.SearchProvider, scraper ports.Scraper, store *filestore.Store, q *queue.Queue, bus *streaming.Bus, cfg *config.Config) *Researcher {
	return &Researcher{client: client, search: search, scraper: scraper, store: store, queue: q, bus: bus, cfg: cfg}
}

// Run executes one researcher cycle for agentID against topic (§4.2).
func (r *Researcher) Run(ctx context.Context, sessionID, agentID, topic string, char domain.AgentCharacteristic) (*domain.Finding, error) {
	todo, err := r.claimNextTodo(agentID)
	if err != nil {
		return nil, fmt.Errorf("researcher %s: claim todo: %w", agentID, err)
	}
	if todo == nil {
		r.queue.Enqueue(domain.SupervisorEvent{AgentID: agentID, Action: domain.ActionNoTasks, Timestamp: time.Now()})
		return nil, nil
	}

	r.emit(sessionID, streaming.EventResearchTopic, map[string]any{"agent_id": agentID, "topic": topic, "todo": todo.Title})

	collected := newSourceCollector(r.cfg.SourcesLimit)
	toolset := r.buildToolset(agentID, collected, sessionID)

	maxSteps := r.cfg.AgentMaxSteps
	if maxSteps <= 0 {
		maxSteps = 8
	}

	loop := agent.NewLoop(agent.Config{
		Client:        r.client,
		Tools:         toolset,
		MaxIterations: maxSteps,
		TerminalTools: map[string]bool{"finish": true},
		Bus:           r.bus,
		SessionID:     sessionID,
		AgentID:       agentID,
	})

	systemPrompt := researcherSystemPrompt(char)
	userPrompt := researcherTaskPrompt(*todo)

	result, err := loop.Run(ctx, systemPrompt, userPrompt)
	if err != nil {
		r.queue.Enqueue(domain.SupervisorEvent{AgentID: agentID, Action: domain.ActionFailed, Timestamp: time.Now()})
		return nil, fmt.Errorf("researcher %s: react loop: %w", agentID, err)
	}

	finding := r.synthesizeFinding(agentID, topic, *todo, result, collected)

	note := "completed"
	if result.ForcedFinish {
		note = "reached step budget without calling finish"
	}
	if err := r.store.UpdateTodo(agentID, todo.Title, filestore.TodoPatch{
		Status: statusPtr(domain.TodoDone),
		Note:   &note,
	}); err != nil {
		return nil, fmt.Errorf("researcher %s: mark todo done: %w", agentID, err)
	}

	r.queue.Enqueue(domain.SupervisorEvent{
		AgentID:   agentID,
		Action:    domain.ActionTaskCompleted,
		Result:    finding,
		Timestamp: time.Now(),
	})

	for _, src := range finding.Sources {
		r.emit(sessionID, streaming.EventSourceFound, map[string]any{"agent_id": agentID, "url": src.URL, "title": src.Title})
	}
	r.emit(sessionID, streaming.EventFinding, map[string]any{"agent_id": agentID, "topic": finding.Topic, "confidence": finding.Confidence})

	return finding, nil
}

// claimNextTodo picks the highest-priority pending todo by (priority,
// creation order) and marks it in_progress (§4.2 step 1).
func (r *Researcher) claimNextTodo(agentID string) (*domain.Todo, error) {
	af, err := r.store.ReadAgentFile(agentID)
	if err != nil {
		return nil, err
	}

	candidates := make([]domain.Todo, 0, len(af.Todos))
	for _, t := range af.Todos {
		if t.Status == domain.TodoPending {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority.Less(candidates[j].Priority)
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	chosen := candidates[0]
	inProgress := domain.TodoInProgress
	if err := r.store.UpdateTodo(agentID, chosen.Title, filestore.TodoPatch{Status: &inProgress}); err != nil {
		return nil, err
	}
	chosen.Status = domain.TodoInProgress
	return &chosen, nil
}

// synthesizeFinding builds the Finding from the agent's accumulated notes
// and sources (§4.2 step 4).
func (r *Researcher) synthesizeFinding(agentID, topic string, todo domain.Todo, result *agent.Result, collected *sourceCollector) *domain.Finding {
	af, err := r.store.ReadAgentFile(agentID)
	var keyFindings []string
	if err == nil {
		const lastN = 5
		notes := af.Notes
		if len(notes) > lastN {
			notes = notes[len(notes)-lastN:]
		}
		for _, n := range notes {
			keyFindings = append(keyFindings, n.Summary)
		}
	}
	if len(keyFindings) == 0 && result.LastAssistant != "" {
		keyFindings = []string{result.LastAssistant}
	}

	confidence := domain.ConfidenceLow
	if collected.Len() >= 1 {
		confidence = domain.ConfidenceMedium
	}

	return &domain.Finding{
		AgentID:     agentID,
		Topic:       topic,
		Summary:     strings.Join(keyFindings, "\n\n"),
		KeyFindings: keyFindings,
		Sources:     collected.Sources(),
		Confidence:  confidence,
		CreatedAt:   time.Now(),
	}
}

func statusPtr(s domain.TodoStatus) *domain.TodoStatus { return &s }

// researcherToolset bundles the fixed C2 tool set plus a dispatcher
// satisfying agent.ToolSet.
type researcherToolset struct {
	registry *tools.Registry
}

func (rt *researcherToolset) Execute(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	return rt.registry.Execute(ctx, name, args)
}

func (rt *researcherToolset) Definitions() []llm.ToolDef { return rt.registry.Definitions() }

func (r *Researcher) buildToolset(agentID string, collected *sourceCollector, sessionID string) agent.ToolSet {
	reg := tools.NewEmptyRegistry()
	reg.Register(&webSearchTool{search: r.search, collected: collected})
	reg.Register(&scrapeURLsTool{scraper: r.scraper, collected: collected})
	reg.Register(&writeNoteTool{store: r.store, agentID: agentID, bus: r.bus, sessionID: sessionID})
	reg.Register(&addTodoTool{store: r.store, agentID: agentID})
	reg.Register(&completeTodoTool{store: r.store, agentID: agentID})
	reg.Register(&readSharedNotesTool{store: r.store})
	reg.Register(&readMainTool{store: r.store})
	return &researcherToolset{registry: reg}
}

// sourceCollector deduplicates sources by URL across a researcher's
// search/scrape calls, capped at max (0 = unbounded).
type sourceCollector struct {
	max     int
	seen    map[string]bool
	sources []domain.Source
}

func newSourceCollector(max int) *sourceCollector {
	return &sourceCollector{max: max, seen: make(map[string]bool)}
}

func (c *sourceCollector) Add(s domain.Source) {
	if s.URL == "" || c.seen[s.URL] {
		return
	}
	if c.max > 0 && len(c.sources) >= c.max {
		return
	}
	c.seen[s.URL] = true
	c.sources = append(c.sources, s)
}

func (c *sourceCollector) Len() int               { return len(c.sources) }
func (c *sourceCollector) Sources() []domain.Source { return c.sources }

// --- web_search ---

type webSearchTool struct {
	search    ports.SearchProvider
	collected *sourceCollector
}

func (t *webSearchTool) Name() string { return "web_search" }
func (t *webSearchTool) Description() string {
	return "Search the web for one or more queries. Args: {\"queries\": [\"...\"], \"max_results\": 5}"
}

type webSearchArgs struct {
	Queries    []string `json:"queries" jsonschema:"required,description=search queries"`
	MaxResults int      `json:"max_results,omitempty" jsonschema:"description=results per query"`
}

func (t *webSearchTool) ArgsSchema() *jsonschema.Schema { return schemaFor(webSearchArgs{}) }

func (t *webSearchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	queries := toStringSlice(args["queries"])
	if len(queries) == 0 {
		return "", fmt.Errorf("web_search requires a non-empty 'queries' argument")
	}
	maxResults := 5
	if mr, ok := args["max_results"].(float64); ok && mr > 0 {
		maxResults = int(mr)
	}

	var b strings.Builder
	for _, q := range queries {
		resp, err := t.search.Search(ctx, q, maxResults)
		if err != nil {
			fmt.Fprintf(&b, "query %q: error: %s\n", q, err)
			continue
		}
		fmt.Fprintf(&b, "query %q (%d results):\n", q, resp.TotalResults)
		for _, res := range resp.Results {
			t.collected.Add(domain.Source{URL: res.URL, Title: res.Title, Snippet: res.Snippet, RelevanceScore: res.Score})
			fmt.Fprintf(&b, "- %s (%s): %s\n", res.Title, res.URL, res.Snippet)
		}
	}
	return b.String(), nil
}

// --- scrape_urls ---

type scrapeURLsTool struct {
	scraper   ports.Scraper
	collected *sourceCollector
}

func (t *scrapeURLsTool) Name() string        { return "scrape_urls" }
func (t *scrapeURLsTool) Description() string { return `Fetch page content for one or more URLs. Args: {"urls": ["https://..."]}` }

type scrapeURLsArgs struct {
	URLs []string `json:"urls" jsonschema:"required,description=pages to fetch"`
}

func (t *scrapeURLsTool) ArgsSchema() *jsonschema.Schema { return schemaFor(scrapeURLsArgs{}) }

func (t *scrapeURLsTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	urls := toStringSlice(args["urls"])
	if len(urls) == 0 {
		return "", fmt.Errorf("scrape_urls requires a non-empty 'urls' argument")
	}

	var b strings.Builder
	for _, u := range urls {
		res, err := t.scraper.Scrape(ctx, u)
		if err != nil {
			fmt.Fprintf(&b, "%s: error: %s\n\n", u, err)
			continue
		}
		t.collected.Add(domain.Source{URL: res.URL, Title: res.Title})
		content := res.Content
		if len(content) > 4000 {
			content = content[:4000] + "...[truncated]"
		}
		fmt.Fprintf(&b, "## %s\n%s\n\n", res.Title, content)
	}
	return b.String(), nil
}

// --- write_note ---

type writeNoteTool struct {
	store     *filestore.Store
	agentID   string
	bus       *streaming.Bus
	sessionID string
}

func (t *writeNoteTool) Name() string { return "write_note" }
func (t *writeNoteTool) Description() string {
	return `Save a finding note. Args: {"title": "...", "summary": "...", "urls": [...], "tags": [...], "share": true}`
}

type writeNoteArgs struct {
	Title   string   `json:"title" jsonschema:"required"`
	Summary string   `json:"summary" jsonschema:"required"`
	URLs    []string `json:"urls,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Share   bool     `json:"share,omitempty"`
}

func (t *writeNoteTool) ArgsSchema() *jsonschema.Schema { return schemaFor(writeNoteArgs{}) }

func (t *writeNoteTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	title, _ := args["title"].(string)
	summary, _ := args["summary"].(string)
	if title == "" || summary == "" {
		return "", fmt.Errorf("write_note requires 'title' and 'summary'")
	}
	note := domain.AgentNote{
		Title:     title,
		Summary:   summary,
		URLs:      toStringSlice(args["urls"]),
		Tags:      toStringSlice(args["tags"]),
		Shared:    toBool(args["share"]),
		CreatedAt: time.Now(),
	}
	if err := t.store.AppendNote(t.agentID, note); err != nil {
		return "", err
	}
	if t.bus != nil && t.sessionID != "" {
		t.bus.Publish(t.sessionID, streaming.Event{Type: streaming.EventAgentNote, Data: map[string]any{"agent_id": t.agentID, "title": title}})
	}
	return `{"ok":true}`, nil
}

// --- add_todo ---

type addTodoTool struct {
	store   *filestore.Store
	agentID string
}

func (t *addTodoTool) Name() string { return "add_todo" }
func (t *addTodoTool) Description() string {
	return `Add follow-up todo items for this agent. Args: {"items": [{"title": "...", "objective": "...", "expected_output": "...", "priority": "medium"}]}`
}

type addTodoItem struct {
	Reasoning      string   `json:"reasoning,omitempty"`
	Title          string   `json:"title" jsonschema:"required"`
	Objective      string   `json:"objective" jsonschema:"required"`
	ExpectedOutput string   `json:"expected_output,omitempty"`
	SourcesNeeded  []string `json:"sources_needed,omitempty"`
	Priority       string   `json:"priority,omitempty"`
}

type addTodoArgs struct {
	Items []addTodoItem `json:"items" jsonschema:"required"`
}

func (t *addTodoTool) ArgsSchema() *jsonschema.Schema { return schemaFor(addTodoArgs{}) }

func (t *addTodoTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	var parsed addTodoArgs
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("add_todo: invalid items: %w", err)
	}

	var added, rejected []string
	for _, item := range parsed.Items {
		priority := domain.Priority(item.Priority)
		if priority == "" {
			priority = domain.PriorityMedium
		}
		todo := domain.Todo{
			Reasoning:      item.Reasoning,
			Title:          item.Title,
			Objective:      item.Objective,
			ExpectedOutput: item.ExpectedOutput,
			SourcesNeeded:  item.SourcesNeeded,
			Priority:       priority,
			Status:         domain.TodoPending,
			CreatedAt:      time.Now(),
		}
		if err := t.store.AddTodo(t.agentID, todo); err != nil {
			rejected = append(rejected, item.Title)
			continue
		}
		added = append(added, item.Title)
	}

	body, _ := json.Marshal(map[string]any{"added": added, "rejected_duplicates": rejected})
	return string(body), nil
}

// --- complete_todo ---

type completeTodoTool struct {
	store   *filestore.Store
	agentID string
}

func (t *completeTodoTool) Name() string        { return "complete_todo" }
func (t *completeTodoTool) Description() string { return `Mark todos done by title. Args: {"titles": ["..."]}` }

type completeTodoArgs struct {
	Titles []string `json:"titles" jsonschema:"required"`
}

func (t *completeTodoTool) ArgsSchema() *jsonschema.Schema { return schemaFor(completeTodoArgs{}) }

func (t *completeTodoTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	titles := toStringSlice(args["titles"])
	done := domain.TodoDone
	var completed, failed []string
	for _, title := range titles {
		if err := t.store.UpdateTodo(t.agentID, title, filestore.TodoPatch{Status: &done}); err != nil {
			failed = append(failed, title)
			continue
		}
		completed = append(completed, title)
	}
	body, _ := json.Marshal(map[string]any{"completed": completed, "not_found": failed})
	return string(body), nil
}

// --- read_shared_notes ---

type readSharedNotesTool struct {
	store *filestore.Store
}

func (t *readSharedNotesTool) Name() string { return "read_shared_notes" }
func (t *readSharedNotesTool) Description() string {
	return `Read notes shared by sibling researchers. Args: {"keyword": "", "limit": 10}`
}

type readSharedNotesArgs struct {
	Keyword string `json:"keyword,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

func (t *readSharedNotesTool) ArgsSchema() *jsonschema.Schema { return schemaFor(readSharedNotesArgs{}) }

func (t *readSharedNotesTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	keyword, _ := args["keyword"].(string)
	limit := 10
	if l, ok := args["limit"].(float64); ok && l > 0 {
		limit = int(l)
	}
	notes, err := t.store.SharedNotes(keyword, limit)
	if err != nil {
		return "", err
	}
	if len(notes) == 0 {
		return "No shared notes found.", nil
	}
	var b strings.Builder
	for _, n := range notes {
		fmt.Fprintf(&b, "### %s\n%s\n\n", n.Title, n.Summary)
	}
	return b.String(), nil
}

// --- read_main (read-only) ---

type readMainTool struct {
	store *filestore.Store
}

func (t *readMainTool) Name() string        { return "read_main" }
func (t *readMainTool) Description() string { return "Read the supervisor's shared key-insights document." }

type readMainArgs struct{}

func (t *readMainTool) ArgsSchema() *jsonschema.Schema { return schemaFor(readMainArgs{}) }

func (t *readMainTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	content, err := t.store.ReadMain(4000)
	if err != nil {
		return "", err
	}
	if content == "" {
		return "main.md is empty.", nil
	}
	return content, nil
}

func (r *Researcher) emit(sessionID string, t streaming.EventType, data any) {
	if r.bus == nil || sessionID == "" {
		return
	}
	r.bus.Publish(sessionID, streaming.Event{Type: t, Data: data})
}

func toStringSlice(v any) []string {
	arr, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func toBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func researcherSystemPrompt(char domain.AgentCharacteristic) string {
	return fmt.Sprintf(
		"You are %s, a research specialist with expertise in %s. %s\n\n"+
			"You work through exactly one assigned task at a time. Use web_search and scrape_urls "+
			"to gather evidence, write_note to record findings (set share=true for insights other "+
			"agents should see), add_todo for genuine follow-up gaps, complete_todo when a task is "+
			"done, read_shared_notes to avoid duplicating sibling work, and read_main for the "+
			"team's running context. Call finish once the task's expected output is satisfied.",
		char.Role, char.Expertise, char.Personality,
	)
}

func researcherTaskPrompt(todo domain.Todo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n", todo.Title)
	fmt.Fprintf(&b, "Objective: %s\n", todo.Objective)
	if todo.ExpectedOutput != "" {
		fmt.Fprintf(&b, "Expected output: %s\n", todo.ExpectedOutput)
	}
	if len(todo.SourcesNeeded) > 0 {
		fmt.Fprintf(&b, "Sources needed: %s\n", strings.Join(todo.SourcesNeeded, ", "))
	}
	if todo.Guidance != "" {
		fmt.Fprintf(&b, "Guidance: %s\n", todo.Guidance)
	}
	if todo.Reasoning != "" {
		fmt.Fprintf(&b, "Why this matters: %s\n", todo.Reasoning)
	}
	return b.String()
}
