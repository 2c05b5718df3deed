// Supervisor agent (C3): grounded on the original internal/agents/supervisor.go
// review-and-decide shape, rewritten against the structured agent.Loop, the
// filestore-backed draft artifact tree, and queue-drained batch review
// instead of the original think_deep package.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"deepresearch/internal/agent"
	"deepresearch/internal/domain"
	"deepresearch/internal/filestore"
	"deepresearch/internal/llm"
	"deepresearch/internal/streaming"
	"deepresearch/internal/tools"

	"github.com/invopop/jsonschema"
)

// Supervisor runs the C3 contract: drains a batch of completion events,
// reviews findings, mutates agents' todo lists, writes the shared draft,
// and emits a terminal decision.
type Supervisor struct {
	client llm.ChatClient
	store  *filestore.Store
	bus    *streaming.Bus
}

// NewSupervisor builds a Supervisor sharing the session's collaborators.
func NewSupervisor(client llm.ChatClient, store *filestore.Store, bus *streaming.Bus) *Supervisor {
	return &Supervisor{client: client, store: store, bus: bus}
}

// Decision is what make_final_decision emits, terminating one supervisor
// review cycle.
type Decision struct {
	Reasoning string                    `json:"reasoning"`
	Outcome   domain.SupervisorDecision `json:"decision"`
}

// ReviewBatch implements queue.SupervisorFunc: it ingests batch's findings
// into state, runs one never-empty-tool-calls ReAct cycle, and returns the
// structured decision (§4.3).
func (sup *Supervisor) ReviewBatch(ctx context.Context, sessionID string, state *domain.SessionState, batch []domain.SupervisorEvent) (*Decision, error) {
	for _, evt := range batch {
		if evt.Result != nil {
			state.AgentFindings = append(state.AgentFindings, *evt.Result)
		}
	}

	accounting := &callAccounting{
		current: &state.SupervisorCallCount,
		max:     state.MaxSupervisorCalls,
		forced:  sup.allAgentsIdle(state) || state.Iteration >= state.MaxIterations,
	}

	toolset := sup.buildToolset(accounting)

	maxIterations := state.ModeConfig.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 10
	}

	loop := agent.NewLoop(agent.Config{
		Client:              sup.client,
		Tools:               toolset,
		MaxIterations:       maxIterations,
		TerminalTools:       map[string]bool{"make_final_decision": true},
		NeverEmptyToolCalls: true,
		ImplicitTerminal:    "make_final_decision",
		Bus:                 sup.bus,
		SessionID:           sessionID,
		AgentID:             "supervisor",
	})

	systemPrompt := supervisorSystemPrompt()
	userPrompt := sup.buildContextPrompt(state, batch)

	result, err := loop.Run(ctx, systemPrompt, userPrompt)
	if err != nil {
		return nil, fmt.Errorf("supervisor: react loop: %w", err)
	}

	decision := &Decision{Outcome: domain.DecisionContinue}
	if result.Terminal {
		// A make_final_decision without a decision argument (including the
		// implicit one an empty tool-calls turn produces) finishes.
		decision.Outcome = domain.DecisionFinish
		if reasoning, ok := result.TerminalArgs["reasoning"].(string); ok {
			decision.Reasoning = reasoning
		}
		if d, ok := result.TerminalArgs["decision"].(string); ok {
			decision.Outcome = domain.SupervisorDecision(d)
		}
	}

	sup.emit(sessionID, streaming.EventSupervisorDirective, map[string]any{"decision": decision.Outcome, "reasoning": decision.Reasoning})
	return decision, nil
}

// allAgentsIdle reports whether every known agent characteristic has no
// pending/in_progress todos left (§4.3's mandatory-finalisation condition).
// A state with no agent characteristics is not idle.
func (sup *Supervisor) allAgentsIdle(state *domain.SessionState) bool {
	if len(state.AgentCharacteristics) == 0 {
		return false
	}
	for agentID := range state.AgentCharacteristics {
		af, err := sup.store.ReadAgentFile(agentID)
		if err != nil {
			continue
		}
		for _, t := range af.Todos {
			if t.Status == domain.TodoPending || t.Status == domain.TodoInProgress {
				return false
			}
		}
	}
	return true
}

func (sup *Supervisor) buildContextPrompt(state *domain.SessionState, batch []domain.SupervisorEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Original query: %s\n", state.OriginalQuery)
	if state.DeepSearchResult != "" {
		ds := state.DeepSearchResult
		if len(ds) > 2000 {
			ds = ds[:2000] + "...[truncated]"
		}
		fmt.Fprintf(&b, "\nInitial deep-search context:\n%s\n", ds)
	}
	if state.ResearchPlan != nil {
		fmt.Fprintf(&b, "\nResearch plan reasoning: %s\n", state.ResearchPlan.Reasoning)
	}
	fmt.Fprintf(&b, "\nIteration %d of %d.\n", state.Iteration, state.MaxIterations)

	b.WriteString("\nNew completions this cycle:\n")
	for _, evt := range batch {
		fmt.Fprintf(&b, "- agent %s: %s", evt.AgentID, evt.Action)
		if evt.Result != nil {
			fmt.Fprintf(&b, " — %s (confidence: %s, %d sources)", evt.Result.Topic, evt.Result.Confidence, len(evt.Result.Sources))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// callAccounting enforces §4.3's call-accounting rule: todo-mutating tools
// are rejected once current reaches max, unless forced is set (all agents
// idle, or max_iterations reached — the mandatory finalisation path).
type callAccounting struct {
	current *int
	max     int
	forced  bool
}

func (a *callAccounting) allow() bool {
	if a.forced || a.max <= 0 {
		return true
	}
	return *a.current < a.max
}

func (a *callAccounting) record() {
	*a.current++
}

func (sup *Supervisor) buildToolset(accounting *callAccounting) agent.ToolSet {
	reg := tools.NewEmptyRegistry()
	reg.Register(&readMainDocumentTool{store: sup.store})
	reg.Register(&writeMainDocumentTool{store: sup.store})
	reg.Register(&readDraftReportTool{store: sup.store})
	reg.Register(&writeDraftReportTool{store: sup.store})
	reg.Register(&readSupervisorFileTool{store: sup.store})
	reg.Register(&writeSupervisorNoteTool{store: sup.store})
	reg.Register(&reviewAgentProgressTool{store: sup.store})
	reg.Register(&createAgentTodoTool{store: sup.store, accounting: accounting})
	reg.Register(&updateAgentTodoTool{store: sup.store, accounting: accounting})
	return &researcherToolset{registry: reg}
}

func (sup *Supervisor) emit(sessionID string, t streaming.EventType, data any) {
	if sup.bus == nil || sessionID == "" {
		return
	}
	sup.bus.Publish(sessionID, streaming.Event{Type: t, Data: data})
}

func supervisorSystemPrompt() string {
	return "You are the research supervisor. Every turn you MUST call at least one tool; an " +
		"empty turn is treated as an immediate finish. Keep every task strictly relevant to the " +
		"original query — reject and do not create unrelated tasks. Diversify agents across " +
		"distinct angles of the topic rather than overlapping work. Write the working report as " +
		"chapters via write_draft_report, never as raw unstructured dumps. Prefer " +
		"update_agent_todo over re-creating an equivalent task. Match the user's language " +
		"throughout. Call make_final_decision once the research is sufficiently covered, a " +
		"replan is needed, or the budget is exhausted."
}

// --- read_main_document / write_main_document ---

type readMainDocumentTool struct{ store *filestore.Store }

func (t *readMainDocumentTool) Name() string        { return "read_main_document" }
func (t *readMainDocumentTool) Description() string { return `Read the shared key-insights document. Args: {"max_length": 4000}` }

type readMainDocumentArgs struct {
	MaxLength int `json:"max_length,omitempty"`
}

func (t *readMainDocumentTool) ArgsSchema() *jsonschema.Schema { return schemaFor(readMainDocumentArgs{}) }

func (t *readMainDocumentTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	maxLength := 4000
	if ml, ok := args["max_length"].(float64); ok && ml > 0 {
		maxLength = int(ml)
	}
	content, err := t.store.ReadMain(maxLength)
	if err != nil {
		return "", err
	}
	if content == "" {
		return "main.md is empty.", nil
	}
	return content, nil
}

type writeMainDocumentTool struct{ store *filestore.Store }

func (t *writeMainDocumentTool) Name() string { return "write_main_document" }
func (t *writeMainDocumentTool) Description() string {
	return `Write or update a section of the shared key-insights document. Args: {"section_title": "...", "content": "..."}`
}

type writeMainDocumentArgs struct {
	SectionTitle string `json:"section_title" jsonschema:"required"`
	Content      string `json:"content" jsonschema:"required"`
}

func (t *writeMainDocumentTool) ArgsSchema() *jsonschema.Schema { return schemaFor(writeMainDocumentArgs{}) }

func (t *writeMainDocumentTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	title, _ := args["section_title"].(string)
	content, _ := args["content"].(string)
	if title == "" || content == "" {
		return "", fmt.Errorf("write_main_document requires 'section_title' and 'content'")
	}
	if err := t.store.WriteMainSection(title, content); err != nil {
		return "", err
	}
	return `{"ok":true}`, nil
}

// --- read_draft_report / write_draft_report ---

type readDraftReportTool struct{ store *filestore.Store }

func (t *readDraftReportTool) Name() string        { return "read_draft_report" }
func (t *readDraftReportTool) Description() string { return "Read the chapter-structured working draft report." }

type readDraftReportArgs struct{}

func (t *readDraftReportTool) ArgsSchema() *jsonschema.Schema { return schemaFor(readDraftReportArgs{}) }

func (t *readDraftReportTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	rendered, _, err := t.store.ReadDraftReport()
	if err != nil {
		return "", err
	}
	if rendered == "" {
		return "draft_report.md has no chapters yet.", nil
	}
	return rendered, nil
}

type writeDraftReportTool struct{ store *filestore.Store }

func (t *writeDraftReportTool) Name() string { return "write_draft_report" }
func (t *writeDraftReportTool) Description() string {
	return `Write a chapter of the working draft. Args: {"section_title": "...", "content": "...", "mode": "append"|"replace_chapter"}`
}

type writeDraftReportArgs struct {
	SectionTitle string `json:"section_title" jsonschema:"required"`
	Content      string `json:"content" jsonschema:"required"`
	Mode         string `json:"mode,omitempty" jsonschema:"enum=append,enum=replace_chapter"`
}

func (t *writeDraftReportTool) ArgsSchema() *jsonschema.Schema { return schemaFor(writeDraftReportArgs{}) }

func (t *writeDraftReportTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	title, _ := args["section_title"].(string)
	content, _ := args["content"].(string)
	if title == "" || content == "" {
		return "", fmt.Errorf("write_draft_report requires 'section_title' and 'content'")
	}
	mode := filestore.DraftAppend
	if m, ok := args["mode"].(string); ok && m == string(filestore.DraftReplaceChapter) {
		mode = filestore.DraftReplaceChapter
	}
	if err := t.store.WriteDraftReport(title, content, mode); err != nil {
		return "", err
	}
	return `{"ok":true}`, nil
}

// --- read_supervisor_file / write_supervisor_note ---

type readSupervisorFileTool struct{ store *filestore.Store }

func (t *readSupervisorFileTool) Name() string        { return "read_supervisor_file" }
func (t *readSupervisorFileTool) Description() string { return "Read the supervisor's private notebook." }

type readSupervisorFileArgs struct{}

func (t *readSupervisorFileTool) ArgsSchema() *jsonschema.Schema { return schemaFor(readSupervisorFileArgs{}) }

func (t *readSupervisorFileTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	content, err := t.store.ReadSupervisorFile()
	if err != nil {
		return "", err
	}
	if content == "" {
		return "supervisor.md is empty.", nil
	}
	return content, nil
}

type writeSupervisorNoteTool struct{ store *filestore.Store }

func (t *writeSupervisorNoteTool) Name() string        { return "write_supervisor_note" }
func (t *writeSupervisorNoteTool) Description() string { return `Append a private note. Args: {"content": "..."}` }

type writeSupervisorNoteArgs struct {
	Content string `json:"content" jsonschema:"required"`
}

func (t *writeSupervisorNoteTool) ArgsSchema() *jsonschema.Schema { return schemaFor(writeSupervisorNoteArgs{}) }

func (t *writeSupervisorNoteTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	content, _ := args["content"].(string)
	if content == "" {
		return "", fmt.Errorf("write_supervisor_note requires 'content'")
	}
	if err := t.store.WriteSupervisorNote(content); err != nil {
		return "", err
	}
	return `{"ok":true}`, nil
}

// --- review_agent_progress ---

type reviewAgentProgressTool struct{ store *filestore.Store }

func (t *reviewAgentProgressTool) Name() string { return "review_agent_progress" }
func (t *reviewAgentProgressTool) Description() string {
	return `Get an agent's completion percentage and todo summary. Args: {"agent_id": "..."}`
}

type reviewAgentProgressArgs struct {
	AgentID string `json:"agent_id" jsonschema:"required"`
}

func (t *reviewAgentProgressTool) ArgsSchema() *jsonschema.Schema { return schemaFor(reviewAgentProgressArgs{}) }

func (t *reviewAgentProgressTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	agentID, _ := args["agent_id"].(string)
	if agentID == "" {
		return "", fmt.Errorf("review_agent_progress requires 'agent_id'")
	}
	af, err := t.store.ReadAgentFile(agentID)
	if err != nil {
		return "", err
	}

	counts := map[domain.TodoStatus]int{}
	var titles []string
	for _, todo := range af.Todos {
		counts[todo.Status]++
		titles = append(titles, fmt.Sprintf("[%s] %s", todo.Status, todo.Title))
	}
	total := len(af.Todos)
	percentDone := 0.0
	if total > 0 {
		percentDone = float64(counts[domain.TodoDone]) / float64(total) * 100
	}

	body, _ := json.Marshal(map[string]any{
		"agent_id":     agentID,
		"percent_done": percentDone,
		"counts":       counts,
		"todos":        titles,
	})
	return string(body), nil
}

// --- create_agent_todo ---

type createAgentTodoTool struct {
	store      *filestore.Store
	accounting *callAccounting
}

func (t *createAgentTodoTool) Name() string { return "create_agent_todo" }
func (t *createAgentTodoTool) Description() string {
	return `Assign a new task to an agent. Args: {"agent_id": "...", "reasoning": "...", "title": "...", "objective": "...", "expected_output": "...", "priority": "medium", "guidance": "..."}`
}

type createAgentTodoArgs struct {
	AgentID        string `json:"agent_id" jsonschema:"required"`
	Reasoning      string `json:"reasoning,omitempty"`
	Title          string `json:"title" jsonschema:"required"`
	Objective      string `json:"objective" jsonschema:"required"`
	ExpectedOutput string `json:"expected_output,omitempty"`
	Priority       string `json:"priority,omitempty"`
	Guidance       string `json:"guidance,omitempty"`
}

func (t *createAgentTodoTool) ArgsSchema() *jsonschema.Schema { return schemaFor(createAgentTodoArgs{}) }

func (t *createAgentTodoTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if !t.accounting.allow() {
		return "", fmt.Errorf("create_agent_todo: supervisor call budget exhausted")
	}

	agentID, _ := args["agent_id"].(string)
	title, _ := args["title"].(string)
	objective, _ := args["objective"].(string)
	if agentID == "" || title == "" || objective == "" {
		return "", fmt.Errorf("create_agent_todo requires 'agent_id', 'title', 'objective'")
	}

	title = t.qualifyDuplicateTitle(agentID, title)

	priority := domain.Priority(stringOr(args["priority"], ""))
	if priority == "" {
		priority = domain.PriorityMedium
	}

	todo := domain.Todo{
		Reasoning:      stringOr(args["reasoning"], ""),
		Title:          title,
		Objective:      objective,
		ExpectedOutput: stringOr(args["expected_output"], ""),
		Priority:       priority,
		Status:         domain.TodoPending,
		Guidance:       stringOr(args["guidance"], ""),
		CreatedAt:      time.Now(),
	}
	if err := t.store.AddTodo(agentID, todo); err != nil {
		return "", err
	}
	t.accounting.record()
	body, _ := json.Marshal(map[string]any{"ok": true, "title": title})
	return string(body), nil
}

// qualifyDuplicateTitle implements I4: a title already in use elsewhere in
// the plan is rewritten by prefixing with this agent's role/expertise (its
// id when the agent file carries neither) so create_agent_todo never
// silently collides across agents.
func (t *createAgentTodoTool) qualifyDuplicateTitle(agentID, title string) string {
	paths, err := t.store.ListFiles(filepath.Join("agents", "*.md"))
	if err != nil {
		return title
	}
	for _, p := range paths {
		base := strings.TrimSuffix(filepath.Base(p), ".md")
		if base == agentID || base == "supervisor" {
			continue
		}
		af, err := t.store.ReadAgentFile(base)
		if err != nil {
			continue
		}
		for _, existing := range af.Todos {
			if strings.EqualFold(existing.Title, title) {
				qualifier := agentID
				if target, err := t.store.ReadAgentFile(agentID); err == nil {
					if target.Role != "" {
						qualifier = target.Role
					} else if target.Expertise != "" {
						qualifier = target.Expertise
					}
				}
				return fmt.Sprintf("%s: %s", qualifier, title)
			}
		}
	}
	return title
}

// --- update_agent_todo ---

type updateAgentTodoTool struct {
	store      *filestore.Store
	accounting *callAccounting
}

func (t *updateAgentTodoTool) Name() string { return "update_agent_todo" }
func (t *updateAgentTodoTool) Description() string {
	return `Mutate an existing todo matched by title. Args: {"agent_id": "...", "title": "...", "status": "", "note": "", "objective": "", "expected_output": "", "priority": "", "url": ""}`
}

type updateAgentTodoArgs struct {
	AgentID        string `json:"agent_id" jsonschema:"required"`
	Title          string `json:"title" jsonschema:"required"`
	Status         string `json:"status,omitempty"`
	Note           string `json:"note,omitempty"`
	Objective      string `json:"objective,omitempty"`
	ExpectedOutput string `json:"expected_output,omitempty"`
	Priority       string `json:"priority,omitempty"`
	URL            string `json:"url,omitempty"`
}

func (t *updateAgentTodoTool) ArgsSchema() *jsonschema.Schema { return schemaFor(updateAgentTodoArgs{}) }

func (t *updateAgentTodoTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	if !t.accounting.allow() {
		return "", fmt.Errorf("update_agent_todo: supervisor call budget exhausted")
	}

	agentID, _ := args["agent_id"].(string)
	title, _ := args["title"].(string)
	if agentID == "" || title == "" {
		return "", fmt.Errorf("update_agent_todo requires 'agent_id' and 'title'")
	}

	patch := filestore.TodoPatch{}
	if s, ok := args["status"].(string); ok && s != "" {
		status := domain.TodoStatus(s)
		patch.Status = &status
	}
	if n, ok := args["note"].(string); ok && n != "" {
		patch.Note = &n
	}
	if o, ok := args["objective"].(string); ok && o != "" {
		patch.Objective = &o
	}
	if eo, ok := args["expected_output"].(string); ok && eo != "" {
		patch.ExpectedOutput = &eo
	}
	if pr, ok := args["priority"].(string); ok && pr != "" {
		priority := domain.Priority(pr)
		patch.Priority = &priority
	}
	if u, ok := args["url"].(string); ok && u != "" {
		patch.URL = &u
	}

	if err := t.store.UpdateTodo(agentID, title, patch); err != nil {
		return "", err
	}
	t.accounting.record()
	return `{"ok":true}`, nil
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fallback
}
