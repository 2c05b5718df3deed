// Package graph implements the research graph orchestrator (spec §4.6,
// component C6): the fixed node sequence search_memory -> run_deep_search ->
// clarify_with_user -> analyze_query -> plan_research ->
// create_agent_characteristics -> execute_agents -> compress_findings ->
// generate_report, driven over one domain.SessionState and checkpointed
// after every node.
//
// Grounded on the original internal/orchestrator/deep_eventsourced.go
// continueResearch/executeDAG shape: a status-driven dispatch loop that
// persists a patch and publishes a UI event after each phase, and a
// concurrency-limited, as-completed (not join-all) fan-out for the worker
// phase. The event-sourced aggregate/replay machinery is
// generalized here to a single checkpointed state struct (internal/domain,
// internal/checkpoint) since this graph's nodes are a fixed sequence rather
// than an open DAG of search workers.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"deepresearch/internal/agents"
	"deepresearch/internal/config"
	"deepresearch/internal/domain"
	"deepresearch/internal/filestore"
	"deepresearch/internal/llm"
	"deepresearch/internal/ports"
	"deepresearch/internal/queue"
	"deepresearch/internal/streaming"

	"github.com/invopop/jsonschema"
	"golang.org/x/sync/errgroup"
)

func schemaFor(v any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{AllowAdditionalProperties: false, DoNotReference: true}
	return reflector.Reflect(v)
}

// errClarificationPending is returned internally by clarifyWithUser to
// interrupt the node sequence before analyze_query (§4.6 step 3). Run
// translates it into a non-error RunResult with StatusWaitingClarification.
var errClarificationPending = fmt.Errorf("waiting for user clarification")

// Graph wires the researcher (C2), supervisor (C3), review queue (C5) and
// file store (C4) together into the node sequence.
type Graph struct {
	client     llm.ChatClient
	researcher *agents.Researcher
	supervisor *agents.Supervisor
	queue      *queue.Queue
	store      *filestore.Store
	bus        *streaming.Bus
	gen        *streaming.Generator
	checkpoint ports.Checkpointer
	sessions   ports.SessionStore // optional; nil if C7 isn't wired yet
	memory     ports.VectorIndex  // optional
	deepSearch ports.DeepSearcher // optional; nil degrades run_deep_search to a no-op
	cfg        *config.Config
}

// New builds a Graph. sessions, memory and deepSearch may be nil; the graph
// degrades each corresponding node gracefully when its collaborator is
// absent rather than failing the whole run.
func New(
	client llm.ChatClient,
	researcher *agents.Researcher,
	supervisor *agents.Supervisor,
	q *queue.Queue,
	store *filestore.Store,
	bus *streaming.Bus,
	gen *streaming.Generator,
	checkpoint ports.Checkpointer,
	sessions ports.SessionStore,
	memory ports.VectorIndex,
	deepSearch ports.DeepSearcher,
	cfg *config.Config,
) *Graph {
	return &Graph{
		client: client, researcher: researcher, supervisor: supervisor,
		queue: q, store: store, bus: bus, gen: gen, checkpoint: checkpoint,
		sessions: sessions, memory: memory, deepSearch: deepSearch, cfg: cfg,
	}
}

// RunResult reports where a Run call left the session.
type RunResult struct {
	Status domain.SessionStatus
	State  *domain.SessionState
}

// node names checkpointed between steps; used only for version bookkeeping
// and the debug event stream.
const (
	nodeSearchMemory       = "search_memory"
	nodeRunDeepSearch      = "run_deep_search"
	nodeClarifyWithUser    = "clarify_with_user"
	nodeAnalyzeQuery       = "analyze_query"
	nodePlanResearch       = "plan_research"
	nodeCreateCharacters   = "create_agent_characteristics"
	nodeExecuteAgents      = "execute_agents"
	nodeCompressFindings   = "compress_findings"
	nodeGenerateReport     = "generate_report"
)

// Run drives state through every node in sequence, from the first node on
// every call, checkpointing after each one. Only run_deep_search and
// clarify_with_user detect a resumed state (via deepSearchResumed); the
// other nodes recompute their outputs on each run.
func (g *Graph) Run(ctx context.Context, sessionID, chatID string, state *domain.SessionState) (*RunResult, error) {
	state.SessionID = sessionID

	steps := []struct {
		name string
		fn   func(context.Context, string, *domain.SessionState) error
	}{
		{nodeSearchMemory, g.searchMemory},
		{nodeRunDeepSearch, g.runDeepSearch},
		{nodeClarifyWithUser, g.clarifyWithUser},
		{nodeAnalyzeQuery, g.analyzeQuery},
		{nodePlanResearch, g.planResearch},
		{nodeCreateCharacters, g.createAgentCharacteristics},
		{nodeExecuteAgents, g.executeAgents},
		{nodeCompressFindings, g.compressFindings},
		{nodeGenerateReport, g.generateReport},
	}

	for i, step := range steps {
		if err := ctx.Err(); err != nil {
			return &RunResult{Status: domain.StatusCancelled, State: state}, nil
		}

		if err := step.fn(ctx, sessionID, state); err != nil {
			if err == errClarificationPending {
				g.checkpointState(ctx, sessionID, i+1, state)
				return &RunResult{Status: domain.StatusWaitingClarification, State: state}, nil
			}
			return nil, fmt.Errorf("graph: node %s: %w", step.name, err)
		}

		g.checkpointState(ctx, sessionID, i+1, state)
		g.emit(sessionID, streaming.EventDebug, map[string]any{"node": step.name, "done": true})
	}

	if g.gen != nil && state.FinalReport != nil {
		report := RenderFinalReport(state.FinalReport)
		_ = g.gen.EmitFinalReport(ctx, sessionID, chatID, report, nowEpochMs())
	}
	g.emit(sessionID, streaming.EventDone, map[string]any{"session_id": sessionID})

	return &RunResult{Status: domain.StatusCompleted, State: state}, nil
}

func nowEpochMs() int64 {
	return time.Now().UnixMilli()
}

func (g *Graph) checkpointState(ctx context.Context, sessionID string, version int, state *domain.SessionState) {
	if g.checkpoint == nil {
		return
	}
	blob, err := json.Marshal(state)
	if err != nil {
		return
	}
	_ = g.checkpoint.Save(ctx, sessionID, version, blob)
}

// LoadCheckpoint restores the last saved state for sessionID, if any.
func (g *Graph) LoadCheckpoint(ctx context.Context, sessionID string) (*domain.SessionState, error) {
	if g.checkpoint == nil {
		return nil, nil
	}
	_, blob, err := g.checkpoint.Load(ctx, sessionID)
	if err != nil || blob == nil {
		return nil, err
	}
	var state domain.SessionState
	if err := json.Unmarshal(blob, &state); err != nil {
		return nil, fmt.Errorf("graph: unmarshal checkpoint: %w", err)
	}
	return &state, nil
}

func (g *Graph) emit(sessionID string, t streaming.EventType, data any) {
	if g.bus == nil || sessionID == "" {
		return
	}
	g.bus.Publish(sessionID, streaming.Event{Type: t, Data: data})
}

func (g *Graph) structured(ctx context.Context, systemPrompt, userPrompt, schemaName string, schema any, out any) error {
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	raw, err := g.client.StructuredOutput(ctx, messages, schemaName, schema)
	if err != nil {
		return fmt.Errorf("structured output %s: %w", schemaName, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", schemaName, err)
	}
	return nil
}

// --- 1. search_memory -------------------------------------------------

func (g *Graph) searchMemory(ctx context.Context, sessionID string, state *domain.SessionState) error {
	if g.memory == nil {
		return nil
	}
	hits, err := g.memory.Query(ctx, state.Query, 5)
	if err != nil {
		g.emit(sessionID, streaming.EventDebug, map[string]any{"memory_search_failed": err.Error()})
		return nil
	}
	if len(hits) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, h := range hits {
		sb.WriteString("- ")
		sb.WriteString(h.Text)
		sb.WriteString("\n")
	}
	state.MemoryContext = sb.String()
	g.emit(sessionID, streaming.EventMemorySearch, map[string]any{"hits": len(hits)})
	return nil
}

// --- 2. run_deep_search -------------------------------------------------

// deepSearchResumed reports whether the graph already delivered a combined
// deep-search-plus-clarification message and the user has since replied, in
// which case run_deep_search is a no-op that passes the existing result
// through (§4.6 step 2's idempotence rule).
func deepSearchResumed(state *domain.SessionState) bool {
	if state.DeepSearchResult == "" || len(state.ChatHistory) == 0 {
		return false
	}
	last := state.ChatHistory[len(state.ChatHistory)-1]
	return last.Role == "user" && last.Content != state.OriginalQuery
}

func (g *Graph) runDeepSearch(ctx context.Context, sessionID string, state *domain.SessionState) error {
	if deepSearchResumed(state) {
		return nil
	}
	if g.deepSearch == nil {
		return nil
	}
	result, err := g.deepSearch.DeepSearch(ctx, state.Query, domain.ModeDeepSearch)
	if err != nil {
		return fmt.Errorf("deep search: %w", err)
	}
	state.DeepSearchResult = result
	g.emit(sessionID, streaming.EventSearchQueries, map[string]any{"query": state.Query})
	if g.gen != nil {
		g.gen.EmitChunked(sessionID, streaming.EventReportChunk, result)
	}
	return nil
}

// --- 3. clarify_with_user -----------------------------------------------

func clarificationBlock(questions []string) string {
	var sb strings.Builder
	sb.WriteString("Before I continue, a few quick questions:\n\n")
	for i, q := range questions {
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, q))
	}
	return sb.String()
}

func (g *Graph) clarifyWithUser(ctx context.Context, sessionID string, state *domain.SessionState) error {
	answered := deepSearchResumed(state)

	if !state.ClarificationNeeded {
		var needs domain.ClarificationNeeds
		system := "You decide whether the user's research request needs 2-3 clarifying " +
			"questions before research can begin. Ask only about the original query; " +
			"never ask about unrelated topics. Answer in the user's own language."
		user := fmt.Sprintf("Original query: %s\n\nDeep-search context so far:\n%s", state.OriginalQuery, state.DeepSearchResult)
		if err := g.structured(ctx, system, user, "clarification_needs", schemaFor(&domain.ClarificationNeeds{}), &needs); err != nil {
			return err
		}

		if !needs.NeedsClarification || len(needs.Questions) == 0 {
			return nil
		}

		state.ClarificationNeeded = true
		state.ClarificationQuestions = needs.Questions
		if needs.Language != "" {
			state.UserLanguage = needs.Language
		}

		combined := streaming.CombineDeepSearchAndClarification(state.DeepSearchResult, clarificationBlock(needs.Questions))
		state.ChatHistory = append(state.ChatHistory, domain.ChatTurn{Role: "assistant", Content: combined})

		if g.sessions != nil {
			if err := g.sessions.UpdateStatus(ctx, sessionID, domain.StatusWaitingClarification); err != nil {
				return err
			}
		}
		g.emit(sessionID, streaming.EventStatus, map[string]any{"status": domain.StatusWaitingClarification})
		return errClarificationPending
	}

	if !answered {
		if g.sessions != nil {
			if err := g.sessions.UpdateStatus(ctx, sessionID, domain.StatusWaitingClarification); err != nil {
				return err
			}
		}
		return errClarificationPending
	}

	last := state.ChatHistory[len(state.ChatHistory)-1]
	if state.ClarificationAnswers == nil {
		state.ClarificationAnswers = map[string]string{}
	}
	state.ClarificationAnswers["answer"] = last.Content
	state.ClarificationNeeded = false
	if g.sessions != nil {
		_ = g.sessions.UpdateStatus(ctx, sessionID, domain.StatusResearching)
	}
	return nil
}

// --- 4. analyze_query ----------------------------------------------------

func (g *Graph) analyzeQuery(ctx context.Context, sessionID string, state *domain.SessionState) error {
	var qa domain.QueryAnalysis
	system := "Analyze a research query into its constituent topics, an overall " +
		"complexity rating (low/medium/high), and how many specialist research " +
		"agents it warrants."
	user := fmt.Sprintf("Query: %s\n", state.OriginalQuery)
	if len(state.ClarificationAnswers) > 0 {
		user += fmt.Sprintf("Clarification answers: %v\n", state.ClarificationAnswers)
	}
	if err := g.structured(ctx, system, user, "query_analysis", schemaFor(&domain.QueryAnalysis{}), &qa); err != nil {
		return err
	}
	state.QueryAnalysisResult = &qa
	return nil
}

// --- 5. plan_research ----------------------------------------------------

func renderPlan(plan *domain.ResearchPlan) string {
	var sb strings.Builder
	sb.WriteString(plan.Reasoning)
	sb.WriteString("\n\nCoordination strategy: ")
	sb.WriteString(plan.CoordinationStrategy)
	sb.WriteString("\n\n")
	for _, t := range plan.Topics {
		sb.WriteString(fmt.Sprintf("- **%s** (%s, ~%d sources): %s\n", t.Title, t.Priority, t.EstimatedSources, t.Description))
	}
	return sb.String()
}

func (g *Graph) planResearch(ctx context.Context, sessionID string, state *domain.SessionState) error {
	var plan domain.ResearchPlan
	system := "Produce a research plan: a list of topics (title, description, " +
		"priority, estimated number of sources), a reasoning paragraph, and a " +
		"coordination strategy describing how agents should divide the work."
	user := fmt.Sprintf("Query: %s\nTopics identified: %v\n", state.OriginalQuery, state.QueryAnalysisResult)
	if err := g.structured(ctx, system, user, "research_plan", schemaFor(&domain.ResearchPlan{}), &plan); err != nil {
		return err
	}
	state.ResearchPlan = &plan
	state.ResearchTopics = plan.Topics

	if g.store != nil {
		if err := g.store.WriteMainSection("Research Plan", renderPlan(&plan)); err != nil {
			return fmt.Errorf("persist research plan: %w", err)
		}
	}
	g.emit(sessionID, streaming.EventPlanning, map[string]any{"topics": len(plan.Topics)})
	return nil
}

// --- 6. create_agent_characteristics -------------------------------------

type characteristicsOutput struct {
	Agents []domain.AgentCharacteristic `json:"agents"`
}

func (g *Graph) createAgentCharacteristics(ctx context.Context, sessionID string, state *domain.SessionState) error {
	n := g.cfg.NumAgents
	if state.QueryAnalysisResult != nil && state.QueryAnalysisResult.EstimatedAgentCount > 0 {
		n = min(state.QueryAnalysisResult.EstimatedAgentCount, g.cfg.NumAgents)
	}
	if n <= 0 {
		n = 1
	}

	var out characteristicsOutput
	system := fmt.Sprintf("Generate exactly %d specialist research agent profiles for the "+
		"given query and plan. Each agent needs a role, an expertise area, a short "+
		"personality description, a list of topics it owns, and 2-3 initial todos "+
		"(reasoning, title, objective, expected_output, sources_needed, priority). "+
		"Every todo's objective must explicitly reference the original query.", n)
	user := fmt.Sprintf("Query: %s\nPlan reasoning: %s\nTopics: %v\n", state.OriginalQuery, planReasoning(state), state.ResearchTopics)
	if err := g.structured(ctx, system, user, "agent_characteristics", schemaFor(&characteristicsOutput{}), &out); err != nil {
		return err
	}

	assignAgentIDs(out.Agents)
	out.Agents = padWithFallbackAgents(out.Agents, state.ResearchTopics, n, state.OriginalQuery)
	dedupeTodosWithinAgents(out.Agents)
	qualifyDuplicateTodoTitlesAcrossAgents(out.Agents)
	quoteOriginalQueryInObjectives(out.Agents, state.OriginalQuery)

	state.AgentCharacteristics = make(map[string]domain.AgentCharacteristic, len(out.Agents))
	for _, ac := range out.Agents {
		state.AgentCharacteristics[ac.AgentID] = ac
		if g.store == nil {
			continue
		}
		if err := g.store.WriteAgentFile(&filestore.AgentFile{
			AgentID: ac.AgentID, Role: ac.Role, Expertise: ac.Expertise, Personality: ac.Personality,
		}); err != nil {
			return fmt.Errorf("persist agent file %s: %w", ac.AgentID, err)
		}
		for _, todo := range ac.InitialTodos {
			if err := g.store.AddTodo(ac.AgentID, todo); err != nil {
				return fmt.Errorf("seed todo for %s: %w", ac.AgentID, err)
			}
		}
	}

	g.emit(sessionID, streaming.EventResearchStart, map[string]any{"agent_count": len(out.Agents)})
	return nil
}

func planReasoning(state *domain.SessionState) string {
	if state.ResearchPlan == nil {
		return ""
	}
	return state.ResearchPlan.Reasoning
}

func assignAgentIDs(agents []domain.AgentCharacteristic) {
	for i := range agents {
		if agents[i].AgentID == "" {
			agents[i].AgentID = fmt.Sprintf("agent-%d", i+1)
		}
	}
}

// padWithFallbackAgents tops agents up to n profiles, deriving fallback
// roles from research topics no generated agent already owns.
func padWithFallbackAgents(agentsList []domain.AgentCharacteristic, topics []domain.ResearchTopic, n int, originalQuery string) []domain.AgentCharacteristic {
	if len(agentsList) >= n {
		return agentsList
	}
	covered := map[string]bool{}
	for _, a := range agentsList {
		for _, t := range a.Topics {
			covered[strings.ToLower(t)] = true
		}
	}
	var uncovered []domain.ResearchTopic
	for _, t := range topics {
		if !covered[strings.ToLower(t.Title)] {
			uncovered = append(uncovered, t)
		}
	}

	idx := 0
	for len(agentsList) < n {
		var topicTitle, topicDesc string
		if idx < len(uncovered) {
			topicTitle = uncovered[idx].Title
			topicDesc = uncovered[idx].Description
		} else {
			topicTitle = fmt.Sprintf("general coverage %d", idx+1)
			topicDesc = "Fill remaining gaps in the research plan."
		}
		id := fmt.Sprintf("agent-%d", len(agentsList)+1)
		agentsList = append(agentsList, domain.AgentCharacteristic{
			AgentID:     id,
			Role:        "General Researcher",
			Expertise:   topicTitle,
			Personality: "Methodical and thorough.",
			Topics:      []string{topicTitle},
			InitialTodos: []domain.Todo{{
				Title:          fmt.Sprintf("Investigate %s", topicTitle),
				Objective:      fmt.Sprintf("Research %s in the context of: %q", topicTitle, originalQuery),
				ExpectedOutput: topicDesc,
				Priority:       domain.PriorityMedium,
				Status:         domain.TodoPending,
			}},
		})
		idx++
	}
	return agentsList
}

// dedupeTodosWithinAgents enforces I3 on the freshly generated profiles
// before anything hits the file store.
func dedupeTodosWithinAgents(agentsList []domain.AgentCharacteristic) {
	for i := range agentsList {
		seen := map[string]bool{}
		var kept []domain.Todo
		for _, todo := range agentsList[i].InitialTodos {
			key := strings.ToLower(todo.Title)
			if seen[key] {
				continue
			}
			seen[key] = true
			if todo.Status == "" {
				todo.Status = domain.TodoPending
			}
			if todo.Priority == "" {
				todo.Priority = domain.PriorityMedium
			}
			kept = append(kept, todo)
		}
		agentsList[i].InitialTodos = kept
	}
}

// qualifyDuplicateTodoTitlesAcrossAgents enforces I4 across the freshly
// generated profiles: a title already claimed by an earlier agent gets
// suffixed with that agent's id on the later one.
func qualifyDuplicateTodoTitlesAcrossAgents(agentsList []domain.AgentCharacteristic) {
	owner := map[string]string{}
	for i := range agentsList {
		for j := range agentsList[i].InitialTodos {
			title := agentsList[i].InitialTodos[j].Title
			key := strings.ToLower(title)
			if firstOwner, ok := owner[key]; ok && firstOwner != agentsList[i].AgentID {
				agentsList[i].InitialTodos[j].Title = fmt.Sprintf("%s (for %s)", title, agentsList[i].AgentID)
				continue
			}
			owner[key] = agentsList[i].AgentID
		}
	}
}

func quoteOriginalQueryInObjectives(agentsList []domain.AgentCharacteristic, originalQuery string) {
	if originalQuery == "" {
		return
	}
	for i := range agentsList {
		for j := range agentsList[i].InitialTodos {
			if !strings.Contains(agentsList[i].InitialTodos[j].Objective, originalQuery) {
				agentsList[i].InitialTodos[j].Objective = fmt.Sprintf("%s (regarding: %q)", agentsList[i].InitialTodos[j].Objective, originalQuery)
			}
		}
	}
}

// --- 7. execute_agents ----------------------------------------------------

type agentOutcome struct {
	agentID string
	finding *domain.Finding
	err     error
}

// discoverAgentIDs lists every agent file under the store, excluding the
// supervisor's own note file, so supervisor-created agents are picked up on
// the next cycle without any extra bookkeeping (§4.6.1).
func discoverAgentIDs(store *filestore.Store) ([]string, error) {
	paths, err := store.ListFiles("agents/*.md")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, p := range paths {
		base := strings.TrimSuffix(filepath.Base(p), ".md")
		if base == "supervisor" {
			continue
		}
		ids = append(ids, base)
	}
	sort.Strings(ids)
	return ids, nil
}

func topicFor(char domain.AgentCharacteristic, fallback string) string {
	if len(char.Topics) > 0 {
		return char.Topics[0]
	}
	if char.Role != "" {
		return char.Role
	}
	return fallback
}

// allIdle reports whether every agent's file has zero pending/in_progress
// todos (§4.6.1's liveness condition).
func allIdle(store *filestore.Store, agentIDs []string) bool {
	for _, id := range agentIDs {
		af, err := store.ReadAgentFile(id)
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

func (g *Graph) reviewWithSupervisor(ctx context.Context, sessionID string, state *domain.SessionState, batch []domain.SupervisorEvent) (*agents.Decision, error) {
	decision, err := g.supervisor.ReviewBatch(ctx, sessionID, state, batch)
	if err != nil {
		return nil, err
	}
	return decision, nil
}

func (g *Graph) executeAgents(ctx context.Context, sessionID string, state *domain.SessionState) error {
	maxConcurrent := state.ModeConfig.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	maxIterations := state.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}

	cycle := 0
	var lastDecision *agents.Decision

	for cycle < maxIterations {
		if err := ctx.Err(); err != nil {
			break
		}
		cycle++
		state.Iteration = cycle

		if state.MaxSupervisorCalls <= 0 {
			state.MaxSupervisorCalls = state.ModeConfig.MaxSupervisorCalls
		}
		if state.MaxSupervisorCalls > 0 && state.SupervisorCallCount >= state.MaxSupervisorCalls {
			decision, err := g.reviewWithSupervisor(ctx, sessionID, state, nil)
			if err != nil {
				return fmt.Errorf("forced budget-exhaustion review: %w", err)
			}
			lastDecision = decision
			break
		}

		agentIDs, err := discoverAgentIDs(g.store)
		if err != nil {
			return fmt.Errorf("discover agents: %w", err)
		}
		if len(agentIDs) == 0 {
			break
		}

		results := make(chan agentOutcome, len(agentIDs))
		var fanOut errgroup.Group
		fanOut.SetLimit(maxConcurrent)

		for _, id := range agentIDs {
			if ctx.Err() != nil {
				break
			}
			agentID := id
			char, ok := state.AgentCharacteristics[agentID]
			if !ok {
				char = domain.AgentCharacteristic{AgentID: agentID, Role: "Specialist", Expertise: "general research"}
			}
			fanOut.Go(func() error {
				if ctx.Err() != nil {
					results <- agentOutcome{agentID: agentID, err: ctx.Err()}
					return nil
				}
				finding, runErr := g.researcher.Run(ctx, sessionID, agentID, topicFor(char, state.OriginalQuery), char)
				results <- agentOutcome{agentID: agentID, finding: finding, err: runErr}
				return nil // per-agent errors travel on agentOutcome, not the group, so one failing agent never cancels its siblings
			})
		}

		go func() {
			fanOut.Wait()
			close(results)
		}()

		for outcome := range results {
			if outcome.err != nil {
				g.emit(sessionID, streaming.EventError, map[string]any{"agent_id": outcome.agentID, "error": outcome.err.Error()})
				continue
			}
			if outcome.finding != nil {
				// ReviewBatch owns appending to state.AgentFindings, from the
				// same task_completed event this finding travels in on.
				g.emit(sessionID, streaming.EventFinding, map[string]any{"agent_id": outcome.agentID, "topic": outcome.finding.Topic})
			}

			result, err := g.queue.ProcessBatch(0, func(batch []domain.SupervisorEvent) (any, error) {
				decision, rerr := g.reviewWithSupervisor(ctx, sessionID, state, batch)
				return decision, rerr
			})
			if err != nil {
				return fmt.Errorf("supervisor review: %w", err)
			}
			if decision, ok := result.(*agents.Decision); ok && decision != nil {
				lastDecision = decision
				agentIDs, _ := discoverAgentIDs(g.store)
				if decision.Outcome == domain.DecisionFinish && !allIdle(g.store, agentIDs) {
					// §4.6.1: a finish decision is overridden while pending
					// or in-progress work remains.
					lastDecision.Outcome = domain.DecisionContinue
				}
			}
		}

		agentIDs, _ = discoverAgentIDs(g.store)
		if allIdle(g.store, agentIDs) {
			decision, err := g.reviewWithSupervisor(ctx, sessionID, state, nil)
			if err != nil {
				return fmt.Errorf("final review: %w", err)
			}
			lastDecision = decision
			break
		}
		if cycle >= maxIterations {
			decision, err := g.reviewWithSupervisor(ctx, sessionID, state, nil)
			if err != nil {
				return fmt.Errorf("final review at iteration cap: %w", err)
			}
			lastDecision = decision
		}
	}

	if lastDecision != nil && lastDecision.Outcome == domain.DecisionReplan {
		state.ReplanningNeeded = true
	}
	state.ShouldContinue = false
	return nil
}

// --- 8. compress_findings -------------------------------------------------

func (g *Graph) compressFindings(ctx context.Context, sessionID string, state *domain.SessionState) error {
	var sb strings.Builder
	for _, f := range state.AgentFindings {
		sb.WriteString(fmt.Sprintf("## %s (%s confidence)\n%s\n", f.Topic, f.Confidence, f.Summary))
		for _, k := range f.KeyFindings {
			sb.WriteString("- " + k + "\n")
		}
		sb.WriteString("\n")
	}

	var cf domain.CompressedFindings
	system := "Synthesize the collected research findings into an 800-1200 word " +
		"summary, a list of key themes, and the most important sources. Be " +
		"faithful to what the findings actually say; do not invent facts."
	user := fmt.Sprintf("Original query: %s\n\nFindings:\n%s", state.OriginalQuery, sb.String())
	if err := g.structured(ctx, system, user, "compressed_findings", schemaFor(&domain.CompressedFindings{}), &cf); err != nil {
		return err
	}
	state.CompressedResearch = &cf
	g.emit(sessionID, streaming.EventCompression, map[string]any{"key_themes": len(cf.KeyThemes)})
	return nil
}

// --- 9. generate_report -----------------------------------------------

// minReportChars is the length floor below which generate_report falls
// back to the supervisor's draft_report.md rather than trusting a
// truncated LLM output (§4.6 step 9).
const minReportChars = 400

// RenderFinalReport flattens a FinalReport into the markdown body the
// streaming generator chunks out and C10's PDF exporter paginates.
func RenderFinalReport(report *domain.FinalReport) string {
	var sb strings.Builder
	sb.WriteString(report.ExecutiveSummary)
	sb.WriteString("\n\n")
	for _, s := range report.Sections {
		sb.WriteString("## " + s.Title + "\n" + s.Content + "\n\n")
	}
	sb.WriteString("## Conclusion\n" + report.Conclusion + "\n")
	if len(report.Sources) > 0 {
		sb.WriteString("\n## Sources\n")
		for _, src := range report.Sources {
			sb.WriteString(fmt.Sprintf("- [%s](%s)\n", src.Title, src.URL))
		}
	}
	return sb.String()
}

func (g *Graph) generateReport(ctx context.Context, sessionID string, state *domain.SessionState) error {
	var report domain.FinalReport
	system := "Write the final research report: an executive summary (200-400 " +
		"words), at least three sections (300-800 words each), a conclusion " +
		"(200-400 words), the sources used, and an overall confidence rating."
	compressed := ""
	if state.CompressedResearch != nil {
		compressed = state.CompressedResearch.Summary
	}
	user := fmt.Sprintf("Original query: %s\n\nCompressed research:\n%s", state.OriginalQuery, compressed)
	if err := g.structured(ctx, system, user, "final_report", schemaFor(&domain.FinalReport{}), &report); err != nil {
		return err
	}

	if len(RenderFinalReport(&report)) < minReportChars && g.store != nil {
		if draftText, chapters, err := g.store.ReadDraftReport(); err == nil && draftText != "" {
			report = fallbackReportFromDraft(chapters, report)
		}
	}

	state.FinalReport = &report
	return nil
}

func fallbackReportFromDraft(chapters []domain.Chapter, base domain.FinalReport) domain.FinalReport {
	report := base
	report.Sections = nil
	for _, c := range chapters {
		report.Sections = append(report.Sections, domain.ReportSection{Title: c.Title, Content: c.Summary})
		report.Sources = append(report.Sources, c.Sources...)
	}
	if report.ExecutiveSummary == "" && len(chapters) > 0 {
		report.ExecutiveSummary = chapters[0].Summary
	}
	return report
}
