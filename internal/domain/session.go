package domain

import "time"

// ChatTurn is one entry of a session's chat_history (§3).
type ChatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModeConfig bounds one session's researcher concurrency and ReAct depth,
// resolved from the session's Mode at creation time (§6).
type ModeConfig struct {
	MaxIterations      int `json:"max_iterations"`
	MaxConcurrent      int `json:"max_concurrent"`
	MaxSupervisorCalls int `json:"max_supervisor_calls"`
	AgentMaxSteps      int `json:"agent_max_steps"`
}

// Session is the durable, chat-scoped record (§3, I1, I2).
type Session struct {
	ID                    string            `json:"id"`
	ChatID                string            `json:"chat_id"`
	OriginalQuery         string            `json:"original_query"`
	Mode                  Mode              `json:"mode"`
	Status                SessionStatus     `json:"status"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
	DeepSearchResult      string            `json:"deep_search_result,omitempty"`
	ClarificationAnswers  map[string]string `json:"clarification_answers,omitempty"`
	DraftReport           string            `json:"draft_report,omitempty"`
	FinalReport           string            `json:"final_report,omitempty"`
	SessionMetadata       map[string]any    `json:"session_metadata,omitempty"`
}

// SessionState is the in-memory, per-node-checkpointed working state of one
// research run (§3). It is the value every graph node (C6) reads a patch
// from and writes a patch to.
type SessionState struct {
	SessionID    string `json:"session_id"`
	Query              string                          `json:"query"`
	OriginalQuery      string                          `json:"original_query"`
	UserLanguage       string                          `json:"user_language"`
	ChatHistory        []ChatTurn                      `json:"chat_history"`
	ModeConfig         ModeConfig                      `json:"mode_config"`
	MemoryContext      string                          `json:"memory_context,omitempty"`

	Iteration           int `json:"iteration"`
	MaxIterations       int `json:"max_iterations"`
	SupervisorCallCount int `json:"supervisor_call_count"`
	MaxSupervisorCalls  int `json:"max_supervisor_calls"`

	QueryAnalysisResult  *QueryAnalysis                  `json:"query_analysis,omitempty"`
	ResearchPlan         *ResearchPlan                   `json:"research_plan,omitempty"`
	ResearchTopics       []ResearchTopic                 `json:"research_topics,omitempty"`
	AgentCharacteristics map[string]AgentCharacteristic   `json:"agent_characteristics,omitempty"`
	AgentFindings        []Finding                        `json:"agent_findings,omitempty"`

	ClarificationNeeded     bool              `json:"clarification_needed"`
	ClarificationQuestions  []string          `json:"clarification_questions,omitempty"`
	ClarificationAnswers    map[string]string `json:"clarification_answers,omitempty"`

	DeepSearchResult   string              `json:"deep_search_result,omitempty"`
	CompressedResearch *CompressedFindings `json:"compressed_research,omitempty"`
	FinalReport        *FinalReport        `json:"final_report,omitempty"`

	ShouldContinue    bool `json:"should_continue"`
	ReplanningNeeded  bool `json:"replanning_needed"`
}
