package domain

import "time"

// Source is a single citation collected by a researcher.
type Source struct {
	URL            string  `json:"url"`
	Title          string  `json:"title"`
	Snippet        string  `json:"snippet,omitempty"`
	RelevanceScore float64 `json:"relevance_score,omitempty"`
}

// Finding is produced by one researcher completing one Todo. Never mutated
// after creation (§3).
type Finding struct {
	AgentID     string     `json:"agent_id"`
	Topic       string     `json:"topic"`
	Summary     string     `json:"summary"`
	KeyFindings []string   `json:"key_findings"`
	Sources     []Source   `json:"sources"`
	Confidence  Confidence `json:"confidence"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Todo is a unit of work assigned to an agent (I3, I4).
type Todo struct {
	Reasoning      string     `json:"reasoning"`
	Title          string     `json:"title"`
	Objective      string     `json:"objective"`
	ExpectedOutput string     `json:"expected_output"`
	SourcesNeeded  []string   `json:"sources_needed,omitempty"`
	Priority       Priority   `json:"priority"`
	Status         TodoStatus `json:"status"`
	Note           string     `json:"note,omitempty"`
	URL            string     `json:"url,omitempty"`
	Guidance       string     `json:"guidance,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AgentNote is an append-only note written by a researcher.
type AgentNote struct {
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	URLs      []string  `json:"urls,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	Shared    bool      `json:"shared"`
	CreatedAt time.Time `json:"created_at"`
}

// AgentCharacteristic is one specialist profile generated by
// create_agent_characteristics (§4.6 step 6).
type AgentCharacteristic struct {
	AgentID      string   `json:"agent_id"`
	Role         string   `json:"role"`
	Expertise    string   `json:"expertise"`
	Personality  string   `json:"personality"`
	InitialTodos []Todo   `json:"initial_todos"`
	Topics       []string `json:"topics,omitempty"`
}

// SupervisorEvent is a single completion record drained by C5.
type SupervisorEvent struct {
	AgentID   string      `json:"agent_id"`
	Action    AgentAction `json:"action"`
	Result    *Finding    `json:"result,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// ResearchTopic is a plan entry produced by plan_research (§4.6 step 5).
type ResearchTopic struct {
	Title             string   `json:"title"`
	Description       string   `json:"description"`
	Priority          Priority `json:"priority"`
	EstimatedSources  int      `json:"estimated_sources"`
}

// ResearchPlan is the structured output of plan_research.
type ResearchPlan struct {
	Topics               []ResearchTopic `json:"topics"`
	Reasoning            string          `json:"reasoning"`
	CoordinationStrategy string          `json:"coordination_strategy"`
}

// QueryAnalysis is the structured output of analyze_query (§4.6 step 4).
type QueryAnalysis struct {
	Topics              []string `json:"topics"`
	Complexity          string   `json:"complexity"`
	EstimatedAgentCount int      `json:"estimated_agent_count"`
}

// ClarificationNeeds is the structured output of clarify_with_user (§4.6 step 3).
type ClarificationNeeds struct {
	NeedsClarification bool     `json:"needs_clarification"`
	Questions          []string `json:"questions"`
	Language           string   `json:"language"`
}

// CompressedFindings is the structured output of compress_findings (§4.6 step 8).
type CompressedFindings struct {
	Summary         string   `json:"summary"`
	KeyThemes       []string `json:"key_themes"`
	ImportantSources []Source `json:"important_sources"`
}

// FinalReport is the structured output of generate_report (§4.6 step 9).
type FinalReport struct {
	ExecutiveSummary string         `json:"executive_summary"`
	Sections         []ReportSection `json:"sections"`
	Conclusion       string         `json:"conclusion"`
	Sources          []Source       `json:"sources"`
	Confidence       Confidence     `json:"confidence"`
}

// ReportSection is one body section of a FinalReport.
type ReportSection struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Chapter is a heading-delimited section of draft_report.md (I5).
type Chapter struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	KeyFindings []string `json:"key_findings"`
	Sources []Source `json:"sources"`
}
