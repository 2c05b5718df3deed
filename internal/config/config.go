// Package config centralizes environment-driven configuration for the
// research engine, generalizing the original flat Config struct to the
// full environment surface spec §6 names.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"deepresearch/internal/domain"
)

// ModeBudget bounds one mode's researcher concurrency and ReAct depth (§6,
// §4.9: speed/balanced/quality budgets).
type ModeBudget struct {
	MaxIterations int
	MaxConcurrent int
}

// Config holds all configuration.
type Config struct {
	// API Keys / provider wiring
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	SearxngURL       string
	TavilyAPIKey     string
	BraveAPIKey      string

	// Paths
	VaultPath     string
	HistoryFile   string
	StateFile     string
	EventStoreDir string

	// Database
	DatabaseURL string

	// Timeouts
	WorkerTimeout  time.Duration
	RequestTimeout time.Duration
	ScraperTimeout time.Duration
	ClarifyTimeout time.Duration

	// Agent / graph settings
	MaxIterations int
	MaxTokens     int
	MaxWorkers    int

	NumAgents                int
	MaxSupervisorCalls       int
	AgentMaxSteps            int
	SupervisorMaxIterations  int
	DefaultMaxIterations     int
	MaxStructuredOutputRetry int

	ChatHistoryLimit int
	SourcesLimit     int

	SpeedBudget    ModeBudget
	BalancedBudget ModeBudget
	QualityBudget  ModeBudget

	SearchBlockedDomains  []string
	SearchBlockedKeywords []string

	SessionExpiryHours int

	// Model
	Model string

	// Verbose mode
	Verbose bool

	// HTTP/WS server
	Port         string
	FontDir      string
	FontFile     string
	IsProduction bool
}

// Load reads configuration from environment and defaults.
func Load() *Config {
	_ = godotenv.Load()

	home, _ := os.UserHomeDir()

	return &Config{
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		SearxngURL:    os.Getenv("SEARXNG_INSTANCE_URL"),
		TavilyAPIKey:  os.Getenv("TAVILY_API_KEY"),
		BraveAPIKey:   os.Getenv("BRAVE_API_KEY"),

		VaultPath:     getEnvOrDefault("RESEARCH_VAULT", filepath.Join(home, "research-vault")),
		HistoryFile:   filepath.Join(home, ".research_history"),
		StateFile:     filepath.Join(home, ".research_state"),
		EventStoreDir: getEnvOrDefault("RESEARCH_EVENT_STORE", filepath.Join(home, ".research_events")),

		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost:5432/deepresearch?sslmode=disable"),

		WorkerTimeout:  30 * time.Minute,
		RequestTimeout: 5 * time.Minute,
		ScraperTimeout: 30 * time.Second,
		ClarifyTimeout: 30 * time.Second,

		MaxIterations: getEnvInt("DEEP_RESEARCH_DEFAULT_MAX_ITERATIONS", 20),
		MaxTokens:     50000,
		MaxWorkers:    getEnvInt("DEEP_RESEARCH_NUM_AGENTS", 5),

		NumAgents:                getEnvInt("DEEP_RESEARCH_NUM_AGENTS", 5),
		MaxSupervisorCalls:       getEnvInt("DEEP_RESEARCH_MAX_SUPERVISOR_CALLS", 25),
		AgentMaxSteps:            getEnvInt("DEEP_RESEARCH_AGENT_MAX_STEPS", 8),
		SupervisorMaxIterations:  getEnvInt("DEEP_RESEARCH_SUPERVISOR_MAX_ITERATIONS", 15),
		DefaultMaxIterations:     getEnvInt("DEEP_RESEARCH_DEFAULT_MAX_ITERATIONS", 20),
		MaxStructuredOutputRetry: 3,

		ChatHistoryLimit: getEnvInt("CHAT_HISTORY_LIMIT", 50),
		SourcesLimit:     getEnvInt("SOURCES_LIMIT", 40),

		SpeedBudget: ModeBudget{
			MaxIterations: getEnvInt("SPEED_MAX_ITERATIONS", 1),
			MaxConcurrent: getEnvInt("SPEED_MAX_CONCURRENT", 3),
		},
		BalancedBudget: ModeBudget{
			MaxIterations: getEnvInt("BALANCED_MAX_ITERATIONS", 4),
			MaxConcurrent: getEnvInt("BALANCED_MAX_CONCURRENT", 3),
		},
		QualityBudget: ModeBudget{
			MaxIterations: getEnvInt("QUALITY_MAX_ITERATIONS", 8),
			MaxConcurrent: getEnvInt("QUALITY_MAX_CONCURRENT", 5),
		},

		SearchBlockedDomains:  getEnvList("SEARCH_BLOCKED_DOMAINS"),
		SearchBlockedKeywords: getEnvList("SEARCH_BLOCKED_KEYWORDS"),

		SessionExpiryHours: getEnvInt("RESEARCH_SESSION_EXPIRY_HOURS", 24),

		Model: getEnvOrDefault("RESEARCH_MODEL", "openai/gpt-4o-mini"),

		Verbose: os.Getenv("RESEARCH_VERBOSE") == "true",

		Port:         getEnvOrDefault("PORT", "8080"),
		FontDir:      os.Getenv("PDF_FONT_DIR"),
		FontFile:     os.Getenv("PDF_FONT_FILE"),
		IsProduction: os.Getenv("ENV") == "production",
	}
}

// ModeConfigFor builds the per-node iteration/concurrency budget a
// domain.SessionState needs before graph.Run starts (§4.6). Speed/web
// modes reuse SpeedBudget, deep_search reuses BalancedBudget, and chat or
// deep_research get the full supervisor-driven budget.
func (c *Config) ModeConfigFor(mode domain.Mode) domain.ModeConfig {
	budget := c.QualityBudget
	switch mode {
	case domain.ModeWeb:
		budget = c.SpeedBudget
	case domain.ModeDeepSearch:
		budget = c.BalancedBudget
	}
	return domain.ModeConfig{
		MaxIterations:      budget.MaxIterations,
		MaxConcurrent:      budget.MaxConcurrent,
		MaxSupervisorCalls: c.MaxSupervisorCalls,
		AgentMaxSteps:      c.AgentMaxSteps,
	}
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
