// Package filestore implements the agent file store (spec §4.4, component
// C4): a file-backed key-value store rooted under a session's memory
// directory, one markdown file per agent with a YAML frontmatter block
// holding the structured state (todos, character, notes) and a generated
// body for human readability.
//
// Grounded on the original internal/obsidian/writer.go (YAML frontmatter +
// markdown body per worker, os.WriteFile, directory scaffolding), but
// generalized from a single end-of-session dump into a live,
// per-agent-locked read/write store.
package filestore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"deepresearch/internal/domain"

	"gopkg.in/yaml.v3"
)

// AgentFile is one agent's structured state, serialised as a YAML
// frontmatter block inside agents/<agent_id>.md.
type AgentFile struct {
	AgentID     string                 `yaml:"agent_id"`
	Role        string                 `yaml:"role,omitempty"`
	Expertise   string                 `yaml:"expertise,omitempty"`
	Personality string                 `yaml:"personality,omitempty"`
	Preferences map[string]string      `yaml:"preferences,omitempty"`
	Todos       []domain.Todo          `yaml:"todos"`
	Notes       []domain.AgentNote     `yaml:"notes"`
}

// Store is a file-backed key-value store rooted at dir, one file per
// agent_id under agents/, plus the shared draft artifacts (main.md,
// draft_report.md, supervisor.md, items/<slug>.md).
type Store struct {
	dir string

	mu    sync.Mutex // guards locks map itself, not per-agent content
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at dir, creating the directory layout if
// absent.
func New(dir string) (*Store, error) {
	for _, sub := range []string{"", "agents", "items"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("filestore: create %s: %w", sub, err)
		}
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

// lockFor returns the per-agent mutex, creating it on first use. All writes
// to one agent_id are serialised through this lock; reads take no lock and
// observe the last committed snapshot (§4.4).
func (s *Store) lockFor(agentID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[agentID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[agentID] = l
	}
	return l
}

func (s *Store) agentPath(agentID string) string {
	return filepath.Join(s.dir, "agents", agentID+".md")
}

// ReadAgentFile parses an agent's markdown file. A missing file is not an
// error: it returns a fresh AgentFile for agentID.
func (s *Store) ReadAgentFile(agentID string) (*AgentFile, error) {
	raw, err := os.ReadFile(s.agentPath(agentID))
	if os.IsNotExist(err) {
		return &AgentFile{AgentID: agentID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read agent file %s: %w", agentID, err)
	}
	fm, _, err := splitFrontmatter(raw)
	if err != nil {
		return nil, fmt.Errorf("filestore: parse agent file %s: %w", agentID, err)
	}
	var af AgentFile
	if err := yaml.Unmarshal(fm, &af); err != nil {
		return nil, fmt.Errorf("filestore: unmarshal agent file %s: %w", agentID, err)
	}
	af.AgentID = agentID
	return &af, nil
}

// WriteAgentFile overwrites agentID's file with af, serialising under the
// per-agent lock.
func (s *Store) WriteAgentFile(af *AgentFile) error {
	l := s.lockFor(af.AgentID)
	l.Lock()
	defer l.Unlock()
	return s.writeAgentFileLocked(af)
}

func (s *Store) writeAgentFileLocked(af *AgentFile) error {
	fm, err := yaml.Marshal(af)
	if err != nil {
		return fmt.Errorf("filestore: marshal agent file %s: %w", af.AgentID, err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(fm)
	buf.WriteString("---\n\n")
	buf.WriteString(renderAgentBody(af))

	return os.WriteFile(s.agentPath(af.AgentID), buf.Bytes(), 0o644)
}

func renderAgentBody(af *AgentFile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Agent %s\n\n", af.AgentID)
	if af.Role != "" {
		fmt.Fprintf(&b, "_%s — %s_\n\n", af.Role, af.Expertise)
	}

	b.WriteString("## Todos\n\n")
	for _, t := range af.Todos {
		fmt.Fprintf(&b, "- [%s] (%s) **%s** — %s\n", t.Status, t.Priority, t.Title, t.Objective)
	}
	if len(af.Todos) == 0 {
		b.WriteString("_none_\n")
	}

	b.WriteString("\n## Notes\n\n")
	for _, n := range af.Notes {
		fmt.Fprintf(&b, "### %s\n\n%s\n\n", n.Title, n.Summary)
	}
	if len(af.Notes) == 0 {
		b.WriteString("_none_\n")
	}
	return b.String()
}

// AddTodo appends items to agentID's todo list, rejecting exact-title
// duplicates already pending/in_progress (I3/I4): the caller decides
// whether to retry with a qualified title.
func (s *Store) AddTodo(agentID string, item domain.Todo) error {
	l := s.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	af, err := s.ReadAgentFile(agentID)
	if err != nil {
		return err
	}
	for _, t := range af.Todos {
		if t.Title == item.Title && t.Status != domain.TodoDone {
			return fmt.Errorf("filestore: todo %q already open for agent %s", item.Title, agentID)
		}
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	af.Todos = append(af.Todos, item)
	return s.writeAgentFileLocked(af)
}

// TodoPatch carries the mutable fields update_agent_todo may change; a nil
// field leaves that attribute unchanged.
type TodoPatch struct {
	Status        *domain.TodoStatus
	Note          *string
	Objective     *string
	ExpectedOutput *string
	SourcesNeeded []string
	Priority      *domain.Priority
	URL           *string
}

// UpdateTodo mutates the todo matching title for agentID. Absence of a
// matching title is surfaced as an error to the caller rather than
// creating a new todo (§4.4).
func (s *Store) UpdateTodo(agentID, title string, patch TodoPatch) error {
	l := s.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	af, err := s.ReadAgentFile(agentID)
	if err != nil {
		return err
	}

	idx := -1
	for i, t := range af.Todos {
		if t.Title == title {
			idx = i
			break
		}
	}
	if idx == -1 {
		return fmt.Errorf("filestore: no todo titled %q for agent %s", title, agentID)
	}

	t := &af.Todos[idx]
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Note != nil {
		t.Note = *patch.Note
	}
	if patch.Objective != nil {
		t.Objective = *patch.Objective
	}
	if patch.ExpectedOutput != nil {
		t.ExpectedOutput = *patch.ExpectedOutput
	}
	if patch.SourcesNeeded != nil {
		t.SourcesNeeded = patch.SourcesNeeded
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.URL != nil {
		t.URL = *patch.URL
	}

	return s.writeAgentFileLocked(af)
}

// AppendNote appends note to agentID's note list.
func (s *Store) AppendNote(agentID string, note domain.AgentNote) error {
	l := s.lockFor(agentID)
	l.Lock()
	defer l.Unlock()

	af, err := s.ReadAgentFile(agentID)
	if err != nil {
		return err
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now()
	}
	af.Notes = append(af.Notes, note)
	return s.writeAgentFileLocked(af)
}

// SharedNotes returns every shared note across all agent files, most
// recent first, optionally filtered by keyword and capped at limit (0 =
// unbounded). Used by the researcher's read_shared_notes tool.
func (s *Store) SharedNotes(keyword string, limit int) ([]domain.AgentNote, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "agents"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: list agents: %w", err)
	}

	var all []domain.AgentNote
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		agentID := strings.TrimSuffix(e.Name(), ".md")
		af, err := s.ReadAgentFile(agentID)
		if err != nil {
			continue
		}
		for _, n := range af.Notes {
			if !n.Shared {
				continue
			}
			if keyword != "" && !matchesKeyword(n, keyword) {
				continue
			}
			all = append(all, n)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func matchesKeyword(n domain.AgentNote, keyword string) bool {
	kw := strings.ToLower(keyword)
	if strings.Contains(strings.ToLower(n.Title), kw) || strings.Contains(strings.ToLower(n.Summary), kw) {
		return true
	}
	for _, tag := range n.Tags {
		if strings.Contains(strings.ToLower(tag), kw) {
			return true
		}
	}
	return false
}

// DeleteAgentFile removes agentID's file.
func (s *Store) DeleteAgentFile(agentID string) error {
	l := s.lockFor(agentID)
	l.Lock()
	defer l.Unlock()
	err := os.Remove(s.agentPath(agentID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ListFiles returns the full paths, sorted, of files under the store root
// matching glob (e.g. "agents/*.md", "items/*.md").
func (s *Store) ListFiles(glob string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, glob))
	if err != nil {
		return nil, fmt.Errorf("filestore: glob %s: %w", glob, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// splitFrontmatter separates the leading "---\n...\n---\n" YAML block from
// the rest of a markdown file.
func splitFrontmatter(raw []byte) (frontmatter, body []byte, err error) {
	const delim = "---\n"
	s := string(raw)
	if !strings.HasPrefix(s, delim) {
		return nil, raw, fmt.Errorf("missing frontmatter delimiter")
	}
	rest := s[len(delim):]
	end := strings.Index(rest, "\n"+delim)
	if end == -1 {
		return nil, nil, fmt.Errorf("unterminated frontmatter")
	}
	return []byte(rest[:end]), []byte(rest[end+len(delim)+1:]), nil
}
