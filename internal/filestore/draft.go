package filestore

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"deepresearch/internal/domain"

	"gopkg.in/yaml.v3"
)

// DraftMode selects how write_draft_report mutates an existing chapter.
type DraftMode string

const (
	DraftAppend         DraftMode = "append"
	DraftReplaceChapter DraftMode = "replace_chapter"
)

// draftReport is the YAML-frontmatter-backed structure of draft_report.md.
type draftReport struct {
	Chapters []domain.Chapter `yaml:"chapters"`
}

var (
	mainLock       sync.Mutex
	draftLock      sync.Mutex
	supervisorLock sync.Mutex
)

func (s *Store) mainPath() string       { return filepath.Join(s.dir, "main.md") }
func (s *Store) draftPath() string      { return filepath.Join(s.dir, "draft_report.md") }
func (s *Store) supervisorPath() string { return filepath.Join(s.dir, "agents", "supervisor.md") }

// ReadMain returns main.md's content, truncated to maxLength characters (0
// = unbounded).
func (s *Store) ReadMain(maxLength int) (string, error) {
	content, err := readFileOrEmpty(s.mainPath())
	if err != nil {
		return "", err
	}
	if maxLength > 0 && len(content) > maxLength {
		content = content[:maxLength]
	}
	return content, nil
}

// WriteMainSection appends or replaces a "## sectionTitle" section in
// main.md — shared key insights the supervisor accumulates over the run.
func (s *Store) WriteMainSection(sectionTitle, content string) error {
	mainLock.Lock()
	defer mainLock.Unlock()

	existing, err := readFileOrEmpty(s.mainPath())
	if err != nil {
		return err
	}
	updated := upsertSection(existing, sectionTitle, content)
	return os.WriteFile(s.mainPath(), []byte(updated), 0o644)
}

// ReadDraftReport renders draft_report.md's chapters, renumbered
// sequentially and deduplicated by lower-cased title (see dedupeChapters).
func (s *Store) ReadDraftReport() (string, []domain.Chapter, error) {
	chapters, err := s.loadDraftChapters()
	if err != nil {
		return "", nil, err
	}
	chapters = dedupeChapters(chapters)
	return renderDraftReport(chapters), chapters, nil
}

func (s *Store) loadDraftChapters() ([]domain.Chapter, error) {
	raw, err := os.ReadFile(s.draftPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read draft report: %w", err)
	}
	fm, _, err := splitFrontmatter(raw)
	if err != nil {
		return nil, fmt.Errorf("filestore: parse draft report: %w", err)
	}
	var dr draftReport
	if err := yaml.Unmarshal(fm, &dr); err != nil {
		return nil, fmt.Errorf("filestore: unmarshal draft report: %w", err)
	}
	return dr.Chapters, nil
}

// WriteDraftReport writes or mutates a chapter matched by title. mode
// append adds content to an existing chapter's summary, or creates a new
// chapter if title is unseen; mode replace_chapter overwrites the matched
// chapter's content wholesale.
func (s *Store) WriteDraftReport(sectionTitle, content string, mode DraftMode) error {
	draftLock.Lock()
	defer draftLock.Unlock()

	chapters, err := s.loadDraftChapters()
	if err != nil {
		return err
	}

	idx := -1
	for i, c := range chapters {
		if strings.EqualFold(c.Title, sectionTitle) {
			idx = i
			break
		}
	}

	if idx == -1 {
		chapters = append(chapters, domain.Chapter{
			Number:  len(chapters) + 1,
			Title:   sectionTitle,
			Summary: content,
		})
	} else if mode == DraftReplaceChapter {
		chapters[idx].Summary = content
	} else {
		chapters[idx].Summary = strings.TrimRight(chapters[idx].Summary, "\n") + "\n\n" + content
	}

	chapters = dedupeChapters(chapters)
	return s.saveDraftChapters(chapters)
}

func (s *Store) saveDraftChapters(chapters []domain.Chapter) error {
	fm, err := yaml.Marshal(draftReport{Chapters: chapters})
	if err != nil {
		return fmt.Errorf("filestore: marshal draft report: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(fm)
	buf.WriteString("---\n\n")
	buf.WriteString(renderDraftReport(chapters))
	return os.WriteFile(s.draftPath(), buf.Bytes(), 0o644)
}

// dedupeChapters renumbers sequentially and removes duplicates keyed by
// title.lower() alone, keeping the first occurrence of a title whatever its
// number.
func dedupeChapters(chapters []domain.Chapter) []domain.Chapter {
	seen := make(map[string]bool)
	out := make([]domain.Chapter, 0, len(chapters))
	for _, c := range chapters {
		key := strings.ToLower(c.Title)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	for i := range out {
		out[i].Number = i + 1
	}
	return out
}

func renderDraftReport(chapters []domain.Chapter) string {
	var b strings.Builder
	for _, c := range chapters {
		fmt.Fprintf(&b, "## Chapter %d: %s\n\n", c.Number, c.Title)
		b.WriteString("### Summary\n\n")
		b.WriteString(c.Summary)
		b.WriteString("\n\n### Key Findings\n\n")
		for _, kf := range c.KeyFindings {
			fmt.Fprintf(&b, "- %s\n", kf)
		}
		b.WriteString("\n### Sources\n\n")
		for _, src := range c.Sources {
			fmt.Fprintf(&b, "- [%s](%s)\n", src.Title, src.URL)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ReadSupervisorFile returns the supervisor's private notebook content.
func (s *Store) ReadSupervisorFile() (string, error) {
	return readFileOrEmpty(s.supervisorPath())
}

// WriteSupervisorNote appends content to the supervisor's private notebook
// as a new entry after a "---" rule. No timestamp is written.
func (s *Store) WriteSupervisorNote(content string) error {
	supervisorLock.Lock()
	defer supervisorLock.Unlock()

	existing, err := readFileOrEmpty(s.supervisorPath())
	if err != nil {
		return err
	}
	updated := strings.TrimRight(existing, "\n") + "\n\n---\n\n" + content + "\n"
	return os.WriteFile(s.supervisorPath(), []byte(strings.TrimLeft(updated, "\n")), 0o644)
}

// WriteItem saves an individual agent note under items/<slug>.md.
func (s *Store) WriteItem(slug, content string) error {
	return os.WriteFile(filepath.Join(s.dir, "items", slug+".md"), []byte(content), 0o644)
}

func readFileOrEmpty(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("filestore: read %s: %w", path, err)
	}
	return string(raw), nil
}

// upsertSection replaces a "## title" section in markdown if it already
// exists, or appends a new one otherwise.
func upsertSection(markdown, title, content string) string {
	header := "## " + title
	lines := strings.Split(markdown, "\n")

	start := -1
	for i, line := range lines {
		if strings.TrimSpace(line) == header {
			start = i
			break
		}
	}
	if start == -1 {
		if strings.TrimSpace(markdown) == "" {
			return fmt.Sprintf("%s\n\n%s\n", header, content)
		}
		return strings.TrimRight(markdown, "\n") + "\n\n" + header + "\n\n" + content + "\n"
	}

	end := len(lines)
	for i := start + 1; i < len(lines); i++ {
		if strings.HasPrefix(strings.TrimSpace(lines[i]), "## ") {
			end = i
			break
		}
	}

	replacement := []string{header, "", content, ""}
	out := append([]string{}, lines[:start]...)
	out = append(out, replacement...)
	out = append(out, lines[end:]...)
	return strings.Join(out, "\n")
}
