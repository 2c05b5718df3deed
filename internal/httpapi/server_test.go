package httpapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/config"
	"deepresearch/internal/domain"
	"deepresearch/internal/graph"
	"deepresearch/internal/pdfexport"
	"deepresearch/internal/session"
	"deepresearch/internal/streaming"
)

// fakeDAO is a hand-rolled in-memory storage.DAO stand-in, the same style
// internal/session/manager_test.go uses for its own package-local fake.
type fakeDAO struct {
	sessions map[string]*domain.Session
}

func newFakeDAO() *fakeDAO { return &fakeDAO{sessions: map[string]*domain.Session{}} }

func (f *fakeDAO) CreateSession(ctx context.Context, s *domain.Session) error {
	cp := *s
	f.sessions[s.ID] = &cp
	return nil
}

func (f *fakeDAO) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	return f.sessions[id], nil
}

func (f *fakeDAO) GetActiveSession(ctx context.Context, chatID string) (*domain.Session, error) {
	for _, s := range f.sessions {
		if s.ChatID == chatID && s.Status.IsLive() {
			return s, nil
		}
	}
	return nil, nil
}

func (f *fakeDAO) UpdateStatus(ctx context.Context, id string, status domain.SessionStatus) error {
	if s, ok := f.sessions[id]; ok {
		s.Status = status
	}
	return nil
}

func (f *fakeDAO) CompleteSession(ctx context.Context, id string, finalReport string) error {
	if s, ok := f.sessions[id]; ok {
		s.FinalReport = finalReport
		s.Status = domain.StatusCompleted
	}
	return nil
}

func (f *fakeDAO) SaveDeepSearchResult(ctx context.Context, id string, result string) error {
	if s, ok := f.sessions[id]; ok {
		s.DeepSearchResult = result
	}
	return nil
}

func (f *fakeDAO) SaveClarificationAnswers(ctx context.Context, id string, answers map[string]string) error {
	return nil
}

func (f *fakeDAO) SaveDraftReport(ctx context.Context, id string, draft string) error { return nil }

func (f *fakeDAO) SupersedeActiveSessions(ctx context.Context, chatID, excludeID string) (int64, error) {
	return 0, nil
}

func (f *fakeDAO) CleanupExpiredSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeDAO) UpsertAssistantMessage(ctx context.Context, messageID, chatID, content string) error {
	return nil
}

func testServer(t *testing.T) (*Server, *fakeDAO) {
	t.Helper()
	dao := newFakeDAO()
	mgr := session.NewManager(dao, 24)
	bus := streaming.NewBus()
	gen := streaming.NewGenerator(bus, nil)
	exporter := pdfexport.NewExporter("", "")
	cfg := &config.Config{MaxIterations: 5}

	var g *graph.Graph // nil: route-registration tests never dispatch to handlers
	s := NewServer(g, mgr, bus, gen, exporter, cfg, false)
	return s, dao
}

func TestServer_RegistersExpectedRoutes(t *testing.T) {
	s, _ := testServer(t)

	paths := make(map[string]bool)
	for _, r := range s.Engine().Routes() {
		paths[r.Method+" "+r.Path] = true
	}

	assert.True(t, paths["POST /api/chat/stream"])
	assert.True(t, paths["POST /api/chat/stream/:id/cancel"])
	assert.True(t, paths["GET /api/chat/stream/:id/pdf"])
}

func TestServer_CancelUnknownSessionNotTracked(t *testing.T) {
	s, _ := testServer(t)
	_, ok := s.cancelFunc("does-not-exist")
	assert.False(t, ok)
}

func TestServer_TrackAndUntrackCancel(t *testing.T) {
	s, _ := testServer(t)
	_, cancel := context.WithCancel(context.Background())
	s.trackCancel("sess-1", cancel)

	got, ok := s.cancelFunc("sess-1")
	require.True(t, ok)
	assert.NotNil(t, got)

	s.untrackCancel("sess-1")
	_, ok = s.cancelFunc("sess-1")
	assert.False(t, ok)
}

func TestParseSourcesSection_NumberedStyle(t *testing.T) {
	report := "Body text [1].\n\n## Sources\n[1] Go Concurrency - https://go.dev/blog/concurrency\n[2] Effective Go - https://go.dev/doc/effective_go\n"

	sources := parseSourcesSection(report)

	require.Len(t, sources, 2)
	assert.Equal(t, pdfexport.Source{Number: 1, Title: "Go Concurrency", URL: "https://go.dev/blog/concurrency"}, sources[0])
	assert.Equal(t, pdfexport.Source{Number: 2, Title: "Effective Go", URL: "https://go.dev/doc/effective_go"}, sources[1])
}

func TestParseSourcesSection_LinkStyle(t *testing.T) {
	report := "## Conclusion\nDone.\n\n## Sources\n- [Go Concurrency](https://go.dev/blog/concurrency)\n- [Effective Go](https://go.dev/doc/effective_go)\n"

	sources := parseSourcesSection(report)

	require.Len(t, sources, 2)
	assert.Equal(t, 1, sources[0].Number)
	assert.Equal(t, "Go Concurrency", sources[0].Title)
	assert.Equal(t, 2, sources[1].Number)
}

func TestParseSourcesSection_NoSourcesSectionReturnsNil(t *testing.T) {
	assert.Nil(t, parseSourcesSection("just a plain report with no sources"))
}
