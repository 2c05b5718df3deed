package wsapi

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deepresearch/internal/config"
	"deepresearch/internal/domain"
	"deepresearch/internal/graph"
	"deepresearch/internal/session"
	"deepresearch/internal/streaming"
)

// fakeDAO is the same hand-rolled in-memory storage.DAO stand-in
// internal/httpapi/server_test.go uses for its own package-local copy.
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

func testHub(t *testing.T) (*Hub, *fakeDAO) {
	t.Helper()
	dao := newFakeDAO()
	mgr := session.NewManager(dao, 24)
	bus := streaming.NewBus()
	gen := streaming.NewGenerator(bus, nil)
	cfg := &config.Config{MaxIterations: 5}

	var g *graph.Graph // nil: these tests never dispatch into a real graph run
	h := NewHub(g, mgr, bus, gen, cfg)
	return h, dao
}

func TestHub_TrackAndUntrackCancel(t *testing.T) {
	h, _ := testHub(t)
	_, cancel := context.WithCancel(context.Background())
	h.trackCancel("sess-1", cancel)

	got, ok := h.cancelFunc("sess-1")
	require.True(t, ok)
	assert.NotNil(t, got)

	h.untrackCancel("sess-1")
	_, ok = h.cancelFunc("sess-1")
	assert.False(t, ok)
}

func TestHub_CancelUnknownSessionNotTracked(t *testing.T) {
	h, _ := testHub(t)
	_, ok := h.cancelFunc("does-not-exist")
	assert.False(t, ok)
}

func TestSendPayload_UnmarshalsMessagesModeAndChatID(t *testing.T) {
	raw := []byte(`{"messages":[{"role":"user","content":"hi"},{"role":"user","content":"tell me about Go"}],"chat_id":"chat-1","mode":"web"}`)

	var payload sendPayload
	require.NoError(t, json.Unmarshal(raw, &payload))

	require.Len(t, payload.Messages, 2)
	assert.Equal(t, "tell me about Go", payload.Messages[1].Content)
	assert.Equal(t, "chat-1", payload.ChatID)
	assert.Equal(t, "web", payload.Mode)
}

func TestMessage_RoundTripsThroughJSON(t *testing.T) {
	data, err := json.Marshal(map[string]string{"foo": "bar"})
	require.NoError(t, err)

	msg := Message{Type: "chat:delta", SessionID: "sess-1", Data: data}
	encoded, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded Message
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, "chat:delta", decoded.Type)
	assert.Equal(t, "sess-1", decoded.SessionID)
	assert.JSONEq(t, `{"foo":"bar"}`, string(decoded.Data))
}

func TestMustMarshal_ReturnsEncodedBytes(t *testing.T) {
	out := mustMarshal(map[string]int{"n": 1})
	assert.JSONEq(t, `{"n":1}`, string(out))
}
