package wsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"deepresearch/internal/domain"
	"deepresearch/internal/graph"
	"deepresearch/internal/streaming"
)

// sendPayload is chat:send's Data field (§6: same message/model/mode shape
// as the HTTP transport's chat-stream request body).
type sendPayload struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	ChatID string `json:"chat_id"`
	Mode   string `json:"mode"`
}

// HandleWS upgrades r to a WebSocket connection and drives the chat:send /
// chat:cancel protocol for its lifetime: upgrade, welcome frame, then a
// read loop dispatching by message type, with the write side guarded by a
// dedicated mutex since one session's events may be forwarded concurrently
// with protocol replies.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("wsapi: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	var connMu sync.Mutex
	connMu.Lock()
	_ = conn.WriteJSON(Message{Type: "connected"})
	connMu.Unlock()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("wsapi: connection closed unexpectedly", "error", err)
			}
			return
		}

		switch msg.Type {
		case "chat:send":
			h.handleChatSend(r.Context(), conn, &connMu, msg)
		case "chat:cancel":
			h.handleChatCancel(conn, &connMu, msg.SessionID)
		case "ping":
			connMu.Lock()
			_ = conn.WriteJSON(Message{Type: "pong"})
			connMu.Unlock()
		default:
			slog.Warn("wsapi: unknown message type", "type", msg.Type)
		}
	}
}

func (h *Hub) handleChatSend(ctx context.Context, conn *websocket.Conn, connMu *sync.Mutex, msg Message) {
	var payload sendPayload
	if err := json.Unmarshal(msg.Data, &payload); err != nil || len(payload.Messages) == 0 {
		connMu.Lock()
		_ = conn.WriteJSON(Message{Type: "error", Data: mustMarshal(map[string]string{"error": "invalid chat:send payload"})})
		connMu.Unlock()
		return
	}

	query := payload.Messages[len(payload.Messages)-1].Content
	mode, err := domain.NormalizeMode(payload.Mode)
	if err != nil {
		mode = domain.ModeDeepResearch
	}

	sess, err := h.sessions.GetOrCreateSession(ctx, payload.ChatID, query, mode)
	if err != nil {
		connMu.Lock()
		_ = conn.WriteJSON(Message{Type: "error", Data: mustMarshal(map[string]string{"error": err.Error()})})
		connMu.Unlock()
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.trackCancel(sess.ID, cancel)

	events := h.bus.Subscribe(sess.ID, true)

	history := make([]domain.ChatTurn, len(payload.Messages))
	for i, m := range payload.Messages {
		history[i] = domain.ChatTurn{Role: m.Role, Content: m.Content}
	}

	go h.runGraph(runCtx, sess, history, mode)
	go h.forwardEvents(sess.ID, conn, connMu, events)
}

// forwardEvents drains sessionID's subscription and writes each event over
// conn until a terminal event arrives or the bus closes the channel.
func (h *Hub) forwardEvents(sessionID string, conn *websocket.Conn, connMu *sync.Mutex, events <-chan streaming.Event) {
	defer h.bus.Unsubscribe(sessionID, events)
	for evt := range events {
		if err := writeEvent(conn, connMu, evt); err != nil {
			return
		}
		if evt.Type == streaming.EventDone || evt.Type == streaming.EventError {
			return
		}
	}
}

func (h *Hub) handleChatCancel(conn *websocket.Conn, connMu *sync.Mutex, sessionID string) {
	cancel, ok := h.cancelFunc(sessionID)
	connMu.Lock()
	defer connMu.Unlock()
	if !ok {
		_ = conn.WriteJSON(Message{Type: "error", Data: mustMarshal(map[string]string{"error": "no active run for session"})})
		return
	}
	cancel()
	_ = conn.WriteJSON(Message{Type: "chat:cancelled", SessionID: sessionID})
}

func (h *Hub) runGraph(ctx context.Context, sess *domain.Session, history []domain.ChatTurn, mode domain.Mode) {
	defer h.untrackCancel(sess.ID)

	state := &domain.SessionState{
		Query:         sess.OriginalQuery,
		OriginalQuery: sess.OriginalQuery,
		ChatHistory:   history,
		ModeConfig:    h.cfg.ModeConfigFor(mode),
		MaxIterations: h.cfg.MaxIterations,
	}

	result, err := h.graph.Run(ctx, sess.ID, sess.ChatID, state)
	if err != nil {
		slog.ErrorContext(ctx, "wsapi: graph run failed", "session_id", sess.ID, "error", err)
		h.gen.EmitError(sess.ID, err)
		return
	}

	if result.Status == domain.StatusCompleted && state.FinalReport != nil {
		_ = h.sessions.CompleteSession(ctx, sess.ID, graph.RenderFinalReport(state.FinalReport))
	}
}
