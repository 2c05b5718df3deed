// Package wsapi is the WebSocket transport for the research engine (spec
// §6): the chat:send / chat:cancel event protocol over a connection hub.
// Grounded on codeready-toolchain-tarsy's pkg/api/websocket.go (register/
// unregister channels, broadcast loop, per-connection read goroutine),
// generalized from a single global broadcast hub to per-session message
// routing, since each connection here drives one chat session rather than
// observing every session at once.
package wsapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"deepresearch/internal/config"
	"deepresearch/internal/graph"
	"deepresearch/internal/session"
	"deepresearch/internal/streaming"
)

// Message is one frame of the chat:send/chat:cancel protocol (§6).
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub upgrades HTTP connections to WebSocket and drives the chat protocol
// over the same graph/session/bus collaborators internal/httpapi uses.
// Grounded on the original WSHub register/unregister/broadcast channel
// trio, generalized to track one cancel func per live session rather than
// one flat client set, since each connection here owns a single run.
type Hub struct {
	graph    *graph.Graph
	sessions *session.Manager
	bus      *streaming.Bus
	gen      *streaming.Generator
	cfg      *config.Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewHub builds a Hub. PDF export is served over HTTP only (§6); the
// WebSocket protocol only ever needs graph/session/bus/config access.
func NewHub(g *graph.Graph, sessions *session.Manager, bus *streaming.Bus, gen *streaming.Generator, cfg *config.Config) *Hub {
	return &Hub{
		graph: g, sessions: sessions, bus: bus, gen: gen, cfg: cfg,
		cancels: make(map[string]context.CancelFunc),
	}
}

func (h *Hub) trackCancel(sessionID string, cancel context.CancelFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancels[sessionID] = cancel
}

func (h *Hub) untrackCancel(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cancels, sessionID)
}

func (h *Hub) cancelFunc(sessionID string) (context.CancelFunc, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cancel, ok := h.cancels[sessionID]
	return cancel, ok
}

// writeEvent serializes one streaming.Event as a Message and sends it
// over conn, guarded by connMu since gorilla/websocket connections are not
// safe for concurrent writers.
func writeEvent(conn *websocket.Conn, connMu *sync.Mutex, evt streaming.Event) error {
	connMu.Lock()
	defer connMu.Unlock()
	return conn.WriteJSON(Message{Type: string(evt.Type), SessionID: evt.SessionID, Data: mustMarshal(evt.Data)})
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Error("wsapi: marshal event data", "error", err)
		return nil
	}
	return b
}
