// Package httpapi is the HTTP transport for the research engine (spec §6):
// a thin gin adapter over internal/graph and internal/streaming. Grounded
// on basegraphhq-basegraph's relay/cmd/server/main.go setupRouter shape
// (gin.New() + ordered middleware + a dedicated router-setup function) and
// its handler package's "struct holding its service dependency, one method
// per route" convention (internal/http/handler/auth.go).
package httpapi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"deepresearch/internal/config"
	"deepresearch/internal/graph"
	"deepresearch/internal/pdfexport"
	"deepresearch/internal/session"
	"deepresearch/internal/streaming"
)

// Server wires the graph orchestrator, session manager and streaming bus
// into gin routes. The core package never imports gin outside this file and
// handlers.go: it stays framework-agnostic, matching the "front-end framing
// is an adapter, not core logic" split the prior version keeps between
// internal/orchestrator and its CLI presentation layer.
type Server struct {
	engine   *gin.Engine
	graph    *graph.Graph
	sessions *session.Manager
	bus      *streaming.Bus
	gen      *streaming.Generator
	exporter *pdfexport.Exporter
	cfg      *config.Config

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewServer builds a Server. isProduction toggles gin.ReleaseMode, matching
// the original cfg.IsProduction() gate in relay/cmd/server/main.go.
func NewServer(g *graph.Graph, sessions *session.Manager, bus *streaming.Bus, gen *streaming.Generator, exporter *pdfexport.Exporter, cfg *config.Config, isProduction bool) *Server {
	if isProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		engine:   gin.New(),
		graph:    g,
		sessions: sessions,
		bus:      bus,
		gen:      gen,
		exporter: exporter,
		cfg:      cfg,
		cancels:  make(map[string]context.CancelFunc),
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(requestLogger())
	s.setupRoutes()
	return s
}

// Engine exposes the underlying gin.Engine, e.g. for httptest.NewServer in
// tests or for *http.Server.Handler at the process entrypoint.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.POST("/chat/stream", s.handleChatStream)
	api.POST("/chat/stream/:id/cancel", s.handleCancel)
	api.GET("/chat/stream/:id/pdf", s.handlePDF)
}

// requestLogger mirrors the original middleware.Logger(): one structured
// slog line per request, with method/path/status/latency.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()
		slog.InfoContext(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) trackCancel(sessionID string, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels[sessionID] = cancel
}

func (s *Server) untrackCancel(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancels, sessionID)
}

func (s *Server) cancelFunc(sessionID string) (context.CancelFunc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, ok := s.cancels[sessionID]
	return cancel, ok
}

func writeJSONError(c *gin.Context, status int, err error) {
	c.JSON(status, gin.H{"error": err.Error()})
}
