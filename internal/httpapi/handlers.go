package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"deepresearch/internal/domain"
	"deepresearch/internal/graph"
	"deepresearch/internal/pdfexport"
	"deepresearch/internal/streaming"
)

// chatMessage is one entry of the ChatStreamRequest.messages array (§6).
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatStreamRequest is the POST /api/chat/stream body (§6): "{messages[],
// model, stream:true}".
type chatStreamRequest struct {
	Messages []chatMessage `json:"messages" binding:"required"`
	Model    string        `json:"model"`
	Stream   bool          `json:"stream"`
	ChatID   string        `json:"chat_id"`
	Mode     string        `json:"mode"`
}

// handleChatStream implements POST /api/chat/stream (§6): creates or
// resumes a session, starts the graph run in the background, and streams
// its events back as "data: {json}\n\n" SSE frames with X-Session-ID and
// X-Research-Mode response headers, terminated by "data: [DONE]\n\n".
func (s *Server) handleChatStream(c *gin.Context) {
	var req chatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSONError(c, http.StatusBadRequest, err)
		return
	}
	if len(req.Messages) == 0 {
		writeJSONError(c, http.StatusBadRequest, fmt.Errorf("messages must not be empty"))
		return
	}

	query := req.Messages[len(req.Messages)-1].Content
	mode, err := domain.NormalizeMode(req.Mode)
	if err != nil {
		mode = domain.ModeDeepResearch
	}

	sess, err := s.sessions.GetOrCreateSession(c.Request.Context(), req.ChatID, query, mode)
	if err != nil {
		writeJSONError(c, http.StatusInternalServerError, err)
		return
	}

	c.Header("X-Session-ID", sess.ID)
	c.Header("X-Research-Mode", string(mode))
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	runCtx, cancel := context.WithCancel(context.Background())
	s.trackCancel(sess.ID, cancel)
	defer s.untrackCancel(sess.ID)

	events := s.bus.Subscribe(sess.ID, true)
	defer s.bus.Unsubscribe(sess.ID, events)

	go s.runGraph(runCtx, sess, req.Messages, mode)

	c.Stream(func(w io.Writer) bool {
		select {
		case evt, ok := <-events:
			if !ok {
				fmt.Fprint(w, "data: [DONE]\n\n")
				return false
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				return true
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			if evt.Type == streaming.EventDone || evt.Type == streaming.EventError {
				fmt.Fprint(w, "data: [DONE]\n\n")
				return false
			}
			return true
		case <-c.Request.Context().Done():
			cancel()
			return false
		}
	})
}

// runGraph drives one session's research graph run in the background,
// publishing EventError on failure so the SSE stream always terminates.
func (s *Server) runGraph(ctx context.Context, sess *domain.Session, messages []chatMessage, mode domain.Mode) {
	history := make([]domain.ChatTurn, len(messages))
	for i, m := range messages {
		history[i] = domain.ChatTurn{Role: m.Role, Content: m.Content}
	}

	state := &domain.SessionState{
		Query:         sess.OriginalQuery,
		OriginalQuery: sess.OriginalQuery,
		ChatHistory:   history,
		ModeConfig:    s.cfg.ModeConfigFor(mode),
		MaxIterations: s.cfg.MaxIterations,
	}

	result, err := s.graph.Run(ctx, sess.ID, sess.ChatID, state)
	if err != nil {
		slog.ErrorContext(ctx, "graph run failed", "session_id", sess.ID, "error", err)
		s.gen.EmitError(sess.ID, err)
		return
	}

	if result.Status == domain.StatusCompleted && state.FinalReport != nil {
		_ = s.sessions.CompleteSession(ctx, sess.ID, graph.RenderFinalReport(state.FinalReport))
	}
}

// handleCancel implements POST /api/chat/stream/:id/cancel (§6): cancels
// the in-flight run context for the session, if one is tracked.
func (s *Server) handleCancel(c *gin.Context) {
	sessionID := c.Param("id")
	cancel, ok := s.cancelFunc(sessionID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active run for session"})
		return
	}
	cancel()
	_ = s.sessions.UpdateStatus(c.Request.Context(), sessionID, domain.StatusCancelled)
	c.JSON(http.StatusOK, gin.H{"status": "cancelled"})
}

// handlePDF implements GET /api/chat/stream/:id/pdf (§6, §4.10): renders
// the session's final report as a paginated PDF.
func (s *Server) handlePDF(c *gin.Context) {
	sessionID := c.Param("id")
	sess, err := s.sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		writeJSONError(c, http.StatusNotFound, err)
		return
	}
	if sess.FinalReport == "" {
		writeJSONError(c, http.StatusConflict, fmt.Errorf("session %s has no final report yet", sessionID))
		return
	}

	sources := parseSourcesSection(sess.FinalReport)

	data, err := s.exporter.Render(sess.OriginalQuery, sess.FinalReport, sources)
	if err != nil {
		writeJSONError(c, http.StatusInternalServerError, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sessionID+".pdf"))
	c.Data(http.StatusOK, "application/pdf", data)
}

var (
	numberedSourceRe = regexp.MustCompile(`^\[(\d+)\]\s*(.+?)\s*-\s*(\S+)$`)
	linkSourceRe     = regexp.MustCompile(`^-\s*\[(.+?)\]\((\S+)\)$`)
)

// parseSourcesSection recovers structured sources from a rendered report's
// trailing "## Sources" block so the PDF exporter can emit clickable links.
// Two report shapes reach this handler: C9's writer emits numbered "[n]
// Title - URL" lines (internal/searchservice/writer.go), C6's
// graph.RenderFinalReport emits unnumbered "- [Title](URL)" markdown links;
// unnumbered sources get sequential numbers in appearance order.
func parseSourcesSection(report string) []pdfexport.Source {
	idx := strings.Index(report, "## Sources")
	if idx == -1 {
		return nil
	}

	var sources []pdfexport.Source
	next := 1
	for _, line := range strings.Split(report[idx:], "\n") {
		line = strings.TrimSpace(line)
		if m := numberedSourceRe.FindStringSubmatch(line); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			sources = append(sources, pdfexport.Source{Number: n, Title: m[2], URL: m[3]})
			continue
		}
		if m := linkSourceRe.FindStringSubmatch(line); m != nil {
			sources = append(sources, pdfexport.Source{Number: next, Title: m[1], URL: m[2]})
			next++
		}
	}
	return sources
}
