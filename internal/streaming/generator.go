package streaming

import (
	"context"
	"fmt"
	"strings"
)

// chunkSize is the chunking rule for final reports and deep-search output
// (§4.8): long text is split into ≤10,000-char pieces for responsive
// rendering over SSE/WS.
const chunkSize = 10000

// clarificationSeparator is the exact four-newline boundary required
// between a deep-search section and a following clarification block so
// markdown renderers don't run the two together (§4.8).
const clarificationSeparator = "\n\n\n\n"

// MessageStore is the durable sink emit_final_report/emit_done write
// through to. Narrow on purpose: the streamer only ever upserts one row per
// message id, grounded on the original session store's last-write-wins
// save semantics generalized to a keyed upsert.
type MessageStore interface {
	UpsertAssistantMessage(ctx context.Context, messageID, chatID, content string) error
}

// Generator drives chunked emission and idempotent persistence for one
// session's stream.
type Generator struct {
	bus   *Bus
	store MessageStore
}

// NewGenerator builds a Generator bound to bus and store.
func NewGenerator(bus *Bus, store MessageStore) *Generator {
	return &Generator{bus: bus, store: store}
}

// EmitChunked splits text into ≤chunkSize pieces and publishes one event
// of eventType per piece, in order.
func (g *Generator) EmitChunked(sessionID string, eventType EventType, text string) {
	if text == "" {
		return
	}
	for len(text) > 0 {
		n := chunkSize
		if n > len(text) {
			n = len(text)
		}
		g.bus.Publish(sessionID, Event{Type: eventType, Data: map[string]string{"chunk": text[:n]}})
		text = text[n:]
	}
}

// CombineDeepSearchAndClarification joins a deep-search section and a
// clarification block with the mandatory four-newline separator (§4.8).
func CombineDeepSearchAndClarification(deepSearch, clarification string) string {
	return strings.TrimRight(deepSearch, "\n") + clarificationSeparator + clarification
}

// messageID is the deterministic id emit_final_report/emit_done write
// under: "assistant_<session_id>_<epoch_ms>". Repeated calls collide on the
// same row only when the caller passes the same epochMs.
func messageID(sessionID string, epochMs int64) string {
	return fmt.Sprintf("assistant_%s_%d", sessionID, epochMs)
}

// EmitFinalReport publishes the chunked report and idempotently upserts the
// durable assistant message keyed by messageID(sessionID, epochMs).
// Repeated calls with the same epochMs UPDATE the same row rather than
// inserting a duplicate.
func (g *Generator) EmitFinalReport(ctx context.Context, sessionID, chatID, report string, epochMs int64) error {
	g.EmitChunked(sessionID, EventReportChunk, report)
	g.bus.Publish(sessionID, Event{Type: EventFinalReport, Data: map[string]string{"report": report}})
	if g.store == nil {
		return nil
	}
	return g.store.UpsertAssistantMessage(ctx, messageID(sessionID, epochMs), chatID, report)
}

// EmitDone publishes the terminal EventDone and, if content is non-empty,
// performs the same idempotent upsert as EmitFinalReport (used for modes
// that finish without a full report, e.g. chat/web).
func (g *Generator) EmitDone(ctx context.Context, sessionID, chatID, content string, epochMs int64) error {
	g.bus.Publish(sessionID, Event{Type: EventDone, Data: map[string]string{"content": content}})
	if g.store == nil || content == "" {
		return nil
	}
	return g.store.UpsertAssistantMessage(ctx, messageID(sessionID, epochMs), chatID, content)
}

// EmitError publishes a terminal EventError with a human-readable message.
func (g *Generator) EmitError(sessionID string, err error) {
	g.bus.Publish(sessionID, Event{Type: EventError, Data: map[string]string{"error": err.Error()}})
}
