// Package storage is the narrow relational DAO spec §3/§4.7 requires: chats,
// chat_messages, research_sessions. internal/session.Manager (C7) is its
// only caller.
//
// Grounded on the original internal/adapters/storage/filesystem package for
// the adapter-behind-an-interface shape, and on codeready-toolchain-tarsy's
// pkg/database/client.go for the pgx-over-database/sql connection and
// golang-migrate wiring. Unlike tarsy we do not adopt entgo.io/ent: ent
// requires a `go generate`-produced client we cannot run in this exercise,
// so DB reads a narrower DAO interface with hand-written SQL instead of a
// generated query builder.
package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"deepresearch/internal/domain"
)

//go:embed migrations
var migrationsFS embed.FS

// DAO is the narrow persistence contract session.Manager drives. It also
// satisfies streaming.MessageStore so the same connection backs both chat
// history and the session table.
type DAO interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	GetActiveSession(ctx context.Context, chatID string) (*domain.Session, error)
	UpdateStatus(ctx context.Context, id string, status domain.SessionStatus) error
	CompleteSession(ctx context.Context, id string, finalReport string) error
	SaveDeepSearchResult(ctx context.Context, id string, result string) error
	SaveClarificationAnswers(ctx context.Context, id string, answers map[string]string) error
	SaveDraftReport(ctx context.Context, id string, draft string) error
	SupersedeActiveSessions(ctx context.Context, chatID, excludeID string) (int64, error)
	CleanupExpiredSessions(ctx context.Context, olderThan time.Duration) (int64, error)
	UpsertAssistantMessage(ctx context.Context, messageID, chatID, content string) error
}

// DB is the pgx-backed DAO implementation.
type DB struct {
	conn *sql.DB
}

var _ DAO = (*DB)(nil)

// Open connects to dsn, applies embedded migrations, and returns a ready DB.
func Open(ctx context.Context, dsn string) (*DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}
	return &DB{conn: conn}, nil
}

func runMigrations(conn *sql.DB) error {
	driver, err := postgres.WithInstance(conn, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "deepresearch", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return source.Close()
}

// Close releases the underlying connection pool.
func (d *DB) Close() error { return d.conn.Close() }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

const sessionColumns = `id, chat_id, original_query, mode, status, created_at, updated_at,
	completed_at, deep_search_result, clarification_answers, draft_report, final_report, session_metadata`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var s domain.Session
	var completedAt sql.NullTime
	var clarification, metadata []byte
	var deepSearch, draft, final sql.NullString
	if err := row.Scan(&s.ID, &s.ChatID, &s.OriginalQuery, &s.Mode, &s.Status, &s.CreatedAt, &s.UpdatedAt,
		&completedAt, &deepSearch, &clarification, &draft, &final, &metadata); err != nil {
		return nil, err
	}
	if completedAt.Valid {
		s.CompletedAt = &completedAt.Time
	}
	s.DeepSearchResult = deepSearch.String
	s.DraftReport = draft.String
	s.FinalReport = final.String
	if len(clarification) > 0 {
		_ = json.Unmarshal(clarification, &s.ClarificationAnswers)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &s.SessionMetadata)
	}
	return &s, nil
}

// CreateSession runs the I1/P3 invariant atomically: supersede any live
// session for chat_id, then insert the new row, inside one transaction
// (spec §4.7's "UPDATE...supersede, INSERT" rule).
func (d *DB) CreateSession(ctx context.Context, s *domain.Session) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureChat(ctx, tx, s.ChatID); err != nil {
		return fmt.Errorf("ensure chat %s: %w", s.ChatID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE research_sessions SET status = 'superseded', updated_at = now()
		WHERE chat_id = $1 AND status IN ('active', 'waiting_clarification', 'researching')`,
		s.ChatID); err != nil {
		return fmt.Errorf("supersede active sessions: %w", err)
	}

	clarification, err := marshalJSON(s.ClarificationAnswers)
	if err != nil {
		return fmt.Errorf("marshal clarification answers: %w", err)
	}
	metadata, err := marshalJSON(s.SessionMetadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO research_sessions
			(id, chat_id, original_query, mode, status, created_at, updated_at,
			 deep_search_result, clarification_answers, draft_report, final_report, session_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.ChatID, s.OriginalQuery, s.Mode, s.Status, s.CreatedAt, s.UpdatedAt,
		s.DeepSearchResult, clarification, s.DraftReport, s.FinalReport, metadata); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}

	return tx.Commit()
}

func (d *DB) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM research_sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return s, nil
}

// GetActiveSession returns chatID's one live session, if any (I1).
func (d *DB) GetActiveSession(ctx context.Context, chatID string) (*domain.Session, error) {
	row := d.conn.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM research_sessions
		WHERE chat_id = $1 AND status IN ('active', 'waiting_clarification', 'researching')
		ORDER BY created_at DESC LIMIT 1`, chatID)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active session for chat %s: %w", chatID, err)
	}
	return s, nil
}

func (d *DB) UpdateStatus(ctx context.Context, id string, status domain.SessionStatus) error {
	completedAt := sql.NullTime{}
	if status.Immutable() {
		completedAt = nullTime(timePtr(time.Now()))
	}
	_, err := d.conn.ExecContext(ctx, `
		UPDATE research_sessions SET status = $2, updated_at = now(),
			completed_at = COALESCE(completed_at, $3)
		WHERE id = $1`, id, status, completedAt)
	if err != nil {
		return fmt.Errorf("update status for %s: %w", id, err)
	}
	return nil
}

func (d *DB) CompleteSession(ctx context.Context, id string, finalReport string) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE research_sessions
		SET status = 'completed', final_report = $2, completed_at = now(), updated_at = now()
		WHERE id = $1`, id, finalReport)
	if err != nil {
		return fmt.Errorf("complete session %s: %w", id, err)
	}
	return nil
}

func (d *DB) SaveDeepSearchResult(ctx context.Context, id string, result string) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE research_sessions SET deep_search_result = $2, updated_at = now() WHERE id = $1`, id, result)
	if err != nil {
		return fmt.Errorf("save deep search result for %s: %w", id, err)
	}
	return nil
}

func (d *DB) SaveClarificationAnswers(ctx context.Context, id string, answers map[string]string) error {
	blob, err := marshalJSON(answers)
	if err != nil {
		return fmt.Errorf("marshal clarification answers: %w", err)
	}
	if _, err := d.conn.ExecContext(ctx, `
		UPDATE research_sessions SET clarification_answers = $2, updated_at = now() WHERE id = $1`, id, blob); err != nil {
		return fmt.Errorf("save clarification answers for %s: %w", id, err)
	}
	return nil
}

func (d *DB) SaveDraftReport(ctx context.Context, id string, draft string) error {
	_, err := d.conn.ExecContext(ctx, `
		UPDATE research_sessions SET draft_report = $2, updated_at = now() WHERE id = $1`, id, draft)
	if err != nil {
		return fmt.Errorf("save draft report for %s: %w", id, err)
	}
	return nil
}

// SupersedeActiveSessions transitions every live session of chatID except
// excludeID to superseded, returning the number of rows touched.
func (d *DB) SupersedeActiveSessions(ctx context.Context, chatID, excludeID string) (int64, error) {
	res, err := d.conn.ExecContext(ctx, `
		UPDATE research_sessions SET status = 'superseded', updated_at = now()
		WHERE chat_id = $1 AND id != $2 AND status IN ('active', 'waiting_clarification', 'researching')`,
		chatID, excludeID)
	if err != nil {
		return 0, fmt.Errorf("supersede active sessions for chat %s: %w", chatID, err)
	}
	return res.RowsAffected()
}

// CleanupExpiredSessions transitions live sessions older than olderThan to
// expired (spec §4.7's periodic expiry sweep).
func (d *DB) CleanupExpiredSessions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := d.conn.ExecContext(ctx, `
		UPDATE research_sessions SET status = 'expired', updated_at = now()
		WHERE status IN ('active', 'waiting_clarification', 'researching') AND updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// UpsertAssistantMessage implements streaming.MessageStore: one row per
// message_id, last write wins.
func (d *DB) UpsertAssistantMessage(ctx context.Context, messageID, chatID, content string) error {
	tx, err := d.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := ensureChat(ctx, tx, chatID); err != nil {
		return fmt.Errorf("ensure chat %s: %w", chatID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chat_messages (id, chat_id, message_id, role, content)
		VALUES ($1, $2, $3, 'assistant', $4)
		ON CONFLICT (message_id) DO UPDATE SET content = EXCLUDED.content`,
		uuid.New().String(), chatID, messageID, content); err != nil {
		return fmt.Errorf("upsert assistant message %s: %w", messageID, err)
	}

	return tx.Commit()
}

func timePtr(t time.Time) *time.Time { return &t }

// execer is the subset of *sql.DB / *sql.Tx ensureChat needs.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ensureChat upserts an empty chats row so chat_messages/research_sessions'
// foreign keys are satisfied regardless of call order; the chats table
// itself carries no session-manager-owned data.
func ensureChat(ctx context.Context, e execer, chatID string) error {
	_, err := e.ExecContext(ctx, `INSERT INTO chats (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, chatID)
	return err
}
