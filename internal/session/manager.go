// Package session implements the session manager (spec §4.7, component
// C7): chat-scoped Session lifecycle, atomic supersede-then-insert (I1,
// P3), and the periodic expiry sweep.
//
// Grounded on the original pkg/services/session_service.go
// (codeready-toolchain-tarsy) for the operation set and the
// supersede-inside-a-transaction shape, generalized from ent's
// transaction-scoped builder calls to calls against internal/storage.DAO
// (we do not adopt ent itself - see DESIGN.md). The in-memory Session type
// formerly defined in this package's session.go is replaced outright by
// domain.Session/domain.SessionStatus, which match spec §3's fields.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"deepresearch/internal/domain"
	"deepresearch/internal/ports"
	"deepresearch/internal/storage"
)

// Manager implements every C7 operation spec §4.7 lists, over a
// storage.DAO.
type Manager struct {
	dao         storage.DAO
	expiryAfter time.Duration
}

// NewManager builds a Manager. expiryHours bounds how long a session may
// stay in a live status before CleanupExpiredSessions transitions it to
// expired (spec §4.7).
func NewManager(dao storage.DAO, expiryHours int) *Manager {
	if expiryHours <= 0 {
		expiryHours = 24
	}
	return &Manager{dao: dao, expiryAfter: time.Duration(expiryHours) * time.Hour}
}

var _ ports.SessionStore = (*Manager)(nil)

// CreateSession atomically supersedes chatID's prior live session and
// inserts a new active one (I1, P3).
func (m *Manager) CreateSession(ctx context.Context, chatID, query string, mode domain.Mode) (*domain.Session, error) {
	now := time.Now()
	s := &domain.Session{
		ID:            uuid.New().String(),
		ChatID:        chatID,
		OriginalQuery: query,
		Mode:          mode,
		Status:        domain.StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.dao.CreateSession(ctx, s); err != nil {
		return nil, fmt.Errorf("session: create for chat %s: %w", chatID, err)
	}
	return s, nil
}

// GetOrCreateSession returns chatID's active session if one exists,
// otherwise creates a fresh one (spec §4.7's entry point for the first
// message in a chat).
func (m *Manager) GetOrCreateSession(ctx context.Context, chatID, query string, mode domain.Mode) (*domain.Session, error) {
	existing, err := m.dao.GetActiveSession(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("session: get active for chat %s: %w", chatID, err)
	}
	if existing != nil {
		return existing, nil
	}
	return m.CreateSession(ctx, chatID, query, mode)
}

// GetActiveSession returns chatID's one live session, or nil if none (I1).
func (m *Manager) GetActiveSession(ctx context.Context, chatID string) (*domain.Session, error) {
	s, err := m.dao.GetActiveSession(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("session: get active for chat %s: %w", chatID, err)
	}
	return s, nil
}

// GetSession looks a session up by id regardless of status.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	s, err := m.dao.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if s == nil {
		return nil, fmt.Errorf("session: %s not found", sessionID)
	}
	return s, nil
}

// UpdateStatus transitions sessionID's status. Implements ports.SessionStore
// so the research graph (C6) can flip status around the clarification
// interrupt without depending on this package directly.
func (m *Manager) UpdateStatus(ctx context.Context, sessionID string, status domain.SessionStatus) error {
	if err := m.dao.UpdateStatus(ctx, sessionID, status); err != nil {
		return fmt.Errorf("session: update status %s -> %s: %w", sessionID, status, err)
	}
	return nil
}

// CompleteSession marks sessionID completed and records its final report
// (I2: completed sessions become immutable except session_metadata).
func (m *Manager) CompleteSession(ctx context.Context, sessionID, finalReport string) error {
	if err := m.dao.CompleteSession(ctx, sessionID, finalReport); err != nil {
		return fmt.Errorf("session: complete %s: %w", sessionID, err)
	}
	return nil
}

// SaveDeepSearchResult persists run_deep_search's output for sessionID.
func (m *Manager) SaveDeepSearchResult(ctx context.Context, sessionID, result string) error {
	if err := m.dao.SaveDeepSearchResult(ctx, sessionID, result); err != nil {
		return fmt.Errorf("session: save deep search result %s: %w", sessionID, err)
	}
	return nil
}

// SaveClarificationAnswers persists the user's answers to clarify_with_user.
func (m *Manager) SaveClarificationAnswers(ctx context.Context, sessionID string, answers map[string]string) error {
	if err := m.dao.SaveClarificationAnswers(ctx, sessionID, answers); err != nil {
		return fmt.Errorf("session: save clarification answers %s: %w", sessionID, err)
	}
	return nil
}

// SaveDraftReport persists the supervisor's running draft_report.md text for
// sessionID.
func (m *Manager) SaveDraftReport(ctx context.Context, sessionID, draft string) error {
	if err := m.dao.SaveDraftReport(ctx, sessionID, draft); err != nil {
		return fmt.Errorf("session: save draft report %s: %w", sessionID, err)
	}
	return nil
}

// SupersedeActiveSessions transitions every live session of chatID (other
// than keepID) to superseded. keepID may be empty to supersede all of them.
func (m *Manager) SupersedeActiveSessions(ctx context.Context, chatID, keepID string) (int64, error) {
	n, err := m.dao.SupersedeActiveSessions(ctx, chatID, keepID)
	if err != nil {
		return 0, fmt.Errorf("session: supersede active for chat %s: %w", chatID, err)
	}
	return n, nil
}

// CleanupExpiredSessions transitions sessions that have sat in a live
// status longer than the configured expiry window to expired. Intended to
// run on a periodic sweep (spec §4.7).
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	n, err := m.dao.CleanupExpiredSessions(ctx, m.expiryAfter)
	if err != nil {
		return 0, fmt.Errorf("session: cleanup expired: %w", err)
	}
	return n, nil
}
