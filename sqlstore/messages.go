package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gamma-omg/rag-kb/chat"
)

// MessageLog stores chat sessions, their turns and knowledge base usage.
type MessageLog struct {
	db *sql.DB
}

var _ chat.MessageLog = (*MessageLog)(nil)

func (m *MessageLog) CreateSession(ctx context.Context, s chat.Session) error {
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (session_id, user_id, knowledge_path, title, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.UserID, s.KnowledgePath, s.Title, s.Active, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	return nil
}

func (m *MessageLog) Session(ctx context.Context, id string) (chat.Session, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT session_id, user_id, knowledge_path, title, is_active, created_at, updated_at
		FROM chat_sessions WHERE session_id = ?
	`, id)

	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Session{}, fmt.Errorf("%w: %s", chat.ErrSessionNotFound, id)
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("failed to get session: %w", err)
	}

	return s, nil
}

func (m *MessageLog) AppendTurn(ctx context.Context, sessionID string, t chat.Turn) error {
	meta := t.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to marshal turn metadata: %w", err)
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, "UPDATE chat_sessions SET updated_at = ? WHERE session_id = ?", t.CreatedAt, sessionID)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", chat.ErrSessionNotFound, sessionID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chat_messages (session_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, string(t.Role), t.Content, string(metaJSON), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turn: %w", err)
	}

	return nil
}

func (m *MessageLog) History(ctx context.Context, sessionID string, limit int) ([]chat.Turn, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT role, content, metadata, created_at FROM (
			SELECT id, role, content, metadata, created_at
			FROM chat_messages WHERE session_id = ?
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var turns []chat.Turn
	for rows.Next() {
		var t chat.Turn
		var role, metaJSON string
		var createdAt sql.NullTime
		if err := rows.Scan(&role, &t.Content, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}

		t.Role = chat.Role(role)
		t.CreatedAt = createdAt.Time
		if metaJSON != "" && metaJSON != "null" {
			if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal turn metadata: %w", err)
			}
		}
		turns = append(turns, t)
	}

	return turns, rows.Err()
}

// ListSessions returns sessions of userID, most recently updated first.
func (m *MessageLog) ListSessions(ctx context.Context, userID string, activeOnly bool) ([]chat.Session, error) {
	query := `
		SELECT session_id, user_id, knowledge_path, title, is_active, created_at, updated_at
		FROM chat_sessions WHERE user_id = ?`
	if activeOnly {
		query += " AND is_active = 1"
	}
	query += " ORDER BY updated_at DESC, session_id"

	rows, err := m.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var res []chat.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		res = append(res, s)
	}

	return res, rows.Err()
}

func (m *MessageLog) CloseSession(ctx context.Context, id string) error {
	return m.updateSession(ctx, id, "is_active = 0", nil)
}

func (m *MessageLog) RenameSession(ctx context.Context, id, title string) error {
	return m.updateSession(ctx, id, "title = ?", title)
}

func (m *MessageLog) updateSession(ctx context.Context, id, set string, arg any) error {
	args := []any{}
	if arg != nil {
		args = append(args, arg)
	}
	args = append(args, time.Now().UTC(), id)

	res, err := m.db.ExecContext(ctx, "UPDATE chat_sessions SET "+set+", updated_at = ? WHERE session_id = ?", args...)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", chat.ErrSessionNotFound, id)
	}

	return nil
}

func (m *MessageLog) RecordUsage(ctx context.Context, u chat.Usage) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	_, err := m.db.ExecContext(ctx, `
		INSERT INTO knowledge_base_usage (session_id, knowledge_path, question, results, avg_similarity, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, u.SessionID, u.KnowledgePath, u.Question, u.Results, u.AverageSimilarity, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	return nil
}

// Usage returns the recorded usage of a knowledge path in insertion order.
func (m *MessageLog) Usage(ctx context.Context, knowledgePath string) ([]chat.Usage, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT session_id, knowledge_path, question, results, avg_similarity, created_at
		FROM knowledge_base_usage WHERE knowledge_path = ? ORDER BY id
	`, knowledgePath)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var res []chat.Usage
	for rows.Next() {
		var u chat.Usage
		var createdAt sql.NullTime
		if err := rows.Scan(&u.SessionID, &u.KnowledgePath, &u.Question, &u.Results, &u.AverageSimilarity, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		u.CreatedAt = createdAt.Time
		res = append(res, u)
	}

	return res, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (chat.Session, error) {
	var s chat.Session
	var createdAt, updatedAt sql.NullTime
	err := row.Scan(&s.ID, &s.UserID, &s.KnowledgePath, &s.Title, &s.Active, &createdAt, &updatedAt)
	if err != nil {
		return chat.Session{}, err
	}

	s.CreatedAt = createdAt.Time
	s.UpdatedAt = updatedAt.Time
	return s, nil
}
