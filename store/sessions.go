package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionMessage is one mirrored chat entry.
type SessionMessage struct {
	ID         int64
	SessionID  string
	TurnID     string
	Position   int
	Role       string
	Content    string
	HasImage   bool
	TokenCount int
	CreatedAt  time.Time
}

// AppendSessionMessage stores one message, creating its session row on
// first use.
func (s *Store) AppendSessionMessage(ctx context.Context, msg SessionMessage) error {
	now := time.Now().Unix()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (session_id, created_at, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET updated_at = excluded.updated_at`,
			msg.SessionID, now, now)
		if err != nil {
			return fmt.Errorf("ensure session: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO session_messages
			(session_id, turn_id, position, role, content, has_image, token_count, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			msg.SessionID, msg.TurnID, msg.Position, msg.Role, msg.Content,
			msg.HasImage, msg.TokenCount, now)
		if err != nil {
			return fmt.Errorf("insert session message: %w", err)
		}
		return nil
	})
}

const sessionMessageColumns = `id, session_id, turn_id, position, role, content,
	has_image, token_count, created_at`

// ListSessionMessages returns a session's messages in order, newest last,
// capped at limit when limit > 0.
func (s *Store) ListSessionMessages(ctx context.Context, sessionID string, limit int) ([]SessionMessage, error) {
	query := "SELECT " + sessionMessageColumns + ` FROM session_messages
		WHERE session_id = ? ORDER BY id`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.querySessionMessages(ctx, query, args...)
}

// ListTurnMessages returns the messages of one turn in order.
func (s *Store) ListTurnMessages(ctx context.Context, sessionID, turnID string) ([]SessionMessage, error) {
	return s.querySessionMessages(ctx,
		"SELECT "+sessionMessageColumns+` FROM session_messages
		WHERE session_id = ? AND turn_id = ? ORDER BY id`,
		sessionID, turnID)
}

// CountSessionMessages returns the number of messages in a session.
func (s *Store) CountSessionMessages(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM session_messages WHERE session_id = ?", sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count session messages: %w", err)
	}
	return count, nil
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE session_id = ?", sessionID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (s *Store) querySessionMessages(ctx context.Context, query string, args ...any) ([]SessionMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query session messages: %w", err)
	}
	defer rows.Close()

	messages := []SessionMessage{}
	for rows.Next() {
		var msg SessionMessage
		var created int64
		err := rows.Scan(&msg.ID, &msg.SessionID, &msg.TurnID, &msg.Position, &msg.Role,
			&msg.Content, &msg.HasImage, &msg.TokenCount, &created)
		if err != nil {
			return nil, fmt.Errorf("scan session message: %w", err)
		}
		msg.CreatedAt = time.Unix(created, 0)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}
