package session

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteStore keeps conversations in the sessions and history tables created
// by db.InitSchema, so history survives a restart. The database handle is
// owned by the caller; Close does not close it.
type SQLiteStore struct {
	DB       *sql.DB
	MaxTurns int
}

// GetOrCreate returns at most the most recent MaxTurns turns for the
// session, ordered chronologically (oldest first) and starting on a user turn.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, id string) ([]Turn, error) {
	if _, err := s.DB.ExecContext(ctx, `INSERT OR IGNORE INTO sessions (id) VALUES (?)`, id); err != nil {
		return nil, fmt.Errorf("create session %q: %w", id, err)
	}

	limit := -1
	if s.MaxTurns > 0 {
		limit = s.MaxTurns
	}
	rows, err := s.DB.QueryContext(ctx,
		"SELECT role, text FROM history WHERE session_id = ? ORDER BY id DESC LIMIT ?",
		id, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query history for %q: %w", id, err)
	}
	defer rows.Close()

	results := []Turn{}
	for rows.Next() {
		var role, text string
		if err := rows.Scan(&role, &text); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		mapped := RoleUser
		if role == RoleAssistant {
			mapped = RoleAssistant
		}
		results = append(results, Turn{Role: mapped, Content: text})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history for %q: %w", id, err)
	}

	// Reverse to chronological order.
	for i, j := 0, len(results)-1; i < j; i, j = i+1, j-1 {
		results[i], results[j] = results[j], results[i]
	}
	if s.MaxTurns > 0 {
		// The limit may have cut a reply away from its prompt.
		results = fromUserTurn(results)
	}
	return results, nil
}

func (s *SQLiteStore) Append(ctx context.Context, id string, turns ...Turn) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO sessions (id) VALUES (?)`, id); err != nil {
		return fmt.Errorf("create session %q: %w", id, err)
	}
	for _, t := range turns {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO history (session_id, role, text) VALUES (?, ?, ?)",
			id, t.Role, t.Content,
		); err != nil {
			return fmt.Errorf("insert %s turn for %q: %w", t.Role, id, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete history for %q: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %q: %w", id, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Len() int {
	var n int
	if err := s.DB.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0
	}
	return n
}

func (s *SQLiteStore) Close() error {
	return nil
}
