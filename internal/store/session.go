package store

import (
	"database/sql"
	"time"
)

// UpsertSession inserts or updates a conversation session.
func (db *DB) UpsertSession(s *Session) error {
	if s.CreatedAt == 0 {
		s.CreatedAt = time.Now().UnixMilli()
	}
	_, err := db.Exec(`
		INSERT INTO sessions (id, title, created_at, last_queued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			last_queued_at = MAX(sessions.last_queued_at, excluded.last_queued_at)`,
		s.ID, s.Title, s.CreatedAt, s.LastQueuedAt)
	return err
}

// GetSession returns a session by id, or nil if absent.
func (db *DB) GetSession(id string) (*Session, error) {
	var s Session
	err := db.QueryRow(`
		SELECT id, title, created_at, last_queued_at FROM sessions WHERE id = ?`, id).
		Scan(&s.ID, &s.Title, &s.CreatedAt, &s.LastQueuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns all sessions, most recently active first.
func (db *DB) ListSessions() ([]Session, error) {
	rows, err := db.Query(`
		SELECT id, title, created_at, last_queued_at
		FROM sessions ORDER BY MAX(created_at, last_queued_at) DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Title, &s.CreatedAt, &s.LastQueuedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}
