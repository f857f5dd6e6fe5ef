package store

import "time"

// UpsertMessage inserts or updates a mirrored message (idempotent on
// session_id + msg_id), so replayed stream events never duplicate history.
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	if m.Timestamp == 0 {
		m.Timestamp = now
	}
	_, err := db.Exec(`
		INSERT INTO messages (session_id, msg_id, role, body, status, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, msg_id) DO UPDATE SET
			body = excluded.body,
			status = excluded.status`,
		m.SessionID, m.MsgID, m.Role, m.Body, m.Status, m.Timestamp, now)
	return err
}

// ListMessages returns messages for a session in conversation order.
func (db *DB) ListMessages(sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.Query(`
		SELECT id, session_id, msg_id, role, body, status, timestamp
		FROM messages WHERE session_id = ?
		ORDER BY timestamp ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.MsgID, &m.Role, &m.Body, &m.Status, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// CountMessages returns the number of mirrored messages for a session.
// The sync engine reports it to the server as the expected prior-message
// count so history divergence is detected server-side.
func (db *DB) CountMessages(sessionID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}
