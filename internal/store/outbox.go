package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Enqueue appends a message to the outbox and bumps the session's
// last-queued timestamp. model optionally pins the completion model for
// this message; empty means the server default. Always succeeds locally so
// offline composition never blocks; the row is visible to readers
// immediately.
func (db *DB) Enqueue(clientMsgID, sessionID, body, model string) error {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO sessions (id, created_at, last_queued_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_queued_at = excluded.last_queued_at`,
		sessionID, now, now); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO outbox (client_msg_id, session_id, role, body, model, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		clientMsgID, sessionID, RoleUser, body, model, StatusPending, now, now); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return tx.Commit()
}

// MarkSending moves a queued message into the sending state.
func (db *DB) MarkSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, updated_at = ? WHERE client_msg_id = ?`,
		StatusSending, now, clientMsgID)
	return err
}

// MarkSent durably records delivery and then removes the message from the
// queue. Both happen in one transaction so a crash between them cannot lose
// the sent fact or leave a phantom queue entry.
func (db *DB) MarkSent(clientMsgID string) error {
	now := time.Now().UnixMilli()
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		UPDATE outbox SET status = ?, updated_at = ? WHERE client_msg_id = ?`,
		StatusSent, now, clientMsgID); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		DELETE FROM outbox WHERE client_msg_id = ? AND status = ?`,
		clientMsgID, StatusSent); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkFailed records a delivery failure with its taxonomy kind.
func (db *DB) MarkFailed(clientMsgID, kind, reason string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, failure_kind = ?, failure_reason = ?,
			retry_count = retry_count + 1, updated_at = ?
		WHERE client_msg_id = ?`,
		StatusFailed, kind, reason, now, clientMsgID)
	return err
}

// ResetSending returns an in-flight message to pending, used when a drain
// is interrupted before the server answered.
func (db *DB) ResetSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = ?, updated_at = ?
		WHERE client_msg_id = ? AND status = ?`,
		StatusPending, now, clientMsgID, StatusSending)
	return err
}

// RecoverInFlight returns every message stranded in the sending state to
// pending. Run once after opening the store: a crash between MarkSending
// and the delivery verdict leaves the row in sending, where no drain would
// pick it up and its successors would be delivered around it. Redelivering
// an unacked send is the safe side of that trade.
func (db *DB) RecoverInFlight() (int, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = ?, updated_at = ? WHERE status = ?`,
		StatusPending, now, StatusSending)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ResetFailed returns a failed message to pending for a manual retry.
func (db *DB) ResetFailed(clientMsgID string) error {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = ?, failure_kind = '', failure_reason = '', updated_at = ?
		WHERE client_msg_id = ? AND status = ?`,
		StatusPending, now, clientMsgID, StatusFailed)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no failed message %q to reset", clientMsgID)
	}
	return nil
}

// PendingInOrder returns a session's messages eligible for (re)delivery in
// creation order: pending messages plus transient failures. Permanent,
// auth and conflict failures wait for explicit user action.
func (db *DB) PendingInOrder(sessionID string) ([]QueuedMessage, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, session_id, role, body, model, status, failure_kind, failure_reason, retry_count, created_at
		FROM outbox
		WHERE session_id = ?
		  AND (status = ? OR (status = ? AND failure_kind = ?))
		ORDER BY id ASC`,
		sessionID, StatusPending, StatusFailed, FailTransient)
	if err != nil {
		return nil, err
	}
	return collectQueued(rows)
}

// PendingSessions returns ids of sessions with deliverable messages,
// oldest-first by the session's last-queued timestamp so long-waiting
// conversations are not starved.
func (db *DB) PendingSessions() ([]string, error) {
	rows, err := db.Query(`
		SELECT DISTINCT o.session_id
		FROM outbox o
		JOIN sessions s ON s.id = o.session_id
		WHERE o.status = ? OR (o.status = ? AND o.failure_kind = ?)
		ORDER BY s.last_queued_at ASC`,
		StatusPending, StatusFailed, FailTransient)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FailSessionTail marks the message with fromClientMsgID and every
// still-undelivered successor in the same session as failed with the given
// kind. Used for conflict containment: nothing after a diverged message may
// be delivered out of order.
func (db *DB) FailSessionTail(sessionID, fromClientMsgID, kind, reason string) (int, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = ?, failure_kind = ?, failure_reason = ?, updated_at = ?
		WHERE session_id = ?
		  AND status IN (?, ?, ?)
		  AND id >= (SELECT id FROM outbox WHERE client_msg_id = ?)`,
		StatusFailed, kind, reason, now,
		sessionID, StatusPending, StatusSending, StatusFailed, fromClientMsgID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// QueuedForSession returns all outbox rows for a session regardless of
// status, in creation order.
func (db *DB) QueuedForSession(sessionID string) ([]QueuedMessage, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, session_id, role, body, model, status, failure_kind, failure_reason, retry_count, created_at
		FROM outbox WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectQueued(rows)
}

func collectQueued(rows *sql.Rows) ([]QueuedMessage, error) {
	defer func() { _ = rows.Close() }()

	var msgs []QueuedMessage
	for rows.Next() {
		var m QueuedMessage
		if err := rows.Scan(&m.ID, &m.ClientMsgID, &m.SessionID, &m.Role, &m.Body, &m.Model, &m.Status,
			&m.FailureKind, &m.FailureReason, &m.RetryCount, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
