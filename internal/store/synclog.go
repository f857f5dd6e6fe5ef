package store

import (
	"fmt"
	"time"
)

// AppendSyncRun records a drain outcome and prunes the log to keepN rows.
// The log is diagnostics only; pruning failures are not fatal to the run.
func (db *DB) AppendSyncRun(run *SyncRun, keepN int) error {
	if run.StartedAt == 0 {
		run.StartedAt = time.Now().UnixMilli()
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		INSERT INTO sync_runs (started_at, duration_ms, sent, failed, conflicts, aborted, detail)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.StartedAt, run.DurationMS, run.Sent, run.Failed, run.Conflicts, run.Aborted, run.Detail); err != nil {
		return err
	}
	if keepN > 0 {
		if _, err := tx.Exec(`
			DELETE FROM sync_runs WHERE id NOT IN (
				SELECT id FROM sync_runs ORDER BY id DESC LIMIT ?)`, keepN); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListSyncRuns returns the most recent drain outcomes, newest first.
func (db *DB) ListSyncRuns(limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Query(`
		SELECT id, started_at, duration_ms, sent, failed, conflicts, aborted, detail
		FROM sync_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var runs []SyncRun
	for rows.Next() {
		var r SyncRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.DurationMS, &r.Sent, &r.Failed, &r.Conflicts, &r.Aborted, &r.Detail); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
