package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opencode-nexus/nexusd/internal/auth"
)

// SaveProfile inserts or updates a server profile. The auth descriptor is
// validated here so malformed credentials are rejected at save time.
func (db *DB) SaveProfile(p *Profile) error {
	if err := p.Auth.Validate(); err != nil {
		return fmt.Errorf("save profile %q: %w", p.Name, err)
	}
	authJSON, err := json.Marshal(p.Auth)
	if err != nil {
		return fmt.Errorf("marshal auth descriptor: %w", err)
	}
	now := time.Now().UnixMilli()
	if p.Status == "" {
		p.Status = ProfileDisconnected
	}
	_, err = db.Exec(`
		INSERT INTO profiles (id, name, hostname, port, secure, auth_json, status, last_connected, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			hostname = excluded.hostname,
			port = excluded.port,
			secure = excluded.secure,
			auth_json = excluded.auth_json,
			updated_at = excluded.updated_at`,
		p.ID, p.Name, p.Hostname, p.Port, p.Secure, string(authJSON), p.Status, p.LastConnected, p.LastError, now, now)
	return err
}

// GetProfile returns a profile by id, or nil if absent.
func (db *DB) GetProfile(id string) (*Profile, error) {
	row := db.QueryRow(`
		SELECT id, name, hostname, port, secure, auth_json, status, last_connected, last_error
		FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// ListProfiles returns all saved profiles, most recently connected first.
func (db *DB) ListProfiles() ([]Profile, error) {
	rows, err := db.Query(`
		SELECT id, name, hostname, port, secure, auth_json, status, last_connected, last_error
		FROM profiles ORDER BY last_connected DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var profiles []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// LastUsedProfile returns the profile with the most recent successful
// connection, falling back to any saved profile. Nil when none exist.
func (db *DB) LastUsedProfile() (*Profile, error) {
	row := db.QueryRow(`
		SELECT id, name, hostname, port, secure, auth_json, status, last_connected, last_error
		FROM profiles ORDER BY last_connected DESC, created_at ASC LIMIT 1`)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// DeleteProfile removes a saved profile.
func (db *DB) DeleteProfile(id string) error {
	res, err := db.Exec(`DELETE FROM profiles WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("profile %q not found", id)
	}
	return nil
}

// MarkProfileConnected records a successful connection on a profile.
func (db *DB) MarkProfileConnected(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE profiles SET status = ?, last_connected = ?, last_error = '', updated_at = ?
		WHERE id = ?`, ProfileConnected, now, now, id)
	return err
}

// MarkProfileError records a failed connection attempt on a profile.
// Timestamps of previous successes are left untouched.
func (db *DB) MarkProfileError(id, reason string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE profiles SET status = ?, last_error = ?, updated_at = ?
		WHERE id = ?`, ProfileError, reason, now, id)
	return err
}

// MarkProfileDisconnected records an explicit disconnect on a profile.
func (db *DB) MarkProfileDisconnected(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE profiles SET status = ?, updated_at = ? WHERE id = ?`,
		ProfileDisconnected, now, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*Profile, error) {
	var p Profile
	var authJSON string
	if err := row.Scan(&p.ID, &p.Name, &p.Hostname, &p.Port, &p.Secure, &authJSON, &p.Status, &p.LastConnected, &p.LastError); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(authJSON), &p.Auth); err != nil {
		return nil, fmt.Errorf("unmarshal auth descriptor for profile %q: %w", p.ID, err)
	}
	if p.Auth.Kind == "" {
		p.Auth = auth.None()
	}
	return &p, nil
}
