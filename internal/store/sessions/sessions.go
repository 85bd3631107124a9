// Package sessions implements the Session Record store: item_id ->
// opaque session_token, backed by SQLite (state.sqlite) rather than a
// JSON file. This resolves the "two Session-store implementations"
// Open Question in favor of SQLite, since monotonic updated_at
// enforcement (invariant I4) and point lookups by item_id are a better
// fit for an indexed query than a whole-file JSON rewrite.
package sessions

import (
	"database/sql"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Record is one item's session mapping.
type Record struct {
	ItemID    string    `db:"item_id"`
	Token     string    `db:"session_token"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Store wraps the sqlite-backed session table.
type Store struct {
	db *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	item_id      TEXT PRIMARY KEY,
	session_token TEXT NOT NULL,
	updated_at   TIMESTAMP NOT NULL
);
`

// Open opens (creating if absent) state.sqlite under dir.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, "state.sqlite")
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, errors.Wrapf(err, "opening session store %s", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating session schema")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Get returns the session record for itemID, or nil if none exists.
func (s *Store) Get(itemID string) (*Record, error) {
	var rec Record
	err := s.db.Get(&rec, `SELECT item_id, session_token, updated_at FROM sessions WHERE item_id = ?`, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "looking up session for %s", itemID)
	}
	return &rec, nil
}

// Upsert creates or updates itemID's session token. The updated_at guard
// enforces invariant I4 (updated_at never decreases) by rejecting a
// write whose timestamp is earlier than the stored one.
func (s *Store) Upsert(itemID, token string, now time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (item_id, session_token, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			session_token = excluded.session_token,
			updated_at = excluded.updated_at
		WHERE excluded.updated_at >= sessions.updated_at
	`, itemID, token, now)
	if err != nil {
		return errors.Wrapf(err, "upserting session for %s", itemID)
	}
	return nil
}

// Clear removes itemID's session record. Used only by explicit reset
// commands, never by ordinary outcome handling.
func (s *Store) Clear(itemID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE item_id = ?`, itemID)
	if err != nil {
		return errors.Wrapf(err, "clearing session for %s", itemID)
	}
	return nil
}
