// Package storage persists rule sets, the settings document and server
// configurations in a single SQLite database.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"singbox-bridge/internal/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS prefs (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS server_configs (
	config_id   TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	config_json TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS server_configs_created ON server_configs (created_at DESC);
`

// DB wraps the SQLite handle.
type DB struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("storage: create dir %s: %w", dir, err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	// SQLite serialises writers anyway; one connection keeps ordering simple.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	core.Log.Debugf("Storage", "Opened %s", path)
	return &DB{db: db, path: path, now: time.Now}, nil
}

// Close releases the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// GetPref returns the raw value for key.
func (d *DB) GetPref(key string) (string, bool, error) {
	var v string
	err := d.db.QueryRow(`SELECT value FROM prefs WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: read pref %q: %w", key, err)
	}
	return v, true, nil
}

// SetPref stores value under key, replacing any previous value.
func (d *DB) SetPref(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO prefs (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("storage: write pref %q: %w", key, err)
	}
	return nil
}

// LoadList reads a JSON string array stored under key.
// The second return value is false when nothing was stored.
func (d *DB) LoadList(key string) ([]string, bool, error) {
	raw, ok, err := d.GetPref(key)
	if err != nil || !ok {
		return nil, ok, err
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, true, fmt.Errorf("storage: decode list %q: %w", key, err)
	}
	return out, true, nil
}

// SaveList stores values under key as a JSON array.
func (d *DB) SaveList(key string, values []string) error {
	if values == nil {
		values = []string{}
	}
	data, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("storage: encode list %q: %w", key, err)
	}
	return d.SetPref(key, string(data))
}
