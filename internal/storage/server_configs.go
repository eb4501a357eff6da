package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ServerRecord is one row of the server_configs table. JSON is the opaque
// document exactly as the caller supplied it.
type ServerRecord struct {
	ID        string
	Name      string
	JSON      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertServerConfig inserts rec or, if the id exists, replaces its name and
// document. created_at is kept from the first insert.
func (d *DB) UpsertServerConfig(rec ServerRecord) error {
	now := d.now().UnixMilli()
	_, err := d.db.Exec(
		`INSERT INTO server_configs (config_id, name, config_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(config_id) DO UPDATE SET
			name = excluded.name,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at`,
		rec.ID, rec.Name, rec.JSON, now, now)
	if err != nil {
		return fmt.Errorf("storage: upsert server config %q: %w", rec.ID, err)
	}
	return nil
}

// UpdateServerConfig rewrites an existing row. It reports false when no row
// has that id.
func (d *DB) UpdateServerConfig(rec ServerRecord) (bool, error) {
	res, err := d.db.Exec(
		`UPDATE server_configs SET name = ?, config_json = ?, updated_at = ? WHERE config_id = ?`,
		rec.Name, rec.JSON, d.now().UnixMilli(), rec.ID)
	if err != nil {
		return false, fmt.Errorf("storage: update server config %q: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: update server config %q: %w", rec.ID, err)
	}
	return n > 0, nil
}

// DeleteServerConfig removes a row, reporting whether it existed.
func (d *DB) DeleteServerConfig(id string) (bool, error) {
	res, err := d.db.Exec(`DELETE FROM server_configs WHERE config_id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("storage: delete server config %q: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: delete server config %q: %w", id, err)
	}
	return n > 0, nil
}

// GetServerConfig loads one row.
func (d *DB) GetServerConfig(id string) (ServerRecord, bool, error) {
	row := d.db.QueryRow(
		`SELECT config_id, name, config_json, created_at, updated_at
		 FROM server_configs WHERE config_id = ?`, id)
	rec, err := scanServerRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ServerRecord{}, false, nil
	}
	if err != nil {
		return ServerRecord{}, false, fmt.Errorf("storage: read server config %q: %w", id, err)
	}
	return rec, true, nil
}

// ListServerConfigs returns all rows, newest first.
func (d *DB) ListServerConfigs() ([]ServerRecord, error) {
	rows, err := d.db.Query(
		`SELECT config_id, name, config_json, created_at, updated_at
		 FROM server_configs ORDER BY created_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("storage: list server configs: %w", err)
	}
	defer rows.Close()

	var out []ServerRecord
	for rows.Next() {
		rec, err := scanServerRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan server config: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanServerRecord(s scanner) (ServerRecord, error) {
	var (
		rec                  ServerRecord
		createdAt, updatedAt int64
	)
	if err := s.Scan(&rec.ID, &rec.Name, &rec.JSON, &createdAt, &updatedAt); err != nil {
		return ServerRecord{}, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}
