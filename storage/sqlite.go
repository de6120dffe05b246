package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/darkfleet/fleetd/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS lists (
    list_id    TEXT PRIMARY KEY,
    list_name  TEXT,
    color      TEXT,
    created_at TEXT DEFAULT (datetime('now')),
    updated_at TEXT
);

CREATE TABLE IF NOT EXISTS vessels (
    mmsi        TEXT PRIMARY KEY,
    imo         TEXT,
    vessel_name TEXT,
    list_id     TEXT,
    FOREIGN KEY (list_id) REFERENCES lists(list_id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS detections (
    mmsi             TEXT PRIMARY KEY,
    imo              TEXT,
    latitude         REAL,
    longitude        REAL,
    last_detected_at TEXT,
    raw_data         TEXT
);

CREATE INDEX IF NOT EXISTS idx_vessels_list_id ON vessels(list_id);
CREATE INDEX IF NOT EXISTS idx_vessels_imo ON vessels(imo);
`

// SQLite implements Store on a local database file.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(cfg config.DatabaseConfig) (*SQLite, error) {
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=%s&_synchronous=%s&_busy_timeout=5000",
		cfg.Path, cfg.JournalMode, cfg.Synchronous)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent upserts.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if cfg.CacheSize != 0 {
		db.Exec(fmt.Sprintf("PRAGMA cache_size = %d", cfg.CacheSize))
	}
	if cfg.MmapSize != 0 {
		db.Exec(fmt.Sprintf("PRAGMA mmap_size = %d", cfg.MmapSize))
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) UpsertLists(ctx context.Context, lists []List) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO lists (list_id, list_name, color, updated_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(list_id) DO UPDATE SET
			list_name = excluded.list_name,
			color = excluded.color,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, l := range lists {
		if l.ListID == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, l.ListID, l.ListName, l.Color); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) UpsertVessels(ctx context.Context, vessels []Vessel) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vessels (mmsi, imo, vessel_name, list_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(mmsi) DO UPDATE SET
			imo = excluded.imo,
			vessel_name = excluded.vessel_name,
			list_id = excluded.list_id`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, v := range vessels {
		if v.MMSI == "" && v.IMO == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, v.MMSI, v.IMO, v.VesselName, v.ListID); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLite) AllLists(ctx context.Context) ([]List, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT list_id, COALESCE(list_name, ''), COALESCE(color, '') FROM lists`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []List
	for rows.Next() {
		var l List
		if err := rows.Scan(&l.ListID, &l.ListName, &l.Color); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLite) AllVessels(ctx context.Context) ([]Vessel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mmsi, COALESCE(imo, ''), COALESCE(vessel_name, ''), COALESCE(list_id, '') FROM vessels`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Vessel
	for rows.Next() {
		var v Vessel
		if err := rows.Scan(&v.MMSI, &v.IMO, &v.VesselName, &v.ListID); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLite) ClearLists(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM lists`)
	return err
}

func (s *SQLite) ClearVessels(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vessels`)
	return err
}

func (s *SQLite) UpsertDetection(ctx context.Context, d Detection) error {
	if d.MMSI == "" {
		return fmt.Errorf("detection without mmsi")
	}
	ts := d.LastDetectedAt
	if ts == "" {
		ts = time.Now().UTC().Format(time.RFC3339)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO detections (mmsi, imo, latitude, longitude, last_detected_at, raw_data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mmsi) DO UPDATE SET
			imo = excluded.imo,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			last_detected_at = excluded.last_detected_at,
			raw_data = excluded.raw_data`,
		d.MMSI, d.IMO, d.Latitude, d.Longitude, ts, d.RawData)
	return err
}

func (s *SQLite) RecentDetections(ctx context.Context, limit int) ([]Detection, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT mmsi, COALESCE(imo, ''), latitude, longitude,
		       COALESCE(last_detected_at, ''), COALESCE(raw_data, '')
		FROM detections ORDER BY last_detected_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Detection
	for rows.Next() {
		var d Detection
		if err := rows.Scan(&d.MMSI, &d.IMO, &d.Latitude, &d.Longitude, &d.LastDetectedAt, &d.RawData); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) Detection(ctx context.Context, mmsi string) (*Detection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT mmsi, COALESCE(imo, ''), latitude, longitude,
		       COALESCE(last_detected_at, ''), COALESCE(raw_data, '')
		FROM detections WHERE mmsi = ?`, mmsi)

	var d Detection
	err := row.Scan(&d.MMSI, &d.IMO, &d.Latitude, &d.Longitude, &d.LastDetectedAt, &d.RawData)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLite) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM lists`).Scan(&st.Lists); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vessels`).Scan(&st.Vessels); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM detections`).Scan(&st.Detections); err != nil {
		return st, err
	}
	return st, nil
}

func (s *SQLite) Close() error { return s.db.Close() }
