// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package sqlite provides the embedded-file implementation of
// store.Repository backed by mattn/go-sqlite3.
//
// The schema is auto-migrated on open. WAL journal mode keeps readers
// unblocked while the recorder and aggregator write; the dedupe check and
// the aggregate write each run as a single transaction, satisfying the
// atomicity the repository contract requires.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver registration

	"github.com/moodgrid/moodgrid/internal/logging"
	"github.com/moodgrid/moodgrid/internal/store"
)

// Store implements store.Repository on an embedded SQLite file.
type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

// New opens (or creates) the database at path and migrates the schema.
// Use ":memory:" for an ephemeral database.
func New(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	// A single writer connection sidesteps SQLITE_BUSY under concurrent
	// recorder/aggregator writes; reads still parallelize through WAL.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	logging.Info().Str("path", path).Msg("SQLite store ready")
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL,
			access_token TEXT UNIQUE,
			last_active_at TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS tracks (
			id TEXT PRIMARY KEY,
			external_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			artist TEXT NOT NULL,
			album TEXT,
			duration_ms INTEGER,
			audio_features TEXT,
			color_hex TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS playback_events (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			track_id TEXT NOT NULL REFERENCES tracks(id),
			cell_id TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			played_at TIMESTAMP NOT NULL,
			progress_ms INTEGER NOT NULL DEFAULT 0,
			is_playing INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE INDEX IF NOT EXISTS idx_playback_cell_played
			ON playback_events(cell_id, played_at)`,
		`CREATE INDEX IF NOT EXISTS idx_playback_dedupe
			ON playback_events(user_id, track_id, cell_id, played_at)`,
		`CREATE TABLE IF NOT EXISTS cell_aggregates (
			cell_id TEXT PRIMARY KEY,
			center_lat REAL NOT NULL,
			center_lng REAL NOT NULL,
			resolution INTEGER NOT NULL,
			total_plays INTEGER NOT NULL DEFAULT 0,
			unique_users INTEGER NOT NULL DEFAULT 0,
			unique_tracks INTEGER NOT NULL DEFAULT 0,
			avg_energy REAL,
			avg_valence REAL,
			avg_danceability REAL,
			avg_acousticness REAL,
			avg_instrumentalness REAL,
			color_hex TEXT,
			last_activity_at TIMESTAMP,
			last_aggregated_at TIMESTAMP,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cells_center
			ON cell_aggregates(center_lat, center_lng)`,
		`CREATE INDEX IF NOT EXISTS idx_cells_plays
			ON cell_aggregates(total_plays DESC)`,
		`CREATE TABLE IF NOT EXISTS cell_top_tracks (
			cell_id TEXT NOT NULL,
			track_id TEXT NOT NULL REFERENCES tracks(id),
			play_count INTEGER NOT NULL DEFAULT 0,
			unique_users INTEGER NOT NULL DEFAULT 0,
			rank_score REAL NOT NULL DEFAULT 0,
			last_played_at TIMESTAMP,
			PRIMARY KEY (cell_id, track_id)
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// nullTimePtr converts a nullable column to *time.Time.
func nullTimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// nullFloatPtr converts a nullable column to *float64.
func nullFloatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// nullStrPtr converts a nullable column to *string.
func nullStrPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// execRowsAffected runs an exec and reports the affected row count.
func (s *Store) execRowsAffected(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
