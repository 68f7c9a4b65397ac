// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/moodgrid/moodgrid/internal/models"
	"github.com/moodgrid/moodgrid/internal/store"
)

const cellColumns = `cell_id, center_lat, center_lng, resolution,
	total_plays, unique_users, unique_tracks,
	avg_energy, avg_valence, avg_danceability, avg_acousticness, avg_instrumentalness,
	color_hex, last_activity_at, last_aggregated_at, created_at, updated_at`

func scanCell(row interface{ Scan(...interface{}) error }) (*models.CellAggregate, error) {
	var (
		c                                        models.CellAggregate
		energy, valence, dance, acoustic, instru sql.NullFloat64
		colorHex                                 sql.NullString
		lastActivity, lastAggregated             sql.NullTime
	)
	err := row.Scan(&c.CellID, &c.CenterLat, &c.CenterLng, &c.Resolution,
		&c.TotalPlays, &c.UniqueUsers, &c.UniqueTracks,
		&energy, &valence, &dance, &acoustic, &instru,
		&colorHex, &lastActivity, &lastAggregated, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.AvgEnergy = nullFloatPtr(energy)
	c.AvgValence = nullFloatPtr(valence)
	c.AvgDanceability = nullFloatPtr(dance)
	c.AvgAcousticness = nullFloatPtr(acoustic)
	c.AvgInstrumentalness = nullFloatPtr(instru)
	c.ColorHex = nullStrPtr(colorHex)
	c.LastActivityAt = nullTimePtr(lastActivity)
	c.LastAggregatedAt = nullTimePtr(lastAggregated)
	return &c, nil
}

// EnsureCell creates the aggregate row for a cell on first contact and
// returns the stored row. Existing rows are left untouched.
func (s *Store) EnsureCell(ctx context.Context, cellID string, centerLat, centerLng float64, resolution int) (*models.CellAggregate, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cell_aggregates (cell_id, center_lat, center_lng, resolution, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(cell_id) DO NOTHING`,
		cellID, centerLat, centerLng, resolution, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure cell: %w", err)
	}
	return s.CellByID(ctx, cellID)
}

// CellByID fetches a single cell aggregate.
func (s *Store) CellByID(ctx context.Context, cellID string) (*models.CellAggregate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cellColumns+` FROM cell_aggregates WHERE cell_id = ?`, cellID)
	c, err := scanCell(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query cell: %w", err)
	}
	return c, nil
}

// CellsByBounds returns cells with at least one play whose centers fall in
// the viewport, busiest first.
func (s *Store) CellsByBounds(ctx context.Context, north, south, east, west float64, limit int) ([]*models.CellAggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cellColumns+` FROM cell_aggregates
		WHERE total_plays > 0
			AND center_lat <= ? AND center_lat >= ?
			AND center_lng <= ? AND center_lng >= ?
		ORDER BY total_plays DESC, last_activity_at DESC
		LIMIT ?`,
		north, south, east, west, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells by bounds: %w", err)
	}
	defer rows.Close()
	return collectCells(rows)
}

// CellsByIDs returns the aggregates for the given cells, busiest first.
// Unknown IDs are skipped.
func (s *Store) CellsByIDs(ctx context.Context, cellIDs []string) ([]*models.CellAggregate, error) {
	if len(cellIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cellIDs)), ",")
	args := make([]interface{}, len(cellIDs))
	for i, id := range cellIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+cellColumns+` FROM cell_aggregates
		WHERE total_plays > 0 AND cell_id IN (`+placeholders+`)
		ORDER BY total_plays DESC, last_activity_at DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells by ids: %w", err)
	}
	defer rows.Close()
	return collectCells(rows)
}

func collectCells(rows *sql.Rows) ([]*models.CellAggregate, error) {
	var cells []*models.CellAggregate
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		cells = append(cells, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cell row iteration failed: %w", err)
	}
	return cells, nil
}

// TouchCellActivity bumps the play counter and activity stamp on ingest so
// the map reflects traffic before the next aggregation pass.
func (s *Store) TouchCellActivity(ctx context.Context, cellID string, at time.Time) error {
	n, err := s.execRowsAffected(ctx, `
		UPDATE cell_aggregates
		SET total_plays = total_plays + 1, last_activity_at = ?, updated_at = ?
		WHERE cell_id = ?`,
		at.UTC(), time.Now().UTC(), cellID)
	if err != nil {
		return fmt.Errorf("failed to touch cell activity: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UpdateCellAggregate writes the recomputed counters, averages, and color in
// a single statement so readers never observe a half-updated row.
func (s *Store) UpdateCellAggregate(ctx context.Context, agg *models.CellAggregate) error {
	var lastActivity, lastAggregated interface{}
	if agg.LastActivityAt != nil {
		lastActivity = agg.LastActivityAt.UTC()
	}
	if agg.LastAggregatedAt != nil {
		lastAggregated = agg.LastAggregatedAt.UTC()
	}
	n, err := s.execRowsAffected(ctx, `
		UPDATE cell_aggregates SET
			total_plays = ?, unique_users = ?, unique_tracks = ?,
			avg_energy = COALESCE(?, avg_energy),
			avg_valence = COALESCE(?, avg_valence),
			avg_danceability = COALESCE(?, avg_danceability),
			avg_acousticness = COALESCE(?, avg_acousticness),
			avg_instrumentalness = COALESCE(?, avg_instrumentalness),
			color_hex = COALESCE(?, color_hex),
			last_activity_at = COALESCE(?, last_activity_at),
			last_aggregated_at = COALESCE(?, last_aggregated_at),
			updated_at = ?
		WHERE cell_id = ?`,
		agg.TotalPlays, agg.UniqueUsers, agg.UniqueTracks,
		agg.AvgEnergy, agg.AvgValence, agg.AvgDanceability,
		agg.AvgAcousticness, agg.AvgInstrumentalness,
		agg.ColorHex, lastActivity, lastAggregated,
		time.Now().UTC(), agg.CellID)
	if err != nil {
		return fmt.Errorf("failed to update cell aggregate: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// StaleCells returns cells that have plays, feature-bearing history, and
// either no color yet or an aggregation stamp older than staleBefore.
// Busiest cells come first so refresh effort lands where users look.
func (s *Store) StaleCells(ctx context.Context, staleBefore time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ca.cell_id FROM cell_aggregates ca
		WHERE ca.total_plays > 0
			AND (ca.color_hex IS NULL
				OR ca.last_aggregated_at IS NULL
				OR ca.last_aggregated_at < ?)
			AND EXISTS (
				SELECT 1 FROM playback_events pe
				JOIN tracks t ON t.id = pe.track_id
				WHERE pe.cell_id = ca.cell_id AND t.audio_features IS NOT NULL)
		ORDER BY ca.total_plays DESC
		LIMIT ?`,
		staleBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale cells: %w", err)
	}
	defer rows.Close()
	return collectCellIDs(rows)
}

// ActiveCells returns every cell with at least one play, busiest first.
func (s *Store) ActiveCells(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT cell_id FROM cell_aggregates
		WHERE total_plays > 0
		ORDER BY total_plays DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query active cells: %w", err)
	}
	defer rows.Close()
	return collectCellIDs(rows)
}

func collectCellIDs(rows *sql.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan cell id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cell id iteration failed: %w", err)
	}
	return ids, nil
}

// CleanupInactiveCells removes cells that never accumulated a play and were
// created before the cutoff. The removed IDs are returned for logging.
func (s *Store) CleanupInactiveCells(ctx context.Context, createdBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cell_id FROM cell_aggregates
		WHERE total_plays = 0 AND created_at < ?`, createdBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query inactive cells: %w", err)
	}
	ids, err := collectCellIDs(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	_, err = s.db.ExecContext(ctx, `
		DELETE FROM cell_aggregates
		WHERE total_plays = 0 AND created_at < ?`, createdBefore.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to delete inactive cells: %w", err)
	}
	return ids, nil
}
