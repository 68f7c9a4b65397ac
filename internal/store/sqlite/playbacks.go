// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/moodgrid/moodgrid/internal/models"
	"github.com/moodgrid/moodgrid/internal/store"
)

// InsertPlaybackEvent records a playback unless the same user played the same
// track in the same cell within the dedupe window. Check and insert share one
// transaction so concurrent submissions of the same play cannot both land.
func (s *Store) InsertPlaybackEvent(ctx context.Context, ev *models.PlaybackEvent, dedupeWindow time.Duration) (bool, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var dupes int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM playback_events
		WHERE user_id = ? AND track_id = ? AND cell_id = ? AND played_at > ?`,
		ev.UserID.String(), ev.TrackID.String(), ev.CellID,
		ev.PlayedAt.UTC().Add(-dedupeWindow)).Scan(&dupes)
	if err != nil {
		return false, fmt.Errorf("failed to check duplicate playback: %w", err)
	}
	if dupes > 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO playback_events (id, user_id, track_id, cell_id,
			latitude, longitude, played_at, progress_ms, is_playing)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), ev.UserID.String(), ev.TrackID.String(), ev.CellID,
		ev.Latitude, ev.Longitude, ev.PlayedAt.UTC(), ev.ProgressMS, ev.IsPlaying)
	if err != nil {
		return false, fmt.Errorf("failed to insert playback event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit playback event: %w", err)
	}
	return true, nil
}

// FindRecentDuplicate reports whether a matching playback exists inside the
// window, without inserting anything.
func (s *Store) FindRecentDuplicate(ctx context.Context, userID, trackID uuid.UUID, cellID string, window time.Duration) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM playback_events
		WHERE user_id = ? AND track_id = ? AND cell_id = ? AND played_at > ?`,
		userID.String(), trackID.String(), cellID,
		time.Now().UTC().Add(-window)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query duplicate playback: %w", err)
	}
	return n > 0, nil
}

// RecentPlayCount counts playbacks in a cell since the given time.
func (s *Store) RecentPlayCount(ctx context.Context, cellID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM playback_events WHERE cell_id = ? AND played_at > ?`,
		cellID, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count recent plays: %w", err)
	}
	return n, nil
}

// CellRollup computes the counters and windowed feature averages for a cell.
// Play, listener, and track counts cover the cell's whole history; feature
// averages only consider window events whose track carries features.
func (s *Store) CellRollup(ctx context.Context, cellID string, windowStart time.Time) (*store.CellRollup, error) {
	r := &store.CellRollup{}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1), COUNT(DISTINCT user_id), COUNT(DISTINCT track_id)
		FROM playback_events WHERE cell_id = ?`, cellID).
		Scan(&r.TotalPlays, &r.UniqueUsers, &r.UniqueTracks)
	if err != nil {
		return nil, fmt.Errorf("failed to roll up playback counts: %w", err)
	}

	// Read the newest played_at from the typed column. MAX() would come
	// back as an untyped expression the driver scans as a string.
	var lastActivity sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		SELECT played_at FROM playback_events
		WHERE cell_id = ? ORDER BY played_at DESC LIMIT 1`, cellID).
		Scan(&lastActivity)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read latest playback time: %w", err)
	}
	r.LastActivityAt = nullTimePtr(lastActivity)

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
			COALESCE(AVG(json_extract(t.audio_features, '$.energy')), 0),
			COALESCE(AVG(json_extract(t.audio_features, '$.valence')), 0),
			COALESCE(AVG(json_extract(t.audio_features, '$.danceability')), 0),
			COALESCE(AVG(json_extract(t.audio_features, '$.acousticness')), 0),
			COALESCE(AVG(json_extract(t.audio_features, '$.instrumentalness')), 0)
		FROM playback_events pe
		JOIN tracks t ON t.id = pe.track_id
		WHERE pe.cell_id = ? AND pe.played_at > ? AND t.audio_features IS NOT NULL`,
		cellID, windowStart.UTC()).
		Scan(&r.FeatureCount, &r.AvgEnergy, &r.AvgValence, &r.AvgDanceability,
			&r.AvgAcousticness, &r.AvgInstrumentalness)
	if err != nil {
		return nil, fmt.Errorf("failed to roll up feature averages: %w", err)
	}
	return r, nil
}
