// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/moodgrid/moodgrid/internal/models"
	"github.com/moodgrid/moodgrid/internal/store"
)

// UpsertCellTopTrack bumps the per-cell play counter for a track and
// recounts its distinct listeners, returning the updated row so the caller
// can derive a rank score from fresh counts.
func (s *Store) UpsertCellTopTrack(ctx context.Context, cellID string, trackID uuid.UUID, playedAt time.Time) (*models.CellTopTrack, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO cell_top_tracks (cell_id, track_id, play_count, unique_users, last_played_at)
		VALUES (?, ?, 1, 1, ?)
		ON CONFLICT(cell_id, track_id) DO UPDATE SET
			play_count = play_count + 1,
			last_played_at = excluded.last_played_at`,
		cellID, trackID.String(), playedAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to upsert top track: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE cell_top_tracks SET unique_users = MAX(1, (
			SELECT COUNT(DISTINCT user_id) FROM playback_events
			WHERE cell_id = ? AND track_id = ?))
		WHERE cell_id = ? AND track_id = ?`,
		cellID, trackID.String(), cellID, trackID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to recount listeners: %w", err)
	}

	var (
		tt         models.CellTopTrack
		lastPlayed sql.NullTime
	)
	err = tx.QueryRowContext(ctx, `
		SELECT cell_id, play_count, unique_users, rank_score, last_played_at
		FROM cell_top_tracks WHERE cell_id = ? AND track_id = ?`,
		cellID, trackID.String()).
		Scan(&tt.CellID, &tt.PlayCount, &tt.UniqueUsers, &tt.RankScore, &lastPlayed)
	if err != nil {
		return nil, fmt.Errorf("failed to read top track: %w", err)
	}
	tt.TrackID = trackID
	if lastPlayed.Valid {
		tt.LastPlayedAt = lastPlayed.Time
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit top track: %w", err)
	}
	return &tt, nil
}

// SetTopTrackScore stores the derived rank score for a cell/track pair.
func (s *Store) SetTopTrackScore(ctx context.Context, cellID string, trackID uuid.UUID, score float64) error {
	n, err := s.execRowsAffected(ctx, `
		UPDATE cell_top_tracks SET rank_score = ?
		WHERE cell_id = ? AND track_id = ?`,
		score, cellID, trackID.String())
	if err != nil {
		return fmt.Errorf("failed to set rank score: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// TopTracks returns the highest-ranked tracks for a cell with catalog
// fields populated.
func (s *Store) TopTracks(ctx context.Context, cellID string, limit int) ([]*models.CellTopTrack, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tt.cell_id, tt.track_id, tt.play_count, tt.unique_users,
			tt.rank_score, tt.last_played_at,
			t.external_id, t.name, t.artist, t.album, t.audio_features, t.color_hex
		FROM cell_top_tracks tt
		JOIN tracks t ON t.id = tt.track_id
		WHERE tt.cell_id = ?
		ORDER BY tt.rank_score DESC, tt.play_count DESC
		LIMIT ?`, cellID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top tracks: %w", err)
	}
	defer rows.Close()
	return collectTopTracks(rows)
}

// TrackCells returns every cell a track charts in, highest rank first.
func (s *Store) TrackCells(ctx context.Context, trackID uuid.UUID) ([]*models.CellTopTrack, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tt.cell_id, tt.track_id, tt.play_count, tt.unique_users,
			tt.rank_score, tt.last_played_at,
			t.external_id, t.name, t.artist, t.album, t.audio_features, t.color_hex
		FROM cell_top_tracks tt
		JOIN tracks t ON t.id = tt.track_id
		WHERE tt.track_id = ?
		ORDER BY tt.rank_score DESC, tt.play_count DESC`, trackID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query track cells: %w", err)
	}
	defer rows.Close()
	return collectTopTracks(rows)
}

func collectTopTracks(rows *sql.Rows) ([]*models.CellTopTrack, error) {
	var out []*models.CellTopTrack
	for rows.Next() {
		var (
			tt         models.CellTopTrack
			trackID    string
			lastPlayed sql.NullTime
			album      sql.NullString
			features   sql.NullString
			colorHex   sql.NullString
			track      models.Track
		)
		err := rows.Scan(&tt.CellID, &trackID, &tt.PlayCount, &tt.UniqueUsers,
			&tt.RankScore, &lastPlayed,
			&track.ExternalID, &track.Name, &track.Artist, &album, &features, &colorHex)
		if err != nil {
			return nil, fmt.Errorf("failed to scan top track: %w", err)
		}
		parsed, err := uuid.Parse(trackID)
		if err != nil {
			return nil, fmt.Errorf("invalid track id %q: %w", trackID, err)
		}
		tt.TrackID = parsed
		track.ID = parsed
		track.Album = album.String
		track.ColorHex = nullStrPtr(colorHex)
		if features.Valid && features.String != "" {
			var af models.AudioFeatures
			if err := json.Unmarshal([]byte(features.String), &af); err != nil {
				return nil, fmt.Errorf("failed to decode audio features: %w", err)
			}
			track.Features = &af
		}
		if lastPlayed.Valid {
			tt.LastPlayedAt = lastPlayed.Time
		}
		tt.Track = &track
		out = append(out, &tt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("top track iteration failed: %w", err)
	}
	return out, nil
}

// CleanupLowActivityTopTracks drops chart rows with fewer than minPlays plays
// whose last play predates the cutoff, returning how many were removed.
func (s *Store) CleanupLowActivityTopTracks(ctx context.Context, minPlays int, lastPlayedBefore time.Time) (int, error) {
	n, err := s.execRowsAffected(ctx, `
		DELETE FROM cell_top_tracks
		WHERE play_count < ? AND (last_played_at IS NULL OR last_played_at < ?)`,
		minPlays, lastPlayedBefore.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up top tracks: %w", err)
	}
	return int(n), nil
}
