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

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/moodgrid/moodgrid/internal/models"
	"github.com/moodgrid/moodgrid/internal/store"
)

const trackColumns = `id, external_id, name, artist, album, duration_ms,
	audio_features, color_hex, created_at, updated_at`

func scanTrack(row interface{ Scan(...interface{}) error }) (*models.Track, error) {
	var (
		t        models.Track
		id       string
		album    sql.NullString
		duration sql.NullInt64
		features sql.NullString
		colorHex sql.NullString
	)
	err := row.Scan(&id, &t.ExternalID, &t.Name, &t.Artist, &album,
		&duration, &features, &colorHex, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid track id %q: %w", id, err)
	}
	t.ID = parsed
	t.Album = album.String
	t.DurationMS = int(duration.Int64)
	t.ColorHex = nullStrPtr(colorHex)

	if features.Valid && features.String != "" {
		var af models.AudioFeatures
		if err := json.Unmarshal([]byte(features.String), &af); err != nil {
			return nil, fmt.Errorf("failed to decode audio features: %w", err)
		}
		t.Features = &af
	}
	return &t, nil
}

// TrackByExternalID looks up a track by its provider catalog ID.
func (s *Store) TrackByExternalID(ctx context.Context, externalID string) (*models.Track, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trackColumns+` FROM tracks WHERE external_id = ?`, externalID)
	t, err := scanTrack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query track: %w", err)
	}
	return t, nil
}

// TrackByID looks up a track by its internal UUID.
func (s *Store) TrackByID(ctx context.Context, id uuid.UUID) (*models.Track, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trackColumns+` FROM tracks WHERE id = ?`, id.String())
	t, err := scanTrack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query track: %w", err)
	}
	return t, nil
}

// UpsertTrack inserts the track if its external ID is unseen, otherwise
// refreshes the catalog fields. The stored row is returned either way.
func (s *Store) UpsertTrack(ctx context.Context, t *models.Track) (*models.Track, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := time.Now().UTC()

	var featuresJSON sql.NullString
	if t.Features != nil {
		raw, err := json.Marshal(t.Features)
		if err != nil {
			return nil, fmt.Errorf("failed to encode audio features: %w", err)
		}
		featuresJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracks (id, external_id, name, artist, album, duration_ms,
			audio_features, color_hex, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(external_id) DO UPDATE SET
			name = excluded.name,
			artist = excluded.artist,
			album = excluded.album,
			duration_ms = excluded.duration_ms,
			updated_at = excluded.updated_at`,
		t.ID.String(), t.ExternalID, t.Name, t.Artist, t.Album, t.DurationMS,
		featuresJSON, t.ColorHex, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert track: %w", err)
	}

	return s.TrackByExternalID(ctx, t.ExternalID)
}

// SetTrackFeatures stores fetched audio features and the derived color.
func (s *Store) SetTrackFeatures(ctx context.Context, id uuid.UUID, features *models.AudioFeatures, colorHex string) error {
	raw, err := json.Marshal(features)
	if err != nil {
		return fmt.Errorf("failed to encode audio features: %w", err)
	}
	n, err := s.execRowsAffected(ctx, `
		UPDATE tracks SET audio_features = ?, color_hex = ?, updated_at = ?
		WHERE id = ?`,
		string(raw), colorHex, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("failed to set track features: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddUser provisions a user with an access token. Registration is out of
// scope for the API surface, so operators seed users through this path.
func (s *Store) AddUser(ctx context.Context, u *models.User, token string) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, access_token) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET username = excluded.username,
			access_token = excluded.access_token`,
		u.ID.String(), u.Username, token)
	if err != nil {
		return fmt.Errorf("failed to add user: %w", err)
	}
	return nil
}

// UserByToken resolves an API access token to its user.
func (s *Store) UserByToken(ctx context.Context, token string) (*models.User, error) {
	var (
		u          models.User
		id         string
		lastActive sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, username, last_active_at FROM users WHERE access_token = ?`,
		token).Scan(&id, &u.Username, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", id, err)
	}
	u.ID = parsed
	u.LastActiveAt = nullTimePtr(lastActive)
	return &u, nil
}

// TouchUserActivity stamps the user's last activity time.
func (s *Store) TouchUserActivity(ctx context.Context, id uuid.UUID, at time.Time) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_active_at = ? WHERE id = ?`, at.UTC(), id.String()); err != nil {
		return fmt.Errorf("failed to touch user activity: %w", err)
	}
	return nil
}
