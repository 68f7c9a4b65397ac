// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package store defines the repository boundary between Moodgrid's
// aggregation core and its persistence layer.
//
// Two interchangeable implementations exist: store/sqlite (embedded file
// store for production) and store/memory (mutex-guarded maps for tests and
// dev mode). The implementation is chosen once at startup from
// configuration; the core only ever sees this interface.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/moodgrid/moodgrid/internal/models"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUnauthorized indicates no user matched the presented token.
	ErrUnauthorized = errors.New("store: unauthorized")
)

// CellRollup carries the recomputed statistics for one cell: whole-history
// counts plus feature averages over the trailing window, restricted to
// events whose track has known audio features.
type CellRollup struct {
	TotalPlays     int
	UniqueUsers    int
	UniqueTracks   int
	LastActivityAt *time.Time

	// FeatureCount is the number of window events that contributed to the
	// averages below. Zero means the averages are meaningless and the
	// aggregator must not overwrite existing cell state.
	FeatureCount        int
	AvgEnergy           float64
	AvgValence          float64
	AvgDanceability     float64
	AvgAcousticness     float64
	AvgInstrumentalness float64
}

// Repository is the persistence contract consumed by the aggregation core.
//
// Atomicity requirements:
//   - InsertPlaybackEvent performs the duplicate-window check and the insert
//     as one atomic step, so concurrent duplicate submissions admit at most
//     one event.
//   - UpdateCellAggregate writes the aggregate row in a single operation;
//     readers never observe a partially updated row.
type Repository interface {
	// Tracks
	TrackByExternalID(ctx context.Context, externalID string) (*models.Track, error)
	TrackByID(ctx context.Context, id uuid.UUID) (*models.Track, error)
	// UpsertTrack creates the track keyed on its external ID, or returns the
	// existing row. Idempotent.
	UpsertTrack(ctx context.Context, track *models.Track) (*models.Track, error)
	// SetTrackFeatures attaches the fetched feature vector and derived color.
	SetTrackFeatures(ctx context.Context, id uuid.UUID, features *models.AudioFeatures, colorHex string) error

	// Users
	UserByToken(ctx context.Context, token string) (*models.User, error)
	TouchUserActivity(ctx context.Context, id uuid.UUID, at time.Time) error

	// Playback events
	// InsertPlaybackEvent inserts ev unless an event with the same
	// (user, track, cell) exists within the trailing dedupe window; returns
	// false without inserting in that case.
	InsertPlaybackEvent(ctx context.Context, ev *models.PlaybackEvent, dedupeWindow time.Duration) (accepted bool, err error)
	FindRecentDuplicate(ctx context.Context, userID, trackID uuid.UUID, cellID string, window time.Duration) (bool, error)
	RecentPlayCount(ctx context.Context, cellID string, since time.Time) (int, error)

	// Cell aggregates
	// EnsureCell creates the cell row with zeroed counters if absent, using
	// the supplied coordinate as its initial center. Idempotent.
	EnsureCell(ctx context.Context, cellID string, centerLat, centerLng float64, resolution int) (*models.CellAggregate, error)
	CellByID(ctx context.Context, cellID string) (*models.CellAggregate, error)
	CellsByBounds(ctx context.Context, north, south, east, west float64, limit int) ([]*models.CellAggregate, error)
	CellsByIDs(ctx context.Context, cellIDs []string) ([]*models.CellAggregate, error)
	TouchCellActivity(ctx context.Context, cellID string, at time.Time) error
	// CellRollup recomputes counts and windowed feature averages from the
	// cell's playback events.
	CellRollup(ctx context.Context, cellID string, windowStart time.Time) (*CellRollup, error)
	// UpdateCellAggregate atomically replaces the cell's derived fields.
	UpdateCellAggregate(ctx context.Context, agg *models.CellAggregate) error
	// StaleCells lists cells with plays whose color is missing or whose last
	// aggregation predates staleBefore, and that have at least one
	// feature-bearing event, ordered by play count descending.
	StaleCells(ctx context.Context, staleBefore time.Time, limit int) ([]string, error)
	// ActiveCells lists cells with at least one play, most active first.
	ActiveCells(ctx context.Context, limit int) ([]string, error)

	// Top tracks
	// UpsertCellTopTrack increments the (cell, track) play counter, creating
	// the row if absent, and recomputes its distinct-user count from the
	// event log. The caller derives the rank score from the returned counts.
	UpsertCellTopTrack(ctx context.Context, cellID string, trackID uuid.UUID, playedAt time.Time) (*models.CellTopTrack, error)
	SetTopTrackScore(ctx context.Context, cellID string, trackID uuid.UUID, score float64) error
	// TopTracks returns the cell's ranking with catalog fields populated,
	// ordered by rank score then play count, both descending.
	TopTracks(ctx context.Context, cellID string, limit int) ([]*models.CellTopTrack, error)
	// TrackCells returns every ranking row for a track across cells, best
	// ranked first.
	TrackCells(ctx context.Context, trackID uuid.UUID) ([]*models.CellTopTrack, error)

	// Retention
	// CleanupInactiveCells deletes cells with zero plays created before the
	// cutoff; returns the removed cell IDs.
	CleanupInactiveCells(ctx context.Context, createdBefore time.Time) ([]string, error)
	// CleanupLowActivityTopTracks deletes ranking rows below minPlays whose
	// last play predates the cutoff; returns the number removed.
	CleanupLowActivityTopTracks(ctx context.Context, minPlays int, lastPlayedBefore time.Time) (int, error)

	Close() error
}
