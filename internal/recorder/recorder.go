// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package recorder ingests playback events: it authenticates the listener,
// upserts the track, snaps the location to a grid cell, deduplicates repeat
// submissions, and maintains the per-cell track charts. Tracks without
// audio features are handed to a background worker pool for fetching.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/moodgrid/moodgrid/internal/hexgrid"
	"github.com/moodgrid/moodgrid/internal/logging"
	"github.com/moodgrid/moodgrid/internal/metrics"
	"github.com/moodgrid/moodgrid/internal/models"
	"github.com/moodgrid/moodgrid/internal/store"
)

// ErrUnauthorized is returned when the access token resolves to no user.
var ErrUnauthorized = errors.New("recorder: unauthorized")

// FeatureEnqueuer accepts tracks whose audio features still need fetching.
type FeatureEnqueuer interface {
	Enqueue(trackID uuid.UUID, externalID string)
}

// Options tunes the recorder.
type Options struct {
	// DedupeWindow suppresses repeat plays of the same track by the same
	// user in the same cell.
	DedupeWindow time.Duration

	// PlayWeight and UserWeight combine into the chart rank score.
	PlayWeight float64
	UserWeight float64
}

// Request is one submitted playback.
type Request struct {
	Token      string
	ExternalID string
	Name       string
	Artist     string
	Album      string
	DurationMS int
	Latitude   float64
	Longitude  float64
	PlayedAt   time.Time
	ProgressMS int
	IsPlaying  bool
}

// Receipt reports what ingesting one playback did.
type Receipt struct {
	EventID   uuid.UUID     `json:"event_id"`
	CellID    string        `json:"hex_id"`
	Duplicate bool          `json:"duplicate"`
	Track     *models.Track `json:"track,omitempty"`

	// FeaturesProcessing reports that an audio feature fetch was queued
	// in the background for this track.
	FeaturesProcessing bool `json:"features_processing"`
}

// Recorder is the playback ingest pipeline.
type Recorder struct {
	repo     store.Repository
	grid     *hexgrid.Grid
	features FeatureEnqueuer
	opts     Options
}

// New builds a recorder. features may be nil when feature fetching is
// disabled; tracks then stay colorless until features arrive another way.
func New(repo store.Repository, grid *hexgrid.Grid, features FeatureEnqueuer, opts Options) *Recorder {
	return &Recorder{repo: repo, grid: grid, features: features, opts: opts}
}

// Record ingests one playback event.
func (r *Recorder) Record(ctx context.Context, req *Request) (*Receipt, error) {
	user, err := r.repo.UserByToken(ctx, req.Token)
	if err != nil {
		if errors.Is(err, store.ErrUnauthorized) {
			metrics.PlaybackErrors.WithLabelValues("auth").Inc()
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to resolve user: %w", err)
	}

	playedAt := req.PlayedAt
	if playedAt.IsZero() {
		playedAt = time.Now().UTC()
	}
	if err := r.repo.TouchUserActivity(ctx, user.ID, playedAt); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Msg("failed to touch user activity")
	}

	track, err := r.repo.UpsertTrack(ctx, &models.Track{
		ExternalID: req.ExternalID,
		Name:       req.Name,
		Artist:     req.Artist,
		Album:      req.Album,
		DurationMS: req.DurationMS,
	})
	if err != nil {
		metrics.PlaybackErrors.WithLabelValues("track").Inc()
		return nil, fmt.Errorf("failed to upsert track: %w", err)
	}

	cellID := r.grid.CellID(req.Latitude, req.Longitude)

	ev := &models.PlaybackEvent{
		ID:         uuid.New(),
		UserID:     user.ID,
		TrackID:    track.ID,
		CellID:     cellID,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		PlayedAt:   playedAt,
		ProgressMS: req.ProgressMS,
		IsPlaying:  req.IsPlaying,
	}
	accepted, err := r.repo.InsertPlaybackEvent(ctx, ev, r.opts.DedupeWindow)
	if err != nil {
		metrics.PlaybackErrors.WithLabelValues("event").Inc()
		return nil, fmt.Errorf("failed to insert playback: %w", err)
	}
	if !accepted {
		metrics.PlaybacksDeduplicated.Inc()
		return &Receipt{CellID: cellID, Duplicate: true, Track: track}, nil
	}

	center, err := r.grid.Center(cellID)
	if err != nil {
		metrics.PlaybackErrors.WithLabelValues("cell").Inc()
		return nil, fmt.Errorf("failed to resolve cell center: %w", err)
	}
	if _, err := r.repo.EnsureCell(ctx, cellID, center.Lat, center.Lng, r.grid.Resolution()); err != nil {
		metrics.PlaybackErrors.WithLabelValues("cell").Inc()
		return nil, fmt.Errorf("failed to ensure cell: %w", err)
	}
	if err := r.repo.TouchCellActivity(ctx, cellID, playedAt); err != nil {
		metrics.PlaybackErrors.WithLabelValues("cell").Inc()
		return nil, fmt.Errorf("failed to touch cell activity: %w", err)
	}

	if err := r.updateChart(ctx, cellID, track.ID, playedAt); err != nil {
		// The play itself is recorded; a chart failure should not bounce it.
		metrics.PlaybackErrors.WithLabelValues("toptrack").Inc()
		logging.Ctx(ctx).Warn().Err(err).Str("cell_id", cellID).Msg("failed to update cell chart")
	}

	fetching := r.features != nil && !track.HasFeatures()
	if fetching {
		r.features.Enqueue(track.ID, track.ExternalID)
	}

	metrics.PlaybacksRecorded.Inc()
	return &Receipt{EventID: ev.ID, CellID: cellID, Track: track, FeaturesProcessing: fetching}, nil
}

// updateChart bumps the track's per-cell counters and refreshes its rank
// score from the new counts.
func (r *Recorder) updateChart(ctx context.Context, cellID string, trackID uuid.UUID, playedAt time.Time) error {
	tt, err := r.repo.UpsertCellTopTrack(ctx, cellID, trackID, playedAt)
	if err != nil {
		return err
	}
	score := float64(tt.PlayCount)*r.opts.PlayWeight + float64(tt.UniqueUsers)*r.opts.UserWeight
	return r.repo.SetTopTrackScore(ctx, cellID, trackID, score)
}
