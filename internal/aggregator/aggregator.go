// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package aggregator recomputes per-cell statistics from the playback event
// log: whole-history counts, windowed audio-feature averages, and the mood
// color derived from them.
//
// A cell with no feature-bearing events in the window keeps whatever averages
// and color it already has; aggregation never regresses a colored cell back to
// gray just because the recent traffic lacks fetched features.
package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/moodgrid/moodgrid/internal/colormap"
	"github.com/moodgrid/moodgrid/internal/logging"
	"github.com/moodgrid/moodgrid/internal/metrics"
	"github.com/moodgrid/moodgrid/internal/models"
	"github.com/moodgrid/moodgrid/internal/store"
)

// Options control the rollup window.
type Options struct {
	// Window is the trailing period over which feature averages are taken.
	// Counts always cover the cell's whole history.
	Window time.Duration
}

// Aggregator recomputes cell aggregates. Safe for concurrent use; updates to
// the same cell are serialized by a per-cell lock so two overlapping
// aggregations cannot interleave their read-modify-write cycles.
type Aggregator struct {
	repo store.Repository
	opts Options

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Aggregator over repo.
func New(repo store.Repository, opts Options) *Aggregator {
	if opts.Window <= 0 {
		opts.Window = 30 * 24 * time.Hour
	}
	return &Aggregator{
		repo:  repo,
		opts:  opts,
		locks: make(map[string]*sync.Mutex),
	}
}

func (a *Aggregator) cellLock(cellID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l, ok := a.locks[cellID]
	if !ok {
		l = &sync.Mutex{}
		a.locks[cellID] = l
	}
	return l
}

// Aggregate recomputes one cell and persists the result. Returns the updated
// aggregate.
func (a *Aggregator) Aggregate(ctx context.Context, cellID string) (*models.CellAggregate, error) {
	lock := a.cellLock(cellID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	agg, err := a.aggregateLocked(ctx, cellID)
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.RecordAggregation(result, time.Since(start))
	return agg, err
}

func (a *Aggregator) aggregateLocked(ctx context.Context, cellID string) (*models.CellAggregate, error) {
	cell, err := a.repo.CellByID(ctx, cellID)
	if err != nil {
		return nil, err
	}

	windowStart := time.Now().Add(-a.opts.Window)
	rollup, err := a.repo.CellRollup(ctx, cellID, windowStart)
	if err != nil {
		return nil, err
	}

	cell.TotalPlays = rollup.TotalPlays
	cell.UniqueUsers = rollup.UniqueUsers
	cell.UniqueTracks = rollup.UniqueTracks
	if rollup.LastActivityAt != nil {
		cell.LastActivityAt = rollup.LastActivityAt
	}

	if rollup.FeatureCount > 0 {
		cell.AvgEnergy = ptr(rollup.AvgEnergy)
		cell.AvgValence = ptr(rollup.AvgValence)
		cell.AvgDanceability = ptr(rollup.AvgDanceability)
		cell.AvgAcousticness = ptr(rollup.AvgAcousticness)
		cell.AvgInstrumentalness = ptr(rollup.AvgInstrumentalness)
		color := colormap.FeaturesToColor(models.AudioFeatures{
			Energy:           rollup.AvgEnergy,
			Valence:          rollup.AvgValence,
			Danceability:     rollup.AvgDanceability,
			Acousticness:     rollup.AvgAcousticness,
			Instrumentalness: rollup.AvgInstrumentalness,
		})
		cell.ColorHex = &color
	}

	now := time.Now().UTC()
	cell.LastAggregatedAt = &now

	if err := a.repo.UpdateCellAggregate(ctx, cell); err != nil {
		return nil, err
	}

	logging.Debug().
		Str("cell_id", cellID).
		Int("plays", cell.TotalPlays).
		Int("feature_events", rollup.FeatureCount).
		Msg("cell aggregated")
	return cell, nil
}

// BatchResult summarizes one BatchAggregate pass.
type BatchResult struct {
	Processed int
	Failed    int
}

// BatchAggregate aggregates each cell in turn. A failing cell is logged and
// skipped; the pass continues. Stops early if ctx is cancelled.
func (a *Aggregator) BatchAggregate(ctx context.Context, cellIDs []string) (BatchResult, error) {
	var res BatchResult
	for _, cellID := range cellIDs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := a.Aggregate(ctx, cellID); err != nil {
			res.Failed++
			logging.Warn().Err(err).
				Str("cell_id", cellID).
				Msg("cell aggregation failed")
			continue
		}
		res.Processed++
	}
	return res, nil
}

// MoodTags returns the descriptive tags for a cell's averaged features, or nil
// if the cell has no feature data yet.
func (a *Aggregator) MoodTags(ctx context.Context, cellID string) ([]string, error) {
	cell, err := a.repo.CellByID(ctx, cellID)
	if err != nil {
		return nil, err
	}
	f := cell.AverageFeatures()
	if f == nil {
		return nil, nil
	}
	return colormap.MoodTags(*f), nil
}

func ptr(v float64) *float64 { return &v }
