// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package scheduler drives background cell maintenance: periodic refresh of
// stale aggregates, operator-triggered full rebuilds, and retention cleanup.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/moodgrid/moodgrid/internal/aggregator"
	"github.com/moodgrid/moodgrid/internal/config"
	"github.com/moodgrid/moodgrid/internal/logging"
	"github.com/moodgrid/moodgrid/internal/metrics"
	"github.com/moodgrid/moodgrid/internal/store"
)

// Scheduler periodically refreshes stale cells. It runs as a supervised
// service: Serve blocks until ctx is cancelled and returns ctx.Err() so the
// supervisor treats cancellation as a normal stop.
type Scheduler struct {
	repo      store.Repository
	agg       *aggregator.Aggregator
	cfg       config.AggregationConfig
	retention config.RetentionConfig
}

// New creates a Scheduler.
func New(repo store.Repository, agg *aggregator.Aggregator, cfg config.AggregationConfig, retention config.RetentionConfig) *Scheduler {
	return &Scheduler{repo: repo, agg: agg, cfg: cfg, retention: retention}
}

// String identifies the service in supervisor logs.
func (s *Scheduler) String() string { return "aggregation-scheduler" }

// Serve runs the refresh loop until ctx is cancelled. The first pass runs
// immediately so a restarted server does not wait a full interval with a
// stale map.
func (s *Scheduler) Serve(ctx context.Context) error {
	logging.Info().
		Dur("interval", s.cfg.Interval).
		Int("batch_size", s.cfg.BatchSize).
		Dur("staleness", s.cfg.Staleness).
		Msg("aggregation scheduler started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	var retentionTicker *time.Ticker
	var retentionC <-chan time.Time
	if s.retention.Enabled {
		retentionTicker = time.NewTicker(s.retention.Interval)
		defer retentionTicker.Stop()
		retentionC = retentionTicker.C
	}

	s.runPass(ctx)

	for {
		select {
		case <-ctx.Done():
			logging.Info().Msg("aggregation scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			s.runPass(ctx)
		case <-retentionC:
			s.runRetention(ctx)
		}
	}
}

// runPass refreshes one batch of stale cells.
func (s *Scheduler) runPass(ctx context.Context) {
	start := time.Now()
	staleBefore := start.Add(-s.cfg.Staleness)

	cellIDs, err := s.repo.StaleCells(ctx, staleBefore, s.cfg.BatchSize)
	if err != nil {
		logging.Error().Err(err).Msg("stale cell query failed")
		return
	}
	metrics.StaleCellsGauge.Set(float64(len(cellIDs)))
	if len(cellIDs) == 0 {
		return
	}

	res, err := s.agg.BatchAggregate(ctx, cellIDs)
	elapsed := time.Since(start)
	metrics.AggregationPassDuration.Observe(elapsed.Seconds())
	metrics.AggregationBatchSize.Observe(float64(len(cellIDs)))
	if err != nil {
		logging.Warn().Err(err).Msg("aggregation pass interrupted")
		return
	}

	ev := logging.Info()
	if s.cfg.SlowWarn > 0 && elapsed > s.cfg.SlowWarn {
		ev = logging.Warn().Dur("slow_warn", s.cfg.SlowWarn)
	}
	ev.Int("processed", res.Processed).
		Int("failed", res.Failed).
		Dur("elapsed", elapsed).
		Msg("aggregation pass complete")
}

// FullReport summarizes a full rebuild.
type FullReport struct {
	Cells     int           `json:"cells"`
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Elapsed   time.Duration `json:"elapsed"`
}

// ForceFullAggregation rebuilds active cells regardless of staleness, pacing
// sub-batches so an operator-triggered rebuild does not monopolize the store.
// A positive limit caps the rebuild to the busiest cells; zero means all.
// Blocks until done or ctx is cancelled.
func (s *Scheduler) ForceFullAggregation(ctx context.Context, limit int) (*FullReport, error) {
	start := time.Now()

	cellIDs, err := s.repo.ActiveCells(ctx, limit)
	if err != nil {
		return nil, err
	}

	subBatch := s.cfg.FullSubBatchSize
	if subBatch <= 0 {
		subBatch = 10
	}
	pacing := s.cfg.FullPacing
	if pacing <= 0 {
		pacing = time.Second
	}
	limiter := rate.NewLimiter(rate.Every(pacing), 1)

	report := &FullReport{Cells: len(cellIDs)}
	for i := 0; i < len(cellIDs); i += subBatch {
		if err := limiter.Wait(ctx); err != nil {
			return report, err
		}
		end := i + subBatch
		if end > len(cellIDs) {
			end = len(cellIDs)
		}
		res, err := s.agg.BatchAggregate(ctx, cellIDs[i:end])
		report.Processed += res.Processed
		report.Failed += res.Failed
		if err != nil {
			return report, err
		}
	}

	report.Elapsed = time.Since(start)
	logging.Info().
		Int("cells", report.Cells).
		Int("processed", report.Processed).
		Int("failed", report.Failed).
		Dur("elapsed", report.Elapsed).
		Msg("full aggregation complete")
	return report, nil
}

// runRetention removes cells that never accumulated plays and chart rows that
// faded out.
func (s *Scheduler) runRetention(ctx context.Context) {
	removedCells, err := s.repo.CleanupInactiveCells(ctx, time.Now().Add(-s.retention.InactiveCellAge))
	if err != nil {
		logging.Error().Err(err).Msg("inactive cell cleanup failed")
	}

	removedRows, err := s.repo.CleanupLowActivityTopTracks(ctx, s.retention.MinTopTrackPlays, time.Now().Add(-s.retention.TopTrackAge))
	if err != nil {
		logging.Error().Err(err).Msg("top track cleanup failed")
	}

	if len(removedCells) > 0 || removedRows > 0 {
		logging.Info().
			Int("cells_removed", len(removedCells)).
			Int("chart_rows_removed", removedRows).
			Msg("retention cleanup complete")
	}
}
