// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package recorder

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/moodgrid/moodgrid/internal/colormap"
	"github.com/moodgrid/moodgrid/internal/logging"
	"github.com/moodgrid/moodgrid/internal/metrics"
	"github.com/moodgrid/moodgrid/internal/models"
	"github.com/moodgrid/moodgrid/internal/spotify"
	"github.com/moodgrid/moodgrid/internal/store"
)

// FeatureProvider fetches the audio features for an external track ID.
type FeatureProvider interface {
	AudioFeatures(ctx context.Context, externalID string) (*models.AudioFeatures, error)
}

// featureJob is one pending fetch.
type featureJob struct {
	trackID    uuid.UUID
	externalID string
}

// FeaturePool fetches audio features in the background and stores them with
// their derived track color. It runs as a supervised service.
type FeaturePool struct {
	repo     store.Repository
	provider FeatureProvider
	jobs     chan featureJob
	workers  int
}

// NewFeaturePool builds a pool with the given worker count and queue size.
func NewFeaturePool(repo store.Repository, provider FeatureProvider, workers, queueSize int) *FeaturePool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &FeaturePool{
		repo:     repo,
		provider: provider,
		jobs:     make(chan featureJob, queueSize),
		workers:  workers,
	}
}

// Enqueue queues a fetch without blocking the ingest path. When the queue
// is full the job is dropped; the track stays colorless until replayed.
func (p *FeaturePool) Enqueue(trackID uuid.UUID, externalID string) {
	select {
	case p.jobs <- featureJob{trackID: trackID, externalID: externalID}:
		metrics.FeatureQueueDepth.Set(float64(len(p.jobs)))
	default:
		metrics.FeatureQueueDropped.Inc()
		logging.Warn().Str("track", externalID).Msg("feature queue full, dropping fetch")
	}
}

// Serve runs the workers until ctx is canceled. It implements the suture
// service contract.
func (p *FeaturePool) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-p.jobs:
					p.process(ctx, job)
					metrics.FeatureQueueDepth.Set(float64(len(p.jobs)))
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// String identifies the service in supervisor logs.
func (p *FeaturePool) String() string {
	return "feature-pool"
}

func (p *FeaturePool) process(ctx context.Context, job featureJob) {
	features, err := p.provider.AudioFeatures(ctx, job.externalID)
	if err != nil {
		if errors.Is(err, spotify.ErrTrackNotFound) {
			logging.Debug().Str("track", job.externalID).Msg("no audio features available")
			return
		}
		logging.Warn().Err(err).Str("track", job.externalID).Msg("feature fetch failed")
		return
	}

	colorHex := colormap.FeaturesToColor(*features)
	if err := p.repo.SetTrackFeatures(ctx, job.trackID, features, colorHex); err != nil {
		logging.Warn().Err(err).Str("track", job.externalID).Msg("failed to store features")
	}
}
