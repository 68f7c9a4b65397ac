// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package main is the entry point for the Moodgrid server.
//
// Moodgrid aggregates crowd-sourced music playback events into an H3
// hexagonal grid and serves a colored mood map:
//
//  1. Configuration: layered Koanf v2 load (defaults, optional YAML, env)
//  2. Store: SQLite (production) or in-memory (dev), selected by
//     DATABASE_DRIVER
//  3. Spotify client: optional audio-feature fetches behind a circuit breaker
//  4. Services: playback recorder, feature fetch pool, cell aggregator,
//     refresh scheduler, spatial query service
//  5. HTTP server: chi router under /api/v1, Prometheus metrics on /metrics
//  6. Supervision: suture tree owns the HTTP server, the scheduler, and the
//     feature pool; SIGINT/SIGTERM cancel the tree for graceful shutdown
//
// Example:
//
//	export DATABASE_DRIVER=sqlite
//	export DATABASE_PATH=/var/lib/moodgrid/moodgrid.db
//	export SPOTIFY_ENABLED=true
//	export SPOTIFY_CLIENT_ID=… SPOTIFY_CLIENT_SECRET=…
//	./moodgrid
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/moodgrid/moodgrid/internal/aggregator"
	"github.com/moodgrid/moodgrid/internal/api"
	"github.com/moodgrid/moodgrid/internal/config"
	"github.com/moodgrid/moodgrid/internal/hexgrid"
	"github.com/moodgrid/moodgrid/internal/logging"
	"github.com/moodgrid/moodgrid/internal/query"
	"github.com/moodgrid/moodgrid/internal/recorder"
	"github.com/moodgrid/moodgrid/internal/scheduler"
	"github.com/moodgrid/moodgrid/internal/spotify"
	"github.com/moodgrid/moodgrid/internal/store"
	"github.com/moodgrid/moodgrid/internal/store/memory"
	"github.com/moodgrid/moodgrid/internal/store/sqlite"
	"github.com/moodgrid/moodgrid/internal/supervisor"
)

// version is stamped by the build via -ldflags "-X main.version=…".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("version", version).
		Str("driver", cfg.Database.Driver).
		Int("grid_resolution", cfg.Grid.Resolution).
		Bool("spotify_enabled", cfg.Spotify.Enabled).
		Msg("Starting Moodgrid")

	repo, err := openStore(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	grid := hexgrid.New(cfg.Grid.Resolution)

	// Feature fetching is optional: without Spotify credentials the map still
	// works, cells just stay uncolored until features arrive by other means.
	var pool *recorder.FeaturePool
	if cfg.Spotify.Enabled {
		client, err := spotify.New(cfg.Spotify)
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to create Spotify client")
		}
		pool = recorder.NewFeaturePool(repo, client, cfg.Recorder.Workers, cfg.Recorder.QueueSize)
	} else {
		logging.Info().Msg("Spotify integration disabled, audio features will not be fetched")
	}

	var enqueuer recorder.FeatureEnqueuer
	if pool != nil {
		enqueuer = pool
	}
	rec := recorder.New(repo, grid, enqueuer, recorder.Options{
		DedupeWindow: cfg.Recorder.DedupeWindow,
		PlayWeight:   cfg.Recorder.PlayWeight,
		UserWeight:   cfg.Recorder.UserWeight,
	})

	agg := aggregator.New(repo, aggregator.Options{Window: cfg.Aggregation.Window})
	sched := scheduler.New(repo, agg, cfg.Aggregation, cfg.Retention)
	qs := query.New(repo, grid, query.Options{
		MaxCells:       cfg.API.MaxCellsPerQuery,
		TopTracksLimit: cfg.API.TopTracksLimit,
	})
	defer qs.Close()

	handler := api.NewHandler(rec, qs, agg, sched, grid, version)
	router := api.NewRouter(handler, cfg.Security)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
	}

	tree := supervisor.NewTree(supervisor.DefaultConfig())
	tree.Add(supervisor.NewHTTPService(server, supervisor.DefaultConfig().ShutdownTimeout))
	tree.Add(sched)
	if pool != nil {
		tree.Add(pool)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.Info().Str("addr", server.Addr).Msg("Moodgrid listening")
	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor tree exited")
	}
	logging.Info().Msg("Moodgrid stopped")
}

func openStore(cfg *config.Config) (store.Repository, error) {
	switch cfg.Database.Driver {
	case "sqlite":
		return sqlite.New(cfg.Database.Path)
	case "memory":
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}
