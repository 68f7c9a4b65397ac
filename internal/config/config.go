// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package config loads and validates Moodgrid configuration from layered
// sources: built-in defaults, an optional YAML file, and environment
// variables, in ascending precedence.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Grid        GridConfig        `koanf:"grid"`
	Aggregation AggregationConfig `koanf:"aggregation"`
	Recorder    RecorderConfig    `koanf:"recorder"`
	Spotify     SpotifyConfig     `koanf:"spotify"`
	API         APIConfig         `koanf:"api"`
	Security    SecurityConfig    `koanf:"security"`
	Retention   RetentionConfig   `koanf:"retention"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	// Driver is sqlite or memory. The memory driver is for development
	// and tests only; it loses everything on restart.
	Driver string `koanf:"driver"`
	Path   string `koanf:"path"`
}

// GridConfig configures the hexagonal spatial index.
type GridConfig struct {
	// Resolution is the H3 cell resolution. 9 gives cells roughly the
	// size of a city block.
	Resolution int `koanf:"resolution"`
}

// AggregationConfig tunes the background refresh loop.
type AggregationConfig struct {
	// Interval between scheduler passes over stale cells.
	Interval time.Duration `koanf:"interval"`

	// BatchSize caps how many stale cells one pass refreshes.
	BatchSize int `koanf:"batch_size"`

	// Staleness is how old a cell's last aggregation may be before the
	// scheduler picks it up again.
	Staleness time.Duration `koanf:"staleness"`

	// Window is the rolling window feature averages are computed over.
	Window time.Duration `koanf:"window"`

	// SlowWarn is the pass duration above which a warning is logged.
	SlowWarn time.Duration `koanf:"slow_warn"`

	// Full-rebuild pacing: cells are processed in sub-batches with a
	// rate-limited pause between them so a manual rebuild cannot starve
	// the ingest path.
	FullSubBatchSize int           `koanf:"full_sub_batch_size"`
	FullPacing       time.Duration `koanf:"full_pacing"`
}

// RecorderConfig tunes playback ingest.
type RecorderConfig struct {
	// DedupeWindow suppresses repeat submissions of the same play.
	DedupeWindow time.Duration `koanf:"dedupe_window"`

	// PlayWeight and UserWeight combine play and listener counts into a
	// track's per-cell rank score.
	PlayWeight float64 `koanf:"play_weight"`
	UserWeight float64 `koanf:"user_weight"`

	// Workers and QueueSize bound the feature-fetch worker pool.
	Workers   int `koanf:"workers"`
	QueueSize int `koanf:"queue_size"`
}

// SpotifyConfig configures the audio-features client.
type SpotifyConfig struct {
	Enabled      bool          `koanf:"enabled"`
	ClientID     string        `koanf:"client_id"`
	ClientSecret string        `koanf:"client_secret"`
	BaseURL      string        `koanf:"base_url"`
	TokenURL     string        `koanf:"token_url"`
	Timeout      time.Duration `koanf:"timeout"`

	// Circuit breaker thresholds.
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerCooldown time.Duration `koanf:"breaker_cooldown"`
}

// APIConfig tunes response sizing.
type APIConfig struct {
	DefaultPageSize int `koanf:"default_page_size"`
	MaxPageSize     int `koanf:"max_page_size"`

	// TopTracksLimit is how many chart rows a cell detail response carries.
	TopTracksLimit int `koanf:"top_tracks_limit"`

	// MaxCellsPerQuery caps a single viewport query.
	MaxCellsPerQuery int `koanf:"max_cells_per_query"`
}

// SecurityConfig configures rate limiting and CORS.
type SecurityConfig struct {
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// RetentionConfig configures periodic cleanup of dead map state.
type RetentionConfig struct {
	Enabled bool `koanf:"enabled"`

	// Interval between cleanup passes.
	Interval time.Duration `koanf:"interval"`

	// InactiveCellAge removes cells that never saw a play after this long.
	InactiveCellAge time.Duration `koanf:"inactive_cell_age"`

	// Chart rows under MinTopTrackPlays plays whose last play predates
	// TopTrackAge are dropped.
	MinTopTrackPlays int           `koanf:"min_top_track_plays"`
	TopTrackAge      time.Duration `koanf:"top_track_age"`
}

// LoggingConfig configures the logging layer.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks cross-field constraints that koanf cannot express.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Database.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("database.driver %q is not sqlite or memory", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return fmt.Errorf("database.path is required for the sqlite driver")
	}
	if c.Grid.Resolution < 0 || c.Grid.Resolution > 15 {
		return fmt.Errorf("grid.resolution %d out of range", c.Grid.Resolution)
	}
	if c.Aggregation.Interval <= 0 {
		return fmt.Errorf("aggregation.interval must be positive")
	}
	if c.Aggregation.BatchSize <= 0 {
		return fmt.Errorf("aggregation.batch_size must be positive")
	}
	if c.Aggregation.Window <= 0 {
		return fmt.Errorf("aggregation.window must be positive")
	}
	if c.Aggregation.FullSubBatchSize <= 0 {
		return fmt.Errorf("aggregation.full_sub_batch_size must be positive")
	}
	if c.Recorder.DedupeWindow < 0 {
		return fmt.Errorf("recorder.dedupe_window must not be negative")
	}
	if c.Recorder.PlayWeight < 0 || c.Recorder.UserWeight < 0 {
		return fmt.Errorf("recorder rank weights must not be negative")
	}
	if c.Recorder.Workers <= 0 {
		return fmt.Errorf("recorder.workers must be positive")
	}
	if c.Spotify.Enabled && (c.Spotify.ClientID == "" || c.Spotify.ClientSecret == "") {
		return fmt.Errorf("spotify credentials are required when spotify.enabled is true")
	}
	if c.API.MaxPageSize < c.API.DefaultPageSize {
		return fmt.Errorf("api.max_page_size %d below api.default_page_size %d",
			c.API.MaxPageSize, c.API.DefaultPageSize)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8095,
			Timeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "/data/moodgrid.db",
		},
		Grid: GridConfig{
			Resolution: 9,
		},
		Aggregation: AggregationConfig{
			Interval:         5 * time.Minute,
			BatchSize:        20,
			Staleness:        time.Hour,
			Window:           30 * 24 * time.Hour,
			SlowWarn:         30 * time.Second,
			FullSubBatchSize: 10,
			FullPacing:       time.Second,
		},
		Recorder: RecorderConfig{
			DedupeWindow: 30 * time.Second,
			PlayWeight:   0.7,
			UserWeight:   0.3,
			Workers:      4,
			QueueSize:    256,
		},
		Spotify: SpotifyConfig{
			Enabled:         false,
			BaseURL:         "https://api.spotify.com/v1",
			TokenURL:        "https://accounts.spotify.com/api/token",
			Timeout:         10 * time.Second,
			BreakerFailures: 5,
			BreakerCooldown: time.Minute,
		},
		API: APIConfig{
			DefaultPageSize:  20,
			MaxPageSize:      100,
			TopTracksLimit:   10,
			MaxCellsPerQuery: 1000,
		},
		Security: SecurityConfig{
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{"*"},
		},
		Retention: RetentionConfig{
			Enabled:          true,
			Interval:         24 * time.Hour,
			InactiveCellAge:  7 * 24 * time.Hour,
			MinTopTrackPlays: 2,
			TopTrackAge:      90 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
