// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, first hit wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/moodgrid/config.yaml",
	"/etc/moodgrid/config.yml",
}

// ConfigPathEnvVar overrides the config file search.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from three layers in ascending precedence:
// struct defaults, an optional YAML file, then environment variables.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths are parsed as comma-separated lists when set via env.
var sliceConfigPaths = []string{
	"security.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		strVal, ok := val.(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			if err := k.Set(path, trimmed); err != nil {
				return fmt.Errorf("failed to set %s: %w", path, err)
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to config paths.
// Unknown variables map to "" and are skipped so the process environment
// cannot pollute the config tree.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		"HTTP_HOST":    "server.host",
		"HTTP_PORT":    "server.port",
		"HTTP_TIMEOUT": "server.timeout",

		"DATABASE_DRIVER": "database.driver",
		"DATABASE_PATH":   "database.path",

		"GRID_RESOLUTION": "grid.resolution",

		"AGGREGATION_INTERVAL":       "aggregation.interval",
		"AGGREGATION_BATCH_SIZE":     "aggregation.batch_size",
		"AGGREGATION_STALENESS":      "aggregation.staleness",
		"AGGREGATION_WINDOW":         "aggregation.window",
		"AGGREGATION_SLOW_WARN":      "aggregation.slow_warn",
		"AGGREGATION_FULL_SUB_BATCH": "aggregation.full_sub_batch_size",
		"AGGREGATION_FULL_PACING":    "aggregation.full_pacing",

		"RECORDER_DEDUPE_WINDOW": "recorder.dedupe_window",
		"RECORDER_PLAY_WEIGHT":   "recorder.play_weight",
		"RECORDER_USER_WEIGHT":   "recorder.user_weight",
		"RECORDER_WORKERS":       "recorder.workers",
		"RECORDER_QUEUE_SIZE":    "recorder.queue_size",

		"SPOTIFY_ENABLED":          "spotify.enabled",
		"SPOTIFY_CLIENT_ID":        "spotify.client_id",
		"SPOTIFY_CLIENT_SECRET":    "spotify.client_secret",
		"SPOTIFY_BASE_URL":         "spotify.base_url",
		"SPOTIFY_TOKEN_URL":        "spotify.token_url",
		"SPOTIFY_TIMEOUT":          "spotify.timeout",
		"SPOTIFY_BREAKER_FAILURES": "spotify.breaker_failures",
		"SPOTIFY_BREAKER_COOLDOWN": "spotify.breaker_cooldown",

		"API_DEFAULT_PAGE_SIZE":   "api.default_page_size",
		"API_MAX_PAGE_SIZE":       "api.max_page_size",
		"API_TOP_TRACKS_LIMIT":    "api.top_tracks_limit",
		"API_MAX_CELLS_PER_QUERY": "api.max_cells_per_query",

		"RATE_LIMIT_REQUESTS": "security.rate_limit_reqs",
		"RATE_LIMIT_WINDOW":   "security.rate_limit_window",
		"DISABLE_RATE_LIMIT":  "security.rate_limit_disabled",
		"CORS_ORIGINS":        "security.cors_origins",

		"RETENTION_ENABLED":             "retention.enabled",
		"RETENTION_INTERVAL":            "retention.interval",
		"RETENTION_INACTIVE_CELL_AGE":   "retention.inactive_cell_age",
		"RETENTION_MIN_TOP_TRACK_PLAYS": "retention.min_top_track_plays",
		"RETENTION_TOP_TRACK_AGE":       "retention.top_track_age",

		"LOG_LEVEL":  "logging.level",
		"LOG_FORMAT": "logging.format",
		"LOG_CALLER": "logging.caller",
	}

	if mapped, ok := envMappings[strings.ToUpper(key)]; ok {
		return mapped
	}
	return ""
}

// WatchConfigFile invokes callback whenever the file changes. The caller
// owns any locking around reloads.
func WatchConfigFile(path string, callback func()) error {
	return file.Provider(path).Watch(func(event interface{}, err error) {
		if err != nil {
			return
		}
		callback()
	})
}
