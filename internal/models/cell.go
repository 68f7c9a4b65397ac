// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package models

import (
	"time"

	"github.com/google/uuid"
)

// Activity level bands for map rendering, derived from total play counts.
const (
	ActivityHigh   = "high"   // more than 50 plays
	ActivityMedium = "medium" // more than 10 plays
	ActivityLow    = "low"
)

// CellAggregate is the cached per-cell rollup served to the map UI.
//
// Every field is derivable by re-running the aggregator over the cell's
// playback events inside the trailing window; the row is a cache, not a
// source of truth. Averaged features and ColorHex stay nil until at least one
// feature-bearing event has been aggregated, and a later aggregation that
// finds zero feature-bearing events leaves the previous values untouched
// rather than regressing them to a default.
type CellAggregate struct {
	CellID       string  `json:"hex_id"`
	CenterLat    float64 `json:"center_lat"`
	CenterLng    float64 `json:"center_lng"`
	Resolution   int     `json:"resolution"`
	TotalPlays   int     `json:"total_plays"`
	UniqueUsers  int     `json:"unique_users"`
	UniqueTracks int     `json:"unique_tracks"`

	// Rolling-window feature averages, nil until the first feature-bearing
	// aggregation.
	AvgEnergy           *float64 `json:"avg_energy,omitempty"`
	AvgValence          *float64 `json:"avg_valence,omitempty"`
	AvgDanceability     *float64 `json:"avg_danceability,omitempty"`
	AvgAcousticness     *float64 `json:"avg_acousticness,omitempty"`
	AvgInstrumentalness *float64 `json:"avg_instrumentalness,omitempty"`

	ColorHex         *string    `json:"color_hex,omitempty"`
	LastActivityAt   *time.Time `json:"last_activity_at,omitempty"`
	LastAggregatedAt *time.Time `json:"last_aggregated_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ActivityLevel bands the cell's play count for map rendering.
func (c *CellAggregate) ActivityLevel() string {
	switch {
	case c.TotalPlays > 50:
		return ActivityHigh
	case c.TotalPlays > 10:
		return ActivityMedium
	default:
		return ActivityLow
	}
}

// AverageFeatures assembles the stored averages into a feature vector for the
// color mapper. Returns nil if no feature-bearing aggregation has happened yet.
func (c *CellAggregate) AverageFeatures() *AudioFeatures {
	if c.AvgEnergy == nil || c.AvgValence == nil || c.AvgDanceability == nil {
		return nil
	}
	f := &AudioFeatures{
		Energy:       *c.AvgEnergy,
		Valence:      *c.AvgValence,
		Danceability: *c.AvgDanceability,
		Acousticness: 0.5,
		// Instrumentalness defaults low: most crowd-reported tracks are vocal.
		Instrumentalness: 0.1,
	}
	if c.AvgAcousticness != nil {
		f.Acousticness = *c.AvgAcousticness
	}
	if c.AvgInstrumentalness != nil {
		f.Instrumentalness = *c.AvgInstrumentalness
	}
	return f
}

// CellTopTrack ranks one track inside one cell. Rows are created on the first
// playback of that track in that cell and incremented thereafter.
//
// RankScore is maintained by the recorder under the invariant
// rankScore = playCount*playWeight + uniqueUsers*userWeight and is recomputed
// whenever either count changes.
type CellTopTrack struct {
	CellID       string    `json:"hex_id"`
	TrackID      uuid.UUID `json:"track_id"`
	PlayCount    int       `json:"play_count"`
	UniqueUsers  int       `json:"unique_users"`
	RankScore    float64   `json:"rank_score"`
	LastPlayedAt time.Time `json:"last_played_at"`

	// Track carries catalog fields for responses; populated by list queries.
	Track *Track `json:"track,omitempty"`
}
