// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package models

import (
	"time"

	"github.com/google/uuid"
)

// AudioFeatures is the normalized Spotify audio-feature vector for a track.
//
// All fields are in [0,1]. Loudness is normalized from the -60..0 dB range
// and Tempo from the 60..200 BPM range; Popularity is the Spotify popularity
// percentile scaled to [0,1]. Values outside [0,1] and non-finite values are
// clamped or defaulted by the color mapper before use, so a partially
// populated vector is safe to store.
type AudioFeatures struct {
	Energy           float64 `json:"energy"`
	Valence          float64 `json:"valence"`
	Danceability     float64 `json:"danceability"`
	Acousticness     float64 `json:"acousticness"`
	Instrumentalness float64 `json:"instrumentalness"`
	Speechiness      float64 `json:"speechiness"`
	Liveness         float64 `json:"liveness"`
	Loudness         float64 `json:"loudness"`
	Tempo            float64 `json:"tempo"`
	Popularity       float64 `json:"popularity"`
}

// Track is an immutable catalog entry, created on first playback of a
// previously unseen external (Spotify) track ID.
//
// Tracks are never deleted. The only permitted mutation is attaching the
// audio-feature vector and the color derived from it once the background
// feature fetch completes; Features and ColorHex are nil until then.
type Track struct {
	ID         uuid.UUID      `json:"id"`
	ExternalID string         `json:"external_id"` // Spotify track ID, unique
	Name       string         `json:"name"`
	Artist     string         `json:"artist"`
	Album      string         `json:"album,omitempty"`
	DurationMS int            `json:"duration_ms,omitempty"`
	Features   *AudioFeatures `json:"audio_features,omitempty"`
	ColorHex   *string        `json:"color_hex,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// HasFeatures reports whether the track has an attached feature vector and
// derived color. Tracks without features do not contribute to cell averages.
func (t *Track) HasFeatures() bool {
	return t.Features != nil && t.ColorHex != nil
}

// User is the minimal identity the recorder needs: playback events reference
// users, and per-cell unique-listener counts are distinct counts over them.
// Account management lives outside this service.
type User struct {
	ID           uuid.UUID  `json:"id"`
	Username     string     `json:"username"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
}
