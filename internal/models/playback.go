// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package models

import (
	"time"

	"github.com/google/uuid"
)

// PlaybackEvent is an append-only fact recording that a user played a track
// inside a grid cell.
//
// Events are never mutated. They are the source of truth from which
// CellAggregate and CellTopTrack rows are derived; retention cleanup is the
// only path that removes them. Duplicate submissions from rapid client
// polling are filtered at insert time by a (user, track, cell) trailing
// window, so at most one event exists per window.
type PlaybackEvent struct {
	ID         uuid.UUID `json:"id"`
	UserID     uuid.UUID `json:"user_id"`
	TrackID    uuid.UUID `json:"track_id"`
	CellID     string    `json:"hex_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	PlayedAt   time.Time `json:"played_at"`
	ProgressMS int       `json:"progress_ms,omitempty"`
	IsPlaying  bool      `json:"is_playing"`
}
