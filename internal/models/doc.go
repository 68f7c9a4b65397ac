// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package models defines the data structures used throughout Moodgrid:
// tracks, playback events, per-cell aggregates, top-track rankings, and
// API response envelopes.
package models
