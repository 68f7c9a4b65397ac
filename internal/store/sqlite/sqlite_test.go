// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/moodgrid/moodgrid/internal/models"
	"github.com/moodgrid/moodgrid/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "moodgrid.db"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close failed: %v", err)
		}
	})
	return s
}

func seedUserAndTrack(t *testing.T, s *Store) (*models.User, *models.Track) {
	t.Helper()
	ctx := context.Background()

	user := &models.User{ID: uuid.New(), Username: "listener"}
	if err := s.AddUser(ctx, user, "tok"); err != nil {
		t.Fatalf("AddUser failed: %v", err)
	}
	track, err := s.UpsertTrack(ctx, &models.Track{ExternalID: "sp-1", Name: "T", Artist: "A"})
	if err != nil {
		t.Fatalf("UpsertTrack failed: %v", err)
	}
	return user, track
}

func TestOpenMigratesAndRoundTrips(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user, track := seedUserAndTrack(t, s)

	got, err := s.UserByToken(ctx, "tok")
	if err != nil {
		t.Fatalf("UserByToken failed: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("user = %s, want %s", got.ID, user.ID)
	}
	if _, err := s.UserByToken(ctx, "wrong"); !errors.Is(err, store.ErrUnauthorized) {
		t.Errorf("unknown token err = %v, want ErrUnauthorized", err)
	}

	// Upsert by the same external ID returns the same row.
	again, err := s.UpsertTrack(ctx, &models.Track{ExternalID: "sp-1", Name: "T", Artist: "A"})
	if err != nil {
		t.Fatalf("second UpsertTrack failed: %v", err)
	}
	if again.ID != track.ID {
		t.Errorf("upsert created a new track: %s vs %s", again.ID, track.ID)
	}

	features := &models.AudioFeatures{Energy: 0.75, Valence: 0.5, Danceability: 0.25}
	if err := s.SetTrackFeatures(ctx, track.ID, features, "#123456"); err != nil {
		t.Fatalf("SetTrackFeatures failed: %v", err)
	}
	stored, err := s.TrackByID(ctx, track.ID)
	if err != nil {
		t.Fatalf("TrackByID failed: %v", err)
	}
	if !stored.HasFeatures() || stored.Features.Energy != 0.75 {
		t.Errorf("features not round-tripped: %+v", stored.Features)
	}
}

func TestInsertPlaybackEventDedupeWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user, track := seedUserAndTrack(t, s)
	now := time.Now().UTC()

	ev := func(at time.Time) *models.PlaybackEvent {
		return &models.PlaybackEvent{
			ID:       uuid.New(),
			UserID:   user.ID,
			TrackID:  track.ID,
			CellID:   "cell-1",
			PlayedAt: at,
		}
	}

	accepted, err := s.InsertPlaybackEvent(ctx, ev(now), 30*time.Second)
	if err != nil || !accepted {
		t.Fatalf("first insert: accepted=%v err=%v", accepted, err)
	}
	accepted, err = s.InsertPlaybackEvent(ctx, ev(now.Add(10*time.Second)), 30*time.Second)
	if err != nil {
		t.Fatalf("duplicate insert errored: %v", err)
	}
	if accepted {
		t.Error("repeat inside the window was accepted")
	}
	accepted, err = s.InsertPlaybackEvent(ctx, ev(now.Add(time.Minute)), 30*time.Second)
	if err != nil || !accepted {
		t.Errorf("play outside the window: accepted=%v err=%v", accepted, err)
	}

	count, err := s.RecentPlayCount(ctx, "cell-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("RecentPlayCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("recent plays = %d, want 2", count)
	}
}

func TestCellRollupAveragesFeatureBearersOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user, track := seedUserAndTrack(t, s)

	if err := s.SetTrackFeatures(ctx, track.ID, &models.AudioFeatures{
		Energy: 0.5, Valence: 0.75, Danceability: 0.25,
	}, "#abcdef"); err != nil {
		t.Fatalf("SetTrackFeatures failed: %v", err)
	}
	bare, err := s.UpsertTrack(ctx, &models.Track{ExternalID: "sp-2", Name: "B", Artist: "A"})
	if err != nil {
		t.Fatalf("UpsertTrack failed: %v", err)
	}

	now := time.Now().UTC()
	for i, trackID := range []uuid.UUID{track.ID, bare.ID} {
		accepted, err := s.InsertPlaybackEvent(ctx, &models.PlaybackEvent{
			ID:       uuid.New(),
			UserID:   user.ID,
			TrackID:  trackID,
			CellID:   "cell-1",
			PlayedAt: now.Add(time.Duration(i) * time.Minute),
		}, time.Second)
		if err != nil || !accepted {
			t.Fatalf("insert %d: accepted=%v err=%v", i, accepted, err)
		}
	}

	r, err := s.CellRollup(ctx, "cell-1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("CellRollup failed: %v", err)
	}
	if r.TotalPlays != 2 || r.UniqueTracks != 2 {
		t.Errorf("plays/tracks = %d/%d, want 2/2", r.TotalPlays, r.UniqueTracks)
	}
	if r.FeatureCount != 1 {
		t.Errorf("FeatureCount = %d, want 1 (featureless track excluded)", r.FeatureCount)
	}
	if r.AvgEnergy != 0.5 || r.AvgValence != 0.75 {
		t.Errorf("averages = %v/%v, want 0.5/0.75", r.AvgEnergy, r.AvgValence)
	}
	if r.LastActivityAt == nil {
		t.Fatal("LastActivityAt not populated from playback history")
	}
	if r.LastActivityAt.Before(now) {
		t.Errorf("LastActivityAt = %v, want newest play (>= %v)", r.LastActivityAt, now)
	}
}

func TestUpdateCellAggregatePreservesColorOnNil(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cell, err := s.EnsureCell(ctx, "cell-1", 51.5, -0.12, 9)
	if err != nil {
		t.Fatalf("EnsureCell failed: %v", err)
	}

	color := "#aabbcc"
	energy := 0.5
	cell.ColorHex = &color
	cell.AvgEnergy = &energy
	cell.TotalPlays = 5
	if err := s.UpdateCellAggregate(ctx, cell); err != nil {
		t.Fatalf("UpdateCellAggregate failed: %v", err)
	}

	// A later update with nil derived fields must not erase them.
	cell.ColorHex = nil
	cell.AvgEnergy = nil
	cell.TotalPlays = 6
	if err := s.UpdateCellAggregate(ctx, cell); err != nil {
		t.Fatalf("second UpdateCellAggregate failed: %v", err)
	}

	stored, err := s.CellByID(ctx, "cell-1")
	if err != nil {
		t.Fatalf("CellByID failed: %v", err)
	}
	if stored.TotalPlays != 6 {
		t.Errorf("TotalPlays = %d, want 6", stored.TotalPlays)
	}
	if stored.ColorHex == nil || *stored.ColorHex != "#aabbcc" {
		t.Errorf("ColorHex = %v, want #aabbcc preserved", stored.ColorHex)
	}
	if stored.AvgEnergy == nil || *stored.AvgEnergy != 0.5 {
		t.Errorf("AvgEnergy = %v, want 0.5 preserved", stored.AvgEnergy)
	}
}

func TestStaleCellsAndRetention(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user, track := seedUserAndTrack(t, s)
	if err := s.SetTrackFeatures(ctx, track.ID, &models.AudioFeatures{Energy: 0.5}, "#112233"); err != nil {
		t.Fatalf("SetTrackFeatures failed: %v", err)
	}

	if _, err := s.EnsureCell(ctx, "cell-played", 51.5, -0.12, 9); err != nil {
		t.Fatalf("EnsureCell failed: %v", err)
	}
	if _, err := s.EnsureCell(ctx, "cell-empty", 52.5, -0.12, 9); err != nil {
		t.Fatalf("EnsureCell failed: %v", err)
	}

	now := time.Now().UTC()
	accepted, err := s.InsertPlaybackEvent(ctx, &models.PlaybackEvent{
		ID: uuid.New(), UserID: user.ID, TrackID: track.ID, CellID: "cell-played", PlayedAt: now,
	}, time.Second)
	if err != nil || !accepted {
		t.Fatalf("insert: accepted=%v err=%v", accepted, err)
	}
	if err := s.TouchCellActivity(ctx, "cell-played", now); err != nil {
		t.Fatalf("TouchCellActivity failed: %v", err)
	}

	stale, err := s.StaleCells(ctx, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("StaleCells failed: %v", err)
	}
	if len(stale) != 1 || stale[0] != "cell-played" {
		t.Errorf("stale = %v, want [cell-played]", stale)
	}

	removed, err := s.CleanupInactiveCells(ctx, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("CleanupInactiveCells failed: %v", err)
	}
	if len(removed) != 1 || removed[0] != "cell-empty" {
		t.Errorf("removed = %v, want [cell-empty]", removed)
	}
	if _, err := s.CellByID(ctx, "cell-played"); err != nil {
		t.Errorf("played cell removed by cleanup: %v", err)
	}
}

func TestTopTracksRanking(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	user, track := seedUserAndTrack(t, s)
	now := time.Now().UTC()

	accepted, err := s.InsertPlaybackEvent(ctx, &models.PlaybackEvent{
		ID: uuid.New(), UserID: user.ID, TrackID: track.ID, CellID: "cell-1", PlayedAt: now,
	}, time.Second)
	if err != nil || !accepted {
		t.Fatalf("insert: accepted=%v err=%v", accepted, err)
	}

	tt, err := s.UpsertCellTopTrack(ctx, "cell-1", track.ID, now)
	if err != nil {
		t.Fatalf("UpsertCellTopTrack failed: %v", err)
	}
	if tt.PlayCount != 1 || tt.UniqueUsers != 1 {
		t.Errorf("counts = %d/%d, want 1/1", tt.PlayCount, tt.UniqueUsers)
	}
	if err := s.SetTopTrackScore(ctx, "cell-1", track.ID, 1.0); err != nil {
		t.Fatalf("SetTopTrackScore failed: %v", err)
	}

	top, err := s.TopTracks(ctx, "cell-1", 10)
	if err != nil {
		t.Fatalf("TopTracks failed: %v", err)
	}
	if len(top) != 1 || top[0].RankScore != 1.0 {
		t.Fatalf("top = %+v, want one row with score 1.0", top)
	}
	if top[0].Track == nil || top[0].Track.Name != "T" {
		t.Errorf("catalog fields not joined: %+v", top[0].Track)
	}

	cells, err := s.TrackCells(ctx, track.ID)
	if err != nil {
		t.Fatalf("TrackCells failed: %v", err)
	}
	if len(cells) != 1 || cells[0].CellID != "cell-1" {
		t.Errorf("cells = %+v, want row for cell-1", cells)
	}
}
