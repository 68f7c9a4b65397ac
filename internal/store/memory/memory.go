// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package memory provides a mutex-guarded in-memory implementation of the
// store.Repository interface. It backs the dev-mode driver and every unit
// test that needs a repository double; semantics mirror store/sqlite.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moodgrid/moodgrid/internal/models"
	"github.com/moodgrid/moodgrid/internal/store"
)

// Store holds all entities in maps guarded by one mutex. The single lock
// makes every operation atomic, which is exactly the guarantee the
// repository contract demands for dedupe checks and aggregate writes.
type Store struct {
	mu sync.Mutex

	tracksByID  map[uuid.UUID]*models.Track
	tracksByExt map[string]uuid.UUID
	usersByID   map[uuid.UUID]*models.User
	userTokens  map[string]uuid.UUID
	events      []*models.PlaybackEvent
	cells       map[string]*models.CellAggregate
	topTracks   map[topTrackKey]*models.CellTopTrack
}

type topTrackKey struct {
	cellID  string
	trackID uuid.UUID
}

var _ store.Repository = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		tracksByID:  make(map[uuid.UUID]*models.Track),
		tracksByExt: make(map[string]uuid.UUID),
		usersByID:   make(map[uuid.UUID]*models.User),
		userTokens:  make(map[string]uuid.UUID),
		cells:       make(map[string]*models.CellAggregate),
		topTracks:   make(map[topTrackKey]*models.CellTopTrack),
	}
}

// AddUser registers a user reachable via the given access token. Intended
// for tests and dev seeding; production token resolution lives upstream.
func (s *Store) AddUser(u *models.User, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	cp := *u
	s.usersByID[u.ID] = &cp
	s.userTokens[token] = u.ID
}

func (s *Store) TrackByExternalID(_ context.Context, externalID string) (*models.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tracksByExt[externalID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyTrack(s.tracksByID[id]), nil
}

func (s *Store) TrackByID(_ context.Context, id uuid.UUID) (*models.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracksByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyTrack(t), nil
}

func (s *Store) UpsertTrack(_ context.Context, track *models.Track) (*models.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.tracksByExt[track.ExternalID]; ok {
		return copyTrack(s.tracksByID[id]), nil
	}

	cp := *track
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	now := time.Now()
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.tracksByID[cp.ID] = &cp
	s.tracksByExt[cp.ExternalID] = cp.ID
	return copyTrack(&cp), nil
}

func (s *Store) SetTrackFeatures(_ context.Context, id uuid.UUID, features *models.AudioFeatures, colorHex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tracksByID[id]
	if !ok {
		return store.ErrNotFound
	}
	f := *features
	t.Features = &f
	t.ColorHex = &colorHex
	t.UpdatedAt = time.Now()
	return nil
}

func (s *Store) UserByToken(_ context.Context, token string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.userTokens[token]
	if !ok {
		return nil, store.ErrUnauthorized
	}
	u := *s.usersByID[id]
	return &u, nil
}

func (s *Store) TouchUserActivity(_ context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usersByID[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	u.LastActiveAt = &t
	return nil
}

func (s *Store) InsertPlaybackEvent(_ context.Context, ev *models.PlaybackEvent, dedupeWindow time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hasRecentDuplicateLocked(ev.UserID, ev.TrackID, ev.CellID, ev.PlayedAt.Add(-dedupeWindow)) {
		return false, nil
	}

	cp := *ev
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	s.events = append(s.events, &cp)
	return true, nil
}

func (s *Store) FindRecentDuplicate(_ context.Context, userID, trackID uuid.UUID, cellID string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasRecentDuplicateLocked(userID, trackID, cellID, time.Now().Add(-window)), nil
}

func (s *Store) hasRecentDuplicateLocked(userID, trackID uuid.UUID, cellID string, cutoff time.Time) bool {
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.UserID == userID && ev.TrackID == trackID && ev.CellID == cellID && !ev.PlayedAt.Before(cutoff) {
			return true
		}
	}
	return false
}

func (s *Store) RecentPlayCount(_ context.Context, cellID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.CellID == cellID && !ev.PlayedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) EnsureCell(_ context.Context, cellID string, centerLat, centerLng float64, resolution int) (*models.CellAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.cells[cellID]; ok {
		return copyCell(c), nil
	}

	now := time.Now()
	c := &models.CellAggregate{
		CellID:     cellID,
		CenterLat:  centerLat,
		CenterLng:  centerLng,
		Resolution: resolution,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.cells[cellID] = c
	return copyCell(c), nil
}

func (s *Store) CellByID(_ context.Context, cellID string) (*models.CellAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[cellID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyCell(c), nil
}

func (s *Store) CellsByBounds(_ context.Context, north, south, east, west float64, limit int) ([]*models.CellAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.CellAggregate
	for _, c := range s.cells {
		if c.TotalPlays <= 0 {
			continue
		}
		if c.CenterLat < south || c.CenterLat > north || c.CenterLng < west || c.CenterLng > east {
			continue
		}
		out = append(out, copyCell(c))
	}
	sortCells(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CellsByIDs(_ context.Context, cellIDs []string) ([]*models.CellAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.CellAggregate
	for _, id := range cellIDs {
		if c, ok := s.cells[id]; ok && c.TotalPlays > 0 {
			out = append(out, copyCell(c))
		}
	}
	sortCells(out)
	return out, nil
}

func (s *Store) TouchCellActivity(_ context.Context, cellID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cells[cellID]
	if !ok {
		return store.ErrNotFound
	}
	t := at
	c.TotalPlays++
	c.LastActivityAt = &t
	c.UpdatedAt = time.Now()
	return nil
}

func (s *Store) CellRollup(_ context.Context, cellID string, windowStart time.Time) (*store.CellRollup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rollup := &store.CellRollup{}
	users := make(map[uuid.UUID]struct{})
	tracks := make(map[uuid.UUID]struct{})

	for _, ev := range s.events {
		if ev.CellID != cellID {
			continue
		}
		rollup.TotalPlays++
		users[ev.UserID] = struct{}{}
		tracks[ev.TrackID] = struct{}{}
		if rollup.LastActivityAt == nil || ev.PlayedAt.After(*rollup.LastActivityAt) {
			t := ev.PlayedAt
			rollup.LastActivityAt = &t
		}

		if ev.PlayedAt.Before(windowStart) {
			continue
		}
		track, ok := s.tracksByID[ev.TrackID]
		if !ok || track.Features == nil {
			continue
		}
		rollup.FeatureCount++
		rollup.AvgEnergy += track.Features.Energy
		rollup.AvgValence += track.Features.Valence
		rollup.AvgDanceability += track.Features.Danceability
		rollup.AvgAcousticness += track.Features.Acousticness
		rollup.AvgInstrumentalness += track.Features.Instrumentalness
	}

	rollup.UniqueUsers = len(users)
	rollup.UniqueTracks = len(tracks)
	if rollup.FeatureCount > 0 {
		n := float64(rollup.FeatureCount)
		rollup.AvgEnergy /= n
		rollup.AvgValence /= n
		rollup.AvgDanceability /= n
		rollup.AvgAcousticness /= n
		rollup.AvgInstrumentalness /= n
	}
	return rollup, nil
}

func (s *Store) UpdateCellAggregate(_ context.Context, agg *models.CellAggregate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.cells[agg.CellID]
	if !ok {
		return store.ErrNotFound
	}

	// Single swap under the lock: readers see either the old row or the new
	// one, never a mix.
	cp := *agg
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now()
	s.cells[agg.CellID] = &cp
	return nil
}

func (s *Store) StaleCells(_ context.Context, staleBefore time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []*models.CellAggregate
	for _, c := range s.cells {
		if c.TotalPlays <= 0 {
			continue
		}
		if c.ColorHex != nil && c.LastAggregatedAt != nil && !c.LastAggregatedAt.Before(staleBefore) {
			continue
		}
		if !s.hasFeatureBearingEventLocked(c.CellID) {
			continue
		}
		stale = append(stale, c)
	}

	sort.Slice(stale, func(i, j int) bool { return stale[i].TotalPlays > stale[j].TotalPlays })
	ids := make([]string, 0, len(stale))
	for _, c := range stale {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, c.CellID)
	}
	return ids, nil
}

func (s *Store) hasFeatureBearingEventLocked(cellID string) bool {
	for _, ev := range s.events {
		if ev.CellID != cellID {
			continue
		}
		if t, ok := s.tracksByID[ev.TrackID]; ok && t.Features != nil {
			return true
		}
	}
	return false
}

func (s *Store) ActiveCells(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*models.CellAggregate
	for _, c := range s.cells {
		if c.TotalPlays > 0 {
			active = append(active, c)
		}
	}
	sortCells(active)
	ids := make([]string, 0, len(active))
	for _, c := range active {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, c.CellID)
	}
	return ids, nil
}

func (s *Store) UpsertCellTopTrack(_ context.Context, cellID string, trackID uuid.UUID, playedAt time.Time) (*models.CellTopTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := topTrackKey{cellID: cellID, trackID: trackID}
	tt, ok := s.topTracks[key]
	if !ok {
		tt = &models.CellTopTrack{CellID: cellID, TrackID: trackID}
		s.topTracks[key] = tt
	}
	tt.PlayCount++
	tt.LastPlayedAt = playedAt

	users := make(map[uuid.UUID]struct{})
	for _, ev := range s.events {
		if ev.CellID == cellID && ev.TrackID == trackID {
			users[ev.UserID] = struct{}{}
		}
	}
	tt.UniqueUsers = len(users)
	if tt.UniqueUsers == 0 {
		tt.UniqueUsers = 1
	}

	cp := *tt
	return &cp, nil
}

func (s *Store) SetTopTrackScore(_ context.Context, cellID string, trackID uuid.UUID, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tt, ok := s.topTracks[topTrackKey{cellID: cellID, trackID: trackID}]
	if !ok {
		return store.ErrNotFound
	}
	tt.RankScore = score
	return nil
}

func (s *Store) TopTracks(_ context.Context, cellID string, limit int) ([]*models.CellTopTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.CellTopTrack
	for key, tt := range s.topTracks {
		if key.cellID != cellID {
			continue
		}
		cp := *tt
		if track, ok := s.tracksByID[key.trackID]; ok {
			cp.Track = copyTrack(track)
		}
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RankScore != out[j].RankScore {
			return out[i].RankScore > out[j].RankScore
		}
		return out[i].PlayCount > out[j].PlayCount
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) TrackCells(_ context.Context, trackID uuid.UUID) ([]*models.CellTopTrack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.CellTopTrack
	for key, tt := range s.topTracks {
		if key.trackID != trackID {
			continue
		}
		cp := *tt
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RankScore > out[j].RankScore })
	return out, nil
}

func (s *Store) CleanupInactiveCells(_ context.Context, createdBefore time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, c := range s.cells {
		if c.TotalPlays == 0 && c.CreatedAt.Before(createdBefore) {
			delete(s.cells, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (s *Store) CleanupLowActivityTopTracks(_ context.Context, minPlays int, lastPlayedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, tt := range s.topTracks {
		if tt.PlayCount < minPlays && tt.LastPlayedAt.Before(lastPlayedBefore) {
			delete(s.topTracks, key)
			removed++
		}
	}
	return removed, nil
}

func (s *Store) Close() error {
	return nil
}

func copyTrack(t *models.Track) *models.Track {
	cp := *t
	if t.Features != nil {
		f := *t.Features
		cp.Features = &f
	}
	if t.ColorHex != nil {
		c := *t.ColorHex
		cp.ColorHex = &c
	}
	return &cp
}

func copyCell(c *models.CellAggregate) *models.CellAggregate {
	cp := *c
	return &cp
}

// sortCells orders by total plays descending, ties broken by most recent
// activity, matching the map API contract.
func sortCells(cells []*models.CellAggregate) {
	sort.Slice(cells, func(i, j int) bool {
		if cells[i].TotalPlays != cells[j].TotalPlays {
			return cells[i].TotalPlays > cells[j].TotalPlays
		}
		li, lj := cells[i].LastActivityAt, cells[j].LastActivityAt
		switch {
		case li == nil:
			return false
		case lj == nil:
			return true
		default:
			return li.After(*lj)
		}
	})
}
