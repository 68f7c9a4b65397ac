// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package query answers the map-facing read paths: viewport bounds queries,
// center-plus-zoom disk queries, single-cell detail, and per-track cell
// performance. Results are cached briefly so a busy viewport does not hammer
// the store.
package query

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/moodgrid/moodgrid/internal/cache"
	"github.com/moodgrid/moodgrid/internal/colormap"
	"github.com/moodgrid/moodgrid/internal/hexgrid"
	"github.com/moodgrid/moodgrid/internal/models"
	"github.com/moodgrid/moodgrid/internal/store"
)

// ErrInvalidBounds indicates a malformed viewport (inverted or out-of-range
// coordinates).
var ErrInvalidBounds = errors.New("query: invalid bounds")

const (
	defaultCacheTTL    = 30 * time.Second
	recentActivitySpan = 24 * time.Hour
)

// Hex is one cell as rendered on the map.
type Hex struct {
	HexID         string     `json:"hex_id"`
	CenterLat     float64    `json:"center_lat"`
	CenterLng     float64    `json:"center_lng"`
	Color         *string    `json:"color,omitempty"`
	TotalPlays    int        `json:"total_plays"`
	UniqueUsers   int        `json:"unique_users"`
	UniqueTracks  int        `json:"unique_tracks"`
	ActivityLevel string     `json:"activity_level"`
	LastActivity  *time.Time `json:"last_activity,omitempty"`
}

// Bounds is the viewport echoed back on bounds queries.
type Bounds struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

// BoundsResult is the payload for a viewport query.
type BoundsResult struct {
	Hexagons []Hex  `json:"hexagons"`
	Bounds   Bounds `json:"bounds"`
}

// SearchArea describes the disk searched by a center query.
type SearchArea struct {
	CenterLat  float64 `json:"center_lat"`
	CenterLng  float64 `json:"center_lng"`
	Zoom       int     `json:"zoom"`
	RingRadius int     `json:"ring_radius"`
	CellCount  int     `json:"cell_count"`
}

// CenterResult is the payload for a center-plus-zoom query.
type CenterResult struct {
	Hexagons   []Hex      `json:"hexagons"`
	SearchArea SearchArea `json:"search_area"`
}

// CellDetail is the payload for a single-cell drill-down.
type CellDetail struct {
	HexInfo        Hex                     `json:"hex_info"`
	AvgFeatures    *models.AudioFeatures   `json:"avg_features,omitempty"`
	TopTracks      []*models.CellTopTrack  `json:"top_tracks"`
	MoodTags       []string                `json:"mood_tags"`
	RecentActivity int                     `json:"recent_activity"`
	LastAggregated *time.Time              `json:"last_aggregated,omitempty"`
}

// TrackPerformance is a track's catalog entry plus its ranking across cells.
type TrackPerformance struct {
	Track *models.Track          `json:"track"`
	Cells []*models.CellTopTrack `json:"cells"`
}

// Options tune the query service.
type Options struct {
	// MaxCells caps any single viewport or disk query.
	MaxCells int

	// TopTracksLimit is how many chart rows a cell detail carries.
	TopTracksLimit int

	// CacheTTL bounds how stale a cached map response may be.
	CacheTTL time.Duration
}

// Service answers spatial read queries against the aggregate store.
type Service struct {
	repo  store.Repository
	grid  *hexgrid.Grid
	opts  Options
	cache *cache.Cache
}

// New creates a query Service.
func New(repo store.Repository, grid *hexgrid.Grid, opts Options) *Service {
	if opts.MaxCells <= 0 {
		opts.MaxCells = 200
	}
	if opts.TopTracksLimit <= 0 {
		opts.TopTracksLimit = 10
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	return &Service{
		repo:  repo,
		grid:  grid,
		opts:  opts,
		cache: cache.New("query", opts.CacheTTL),
	}
}

// ByBounds returns the active cells inside the viewport, busiest first.
func (s *Service) ByBounds(ctx context.Context, north, south, east, west float64) (*BoundsResult, error) {
	if north <= south {
		return nil, fmt.Errorf("%w: north (%v) must exceed south (%v)", ErrInvalidBounds, north, south)
	}
	if north > 90 || south < -90 || east > 180 || east < -180 || west > 180 || west < -180 {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrInvalidBounds)
	}

	key := cache.GenerateKey("bounds", []float64{north, south, east, west})
	if v, ok := s.cache.Get(key); ok {
		return v.(*BoundsResult), nil
	}

	cells, err := s.repo.CellsByBounds(ctx, north, south, east, west, s.opts.MaxCells)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells by bounds: %w", err)
	}

	result := &BoundsResult{
		Hexagons: toHexes(cells),
		Bounds:   Bounds{North: north, South: south, East: east, West: west},
	}
	s.cache.Set(key, result)
	return result, nil
}

// ByCenter returns the active cells in a grid disk around the coordinate. The
// disk radius widens as the map zooms out.
func (s *Service) ByCenter(ctx context.Context, lat, lng float64, zoom int) (*CenterResult, error) {
	if lat > 90 || lat < -90 || lng > 180 || lng < -180 {
		return nil, fmt.Errorf("%w: coordinates out of range", ErrInvalidBounds)
	}

	key := cache.GenerateKey("center", []interface{}{lat, lng, zoom})
	if v, ok := s.cache.Get(key); ok {
		return v.(*CenterResult), nil
	}

	k := hexgrid.DiskRadiusForZoom(zoom)
	cellIDs := s.grid.Disk(lat, lng, k)
	if len(cellIDs) > s.opts.MaxCells {
		cellIDs = cellIDs[:s.opts.MaxCells]
	}

	cells, err := s.repo.CellsByIDs(ctx, cellIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query cells by disk: %w", err)
	}

	result := &CenterResult{
		Hexagons: toHexes(cells),
		SearchArea: SearchArea{
			CenterLat:  lat,
			CenterLng:  lng,
			Zoom:       zoom,
			RingRadius: k,
			CellCount:  len(cellIDs),
		},
	}
	s.cache.Set(key, result)
	return result, nil
}

// CellDetail returns the drill-down view for one cell: aggregate state, top
// tracks, mood tags, and the play count over the last day. Returns
// store.ErrNotFound for unknown cells.
func (s *Service) CellDetail(ctx context.Context, cellID string) (*CellDetail, error) {
	if err := s.grid.ValidateCellID(cellID); err != nil {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, cellID)
	}

	cell, err := s.repo.CellByID(ctx, cellID)
	if err != nil {
		return nil, err
	}

	top, err := s.repo.TopTracks(ctx, cellID, s.opts.TopTracksLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load top tracks: %w", err)
	}

	recent, err := s.repo.RecentPlayCount(ctx, cellID, time.Now().Add(-recentActivitySpan))
	if err != nil {
		return nil, fmt.Errorf("failed to count recent plays: %w", err)
	}

	var tags []string
	avg := cell.AverageFeatures()
	if avg != nil {
		tags = colormap.MoodTags(*avg)
	}

	return &CellDetail{
		HexInfo:        toHex(cell),
		AvgFeatures:    avg,
		TopTracks:      top,
		MoodTags:       tags,
		RecentActivity: recent,
		LastAggregated: cell.LastAggregatedAt,
	}, nil
}

// TrackPerformance returns the track's catalog entry plus every cell where it
// charts, best ranked first. Returns store.ErrNotFound for unknown tracks.
func (s *Service) TrackPerformance(ctx context.Context, trackID uuid.UUID) (*TrackPerformance, error) {
	track, err := s.repo.TrackByID(ctx, trackID)
	if err != nil {
		return nil, err
	}
	cells, err := s.repo.TrackCells(ctx, trackID)
	if err != nil {
		return nil, fmt.Errorf("failed to load track cells: %w", err)
	}
	return &TrackPerformance{Track: track, Cells: cells}, nil
}

// InvalidateCell drops any cached responses; called after admin-triggered
// re-aggregation so the refresh is visible immediately.
func (s *Service) InvalidateCell() {
	s.cache.Clear()
}

// Close stops the cache's background sweep.
func (s *Service) Close() {
	s.cache.Stop()
}

func toHexes(cells []*models.CellAggregate) []Hex {
	hexes := make([]Hex, 0, len(cells))
	for _, c := range cells {
		hexes = append(hexes, toHex(c))
	}
	return hexes
}

func toHex(c *models.CellAggregate) Hex {
	return Hex{
		HexID:         c.CellID,
		CenterLat:     c.CenterLat,
		CenterLng:     c.CenterLng,
		Color:         c.ColorHex,
		TotalPlays:    c.TotalPlays,
		UniqueUsers:   c.UniqueUsers,
		UniqueTracks:  c.UniqueTracks,
		ActivityLevel: c.ActivityLevel(),
		LastActivity:  c.LastActivityAt,
	}
}
