// Moodgrid - Crowd-Sourced Music Listening Map
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/moodgrid/moodgrid

// Package hexgrid wraps the H3 library behind the small surface Moodgrid
// needs: coordinate-to-cell resolution, cell centers and boundary polygons,
// and zoom-driven grid-disk expansion. H3 itself is treated as an opaque,
// correct dependency.
package hexgrid

import (
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	h3 "github.com/uber/h3-go/v4"
)

// DefaultResolution is the fixed H3 resolution for all Moodgrid cells
// (~0.1 km² per cell, matching neighborhood-scale listening patterns).
const DefaultResolution = 9

// centerCacheSize bounds the memoized cell-center table. Cell centers are
// immutable, so entries never need invalidation, only eviction.
const centerCacheSize = 4096

// Center is a cell's center coordinate in degrees.
type Center struct {
	Lat float64
	Lng float64
}

// Grid resolves between geographic coordinates and H3 cells at a fixed
// resolution. Safe for concurrent use.
type Grid struct {
	resolution int
	centers    *lru.Cache[string, Center]
}

// New creates a Grid at the given resolution (DefaultResolution if out of
// the valid 0..15 range).
func New(resolution int) *Grid {
	if resolution < 0 || resolution > 15 {
		resolution = DefaultResolution
	}
	centers, _ := lru.New[string, Center](centerCacheSize)
	return &Grid{resolution: resolution, centers: centers}
}

// Resolution returns the grid's fixed H3 resolution.
func (g *Grid) Resolution() int {
	return g.resolution
}

// CellID resolves a coordinate to its cell identifier.
func (g *Grid) CellID(lat, lng float64) string {
	cell := h3.LatLngToCell(h3.NewLatLng(lat, lng), g.resolution)
	return cell.String()
}

// Center returns the center coordinate of a cell. Centers are memoized since
// map queries hit the same cells repeatedly.
func (g *Grid) Center(cellID string) (Center, error) {
	if c, ok := g.centers.Get(cellID); ok {
		return c, nil
	}

	cell, err := parseCell(cellID)
	if err != nil {
		return Center{}, err
	}

	ll := h3.CellToLatLng(cell)
	c := Center{Lat: ll.Lat, Lng: ll.Lng}
	g.centers.Add(cellID, c)
	return c, nil
}

// Boundary returns a cell's boundary polygon vertices in degrees, in
// traversal order. Used by map clients to render the hex outline.
func (g *Grid) Boundary(cellID string) ([]Center, error) {
	cell, err := parseCell(cellID)
	if err != nil {
		return nil, err
	}
	ring := cell.Boundary()
	verts := make([]Center, 0, len(ring))
	for _, v := range ring {
		verts = append(verts, Center{Lat: v.Lat, Lng: v.Lng})
	}
	return verts, nil
}

// Disk returns the cell IDs within k rings of the cell containing the given
// coordinate, the origin included.
func (g *Grid) Disk(lat, lng float64, k int) []string {
	if k < 0 {
		k = 0
	}
	origin := h3.LatLngToCell(h3.NewLatLng(lat, lng), g.resolution)
	cells := origin.GridDisk(k)
	ids := make([]string, 0, len(cells))
	for _, cell := range cells {
		ids = append(ids, cell.String())
	}
	return ids
}

// DiskRadiusForZoom maps a map zoom level to a grid-disk ring count: the
// further out the map is zoomed, the wider the search. The thresholds are a
// tunable rendering policy, not a contract.
func DiskRadiusForZoom(zoom int) int {
	switch {
	case zoom <= 10:
		return 3
	case zoom <= 13:
		return 2
	default:
		return 1
	}
}

// ValidateCellID checks that s parses to a valid H3 cell at the grid's
// resolution.
func (g *Grid) ValidateCellID(s string) error {
	cell, err := parseCell(s)
	if err != nil {
		return err
	}
	if cell.Resolution() != g.resolution {
		return fmt.Errorf("cell %s has resolution %d, expected %d", s, cell.Resolution(), g.resolution)
	}
	return nil
}

// parseCell converts the canonical hex string form to a Cell, rejecting
// strings that are not valid H3 indexes.
func parseCell(s string) (h3.Cell, error) {
	idx, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cell id %q: %w", s, err)
	}
	cell := h3.Cell(idx)
	if !cell.IsValid() {
		return 0, fmt.Errorf("invalid cell id %q", s)
	}
	return cell, nil
}
