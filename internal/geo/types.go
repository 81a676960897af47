// Package geo provides the coordinate types and tile geometry used to turn
// venue locations into web-map tiles (EPSG:3857, 2^z x 2^z grid).
package geo

import (
	"fmt"
	"sort"
)

// GeoPoint is a WGS84 coordinate. Latitude always comes first; data sources
// must produce points in this order regardless of their storage layout.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// PixelPoint is a position in pixel space. Whether it is world-Mercator space
// or tile/canvas-local space depends on the producer; the frames are never
// mixed without an explicit conversion.
type PixelPoint struct {
	X float64
	Y float64
}

// TileCoord identifies a tile in the power-of-two tile grid at Zoom.
// Neighbour arithmetic may produce coordinates outside the grid, see Valid.
type TileCoord struct {
	X    int `json:"x"`
	Y    int `json:"y"`
	Zoom int `json:"z"`
}

// Less orders tiles by (x, y).
func (t TileCoord) Less(o TileCoord) bool {
	if t.X != o.X {
		return t.X < o.X
	}
	return t.Y < o.Y
}

// Valid reports whether the tile lies inside the 2^zoom x 2^zoom grid.
func (t TileCoord) Valid() bool {
	if t.Zoom < 0 || t.Zoom > 30 {
		return false
	}
	n := 1 << t.Zoom
	return t.X >= 0 && t.Y >= 0 && t.X < n && t.Y < n
}

func (t TileCoord) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Zoom, t.X, t.Y)
}

// TileSet is a deduplicated set of tiles at a single zoom level.
type TileSet struct {
	zoom  int
	tiles map[[2]int]struct{}
}

// NewTileSet creates an empty tile set for zoom.
func NewTileSet(zoom int) *TileSet {
	return &TileSet{zoom: zoom, tiles: make(map[[2]int]struct{})}
}

// Zoom returns the zoom level of the set.
func (s *TileSet) Zoom() int {
	return s.zoom
}

// Add inserts x/y into the set. It reports whether the tile was new.
func (s *TileSet) Add(x, y int) bool {
	k := [2]int{x, y}
	if _, ok := s.tiles[k]; ok {
		return false
	}
	s.tiles[k] = struct{}{}
	return true
}

// AddTile inserts t, ignoring its zoom.
func (s *TileSet) AddTile(t TileCoord) bool {
	return s.Add(t.X, t.Y)
}

// Has reports whether x/y is a member.
func (s *TileSet) Has(x, y int) bool {
	if s == nil {
		return false
	}
	_, ok := s.tiles[[2]int{x, y}]
	return ok
}

// Len returns the number of tiles in the set.
func (s *TileSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.tiles)
}

// Tiles returns the members sorted by (x, y).
func (s *TileSet) Tiles() []TileCoord {
	if s == nil {
		return nil
	}
	out := make([]TileCoord, 0, len(s.tiles))
	for k := range s.tiles {
		out = append(out, TileCoord{X: k[0], Y: k[1], Zoom: s.zoom})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
