// Package pipeline drives heatmap tile generation over the (category, zoom)
// matrix: fetch, density filter, locate, render, publish.
package pipeline

import (
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/venue-heatmaps/tiler/internal/geo"
	"github.com/venue-heatmaps/tiler/internal/storage"
)

// ErrConfiguration is returned for run parameters that make the whole run
// impossible. It is surfaced before any unit starts.
var ErrConfiguration = errors.New("invalid pipeline configuration")

// Mode selects how a unit renders its tiles.
type Mode int

const (
	// ModeCity renders one canvas over every tile of the unit, including
	// bleed neighbours, then slices it.
	ModeCity Mode = iota
	// ModeTile fetches and renders each tile independently.
	ModeTile
)

func (m Mode) String() string {
	switch m {
	case ModeCity:
		return "city"
	case ModeTile:
		return "tile"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode parses "city" or "tile".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "city":
		return ModeCity, nil
	case "tile":
		return ModeTile, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrConfiguration, s)
}

// Order is the traversal order of the (category, zoom) matrix.
type Order int

const (
	// OrderZoomMajor runs every category at a zoom before the next zoom.
	OrderZoomMajor Order = iota
	// OrderCategoryMajor runs every zoom of a category before the next category.
	OrderCategoryMajor
)

func (o Order) String() string {
	switch o {
	case OrderZoomMajor:
		return "zoom-major"
	case OrderCategoryMajor:
		return "category-major"
	}
	return fmt.Sprintf("Order(%d)", int(o))
}

// ParseOrder parses "zoom-major" or "category-major".
func ParseOrder(s string) (Order, error) {
	switch s {
	case "zoom-major":
		return OrderZoomMajor, nil
	case "category-major":
		return OrderCategoryMajor, nil
	}
	return 0, fmt.Errorf("%w: unknown order %q", ErrConfiguration, s)
}

// ZoomProfile holds the rendering and clustering parameters of one zoom level.
type ZoomProfile struct {
	Dotsize          int
	Opacity          float64
	Cluster          bool
	ClusterEpsilonKm float64
	ClusterNeighbors int
}

// Status is the terminal state of a unit.
type Status string

const (
	StatusDone    Status = "DONE"
	StatusSkipped Status = "SKIPPED"
	StatusFailed  Status = "FAILED"
)

// Unit is one (category, zoom) piece of work.
type Unit struct {
	Category string
	Zoom     int
}

func (u Unit) String() string {
	return fmt.Sprintf("%s@z%d", u.Category, u.Zoom)
}

// UnitResult is the outcome of a unit.
type UnitResult struct {
	Unit
	Status          Status
	Points          int // after density filtering
	Tiles           int // rendered
	Published       int
	PublishFailures int
	RadiusMeters    float64
	Retried         bool
	Err             error
	StartedAt       time.Time
	Elapsed         time.Duration
}

// RenderedTile is a finished tile image. The publisher owns it after handoff.
type RenderedTile struct {
	Category string
	Coord    geo.TileCoord
	Image    *image.RGBA
}

// Key returns the storage key of the tile.
func (t RenderedTile) Key() string {
	return storage.Key(t.Category, t.Coord.Zoom, t.Coord.X, t.Coord.Y)
}

// Summary aggregates a run. Units are listed in orchestration order.
type Summary struct {
	RunID           string
	Mode            Mode
	Order           Order
	Done            int
	Skipped         int
	Failed          int
	TilesPublished  int
	PublishFailures int
	Units           []UnitResult
	Elapsed         time.Duration
}

func summarize(runID string, mode Mode, order Order, results []UnitResult) *Summary {
	s := &Summary{RunID: runID, Mode: mode, Order: order, Units: results}
	for _, r := range results {
		switch r.Status {
		case StatusDone:
			s.Done++
		case StatusSkipped:
			s.Skipped++
		case StatusFailed:
			s.Failed++
		}
		s.TilesPublished += r.Published
		s.PublishFailures += r.PublishFailures
	}
	return s
}
