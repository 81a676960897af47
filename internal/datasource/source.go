// Package datasource provides venue point providers for the tile pipeline.
//
// Every source returns geo.GeoPoint values in (lat, lng) order, whatever the
// underlying storage layout.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"

	"github.com/venue-heatmaps/tiler/internal/geo"
)

// ErrFetch wraps every failure to obtain points for a unit of work.
var ErrFetch = errors.New("failed to fetch points")

// Source fetches the points of one category inside an area.
type Source interface {
	FetchPoints(ctx context.Context, category string, area Area) ([]geo.GeoPoint, error)
}

// Area is either a radius around a centre or a lat/lng rectangle.
type Area struct {
	Center       geo.GeoPoint
	RadiusMeters float64

	Box   orb.Bound
	Limit int // box queries only; <= 0 means unlimited

	radius bool
}

// Around returns the area within meters of center.
func Around(center geo.GeoPoint, meters float64) Area {
	return Area{Center: center, RadiusMeters: meters, radius: true}
}

// Within returns the rectangle b, capped at limit points.
func Within(b orb.Bound, limit int) Area {
	return Area{Box: b, Limit: limit}
}

// IsRadius reports whether the area was built with Around.
func (a Area) IsRadius() bool {
	return a.radius
}

// Bound returns the rectangle covering the area.
func (a Area) Bound() orb.Bound {
	if a.radius {
		return orbgeo.NewBoundAroundPoint(orb.Point{a.Center.Lng, a.Center.Lat}, a.RadiusMeters)
	}
	return a.Box
}

// Contains reports whether p lies inside the area.
func (a Area) Contains(p geo.GeoPoint) bool {
	if a.radius {
		return geo.DistanceKm(a.Center, p)*1000 <= a.RadiusMeters
	}
	return a.Box.Contains(orb.Point{p.Lng, p.Lat})
}

func (a Area) String() string {
	if a.radius {
		return fmt.Sprintf("radius(%.6f,%.6f,%.1fm)", a.Center.Lat, a.Center.Lng, a.RadiusMeters)
	}
	return fmt.Sprintf("box(%.6f,%.6f,%.6f,%.6f,limit=%d)",
		a.Box.Min.Lat(), a.Box.Min.Lon(), a.Box.Max.Lat(), a.Box.Max.Lon(), a.Limit)
}

// key identifies the area exactly. Floats are written at full precision so
// areas that differ below the String rounding never share a cache entry.
func (a Area) key() string {
	var b strings.Builder
	f := func(v float64) {
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		b.WriteByte(',')
	}
	if a.radius {
		b.WriteString("radius:")
		f(a.Center.Lat)
		f(a.Center.Lng)
		f(a.RadiusMeters)
		return b.String()
	}
	b.WriteString("box:")
	f(a.Box.Min.Lat())
	f(a.Box.Min.Lon())
	f(a.Box.Max.Lat())
	f(a.Box.Max.Lon())
	b.WriteString(strconv.Itoa(a.Limit))
	return b.String()
}

// Static serves points from memory, filtered by area. It is safe for
// concurrent use.
type Static struct {
	mu     sync.RWMutex
	points map[string][]geo.GeoPoint
}

// NewStatic creates a source over points keyed by category.
func NewStatic(points map[string][]geo.GeoPoint) *Static {
	s := &Static{points: make(map[string][]geo.GeoPoint, len(points))}
	for cat, pts := range points {
		s.points[cat] = slices.Clone(pts)
	}
	return s
}

// Add appends points to a category.
func (s *Static) Add(category string, points ...geo.GeoPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[category] = append(s.points[category], points...)
}

// FetchPoints implements Source.
func (s *Static) FetchPoints(ctx context.Context, category string, area Area) ([]geo.GeoPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterArea(s.points[category], area), nil
}

func filterArea(points []geo.GeoPoint, area Area) []geo.GeoPoint {
	out := make([]geo.GeoPoint, 0, len(points))
	for _, p := range points {
		if !area.Contains(p) {
			continue
		}
		out = append(out, p)
		if !area.radius && area.Limit > 0 && len(out) >= area.Limit {
			break
		}
	}
	return out
}
