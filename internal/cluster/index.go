package cluster

import (
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"

	"github.com/venue-heatmaps/tiler/internal/geo"
)

// Below this cell level the buckets are so coarse that a linear scan is
// cheaper than walking neighbours.
const minIndexLevel = 4

// index answers eps-neighbourhood queries. Points are bucketed into S2 cells
// at least 2*eps wide, so every neighbour of a point lives in the point's own
// cell or one of the cells touching it.
type index struct {
	points []s2.LatLng
	eps    s1.Angle
	level  int
	cells  map[s2.CellID][]int
	owner  []s2.CellID
}

func newIndex(points []geo.GeoPoint, eps s1.Angle) *index {
	idx := &index{
		points: make([]s2.LatLng, len(points)),
		eps:    eps,
		level:  s2.MinWidthMetric.MaxLevel(2 * eps.Radians()),
	}
	for i, p := range points {
		idx.points[i] = p.LatLng()
	}
	if idx.level < minIndexLevel {
		return idx
	}

	idx.cells = make(map[s2.CellID][]int)
	idx.owner = make([]s2.CellID, len(points))
	for i, ll := range idx.points {
		cell := s2.CellIDFromLatLng(ll).Parent(idx.level)
		idx.owner[i] = cell
		idx.cells[cell] = append(idx.cells[cell], i)
	}
	return idx
}

// neighbors returns the indices of all points within eps of point i,
// including i itself.
func (idx *index) neighbors(i int) []int {
	p := idx.points[i]
	var out []int

	if idx.cells == nil {
		for j, q := range idx.points {
			if p.Distance(q) <= idx.eps {
				out = append(out, j)
			}
		}
		return out
	}

	home := idx.owner[i]
	seen := map[s2.CellID]bool{home: true}
	candidates := []s2.CellID{home}
	for _, n := range home.AllNeighbors(idx.level) {
		if !seen[n] {
			seen[n] = true
			candidates = append(candidates, n)
		}
	}

	for _, cell := range candidates {
		for _, j := range idx.cells[cell] {
			if p.Distance(idx.points[j]) <= idx.eps {
				out = append(out, j)
			}
		}
	}
	return out
}
