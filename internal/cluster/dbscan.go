// Package cluster drops sparse venues before rendering by running a
// density-based clustering pass (DBSCAN) over great-circle distances.
package cluster

import (
	"github.com/golang/geo/s1"

	"github.com/venue-heatmaps/tiler/internal/geo"
)

// Noise is the label of points that belong to no cluster.
const Noise = -1

const unvisited = -2

// Params holds the clustering thresholds for a zoom level.
type Params struct {
	EpsilonKm    float64
	MinNeighbors int
}

// Labels runs DBSCAN over points and returns one cluster label per point.
// A point is a core point when at least minNeighbors points, itself included,
// lie within eps of it. Points reachable from a core point share its cluster;
// everything else is Noise.
func Labels(points []geo.GeoPoint, eps s1.Angle, minNeighbors int) []int {
	labels := make([]int, len(points))
	if len(points) == 0 {
		return labels
	}
	for i := range labels {
		labels[i] = unvisited
	}

	idx := newIndex(points, eps)
	cluster := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		nbrs := idx.neighbors(i)
		if len(nbrs) < minNeighbors {
			labels[i] = Noise
			continue
		}

		labels[i] = cluster
		queue := nbrs
		for k := 0; k < len(queue); k++ {
			j := queue[k]
			if labels[j] == Noise {
				// border point
				labels[j] = cluster
				continue
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if jn := idx.neighbors(j); len(jn) >= minNeighbors {
				queue = append(queue, jn...)
			}
		}
		cluster++
	}
	return labels
}

// FilterByDensity returns the points that belong to a cluster of density
// epsilonKm/minNeighbors, in input order. The input is not modified.
func FilterByDensity(points []geo.GeoPoint, epsilonKm float64, minNeighbors int) []geo.GeoPoint {
	if len(points) == 0 {
		return []geo.GeoPoint{}
	}
	labels := Labels(points, geo.KmToAngle(epsilonKm), minNeighbors)

	out := make([]geo.GeoPoint, 0, len(points))
	for i, p := range points {
		if labels[i] != Noise {
			out = append(out, p)
		}
	}
	return out
}

// Filter applies FilterByDensity with p.
func (p Params) Filter(points []geo.GeoPoint) []geo.GeoPoint {
	return FilterByDensity(points, p.EpsilonKm, p.MinNeighbors)
}
