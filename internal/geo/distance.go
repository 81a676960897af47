package geo

import (
	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusKm is the mean Earth radius used for every great-circle distance.
const EarthRadiusKm = 6371.0088

// LatLng converts p to an s2.LatLng.
func (p GeoPoint) LatLng() s2.LatLng {
	return s2.LatLngFromDegrees(p.Lat, p.Lng)
}

// KmToAngle converts a surface distance to a central angle.
func KmToAngle(km float64) s1.Angle {
	return s1.Angle(km / EarthRadiusKm)
}

// DistanceKm returns the haversine distance between a and b.
func DistanceKm(a, b GeoPoint) float64 {
	return a.LatLng().Distance(b.LatLng()).Radians() * EarthRadiusKm
}
