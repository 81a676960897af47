package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// MaxLatitude is the latitude at which the Pseudo-Mercator square ends.
// Latitudes beyond it are clamped before projection.
const MaxLatitude = 85.05112877980659

// ToTilePixel projects lat/lng into tile space at zoom, where one unit is one
// tile. Callers scale by the tile resolution themselves.
func ToTilePixel(lat, lng float64, zoom int) PixelPoint {
	if lat > MaxLatitude {
		lat = MaxLatitude
	} else if lat < -MaxLatitude {
		lat = -MaxLatitude
	}

	n := math.Exp2(float64(zoom))
	x := (lng + 180) * (n / 360.0)

	latRad := lat * math.Pi / 180
	mercN := math.Log(math.Tan(latRad/2 + math.Pi/4))
	y := n/2 - mercN*n/(2*math.Pi)

	return PixelPoint{X: x, Y: y}
}

// ToTileCoord returns the tile containing lat/lng at zoom. Both components are
// floored, which moves the point to the tile's NW corner, then clamped to the
// grid: lng 180 lands in the last column and the clamped poles in the first
// and last rows.
func ToTileCoord(lat, lng float64, zoom int) TileCoord {
	p := ToTilePixel(lat, lng, zoom)
	last := 1<<zoom - 1
	return TileCoord{
		X:    min(max(int(math.Floor(p.X)), 0), last),
		Y:    min(max(int(math.Floor(p.Y)), 0), last),
		Zoom: zoom,
	}
}

// ToLatLng is the inverse of ToTilePixel.
func ToLatLng(x, y float64, zoom int) GeoPoint {
	n := math.Exp2(float64(zoom))

	lng := x*360.0/n - 180

	mercN := (n/2 - y) * (2 * math.Pi) / n
	latRad := (math.Atan(math.Exp(mercN)) - math.Pi/4) * 2
	lat := latRad * 180 / math.Pi

	return GeoPoint{Lat: lat, Lng: lng}
}

// TileBound returns the geographic extent of a tile. Min is the SW corner,
// Max the NE corner, both as orb points (lng, lat).
func TileBound(t TileCoord) orb.Bound {
	return RectBound(t, t)
}

// RectBound returns the geographic extent of the tile rectangle spanned by the
// NW tile nw and the SE tile se.
func RectBound(nw, se TileCoord) orb.Bound {
	sw := ToLatLng(float64(nw.X), float64(se.Y+1), nw.Zoom)
	ne := ToLatLng(float64(se.X+1), float64(nw.Y), nw.Zoom)
	return orb.Bound{
		Min: orb.Point{sw.Lng, sw.Lat},
		Max: orb.Point{ne.Lng, ne.Lat},
	}
}
