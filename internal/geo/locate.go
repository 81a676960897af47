package geo

import "github.com/paulmach/orb"

// LocateTiles returns the set of tiles at zoom that contain at least one of
// points. An empty input yields an empty set.
func LocateTiles(points []GeoPoint, zoom int) *TileSet {
	set := NewTileSet(zoom)
	for _, p := range points {
		set.AddTile(ToTileCoord(p.Lat, p.Lng, zoom))
	}
	return set
}

// LocateTilesWithBleed is LocateTiles plus, for every point, the neighbouring
// tiles its density blob of radius dotsize would bleed into. Neighbours past
// the antimeridian or the clamped poles are outside the grid and dropped.
func LocateTilesWithBleed(points []GeoPoint, zoom, dotsize, tileResolution int) *TileSet {
	set := NewTileSet(zoom)
	for _, p := range points {
		tile := ToTileCoord(p.Lat, p.Lng, zoom)
		set.AddTile(tile)

		px := ToLocalPixel(p, TileBound(tile), tileResolution, tileResolution)
		for _, n := range NeighborsForPoint(px.X, px.Y, tile, dotsize, tileResolution) {
			if n.Valid() {
				set.AddTile(n)
			}
		}
	}
	return set
}

// ToLocalPixel maps p into a width x height pixel frame covering bound, by
// linear interpolation of the bound's lat/lng extent onto
// [0, width-1] x [0, height-1]. Y grows southwards.
func ToLocalPixel(p GeoPoint, bound orb.Bound, width, height int) PixelPoint {
	minLng, minLat := bound.Min[0], bound.Min[1]
	maxLng, maxLat := bound.Max[0], bound.Max[1]

	y := ((maxLat - p.Lat) / (maxLat - minLat)) * float64(height-1)
	x := ((p.Lng - minLng) / (maxLng - minLng)) * float64(width-1)
	return PixelPoint{X: x, Y: y}
}
