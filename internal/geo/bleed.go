package geo

// NeighborsForPoint returns the neighbours of tile that a blob of radius
// dotsize centred at the tile-local pixel (pixelX, pixelY) would spill into.
//
// A point within dotsize of an edge pulls in the tile across that edge. A
// diagonal neighbour is included only when the point is near both edges that
// meet at that corner. Pixel positions lie in [0, tileResolution), so the
// distance to the east/south edge is measured from the last pixel index.
func NeighborsForPoint(pixelX, pixelY float64, tile TileCoord, dotsize, tileResolution int) []TileCoord {
	if dotsize <= 0 {
		return nil
	}
	d := float64(dotsize)
	last := float64(tileResolution - 1)

	west := pixelX < d
	east := last-pixelX < d
	north := pixelY < d
	south := last-pixelY < d

	var out []TileCoord
	add := func(dx, dy int) {
		out = append(out, TileCoord{X: tile.X + dx, Y: tile.Y + dy, Zoom: tile.Zoom})
	}

	if west {
		add(-1, 0)
		if north {
			add(-1, -1)
		}
		if south {
			add(-1, 1)
		}
	}
	if north {
		add(0, -1)
	}
	if east {
		add(1, 0)
		if north {
			add(1, -1)
		}
		if south {
			add(1, 1)
		}
	}
	if south {
		add(0, 1)
	}
	return out
}
