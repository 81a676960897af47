package render

import (
	"errors"
	"image"

	"github.com/fogleman/gg"

	"github.com/venue-heatmaps/tiler/internal/geo"
)

// ErrEmptyTileSet is returned when a canvas is requested for no tiles.
var ErrEmptyTileSet = errors.New("empty tile set")

// TileImage is one tile cut from a canvas.
type TileImage struct {
	Coord geo.TileCoord
	Image *image.RGBA
}

// Canvas describes the pixel surface covering the bounding rectangle of a
// tile set.
type Canvas struct {
	NW             geo.TileCoord
	SE             geo.TileCoord
	NumXTiles      int
	NumYTiles      int
	Width          int
	Height         int
	TileResolution int
}

// NewCanvas computes the canvas covering tiles.
func NewCanvas(tiles *geo.TileSet, tileResolution int) (*Canvas, error) {
	nw, se, err := BoundingRect(tiles)
	if err != nil {
		return nil, err
	}
	w, h := CanvasResolution(nw, se, tileResolution)
	return &Canvas{
		NW:             nw,
		SE:             se,
		NumXTiles:      se.X - nw.X + 1,
		NumYTiles:      se.Y - nw.Y + 1,
		Width:          w,
		Height:         h,
		TileResolution: tileResolution,
	}, nil
}

// Pixels returns the canvas area.
func (c *Canvas) Pixels() int64 {
	return int64(c.Width) * int64(c.Height)
}

// Normalize maps points into this canvas's pixel space.
func (c *Canvas) Normalize(points []geo.GeoPoint) []geo.PixelPoint {
	return NormalizeToCanvas(points, c.NW, c.SE, c.NW.Zoom, c.Width, c.Height)
}

// Slice cuts img into the tiles of active.
func (c *Canvas) Slice(img *image.RGBA, active *geo.TileSet) []TileImage {
	return SliceCanvas(img, c.NW, c.NumXTiles, c.NumYTiles, active, c.TileResolution)
}

// BoundingRect returns the NW (min x, min y) and SE (max x, max y) corners of
// the tile set.
func BoundingRect(tiles *geo.TileSet) (nw, se geo.TileCoord, err error) {
	list := tiles.Tiles()
	if len(list) == 0 {
		return nw, se, ErrEmptyTileSet
	}
	nw, se = list[0], list[0]
	for _, t := range list[1:] {
		nw.X = min(nw.X, t.X)
		nw.Y = min(nw.Y, t.Y)
		se.X = max(se.X, t.X)
		se.Y = max(se.Y, t.Y)
	}
	return nw, se, nil
}

// CanvasResolution returns the pixel size of the rectangle nw..se.
func CanvasResolution(nw, se geo.TileCoord, tileResolution int) (width, height int) {
	width = tileResolution * (se.X - nw.X + 1)
	height = tileResolution * (se.Y - nw.Y + 1)
	return width, height
}

// NormalizeToCanvas converts points into canvas-local pixels by interpolating
// the geographic extent of nw..se onto [0, width-1] x [0, height-1].
func NormalizeToCanvas(points []geo.GeoPoint, nw, se geo.TileCoord, zoom, width, height int) []geo.PixelPoint {
	nw.Zoom, se.Zoom = zoom, zoom
	bound := geo.RectBound(nw, se)

	out := make([]geo.PixelPoint, len(points))
	for i, p := range points {
		out[i] = geo.ToLocalPixel(p, bound, width, height)
	}
	return out
}

// SliceCanvas crops every member of active out of canvas. Tiles inside the
// numXTiles x numYTiles rectangle that are not in active are skipped. Output
// is ordered by (x, y).
func SliceCanvas(canvas *image.RGBA, nw geo.TileCoord, numXTiles, numYTiles int, active *geo.TileSet, tileResolution int) []TileImage {
	var out []TileImage
	for i := 0; i < numXTiles; i++ {
		for j := 0; j < numYTiles; j++ {
			x, y := nw.X+i, nw.Y+j
			if !active.Has(x, y) {
				continue
			}
			dc := gg.NewContext(tileResolution, tileResolution)
			dc.DrawImage(canvas, -tileResolution*i, -tileResolution*j)
			out = append(out, TileImage{
				Coord: geo.TileCoord{X: x, Y: y, Zoom: nw.Zoom},
				Image: dc.Image().(*image.RGBA),
			})
		}
	}
	return out
}
