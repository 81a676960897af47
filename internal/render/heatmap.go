// Package render rasterizes point density into color-mapped RGBA images and
// cuts multi-tile canvases into web-map tiles.
package render

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/venue-heatmaps/tiler/internal/geo"
	"github.com/venue-heatmaps/tiler/pkg/colormap"
)

// DefaultMaxPixels bounds a render to 400M pixels. A render holds a float32
// accumulation buffer and an RGBA output of that size, 8 bytes per pixel, so
// the default peaks around 3.2GB.
const DefaultMaxPixels = 400_000_000

const paletteSize = 256

var (
	// ErrCanvasTooLarge reports that a render would exceed the configured
	// pixel budget. Callers may retry with a smaller working area.
	ErrCanvasTooLarge = errors.New("canvas exceeds rasterizer pixel budget")

	// ErrInvalidSize reports a non-positive canvas dimension.
	ErrInvalidSize = errors.New("invalid canvas size")
)

// Config contains renderer configuration.
type Config struct {
	TileSize      int
	DefaultScheme string
	MaxPixels     int
}

// Options describes a single render call.
type Options struct {
	Dotsize int
	Opacity float64
	Width   int
	Height  int
	Scheme  string // empty selects the default scheme
}

// Rasterizer accumulates stamped points into a density buffer and paints it
// through a color scheme. Density buffers are pooled and stamps are cached
// per radius; neither escapes Render.
type Rasterizer struct {
	config Config
	pool   sync.Pool

	stampMu sync.Mutex
	stamps  map[int]*stamp
}

// NewRasterizer creates a new rasterizer.
func NewRasterizer(cfg Config) *Rasterizer {
	if cfg.TileSize <= 0 {
		cfg.TileSize = 256
	}
	if cfg.DefaultScheme == "" {
		cfg.DefaultScheme = "classic"
	}
	if cfg.MaxPixels <= 0 {
		cfg.MaxPixels = DefaultMaxPixels
	}
	return &Rasterizer{
		config: cfg,
		stamps: make(map[int]*stamp),
	}
}

// TileSize returns the configured tile resolution.
func (r *Rasterizer) TileSize() int {
	return r.config.TileSize
}

// Render paints points, given in [0,Width) x [0,Height) pixel space, into a
// new image. Points are snapped to integer pixels. Opacity multiplies every
// alpha value; 1 leaves the scheme untouched.
func (r *Rasterizer) Render(points []geo.PixelPoint, opts Options) (*image.RGBA, error) {
	w, h := opts.Width, opts.Height
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrInvalidSize, w, h)
	}
	if int64(w)*int64(h) > int64(r.config.MaxPixels) {
		return nil, fmt.Errorf("%w: %dx%d > %d pixels", ErrCanvasTooLarge, w, h, r.config.MaxPixels)
	}

	name := opts.Scheme
	if name == "" {
		name = r.config.DefaultScheme
	}
	cmap, ok := colormap.ByName(name)
	if !ok {
		return nil, fmt.Errorf("unknown color scheme %q", name)
	}

	hm := r.acquire(w, h)
	defer r.release(hm)

	st := r.stamp(opts.Dotsize)
	for _, p := range points {
		hm.add(int(p.X), int(p.Y), st)
	}

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	hm.paint(img, colormap.Palette(cmap, paletteSize, opts.Opacity))
	return img, nil
}

func (r *Rasterizer) acquire(w, h int) *heatmap {
	n := w * h
	if v := r.pool.Get(); v != nil {
		hm := v.(*heatmap)
		if cap(hm.buf) >= n {
			hm.buf = hm.buf[:n]
			clear(hm.buf)
			hm.w, hm.h, hm.max = w, h, 0
			return hm
		}
	}
	return &heatmap{buf: make([]float32, n), w: w, h: h}
}

func (r *Rasterizer) release(hm *heatmap) {
	r.pool.Put(hm)
}

func (r *Rasterizer) stamp(radius int) *stamp {
	if radius < 0 {
		radius = 0
	}
	r.stampMu.Lock()
	defer r.stampMu.Unlock()

	if st, ok := r.stamps[radius]; ok {
		return st
	}
	st := newStamp(radius)
	r.stamps[radius] = st
	return st
}

// heatmap is a float density buffer with a running maximum.
type heatmap struct {
	buf []float32
	max float32
	w   int
	h   int
}

func (hm *heatmap) add(x, y int, st *stamp) {
	if x < 0 || y < 0 || x >= hm.w || y >= hm.h {
		return
	}
	rad := st.radius
	x0, x1 := max(0, x-rad), min(hm.w-1, x+rad)
	y0, y1 := max(0, y-rad), min(hm.h-1, y+rad)

	for iy := y0; iy <= y1; iy++ {
		row := hm.buf[iy*hm.w : (iy+1)*hm.w]
		srow := st.buf[(iy-y+rad)*st.size : (iy-y+rad+1)*st.size]
		for ix := x0; ix <= x1; ix++ {
			v := row[ix] + srow[ix-x+rad]
			row[ix] = v
			if v > hm.max {
				hm.max = v
			}
		}
	}
}

func (hm *heatmap) paint(img *image.RGBA, palette []color.RGBA) {
	if hm.max <= 0 {
		return
	}
	top := float32(len(palette) - 1)
	for i, v := range hm.buf {
		if v <= 0 {
			continue
		}
		c := palette[int(top*(v/hm.max)+0.5)]
		o := (i/hm.w)*img.Stride + (i%hm.w)*4
		img.Pix[o] = c.R
		img.Pix[o+1] = c.G
		img.Pix[o+2] = c.B
		img.Pix[o+3] = c.A
	}
}

// stamp is a disc of linearly decreasing weight, 1 at the centre.
type stamp struct {
	buf    []float32
	radius int
	size   int
}

func newStamp(radius int) *stamp {
	size := 2*radius + 1
	st := &stamp{buf: make([]float32, size*size), radius: radius, size: size}
	for y := -radius; y <= radius; y++ {
		for x := -radius; x <= radius; x++ {
			dist := math.Sqrt(float64(x*x+y*y)) / float64(radius+1)
			ds := 1 - dist
			if ds < 0 {
				ds = 0
			}
			st.buf[(y+radius)*size+x+radius] = float32(ds)
		}
	}
	return st
}
