// Package colormap provides the color schemes used to paint density values.
package colormap

import (
	"image/color"
	"sort"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.NRGBA
}

// LinearColormap is a linear interpolation colormap. Stops are
// non-premultiplied, so alpha ramps are allowed.
type LinearColormap struct {
	colors []color.NRGBA
}

// NewLinear builds a LinearColormap from at least one stop.
func NewLinear(stops ...color.NRGBA) LinearColormap {
	if len(stops) == 0 {
		stops = []color.NRGBA{{0, 0, 0, 255}}
	}
	return LinearColormap{colors: stops}
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.NRGBA {
	if t <= 0 {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}

	frac := idx - float64(lower)
	return interpolate(c.colors[lower], c.colors[upper], frac)
}

func interpolate(c1, c2 color.NRGBA, t float64) color.NRGBA {
	return color.NRGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R))),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G))),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B))),
		A: uint8(float64(c1.A) + t*(float64(c2.A)-float64(c1.A))),
	}
}

// Palette samples c at n evenly spaced positions, premultiplies, and scales
// alpha by opacity. Entry 0 is always fully transparent so that pixels with no
// density stay clear.
func Palette(c Colormap, n int, opacity float64) []color.RGBA {
	if n < 2 {
		n = 2
	}
	if opacity < 0 {
		opacity = 0
	} else if opacity > 1 {
		opacity = 1
	}

	out := make([]color.RGBA, n)
	for i := 1; i < n; i++ {
		nc := c.At(float64(i) / float64(n-1))
		if opacity != 1 && nc.A > 0 {
			nc.A = uint8(float64(nc.A) * opacity)
		}
		out[i] = color.RGBAModel.Convert(nc).(color.RGBA)
	}
	return out
}

// Classic is the default heat scheme: transparent blue through cyan, green
// and yellow to opaque red.
var Classic = NewLinear(
	color.NRGBA{0, 0, 255, 0},
	color.NRGBA{0, 64, 255, 96},
	color.NRGBA{0, 192, 255, 160},
	color.NRGBA{0, 255, 128, 192},
	color.NRGBA{128, 255, 0, 208},
	color.NRGBA{255, 255, 0, 224},
	color.NRGBA{255, 160, 0, 240},
	color.NRGBA{255, 0, 0, 255},
)

// Viridis colormap (matplotlib viridis)
var Viridis = NewLinear(
	color.NRGBA{68, 1, 84, 255},
	color.NRGBA{72, 35, 116, 255},
	color.NRGBA{64, 67, 135, 255},
	color.NRGBA{52, 94, 141, 255},
	color.NRGBA{41, 120, 142, 255},
	color.NRGBA{32, 144, 140, 255},
	color.NRGBA{34, 167, 132, 255},
	color.NRGBA{68, 190, 112, 255},
	color.NRGBA{121, 209, 81, 255},
	color.NRGBA{189, 222, 38, 255},
	color.NRGBA{253, 231, 37, 255},
)

// Plasma colormap
var Plasma = NewLinear(
	color.NRGBA{13, 8, 135, 255},
	color.NRGBA{75, 3, 161, 255},
	color.NRGBA{125, 3, 168, 255},
	color.NRGBA{168, 34, 150, 255},
	color.NRGBA{203, 70, 121, 255},
	color.NRGBA{229, 107, 93, 255},
	color.NRGBA{248, 148, 65, 255},
	color.NRGBA{253, 195, 40, 255},
	color.NRGBA{240, 249, 33, 255},
)

// Inferno colormap
var Inferno = NewLinear(
	color.NRGBA{0, 0, 4, 255},
	color.NRGBA{40, 11, 84, 255},
	color.NRGBA{101, 21, 110, 255},
	color.NRGBA{159, 42, 99, 255},
	color.NRGBA{212, 72, 66, 255},
	color.NRGBA{245, 125, 21, 255},
	color.NRGBA{250, 193, 39, 255},
	color.NRGBA{252, 255, 164, 255},
)

// Magma colormap
var Magma = NewLinear(
	color.NRGBA{0, 0, 4, 255},
	color.NRGBA{28, 16, 68, 255},
	color.NRGBA{79, 18, 123, 255},
	color.NRGBA{129, 37, 129, 255},
	color.NRGBA{181, 54, 122, 255},
	color.NRGBA{229, 80, 100, 255},
	color.NRGBA{251, 135, 97, 255},
	color.NRGBA{254, 194, 135, 255},
	color.NRGBA{252, 253, 191, 255},
)

var byName = map[string]Colormap{
	"classic": Classic,
	"viridis": Viridis,
	"plasma":  Plasma,
	"inferno": Inferno,
	"magma":   Magma,
}

// ByName looks up a registered scheme.
func ByName(name string) (Colormap, bool) {
	c, ok := byName[name]
	return c, ok
}

// Names lists the registered schemes, sorted.
func Names() []string {
	names := make([]string, 0, len(byName))
	for n := range byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
