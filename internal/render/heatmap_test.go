package render

import (
	"errors"
	"image/color"
	"math"
	"testing"

	"github.com/venue-heatmaps/tiler/internal/geo"
)

func TestStampFalloff(t *testing.T) {
	st := newStamp(2)
	if st.size != 5 {
		t.Fatalf("expected size 5, got %d", st.size)
	}
	if c := st.buf[2*5+2]; c != 1 {
		t.Errorf("centre weight: got %v, want 1", c)
	}
	want := float32(1 - math.Sqrt(8)/3)
	if c := st.buf[0]; math.Abs(float64(c-want)) > 1e-6 {
		t.Errorf("corner weight: got %v, want %v", c, want)
	}
	if c := st.buf[2*5+0]; math.Abs(float64(c-float32(1.0/3))) > 1e-6 {
		t.Errorf("edge weight: got %v, want 1/3", c)
	}
}

func TestRenderSinglePoint(t *testing.T) {
	r := NewRasterizer(Config{})
	img, err := r.Render([]geo.PixelPoint{{X: 10, Y: 12}}, Options{
		Dotsize: 3, Opacity: 1, Width: 32, Height: 32,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got := img.Bounds().Dx(); got != 32 {
		t.Fatalf("width: got %d", got)
	}

	if c := img.RGBAAt(10, 12); c != (color.RGBA{R: 255, A: 255}) {
		t.Errorf("peak pixel should take the top of the classic scheme, got %#v", c)
	}
	if c := img.RGBAAt(12, 12); c.A == 0 || c.A == 255 {
		t.Errorf("falloff pixel should be partially transparent, got %#v", c)
	}
	if c := img.RGBAAt(20, 20); c.A != 0 {
		t.Errorf("pixel outside stamp should be transparent, got %#v", c)
	}
}

func TestRenderNoPoints(t *testing.T) {
	r := NewRasterizer(Config{})
	img, err := r.Render(nil, Options{Dotsize: 5, Opacity: 1, Width: 16, Height: 16})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	for i := 3; i < len(img.Pix); i += 4 {
		if img.Pix[i] != 0 {
			t.Fatalf("expected fully transparent image")
		}
	}
}

func TestRenderClipsAndSkips(t *testing.T) {
	r := NewRasterizer(Config{})
	points := []geo.PixelPoint{
		{X: 0, Y: 0},
		{X: 15.9, Y: 15.9},
		{X: -3, Y: 4},
		{X: 4, Y: 99},
	}
	img, err := r.Render(points, Options{Dotsize: 6, Opacity: 1, Width: 16, Height: 16})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if img.RGBAAt(0, 0).A == 0 || img.RGBAAt(15, 15).A == 0 {
		t.Errorf("corner points should be painted")
	}
}

func TestRenderOpacity(t *testing.T) {
	r := NewRasterizer(Config{DefaultScheme: "viridis"})
	img, err := r.Render([]geo.PixelPoint{{X: 4, Y: 4}}, Options{
		Dotsize: 2, Opacity: 0.5, Width: 8, Height: 8,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if a := img.RGBAAt(4, 4).A; a != 127 {
		t.Errorf("expected alpha 127 at half opacity, got %d", a)
	}
}

func TestRenderAccumulates(t *testing.T) {
	r := NewRasterizer(Config{})
	img, err := r.Render([]geo.PixelPoint{{X: 5, Y: 5}, {X: 5, Y: 5}, {X: 20, Y: 5}}, Options{
		Dotsize: 2, Opacity: 1, Width: 32, Height: 16,
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	hot, cool := img.RGBAAt(5, 5), img.RGBAAt(20, 5)
	if hot.A <= cool.A {
		t.Errorf("stacked point should be denser: hot=%#v cool=%#v", hot, cool)
	}
}

func TestRenderErrors(t *testing.T) {
	r := NewRasterizer(Config{MaxPixels: 100})

	_, err := r.Render(nil, Options{Width: 20, Height: 20})
	if !errors.Is(err, ErrCanvasTooLarge) {
		t.Errorf("expected ErrCanvasTooLarge, got %v", err)
	}

	_, err = r.Render(nil, Options{Width: 0, Height: 5})
	if !errors.Is(err, ErrInvalidSize) {
		t.Errorf("expected ErrInvalidSize, got %v", err)
	}

	_, err = r.Render(nil, Options{Width: 5, Height: 5, Scheme: "nope"})
	if err == nil {
		t.Errorf("expected unknown scheme error")
	}
}

func TestRenderReusesBuffers(t *testing.T) {
	r := NewRasterizer(Config{})
	if _, err := r.Render([]geo.PixelPoint{{X: 3, Y: 3}}, Options{Dotsize: 2, Opacity: 1, Width: 16, Height: 16}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	// A second, smaller render must not see the first one's density.
	img, err := r.Render(nil, Options{Dotsize: 2, Opacity: 1, Width: 8, Height: 8})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if a := img.RGBAAt(3, 3).A; a != 0 {
		t.Errorf("stale density leaked into pooled buffer: alpha %d", a)
	}
}
