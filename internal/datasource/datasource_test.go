package datasource

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"

	"github.com/venue-heatmaps/tiler/internal/geo"
)

var center = geo.GeoPoint{Lat: 40.74, Lng: -74.0}

func TestAreaAroundContains(t *testing.T) {
	a := Around(center, 1000)
	if !a.IsRadius() {
		t.Fatalf("expected radius area")
	}
	if !a.Contains(geo.GeoPoint{Lat: 40.745, Lng: -74.0}) { // ~555m north
		t.Errorf("point within radius not contained")
	}
	if a.Contains(geo.GeoPoint{Lat: 40.76, Lng: -74.0}) { // ~2.2km north
		t.Errorf("point outside radius contained")
	}

	b := a.Bound()
	if !b.Contains(orb.Point{center.Lng, center.Lat}) {
		t.Errorf("bound %v does not contain centre", b)
	}
	if h := (b.Max.Lat() - b.Min.Lat()) * 111.2; h < 1.9 || h > 2.1 {
		t.Errorf("bound height should be ~2km, got %.3fkm", h)
	}
}

func TestAreaWithinContains(t *testing.T) {
	a := Within(orb.Bound{Min: orb.Point{-74.1, 40.7}, Max: orb.Point{-73.9, 40.8}}, 0)
	if a.IsRadius() {
		t.Fatalf("expected box area")
	}
	if !a.Contains(center) {
		t.Errorf("centre should be inside box")
	}
	if a.Contains(geo.GeoPoint{Lat: 40.9, Lng: -74.0}) {
		t.Errorf("point north of box contained")
	}
}

func TestAreaStringDistinguishesAreas(t *testing.T) {
	if Around(center, 17500).String() == Around(center, 15000).String() {
		t.Errorf("radius areas with different radii share a key")
	}
	box := orb.Bound{Min: orb.Point{-74.1, 40.7}, Max: orb.Point{-73.9, 40.8}}
	if Within(box, 10).String() == Within(box, 20).String() {
		t.Errorf("box areas with different limits share a key")
	}
}

func TestStaticFetch(t *testing.T) {
	src := NewStatic(map[string][]geo.GeoPoint{
		"1": {center, {Lat: 41.5, Lng: -74.0}},
	})
	src.Add("2", center)

	got, err := src.FetchPoints(context.Background(), "1", Around(center, 5000))
	if err != nil {
		t.Fatalf("FetchPoints: %v", err)
	}
	if diff := cmp.Diff([]geo.GeoPoint{center}, got); diff != "" {
		t.Errorf("radius fetch (-want +got):\n%s", diff)
	}

	got, err = src.FetchPoints(context.Background(), "3", Around(center, 5000))
	if err != nil || len(got) != 0 {
		t.Errorf("unknown category: got %v, %v", got, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := src.FetchPoints(ctx, "1", Around(center, 5000)); !errors.Is(err, ErrFetch) {
		t.Errorf("cancelled fetch: expected ErrFetch, got %v", err)
	}
}

func TestStaticBoxLimit(t *testing.T) {
	var pts []geo.GeoPoint
	for i := 0; i < 10; i++ {
		pts = append(pts, geo.GeoPoint{Lat: 40.74 + float64(i)*0.001, Lng: -74.0})
	}
	src := NewStatic(map[string][]geo.GeoPoint{"1": pts})
	box := orb.Bound{Min: orb.Point{-74.1, 40.7}, Max: orb.Point{-73.9, 40.8}}

	got, err := src.FetchPoints(context.Background(), "1", Within(box, 4))
	if err != nil {
		t.Fatalf("FetchPoints: %v", err)
	}
	if len(got) != 4 {
		t.Errorf("expected limit of 4, got %d", len(got))
	}
}

func TestReadCSV(t *testing.T) {
	in := "category,lat,lng\n1,40.74,-74.0\n2, 40.75, -73.99\n1,40.76,-74.01\n"
	got, err := ReadCSV(strings.NewReader(in))
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	want := map[string][]geo.GeoPoint{
		"1": {{Lat: 40.74, Lng: -74.0}, {Lat: 40.76, Lng: -74.01}},
		"2": {{Lat: 40.75, Lng: -73.99}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ReadCSV (-want +got):\n%s", diff)
	}

	if _, err := ReadCSV(strings.NewReader("1,40.74,-74.0\n1,abc,-74.0\n")); err == nil {
		t.Errorf("expected error for invalid coordinate")
	}
	if _, err := ReadCSV(strings.NewReader("1,95,-74.0\n")); err == nil {
		t.Errorf("expected error for out-of-range latitude")
	}
}

func TestLoadFileZstd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "venues.csv.zst")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := enc.Write([]byte("1,40.74,-74.0\n1,40.7401,-74.0001\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}

	src, err := LoadFile(path, nil)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	got, err := src.FetchPoints(context.Background(), "1", Around(center, 1000))
	if err != nil {
		t.Fatalf("FetchPoints: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 points, got %d", len(got))
	}
}

func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.csv"), nil); err == nil {
		t.Errorf("expected error for missing file")
	}
}

type countingSource struct {
	calls atomic.Int32
	err   error
	pts   []geo.GeoPoint
}

func (c *countingSource) FetchPoints(ctx context.Context, category string, area Area) ([]geo.GeoPoint, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return append([]geo.GeoPoint(nil), c.pts...), nil
}

func TestCachedDistinguishesNearbyAreas(t *testing.T) {
	inner := &countingSource{pts: []geo.GeoPoint{center}}
	c, err := NewCached(inner, 8)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	ctx := context.Background()

	box := orb.Bound{Min: orb.Point{-74.1, 40.7}, Max: orb.Point{-73.9, 40.8}}
	shifted := box
	shifted.Min[0] += 1e-9
	if Within(box, 10).String() != Within(shifted, 10).String() {
		t.Fatalf("boxes should render identically at display precision")
	}
	for _, a := range []Area{Within(box, 10), Within(shifted, 10), Within(box, 10)} {
		if _, err := c.FetchPoints(ctx, "1", a); err != nil {
			t.Fatalf("FetchPoints: %v", err)
		}
	}
	if n := inner.calls.Load(); n != 2 {
		t.Errorf("expected 2 upstream calls for 2 distinct boxes, got %d", n)
	}

	for _, a := range []Area{Around(center, 1000), Around(center, 1000.01)} {
		if _, err := c.FetchPoints(ctx, "1", a); err != nil {
			t.Fatalf("FetchPoints: %v", err)
		}
	}
	if n := inner.calls.Load(); n != 4 {
		t.Errorf("expected radii 1000 and 1000.01 to miss separately, got %d calls", n)
	}
}

func TestCachedFetch(t *testing.T) {
	inner := &countingSource{pts: []geo.GeoPoint{center}}
	c, err := NewCached(inner, 8)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	ctx := context.Background()
	area := Around(center, 17500)

	first, err := c.FetchPoints(ctx, "1", area)
	if err != nil {
		t.Fatalf("FetchPoints: %v", err)
	}
	first[0].Lat = 0 // caller mutation must not leak into the cache

	second, err := c.FetchPoints(ctx, "1", area)
	if err != nil {
		t.Fatalf("FetchPoints: %v", err)
	}
	if diff := cmp.Diff([]geo.GeoPoint{center}, second); diff != "" {
		t.Errorf("cached result changed (-want +got):\n%s", diff)
	}
	if n := inner.calls.Load(); n != 1 {
		t.Errorf("expected 1 upstream call, got %d", n)
	}

	if _, err := c.FetchPoints(ctx, "2", area); err != nil {
		t.Fatalf("FetchPoints: %v", err)
	}
	if n := inner.calls.Load(); n != 2 {
		t.Errorf("different category should miss, got %d calls", n)
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	inner := &countingSource{err: ErrFetch}
	c, err := NewCached(inner, 8)
	if err != nil {
		t.Fatalf("NewCached: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := c.FetchPoints(context.Background(), "1", Around(center, 10)); !errors.Is(err, ErrFetch) {
			t.Fatalf("expected ErrFetch, got %v", err)
		}
	}
	if n := inner.calls.Load(); n != 2 {
		t.Errorf("errors should not be cached, got %d calls", n)
	}
}

func TestBuildQueriesSanitizesTable(t *testing.T) {
	radius, box := buildQueries("public.venues")
	if !strings.Contains(radius, `"public"."venues"`) || !strings.Contains(box, `"public"."venues"`) {
		t.Errorf("table identifier not sanitized:\n%s\n%s", radius, box)
	}
	radius, _ = buildQueries(`x"; DROP TABLE y; --`)
	if strings.Contains(radius, `x"; DROP`) {
		t.Errorf("quote not escaped: %s", radius)
	}
}

func TestPostGISConfigDSN(t *testing.T) {
	cfg := PostGISConfig{Host: "db", Port: 5432, User: "u", Password: "p@ss", DBName: "venues", SSLMode: "disable"}
	want := "postgres://u:p%40ss@db:5432/venues?sslmode=disable"
	if got := cfg.DSN(); got != want {
		t.Errorf("DSN: got %q, want %q", got, want)
	}
}
