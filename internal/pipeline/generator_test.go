package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/venue-heatmaps/tiler/internal/datasource"
	"github.com/venue-heatmaps/tiler/internal/geo"
	"github.com/venue-heatmaps/tiler/internal/render"
	"github.com/venue-heatmaps/tiler/internal/runstore"
	"github.com/venue-heatmaps/tiler/internal/storage"
)

var nyc = geo.GeoPoint{Lat: 40.74, Lng: -74.0}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Categories:         []string{"1"},
		MinZoom:            12,
		MaxZoom:            12,
		ZoomStep:           1,
		Mode:               ModeCity,
		Order:              OrderZoomMajor,
		Center:             nyc,
		SearchRadiusMeters: 17500,
		RadiusShrinkMeters: 2500,
		TileResolution:     256,
		TilePointLimit:     30000,
		Profiles: map[int]ZoomProfile{
			12: {Dotsize: 15, Opacity: 1, Cluster: true, ClusterEpsilonKm: 0.5, ClusterNeighbors: 4},
		},
	}
}

func nycCluster() []geo.GeoPoint {
	return []geo.GeoPoint{
		{Lat: 40.7400, Lng: -74.0000},
		{Lat: 40.7405, Lng: -74.0003},
		{Lat: 40.7398, Lng: -74.0006},
		{Lat: 40.7402, Lng: -73.9996},
		{Lat: 40.7396, Lng: -74.0001},
	}
}

// tileCentredCluster returns five points around the centre of tile (x, y).
func tileCentredCluster(x, y, zoom int) []geo.GeoPoint {
	c := geo.ToLatLng(float64(x)+0.5, float64(y)+0.5, zoom)
	var pts []geo.GeoPoint
	for _, d := range [][2]float64{{0, 0}, {0.0003, 0}, {-0.0003, 0}, {0, 0.0003}, {0, -0.0003}} {
		pts = append(pts, geo.GeoPoint{Lat: c.Lat + d[0], Lng: c.Lng + d[1]})
	}
	return pts
}

type sourceFunc func(ctx context.Context, category string, area datasource.Area) ([]geo.GeoPoint, error)

func (f sourceFunc) FetchPoints(ctx context.Context, category string, area datasource.Area) ([]geo.GeoPoint, error) {
	return f(ctx, category, area)
}

func newGenerator(t *testing.T, cfg Config, src datasource.Source, pub storage.Publisher, opts ...Option) *Generator {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	g, err := New(cfg, src, pub, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func TestEndToEndTileMode(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = ModeTile
	src := datasource.NewStatic(map[string][]geo.GeoPoint{"1": nycCluster()})
	pub := storage.NewMemory()
	g := newGenerator(t, cfg, src, pub)

	var res UnitResult
	tiles, err := g.RenderUnit(context.Background(), Unit{Category: "1", Zoom: 12}, &res)
	if err != nil {
		t.Fatalf("RenderUnit: %v", err)
	}
	if res.Points != 5 {
		t.Errorf("clustering should keep all 5 points, kept %d", res.Points)
	}
	if len(tiles) != 1 {
		t.Fatalf("expected exactly 1 tile, got %d", len(tiles))
	}
	if got := tiles[0].Coord; got != (geo.TileCoord{X: 1206, Y: 1539, Zoom: 12}) {
		t.Errorf("unexpected tile %s", got)
	}
	if b := tiles[0].Image.Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Errorf("tile size %v", b)
	}

	summary, err := g.Run(context.Background(), "e2e")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 || summary.TilesPublished != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
	if diff := cmp.Diff([]string{"1_12_1206_1539.png"}, pub.Keys()); diff != "" {
		t.Errorf("published keys (-want +got):\n%s", diff)
	}
	if ct := pub.ContentType("1_12_1206_1539.png"); ct != storage.ContentTypePNG {
		t.Errorf("content type %q", ct)
	}
}

func TestCityModeSingleTile(t *testing.T) {
	src := datasource.NewStatic(map[string][]geo.GeoPoint{"1": tileCentredCluster(1206, 1539, 12)})
	g := newGenerator(t, testConfig(), src, storage.NewMemory())

	var res UnitResult
	tiles, err := g.RenderUnit(context.Background(), Unit{Category: "1", Zoom: 12}, &res)
	if err != nil {
		t.Fatalf("RenderUnit: %v", err)
	}
	if len(tiles) != 1 || tiles[0].Coord != (geo.TileCoord{X: 1206, Y: 1539, Zoom: 12}) {
		t.Fatalf("expected the single centre tile, got %v", tiles)
	}
	if b := tiles[0].Image.Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Errorf("tile size %v", b)
	}
	if tiles[0].Image.RGBAAt(128, 128).A == 0 {
		t.Errorf("centre of tile should carry density")
	}
}

func TestCityModeIncludesBleedNeighbour(t *testing.T) {
	// The NYC cluster sits ~11px from the west edge of its tile at z12.
	src := datasource.NewStatic(map[string][]geo.GeoPoint{"1": nycCluster()})
	g := newGenerator(t, testConfig(), src, storage.NewMemory())

	var res UnitResult
	tiles, err := g.RenderUnit(context.Background(), Unit{Category: "1", Zoom: 12}, &res)
	if err != nil {
		t.Fatalf("RenderUnit: %v", err)
	}
	var coords []geo.TileCoord
	for _, tile := range tiles {
		coords = append(coords, tile.Coord)
	}
	want := []geo.TileCoord{{X: 1205, Y: 1539, Zoom: 12}, {X: 1206, Y: 1539, Zoom: 12}}
	if diff := cmp.Diff(want, coords); diff != "" {
		t.Fatalf("tiles (-want +got):\n%s", diff)
	}
	// The blob crosses the border: the east edge of the west tile is painted.
	if tiles[0].Image.RGBAAt(255, 155).A == 0 {
		t.Errorf("west neighbour should receive the bleeding blob")
	}
}

func TestCityModeAntimeridianKeysInGrid(t *testing.T) {
	cfg := testConfig()
	cfg.Center = geo.GeoPoint{Lat: 0, Lng: -179.99}
	pts := []geo.GeoPoint{
		{Lat: 0.0001, Lng: -179.9999},
		{Lat: 0.0003, Lng: -179.9999},
		{Lat: -0.0001, Lng: -179.9998},
		{Lat: 0.0002, Lng: -179.9997},
		{Lat: 0.0000, Lng: -179.9999},
	}
	src := datasource.NewStatic(map[string][]geo.GeoPoint{"1": pts})
	pub := storage.NewMemory()
	g := newGenerator(t, cfg, src, pub)

	summary, err := g.Run(context.Background(), "antimeridian")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 || summary.TilesPublished == 0 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	found := false
	for _, key := range pub.Keys() {
		var zoom, x, y int
		if _, err := fmt.Sscanf(key, "1_%d_%d_%d.png", &zoom, &x, &y); err != nil {
			t.Fatalf("unparseable key %q: %v", key, err)
		}
		if tile := (geo.TileCoord{X: x, Y: y, Zoom: zoom}); !tile.Valid() {
			t.Errorf("published out-of-grid tile %q", key)
		}
		if x == 0 && y == 2047 {
			found = true
		}
	}
	if !found {
		t.Errorf("owning tile missing from %v", pub.Keys())
	}
}

func randomPoints(seed int64, n int) []geo.GeoPoint {
	rng := rand.New(rand.NewSource(seed))
	pts := make([]geo.GeoPoint, 0, n)
	for i := 0; i < n; i++ {
		pts = append(pts, geo.GeoPoint{
			Lat: 40.70 + rng.Float64()*0.08,
			Lng: -74.02 + rng.Float64()*0.08,
		})
	}
	return pts
}

func TestOrderIndependence(t *testing.T) {
	points := map[string][]geo.GeoPoint{
		"1": randomPoints(1, 300),
		"2": randomPoints(2, 150),
	}
	for _, mode := range []Mode{ModeCity, ModeTile} {
		t.Run(mode.String(), func(t *testing.T) {
			run := func(order Order, workers int) *storage.Memory {
				cfg := testConfig()
				cfg.Categories = []string{"1", "2"}
				cfg.MinZoom, cfg.MaxZoom = 11, 13
				cfg.Profiles = DefaultProfiles()
				cfg.Mode = mode
				cfg.Order = order
				cfg.MaxConcurrent = workers
				pub := storage.NewMemory()
				g := newGenerator(t, cfg, datasource.NewStatic(points), pub)
				summary, err := g.Run(context.Background(), order.String())
				if err != nil {
					t.Fatalf("Run: %v", err)
				}
				if summary.Failed != 0 {
					t.Fatalf("unexpected failures: %+v", summary)
				}
				return pub
			}

			zoomMajor := run(OrderZoomMajor, 1)
			categoryMajor := run(OrderCategoryMajor, 3)

			keys := zoomMajor.Keys()
			if len(keys) == 0 {
				t.Fatalf("no tiles produced")
			}
			if diff := cmp.Diff(keys, categoryMajor.Keys()); diff != "" {
				t.Fatalf("key sets differ (-zoom-major +category-major):\n%s", diff)
			}
			ctx := context.Background()
			for _, k := range keys {
				a, _ := zoomMajor.Get(ctx, k)
				b, _ := categoryMajor.Get(ctx, k)
				if !bytes.Equal(a, b) {
					t.Errorf("tile %s differs between orders", k)
				}
			}
		})
	}
}

func TestUnitsOrder(t *testing.T) {
	cfg := testConfig()
	cfg.Categories = []string{"a", "b"}
	cfg.MinZoom, cfg.MaxZoom, cfg.ZoomStep = 10, 14, 2
	cfg.Profiles = DefaultProfiles()

	g := newGenerator(t, cfg, datasource.NewStatic(nil), storage.NewMemory())
	want := []Unit{{"a", 10}, {"b", 10}, {"a", 12}, {"b", 12}, {"a", 14}, {"b", 14}}
	if diff := cmp.Diff(want, g.Units()); diff != "" {
		t.Errorf("zoom-major (-want +got):\n%s", diff)
	}

	cfg.Order = OrderCategoryMajor
	g = newGenerator(t, cfg, datasource.NewStatic(nil), storage.NewMemory())
	want = []Unit{{"a", 10}, {"a", 12}, {"a", 14}, {"b", 10}, {"b", 12}, {"b", 14}}
	if diff := cmp.Diff(want, g.Units()); diff != "" {
		t.Errorf("category-major (-want +got):\n%s", diff)
	}
}

func TestSkippedUnits(t *testing.T) {
	cfg := testConfig()
	cfg.Categories = []string{"empty", "sparse"}
	src := datasource.NewStatic(map[string][]geo.GeoPoint{
		"sparse": {{Lat: 40.74, Lng: -74.0}, {Lat: 40.70, Lng: -73.95}},
	})
	g := newGenerator(t, cfg, src, storage.NewMemory())

	summary, err := g.Run(context.Background(), "skip")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Skipped != 2 || summary.Done != 0 || summary.Failed != 0 {
		t.Errorf("expected 2 skipped units, got %+v", summary)
	}
	for _, u := range summary.Units {
		if u.Err != nil {
			t.Errorf("skipped unit %s should carry no error: %v", u.Unit, u.Err)
		}
	}
}

func TestFailureIsolation(t *testing.T) {
	cfg := testConfig()
	cfg.Categories = []string{"bad", "good"}
	good := tileCentredCluster(1206, 1539, 12)
	src := sourceFunc(func(ctx context.Context, category string, area datasource.Area) ([]geo.GeoPoint, error) {
		if category == "bad" {
			return nil, errors.New("connection reset")
		}
		return good, nil
	})
	pub := storage.NewMemory()
	g := newGenerator(t, cfg, src, pub)

	summary, err := g.Run(context.Background(), "iso")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed != 1 || summary.Done != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
	bad := summary.Units[0]
	if bad.Status != StatusFailed || !errors.Is(bad.Err, datasource.ErrFetch) {
		t.Errorf("bad unit: %+v", bad)
	}
	if bad.Retried {
		t.Errorf("fetch failures must not trigger the radius retry")
	}
	if diff := cmp.Diff([]string{"good_12_1206_1539.png"}, pub.Keys()); diff != "" {
		t.Errorf("published keys (-want +got):\n%s", diff)
	}
}

func TestCityRetryWithReducedRadius(t *testing.T) {
	cfg := testConfig()
	cfg.Profiles = map[int]ZoomProfile{12: {Dotsize: 5, Opacity: 1}}

	var mu sync.Mutex
	var radii []float64
	src := sourceFunc(func(ctx context.Context, category string, area datasource.Area) ([]geo.GeoPoint, error) {
		mu.Lock()
		radii = append(radii, area.RadiusMeters)
		mu.Unlock()
		if area.RadiusMeters > 16000 {
			// Spread over a 4x4 tile rectangle.
			return []geo.GeoPoint{{Lat: 40.74, Lng: -74.0}, {Lat: 40.90, Lng: -73.80}}, nil
		}
		return tileCentredCluster(1206, 1539, 12), nil
	})
	raster := render.NewRasterizer(render.Config{MaxPixels: 4 * 256 * 256})
	g := newGenerator(t, cfg, src, storage.NewMemory(), WithRasterizer(raster))

	res := g.RunUnit(context.Background(), Unit{Category: "1", Zoom: 12})
	if res.Status != StatusDone {
		t.Fatalf("expected DONE after retry, got %s: %v", res.Status, res.Err)
	}
	if !res.Retried || res.RadiusMeters != 15000 {
		t.Errorf("expected retry at 15000m, got retried=%v radius=%v", res.Retried, res.RadiusMeters)
	}
	if diff := cmp.Diff([]float64{17500, 15000}, radii); diff != "" {
		t.Errorf("fetch radii (-want +got):\n%s", diff)
	}
	if res.Published != 1 {
		t.Errorf("expected 1 published tile, got %d", res.Published)
	}
}

func TestCityRetryFailsTwice(t *testing.T) {
	cfg := testConfig()
	cfg.Profiles = map[int]ZoomProfile{12: {Dotsize: 5, Opacity: 1}}
	src := datasource.NewStatic(map[string][]geo.GeoPoint{
		"1": {{Lat: 40.74, Lng: -74.0}, {Lat: 40.79, Lng: -73.95}},
	})
	raster := render.NewRasterizer(render.Config{MaxPixels: 256 * 256})
	g := newGenerator(t, cfg, src, storage.NewMemory(), WithRasterizer(raster))

	res := g.RunUnit(context.Background(), Unit{Category: "1", Zoom: 12})
	if res.Status != StatusFailed || !errors.Is(res.Err, render.ErrCanvasTooLarge) {
		t.Fatalf("expected FAILED with ErrCanvasTooLarge, got %s: %v", res.Status, res.Err)
	}
	if !res.Retried {
		t.Errorf("expected one retry")
	}
}

type failingPublisher struct {
	*storage.Memory
	failKey string
}

func (f *failingPublisher) Publish(ctx context.Context, key string, data []byte, contentType string) error {
	if key == f.failKey {
		return storage.ErrPublish
	}
	return f.Memory.Publish(ctx, key, data, contentType)
}

func TestPublishFailuresCounted(t *testing.T) {
	src := datasource.NewStatic(map[string][]geo.GeoPoint{"1": nycCluster()})
	pub := &failingPublisher{Memory: storage.NewMemory(), failKey: "1_12_1205_1539.png"}
	g := newGenerator(t, testConfig(), src, pub)

	summary, err := g.Run(context.Background(), "pub")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Done != 1 || summary.TilesPublished != 1 || summary.PublishFailures != 1 {
		t.Errorf("unexpected summary %+v", summary)
	}
}

func TestRunCancelled(t *testing.T) {
	cfg := testConfig()
	cfg.Categories = []string{"1", "2", "3"}
	src := datasource.NewStatic(map[string][]geo.GeoPoint{"1": nycCluster()})
	g := newGenerator(t, cfg, src, storage.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary, err := g.Run(ctx, "cancelled")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if summary.Failed != 3 || len(summary.Units) != 3 {
		t.Errorf("every unit should be reported failed: %+v", summary)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxZoom = 13 // no profile for 13
	if _, err := New(cfg, datasource.NewStatic(nil), storage.NewMemory()); !errors.Is(err, ErrConfiguration) {
		t.Errorf("missing profile: expected ErrConfiguration, got %v", err)
	}

	cfg = testConfig()
	cfg.Order = Order(7)
	if _, err := New(cfg, datasource.NewStatic(nil), storage.NewMemory()); !errors.Is(err, ErrConfiguration) {
		t.Errorf("bad order: expected ErrConfiguration, got %v", err)
	}

	if _, err := ParseOrder("sideways"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("ParseOrder: expected ErrConfiguration, got %v", err)
	}
	if _, err := ParseMode("globe"); !errors.Is(err, ErrConfiguration) {
		t.Errorf("ParseMode: expected ErrConfiguration, got %v", err)
	}
}

func TestStoreLedger(t *testing.T) {
	store, err := runstore.NewStore(filepath.Join(t.TempDir(), "runs.sqlite"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	defer store.Close()

	cfg := testConfig()
	cfg.Categories = []string{"1", "2"}
	src := datasource.NewStatic(map[string][]geo.GeoPoint{"1": tileCentredCluster(1206, 1539, 12)})
	g := newGenerator(t, cfg, src, storage.NewMemory(), WithLedger(NewStoreLedger(store)))

	if _, err := g.Run(context.Background(), "ledger-run"); err != nil {
		t.Fatalf("Run: %v", err)
	}

	run, err := store.GetRun("ledger-run")
	if err != nil || run == nil {
		t.Fatalf("GetRun: %v, %v", run, err)
	}
	want := runstore.Counts{Done: 1, Skipped: 1, TilesPublished: 1}
	if diff := cmp.Diff(want, run.Counts); diff != "" {
		t.Errorf("counts (-want +got):\n%s", diff)
	}
	if run.Mode != "city" || run.Order != "zoom-major" || run.Status != runstore.RunStatusFinished {
		t.Errorf("unexpected run %+v", run)
	}

	units, err := store.ListUnits("ledger-run")
	if err != nil {
		t.Fatalf("ListUnits: %v", err)
	}
	if len(units) != 2 {
		t.Fatalf("expected 2 units, got %d", len(units))
	}
}
