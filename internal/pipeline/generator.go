package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/venue-heatmaps/tiler/internal/cluster"
	"github.com/venue-heatmaps/tiler/internal/datasource"
	"github.com/venue-heatmaps/tiler/internal/geo"
	"github.com/venue-heatmaps/tiler/internal/metrics"
	"github.com/venue-heatmaps/tiler/internal/render"
	"github.com/venue-heatmaps/tiler/internal/storage"
)

// Generator runs the tile pipeline. Its collaborators are injected and
// outlive a single Run; a Generator may run several times.
type Generator struct {
	cfg       Config
	source    datasource.Source
	publisher storage.Publisher
	raster    *render.Rasterizer
	encoder   *render.Encoder
	ledger    Ledger
	log       *slog.Logger
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) { g.log = l }
}

// WithLedger records every run and unit in l.
func WithLedger(l Ledger) Option {
	return func(g *Generator) { g.ledger = l }
}

// WithRasterizer replaces the default rasterizer.
func WithRasterizer(r *render.Rasterizer) Option {
	return func(g *Generator) { g.raster = r }
}

// WithEncoder replaces the default PNG encoder.
func WithEncoder(e *render.Encoder) Option {
	return func(g *Generator) { g.encoder = e }
}

// New validates cfg and builds a Generator.
func New(cfg Config, src datasource.Source, pub storage.Publisher, opts ...Option) (*Generator, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || pub == nil {
		return nil, fmt.Errorf("%w: source and publisher are required", ErrConfiguration)
	}

	g := &Generator{cfg: cfg, source: src, publisher: pub}
	for _, opt := range opts {
		opt(g)
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.raster == nil {
		g.raster = render.NewRasterizer(render.Config{
			TileSize:      cfg.TileResolution,
			DefaultScheme: cfg.ColorScheme,
		})
	}
	if g.encoder == nil {
		g.encoder = render.NewEncoder(png.DefaultCompression)
	}
	return g, nil
}

// Config returns the validated configuration.
func (g *Generator) Config() Config {
	return g.cfg
}

// Units lists the (category, zoom) matrix in orchestration order.
func (g *Generator) Units() []Unit {
	zooms := g.cfg.Zooms()
	units := make([]Unit, 0, len(zooms)*len(g.cfg.Categories))
	switch g.cfg.Order {
	case OrderCategoryMajor:
		for _, c := range g.cfg.Categories {
			for _, z := range zooms {
				units = append(units, Unit{Category: c, Zoom: z})
			}
		}
	default:
		for _, z := range zooms {
			for _, c := range g.cfg.Categories {
				units = append(units, Unit{Category: c, Zoom: z})
			}
		}
	}
	return units
}

// Run processes every unit with up to MaxConcurrent workers. A failing unit
// never stops its siblings. If ctx is cancelled, units not yet started are
// reported FAILED and ctx.Err() is returned with the summary.
func (g *Generator) Run(ctx context.Context, runID string) (*Summary, error) {
	start := time.Now()
	units := g.Units()
	g.log.Info("starting run", "run_id", runID, "mode", g.cfg.Mode, "order", g.cfg.Order,
		"units", len(units), "workers", g.cfg.MaxConcurrent)

	if g.ledger != nil {
		if err := g.ledger.StartRun(runID, g.cfg, start); err != nil {
			g.log.Warn("failed to record run start", "run_id", runID, "error", err)
		}
	}

	results := make([]UnitResult, len(units))
	work := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < g.cfg.MaxConcurrent; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				results[i] = g.RunUnit(ctx, units[i])
				g.record(runID, results[i])
			}
		}()
	}

dispatch:
	for i := range units {
		select {
		case work <- i:
		case <-ctx.Done():
			for j := i; j < len(units); j++ {
				results[j] = UnitResult{Unit: units[j], Status: StatusFailed, Err: ctx.Err(), StartedAt: time.Now()}
				g.record(runID, results[j])
			}
			break dispatch
		}
	}
	close(work)
	wg.Wait()

	summary := summarize(runID, g.cfg.Mode, g.cfg.Order, results)
	summary.Elapsed = time.Since(start)

	if g.ledger != nil {
		if err := g.ledger.FinishRun(runID, summary, ctx.Err()); err != nil {
			g.log.Warn("failed to record run finish", "run_id", runID, "error", err)
		}
	}
	g.log.Info("run finished", "run_id", runID,
		"done", summary.Done, "skipped", summary.Skipped, "failed", summary.Failed,
		"tiles", summary.TilesPublished, "publish_failures", summary.PublishFailures,
		"elapsed", summary.Elapsed.Round(time.Millisecond))

	return summary, ctx.Err()
}

func (g *Generator) record(runID string, r UnitResult) {
	metrics.UnitsTotal.WithLabelValues(g.cfg.Mode.String(), string(r.Status)).Inc()
	metrics.UnitDuration.WithLabelValues(g.cfg.Mode.String()).Observe(r.Elapsed.Seconds())
	if g.ledger == nil {
		return
	}
	if err := g.ledger.RecordUnit(runID, r); err != nil {
		g.log.Warn("failed to record unit", "run_id", runID, "unit", r.Unit, "error", err)
	}
}

// RunUnit renders and publishes one unit.
func (g *Generator) RunUnit(ctx context.Context, u Unit) UnitResult {
	res := UnitResult{Unit: u, StartedAt: time.Now()}
	log := g.log.With("category", u.Category, "zoom", u.Zoom)
	log.Info("running unit", "mode", g.cfg.Mode)

	tiles, err := g.RenderUnit(ctx, u, &res)
	switch {
	case err != nil:
		res.Status = StatusFailed
		res.Err = err
		log.Error("unit failed", "error", err)
	case len(tiles) == 0:
		res.Status = StatusSkipped
		log.Info("skipping due to lack of clusters", "points", res.Points)
	default:
		res.Status = StatusDone
		res.Published, res.PublishFailures = g.publish(ctx, tiles)
		log.Info("unit done", "tiles", res.Tiles, "published", res.Published,
			"publish_failures", res.PublishFailures)
	}
	res.Elapsed = time.Since(res.StartedAt)
	return res
}

// RenderUnit produces the tiles of a unit without publishing them. res
// receives the point and tile counts and the radius used.
func (g *Generator) RenderUnit(ctx context.Context, u Unit, res *UnitResult) ([]RenderedTile, error) {
	profile := g.cfg.Profiles[u.Zoom]
	if g.cfg.Mode == ModeTile {
		res.RadiusMeters = g.cfg.SearchRadiusMeters
		return g.renderByTile(ctx, u, profile, res)
	}

	radius := g.cfg.SearchRadiusMeters
	res.RadiusMeters = radius
	tiles, err := g.renderCity(ctx, u, profile, radius, res)
	if !errors.Is(err, render.ErrCanvasTooLarge) || g.cfg.RadiusShrinkMeters <= 0 {
		return tiles, err
	}

	smaller := radius - g.cfg.RadiusShrinkMeters
	if smaller <= 0 {
		return nil, err
	}
	g.log.Warn("canvas too large, retrying with reduced radius",
		"category", u.Category, "zoom", u.Zoom, "radius", radius, "retry_radius", smaller, "error", err)
	metrics.RadiusRetries.Inc()
	res.Retried = true
	res.RadiusMeters = smaller
	return g.renderCity(ctx, u, profile, smaller, res)
}

func (g *Generator) fetch(ctx context.Context, category string, area datasource.Area) ([]geo.GeoPoint, error) {
	pts, err := g.source.FetchPoints(ctx, category, area)
	if err != nil {
		if !errors.Is(err, datasource.ErrFetch) {
			err = fmt.Errorf("%w: %w", datasource.ErrFetch, err)
		}
		return nil, err
	}
	metrics.PointsFetched.WithLabelValues(category).Add(float64(len(pts)))
	return pts, nil
}

func (g *Generator) filter(points []geo.GeoPoint, u Unit, p ZoomProfile) []geo.GeoPoint {
	if !p.Cluster {
		return points
	}
	out := cluster.FilterByDensity(points, p.ClusterEpsilonKm, p.ClusterNeighbors)
	g.log.Debug("clustered venues", "category", u.Category, "zoom", u.Zoom,
		"venues", len(points), "points", len(out))
	return out
}

func (g *Generator) renderCity(ctx context.Context, u Unit, p ZoomProfile, radius float64, res *UnitResult) ([]RenderedTile, error) {
	raw, err := g.fetch(ctx, u.Category, datasource.Around(g.cfg.Center, radius))
	if err != nil {
		return nil, err
	}
	points := g.filter(raw, u, p)
	res.Points = len(points)
	res.Tiles = 0
	if len(points) == 0 {
		return nil, nil
	}

	active := geo.LocateTilesWithBleed(points, u.Zoom, p.Dotsize, g.cfg.TileResolution)
	canvas, err := render.NewCanvas(active, g.cfg.TileResolution)
	if err != nil {
		return nil, err
	}
	g.log.Debug("rendering city canvas", "category", u.Category, "zoom", u.Zoom,
		"tiles", active.Len(), "width", canvas.Width, "height", canvas.Height,
		"buffer", humanize.Bytes(uint64(canvas.Pixels())*4))

	img, err := g.raster.Render(canvas.Normalize(points), render.Options{
		Dotsize: p.Dotsize,
		Opacity: p.Opacity,
		Width:   canvas.Width,
		Height:  canvas.Height,
		Scheme:  g.cfg.ColorScheme,
	})
	if err != nil {
		return nil, fmt.Errorf("render canvas: %w", err)
	}

	slices := canvas.Slice(img, active)
	tiles := make([]RenderedTile, 0, len(slices))
	for _, s := range slices {
		tiles = append(tiles, RenderedTile{Category: u.Category, Coord: s.Coord, Image: s.Image})
	}
	res.Tiles = len(tiles)
	return tiles, nil
}

func (g *Generator) renderByTile(ctx context.Context, u Unit, p ZoomProfile, res *UnitResult) ([]RenderedTile, error) {
	seed, err := g.fetch(ctx, u.Category, datasource.Around(g.cfg.Center, g.cfg.SearchRadiusMeters))
	if err != nil {
		return nil, err
	}
	located := geo.LocateTiles(seed, u.Zoom)
	size := g.cfg.TileResolution

	var tiles []RenderedTile
	for _, t := range located.Tiles() {
		bound := geo.TileBound(t)
		raw, err := g.fetch(ctx, u.Category, datasource.Within(bound, g.cfg.TilePointLimit))
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", t, err)
		}
		points := g.filter(raw, u, p)
		if len(points) == 0 {
			continue
		}
		res.Points += len(points)

		local := make([]geo.PixelPoint, len(points))
		for i, pt := range points {
			local[i] = geo.ToLocalPixel(pt, bound, size, size)
		}
		img, err := g.raster.Render(local, render.Options{
			Dotsize: p.Dotsize,
			Opacity: p.Opacity,
			Width:   size,
			Height:  size,
			Scheme:  g.cfg.ColorScheme,
		})
		if err != nil {
			return nil, fmt.Errorf("render tile %s: %w", t, err)
		}
		tiles = append(tiles, RenderedTile{Category: u.Category, Coord: t, Image: img})
	}
	res.Tiles = len(tiles)
	return tiles, nil
}

// publish encodes and hands tiles to the publisher with bounded parallelism.
// Tiles are independent; no ordering is kept among publishes.
func (g *Generator) publish(ctx context.Context, tiles []RenderedTile) (published, failed int) {
	var ok, bad atomic.Int64
	sem := make(chan struct{}, g.cfg.PublishConcurrency)
	var wg sync.WaitGroup

	for _, t := range tiles {
		wg.Add(1)
		sem <- struct{}{}
		go func(t RenderedTile) {
			defer func() {
				<-sem
				wg.Done()
			}()
			key := t.Key()
			data, err := g.encoder.EncodePNG(t.Image)
			if err == nil {
				err = g.publisher.Publish(ctx, key, data, storage.ContentTypePNG)
			}
			if err != nil {
				bad.Add(1)
				metrics.PublishFailures.WithLabelValues(t.Category).Inc()
				g.log.Error("publish failed", "key", key, "error", err)
				return
			}
			ok.Add(1)
			metrics.TilesPublished.WithLabelValues(t.Category).Inc()
		}(t)
	}
	wg.Wait()
	return int(ok.Load()), int(bad.Load())
}
