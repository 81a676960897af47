package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/venue-heatmaps/tiler/internal/config"
	"github.com/venue-heatmaps/tiler/internal/datasource"
	"github.com/venue-heatmaps/tiler/internal/pipeline"
	"github.com/venue-heatmaps/tiler/internal/render"
	"github.com/venue-heatmaps/tiler/internal/runstore"
	"github.com/venue-heatmaps/tiler/internal/storage"
)

type tileStore interface {
	storage.Publisher
	storage.Reader
}

// stack holds the injected dependencies of one process. Close releases them.
type stack struct {
	source    datasource.Source
	tiles     tileStore
	publisher storage.Publisher
	store     *runstore.Store
	closers   []func() error
	log       *slog.Logger
}

func openSource(ctx context.Context, cfg *config.Config, logger *slog.Logger, s *stack) error {
	var src datasource.Source
	switch cfg.Source.Kind {
	case "postgis":
		pg, err := datasource.NewPostGIS(ctx, cfg.Source.PostGIS, logger)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, pg.Close)
		src = pg
	case "file":
		st, err := datasource.LoadFile(cfg.Source.File.Path, logger)
		if err != nil {
			return err
		}
		src = st
	default:
		return fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}

	if cfg.Source.CacheSize > 0 {
		cached, err := datasource.NewCached(src, cfg.Source.CacheSize)
		if err != nil {
			return err
		}
		src = cached
	}
	s.source = src
	return nil
}

func openTiles(cfg *config.Config, logger *slog.Logger, s *stack, dryRun bool) error {
	switch {
	case dryRun:
		s.tiles = storage.NewMemory()
	case cfg.Storage.Kind == "s3":
		s3, err := storage.NewS3(cfg.Storage.S3, logger)
		if err != nil {
			return err
		}
		s.tiles = s3
	case cfg.Storage.Kind == "fs":
		fs, err := storage.NewFS(cfg.Storage.FS.Dir)
		if err != nil {
			return err
		}
		s.tiles = fs
	default:
		return fmt.Errorf("unknown storage kind %q", cfg.Storage.Kind)
	}

	var pub storage.Publisher = s.tiles
	if cfg.Storage.Retries > 1 {
		backoff := time.Duration(cfg.Storage.RetryBackoffMS) * time.Millisecond
		pub = storage.NewRetrying(pub, cfg.Storage.Retries, backoff, logger)
	}
	if cfg.Storage.SkipExisting {
		pub = storage.NewSkipExisting(pub, logger)
	}
	s.publisher = pub
	return nil
}

func openStore(cfg *config.Config, logger *slog.Logger, s *stack) error {
	if cfg.Store.SQLitePath == "" {
		logger.Info("run ledger disabled")
		return nil
	}
	store, err := runstore.NewStore(cfg.Store.SQLitePath)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, store.Close)
	s.store = store
	return nil
}

// Close releases resources in reverse order of acquisition.
func (s *stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("close failed", "error", err)
		}
	}
	s.closers = nil
}

func (s *stack) generator(cfg *config.Config) (*pipeline.Generator, error) {
	if s.source == nil {
		return nil, errors.New("no point source configured")
	}
	pc, err := cfg.PipelineConfig()
	if err != nil {
		return nil, err
	}
	level, err := cfg.PNGCompressionLevel()
	if err != nil {
		return nil, err
	}

	opts := []pipeline.Option{
		pipeline.WithLogger(s.log),
		pipeline.WithEncoder(render.NewEncoder(level)),
		pipeline.WithRasterizer(render.NewRasterizer(render.Config{
			TileSize:      cfg.Run.TileResolution,
			DefaultScheme: cfg.Run.ColorScheme,
			MaxPixels:     cfg.Run.MaxCanvasPixels,
		})),
	}
	if s.store != nil {
		opts = append(opts, pipeline.WithLedger(pipeline.NewStoreLedger(s.store)))
	}
	return pipeline.New(pc, s.source, s.publisher, opts...)
}
