package main

import (
	"context"
	"fmt"
	"image/png"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/venue-heatmaps/tiler/internal/api"
	"github.com/venue-heatmaps/tiler/internal/cache"
	"github.com/venue-heatmaps/tiler/internal/render"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve published tiles, run history and metrics over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(nil)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := &stack{log: logger}
		defer s.Close()
		if err := openTiles(cfg, logger, s, false); err != nil {
			return err
		}
		if err := openStore(cfg, logger, s); err != nil {
			return err
		}
		// Without a source the server still previews tiles and history.
		if err := openSource(ctx, cfg, logger, s); err != nil {
			logger.Warn("point source unavailable; run submission disabled", "error", err)
		}

		cacheManager, err := cache.NewManager(cache.Config{
			TileCacheSizeMB: cfg.Server.TileCacheMB,
			TileTTL:         time.Duration(cfg.Server.TileTTLMinutes) * time.Minute,
			QueryCacheSize:  128,
		})
		if err != nil {
			return err
		}
		defer cacheManager.Close()

		var runs *api.RunManager
		if s.store != nil && s.source != nil {
			runs = api.NewRunManager(api.RunManagerConfig{
				RetentionDays: cfg.Store.RetentionDays,
			}, s.store, func(ctx context.Context, runID string) error {
				gen, err := s.generator(cfg)
				if err != nil {
					return err
				}
				_, err = gen.Run(ctx, runID)
				return err
			}, logger)
			runs.Start()
			defer runs.Stop()
		}

		router := api.NewRouter(api.RouterConfig{
			Tiles:          s.tiles,
			Cache:          cacheManager,
			Store:          s.store,
			Runs:           runs,
			Encoder:        render.NewEncoder(png.BestSpeed),
			TileResolution: cfg.Run.TileResolution,
			CORSOrigins:    cfg.Server.CORSOrigins,
			Logger:         logger,
		})

		server := &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("server listening", "addr", server.Addr)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return fmt.Errorf("server failed: %w", err)
		case <-ctx.Done():
		}

		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("server forced to shutdown", "error", err)
		}
		logger.Info("server stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
