package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/venue-heatmaps/tiler/internal/config"
	"github.com/venue-heatmaps/tiler/internal/pipeline"
	"github.com/venue-heatmaps/tiler/internal/storage"
)

var runFlags struct {
	mode       string
	order      string
	categories []string
	minZoom    int
	maxZoom    int
	workers    int
	dryRun     bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Generate heatmap tiles for every configured (category, zoom) unit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(func(c *config.Config) { applyRunFlags(cmd, c) })
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := &stack{log: logger}
		defer s.Close()
		if err := openSource(ctx, cfg, logger, s); err != nil {
			return err
		}
		if err := openTiles(cfg, logger, s, runFlags.dryRun); err != nil {
			return err
		}
		if !runFlags.dryRun {
			if err := openStore(cfg, logger, s); err != nil {
				return err
			}
		}

		gen, err := s.generator(cfg)
		if err != nil {
			return err
		}

		summary, runErr := gen.Run(ctx, uuid.NewString())
		printSummary(cmd.OutOrStdout(), summary)
		if mem, ok := s.tiles.(*storage.Memory); ok {
			fmt.Fprintf(cmd.OutOrStdout(), "dry run: %d tile(s) rendered, nothing published\n", len(mem.Keys()))
		}
		if runErr != nil {
			return fmt.Errorf("run %s interrupted: %w", summary.RunID, runErr)
		}
		if summary.Failed > 0 {
			return fmt.Errorf("run %s: %d unit(s) failed", summary.RunID, summary.Failed)
		}
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runFlags.mode, "mode", "", "Rendering mode: city or tile")
	f.StringVar(&runFlags.order, "order", "", "Unit order: zoom-major or category-major")
	f.StringSliceVar(&runFlags.categories, "category", nil, "Categories to generate (repeatable)")
	f.IntVar(&runFlags.minZoom, "min-zoom", 0, "Lowest zoom to generate")
	f.IntVar(&runFlags.maxZoom, "max-zoom", 0, "Highest zoom to generate")
	f.IntVar(&runFlags.workers, "workers", 0, "Units processed concurrently")
	f.BoolVar(&runFlags.dryRun, "dry-run", false, "Render into memory without publishing or recording the run")
	rootCmd.AddCommand(runCmd)
}

func applyRunFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if f.Changed("mode") {
		c.Run.Mode = runFlags.mode
	}
	if f.Changed("order") {
		c.Run.Order = runFlags.order
	}
	if f.Changed("category") {
		c.Run.Categories = runFlags.categories
	}
	if f.Changed("min-zoom") {
		c.Run.MinZoom = runFlags.minZoom
	}
	if f.Changed("max-zoom") {
		c.Run.MaxZoom = runFlags.maxZoom
	}
	if f.Changed("workers") {
		c.Run.MaxConcurrent = runFlags.workers
	}
}

func printSummary(w io.Writer, s *pipeline.Summary) {
	if s == nil {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tZOOM\tSTATUS\tPOINTS\tTILES\tPUBLISHED\tELAPSED\tERROR")
	for _, u := range s.Units {
		msg := ""
		if u.Err != nil {
			msg = u.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%d\t%s\t%s\n",
			u.Category, u.Zoom, u.Status, humanize.Comma(int64(u.Points)), u.Tiles, u.Published,
			u.Elapsed.Round(time.Millisecond), msg)
	}
	tw.Flush()
	fmt.Fprintf(w, "run %s (%s, %s): %d done, %d skipped, %d failed, %s tiles published, %d publish failures in %s\n",
		s.RunID, s.Mode, s.Order, s.Done, s.Skipped, s.Failed,
		humanize.Comma(int64(s.TilesPublished)), s.PublishFailures, s.Elapsed.Round(time.Millisecond))
}
