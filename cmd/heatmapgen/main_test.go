package main

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/venue-heatmaps/tiler/internal/config"
	"github.com/venue-heatmaps/tiler/internal/datasource"
	"github.com/venue-heatmaps/tiler/internal/pipeline"
	"github.com/venue-heatmaps/tiler/internal/storage"
)

func TestApplyRunFlagsOnlyChanged(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().AddFlagSet(runCmd.Flags())
	if err := cmd.Flags().Parse([]string{"--mode=tile", "--category=7", "--category=9"}); err != nil {
		t.Fatal(err)
	}

	cfg := config.DefaultConfig()
	applyRunFlags(cmd, cfg)
	if cfg.Run.Mode != "tile" {
		t.Errorf("mode = %q", cfg.Run.Mode)
	}
	if strings.Join(cfg.Run.Categories, ",") != "7,9" {
		t.Errorf("categories = %v", cfg.Run.Categories)
	}
	if cfg.Run.Order != "zoom-major" || cfg.Run.MinZoom != 10 {
		t.Errorf("unchanged flags must not override config: %+v", cfg.Run)
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, &pipeline.Summary{
		RunID: "r1", Mode: pipeline.ModeCity, Order: pipeline.OrderZoomMajor,
		Done: 1, Failed: 1, TilesPublished: 1234,
		Units: []pipeline.UnitResult{
			{Unit: pipeline.Unit{Category: "1", Zoom: 12}, Status: pipeline.StatusDone, Points: 1500, Tiles: 4, Published: 4},
			{Unit: pipeline.Unit{Category: "2", Zoom: 12}, Status: pipeline.StatusFailed, Err: errors.New("fetch failed")},
		},
	})
	out := buf.String()
	for _, want := range []string{"1,500", "FAILED", "fetch failed", "1,234 tiles published"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	if !strings.HasPrefix(buf.String(), "heatmapgen dev") {
		t.Errorf("version output %q", buf.String())
	}
}

func TestGeneratorHonoursPNGCompression(t *testing.T) {
	s := &stack{
		source:    datasource.NewStatic(nil),
		publisher: storage.NewMemory(),
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	cfg := config.DefaultConfig()
	cfg.Storage.PNGCompression = "best"
	if _, err := s.generator(cfg); err != nil {
		t.Fatalf("generator with best compression: %v", err)
	}

	cfg.Storage.PNGCompression = "crush"
	if _, err := s.generator(cfg); err == nil {
		t.Errorf("expected an error for an unknown compression level")
	}
}
