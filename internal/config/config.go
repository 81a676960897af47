// Package config handles configuration loading for the heatmap tiler.
package config

import (
	"errors"
	"fmt"
	"image/png"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/venue-heatmaps/tiler/internal/datasource"
	"github.com/venue-heatmaps/tiler/internal/geo"
	"github.com/venue-heatmaps/tiler/internal/pipeline"
	"github.com/venue-heatmaps/tiler/internal/render"
	"github.com/venue-heatmaps/tiler/internal/storage"
	"github.com/venue-heatmaps/tiler/pkg/colormap"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("config validation failed")

// Config represents the tiler configuration.
type Config struct {
	Run      RunConfig             `yaml:"run"`
	Profiles map[int]ProfileConfig `yaml:"zoom_profiles"`
	Source   SourceConfig          `yaml:"source"`
	Storage  StorageConfig         `yaml:"storage"`
	Store    StoreConfig           `yaml:"store"`
	Server   ServerConfig          `yaml:"server"`
	Log      LogConfig             `yaml:"log"`
}

// RunConfig contains generation parameters.
type RunConfig struct {
	MinZoom            int          `yaml:"min_zoom"`
	MaxZoom            int          `yaml:"max_zoom"`
	ZoomStep           int          `yaml:"zoom_step"`
	SearchRadiusMeters float64      `yaml:"search_radius_meters"`
	RadiusShrinkMeters float64      `yaml:"radius_shrink_meters"`
	TileResolution     int          `yaml:"tile_resolution"`
	Order              string       `yaml:"order"`
	Mode               string       `yaml:"mode"`
	Categories         []string     `yaml:"categories"`
	Center             CenterConfig `yaml:"center"`
	MaxConcurrent      int          `yaml:"max_concurrent"`
	PublishConcurrency int          `yaml:"publish_concurrency"`
	ColorScheme        string       `yaml:"color_scheme"`
	TilePointLimit     int          `yaml:"tile_point_limit"`
	MaxCanvasPixels    int          `yaml:"max_canvas_pixels"`
}

// CenterConfig is the centre of the city being generated.
type CenterConfig struct {
	Lat float64 `yaml:"lat"`
	Lng float64 `yaml:"lng"`
}

// ProfileConfig is the per-zoom rendering profile.
type ProfileConfig struct {
	Dotsize          int     `yaml:"dotsize"`
	Opacity          float64 `yaml:"opacity"`
	Cluster          bool    `yaml:"cluster"`
	ClusterEpsilonKm float64 `yaml:"cluster_epsilon_km"`
	ClusterNeighbors int     `yaml:"cluster_neighbors"`
}

// SourceConfig selects the point source.
type SourceConfig struct {
	Kind      string                   `yaml:"kind"`
	PostGIS   datasource.PostGISConfig `yaml:"postgis"`
	File      FileSourceConfig         `yaml:"file"`
	CacheSize int                      `yaml:"cache_size"`
}

// FileSourceConfig points at a CSV (optionally .zst) of category,lat,lng.
type FileSourceConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig selects where tiles are published.
type StorageConfig struct {
	Kind           string           `yaml:"kind"`
	S3             storage.S3Config `yaml:"s3"`
	FS             FSConfig         `yaml:"fs"`
	SkipExisting   bool             `yaml:"skip_existing"`
	Retries        int              `yaml:"retries"`
	RetryBackoffMS int              `yaml:"retry_backoff_ms"`
	// PNGCompression is one of default, best, speed or none.
	PNGCompression string           `yaml:"png_compression"`
}

// FSConfig contains local tile directory settings.
type FSConfig struct {
	Dir string `yaml:"dir"`
}

// StoreConfig contains run ledger settings.
type StoreConfig struct {
	SQLitePath    string `yaml:"sqlite_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// ServerConfig contains preview server settings.
type ServerConfig struct {
	Port           int      `yaml:"port"`
	CORSOrigins    []string `yaml:"cors_origins"`
	TileCacheMB    int      `yaml:"tile_cache_mb"`
	TileTTLMinutes int      `yaml:"tile_ttl_minutes"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads configuration from a YAML file. Values in the file override
// DefaultConfig; a zoom profile in the file replaces the default profile
// for that zoom.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if errors.Is(err, os.ErrNotExist) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults for missing values
	applyDefaults(cfg)

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	profiles := make(map[int]ProfileConfig)
	for z, p := range pipeline.DefaultProfiles() {
		profiles[z] = ProfileConfig(p)
	}
	return &Config{
		Run: RunConfig{
			MinZoom:            10,
			MaxZoom:            16,
			ZoomStep:           1,
			SearchRadiusMeters: 17500,
			RadiusShrinkMeters: 2500,
			TileResolution:     256,
			Order:              "zoom-major",
			Mode:               "city",
			Categories:         []string{"1", "2", "3", "4"},
			Center:             CenterConfig{Lat: 40.74, Lng: -74.0},
			MaxConcurrent:      1,
			PublishConcurrency: 8,
			ColorScheme:        "classic",
			TilePointLimit:     30000,
			MaxCanvasPixels:    render.DefaultMaxPixels,
		},
		Profiles: profiles,
		Source: SourceConfig{
			Kind: "postgis",
			PostGIS: datasource.PostGISConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "postgres",
				DBName:   "heatmaps",
				SSLMode:  "disable",
				Table:    "heatmap_venues",
				MaxConns: 8,
			},
			CacheSize: 256,
		},
		Storage: StorageConfig{
			Kind:           "fs",
			S3:             storage.S3Config{TimeoutSeconds: 10},
			FS:             FSConfig{Dir: "./data/tiles"},
			Retries:        3,
			RetryBackoffMS: 500,
			PNGCompression: "default",
		},
		Store: StoreConfig{
			SQLitePath:    "./data/runs.sqlite",
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Port:           8090,
			CORSOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			TileCacheMB:    64,
			TileTTLMinutes: 10,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Run.ZoomStep == 0 {
		cfg.Run.ZoomStep = defaults.Run.ZoomStep
	}
	if cfg.Run.TileResolution == 0 {
		cfg.Run.TileResolution = defaults.Run.TileResolution
	}
	if cfg.Run.Order == "" {
		cfg.Run.Order = defaults.Run.Order
	}
	if cfg.Run.Mode == "" {
		cfg.Run.Mode = defaults.Run.Mode
	}
	if len(cfg.Run.Categories) == 0 {
		cfg.Run.Categories = defaults.Run.Categories
	}
	if cfg.Run.MaxConcurrent <= 0 {
		cfg.Run.MaxConcurrent = defaults.Run.MaxConcurrent
	}
	if cfg.Run.PublishConcurrency <= 0 {
		cfg.Run.PublishConcurrency = defaults.Run.PublishConcurrency
	}
	if cfg.Run.ColorScheme == "" {
		cfg.Run.ColorScheme = defaults.Run.ColorScheme
	}
	if cfg.Run.MaxCanvasPixels <= 0 {
		cfg.Run.MaxCanvasPixels = defaults.Run.MaxCanvasPixels
	}
	if cfg.Profiles == nil {
		cfg.Profiles = defaults.Profiles
	}
	if cfg.Source.CacheSize == 0 {
		cfg.Source.CacheSize = defaults.Source.CacheSize
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.TileCacheMB == 0 {
		cfg.Server.TileCacheMB = defaults.Server.TileCacheMB
	}
	if cfg.Server.TileTTLMinutes == 0 {
		cfg.Server.TileTTLMinutes = defaults.Server.TileTTLMinutes
	}
	if cfg.Storage.PNGCompression == "" {
		cfg.Storage.PNGCompression = defaults.Storage.PNGCompression
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = defaults.Log.Format
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	r := c.Run
	if r.MinZoom < 0 || r.MaxZoom > 30 || r.MinZoom > r.MaxZoom {
		add("run: zoom range [%d, %d] must satisfy 0 <= min_zoom <= max_zoom <= 30", r.MinZoom, r.MaxZoom)
	}
	if r.ZoomStep < 1 {
		add("run.zoom_step must be >= 1, got %d", r.ZoomStep)
	}
	if r.SearchRadiusMeters <= 0 {
		add("run.search_radius_meters must be > 0, got %v", r.SearchRadiusMeters)
	}
	if r.RadiusShrinkMeters < 0 {
		add("run.radius_shrink_meters must be >= 0, got %v", r.RadiusShrinkMeters)
	}
	if r.TileResolution <= 0 {
		add("run.tile_resolution must be > 0, got %d", r.TileResolution)
	}
	if _, err := pipeline.ParseOrder(r.Order); err != nil {
		add("run.order %q must be zoom-major or category-major", r.Order)
	}
	if _, err := pipeline.ParseMode(r.Mode); err != nil {
		add("run.mode %q must be city or tile", r.Mode)
	}
	if r.Center.Lat < -90 || r.Center.Lat > 90 || r.Center.Lng < -180 || r.Center.Lng > 180 {
		add("run.center (%v, %v) is not a valid coordinate", r.Center.Lat, r.Center.Lng)
	}
	if _, ok := colormap.ByName(r.ColorScheme); !ok {
		add("run.color_scheme %q must be one of %s", r.ColorScheme, strings.Join(colormap.Names(), ", "))
	}

	if r.ZoomStep >= 1 {
		for z := r.MinZoom; z <= r.MaxZoom; z += r.ZoomStep {
			p, ok := c.Profiles[z]
			if !ok {
				add("zoom_profiles: missing profile for zoom %d", z)
				continue
			}
			if p.Dotsize < 1 {
				add("zoom_profiles.%d.dotsize must be >= 1, got %d", z, p.Dotsize)
			}
			if p.Opacity < 0 || p.Opacity > 1 {
				add("zoom_profiles.%d.opacity must be in [0, 1], got %v", z, p.Opacity)
			}
			if p.Cluster && p.ClusterNeighbors < 1 {
				add("zoom_profiles.%d.cluster_neighbors must be >= 1 when clustering, got %d", z, p.ClusterNeighbors)
			}
			if p.Cluster && p.ClusterEpsilonKm <= 0 {
				add("zoom_profiles.%d.cluster_epsilon_km must be > 0 when clustering, got %v", z, p.ClusterEpsilonKm)
			}
		}
	}

	switch c.Source.Kind {
	case "postgis":
	case "file":
		if c.Source.File.Path == "" {
			add("source.file.path is required for kind file")
		}
	default:
		add("source.kind %q must be postgis or file", c.Source.Kind)
	}

	switch c.Storage.Kind {
	case "s3":
		if c.Storage.S3.Bucket == "" {
			add("storage.s3.bucket is required for kind s3")
		}
	case "fs":
		if c.Storage.FS.Dir == "" {
			add("storage.fs.dir is required for kind fs")
		}
	default:
		add("storage.kind %q must be s3 or fs", c.Storage.Kind)
	}
	if _, err := c.PNGCompressionLevel(); err != nil {
		add("%v", err)
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		add("log.format %q must be text or json", c.Log.Format)
	}

	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w:\n  - %s", ErrInvalid, strings.Join(problems, "\n  - "))
}

// PNGCompressionLevel maps storage.png_compression onto the encoder level.
func (c *Config) PNGCompressionLevel() (png.CompressionLevel, error) {
	switch strings.ToLower(c.Storage.PNGCompression) {
	case "", "default":
		return png.DefaultCompression, nil
	case "best":
		return png.BestCompression, nil
	case "speed":
		return png.BestSpeed, nil
	case "none":
		return png.NoCompression, nil
	}
	return 0, fmt.Errorf("storage.png_compression %q must be default, best, speed or none", c.Storage.PNGCompression)
}

// PipelineConfig converts the run section into generator parameters.
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	mode, err := pipeline.ParseMode(c.Run.Mode)
	if err != nil {
		return pipeline.Config{}, err
	}
	order, err := pipeline.ParseOrder(c.Run.Order)
	if err != nil {
		return pipeline.Config{}, err
	}

	profiles := make(map[int]pipeline.ZoomProfile, len(c.Profiles))
	for z, p := range c.Profiles {
		profiles[z] = pipeline.ZoomProfile(p)
	}

	return pipeline.Config{
		Categories:         append([]string(nil), c.Run.Categories...),
		MinZoom:            c.Run.MinZoom,
		MaxZoom:            c.Run.MaxZoom,
		ZoomStep:           c.Run.ZoomStep,
		Mode:               mode,
		Order:              order,
		Center:             geo.GeoPoint{Lat: c.Run.Center.Lat, Lng: c.Run.Center.Lng},
		SearchRadiusMeters: c.Run.SearchRadiusMeters,
		RadiusShrinkMeters: c.Run.RadiusShrinkMeters,
		TileResolution:     c.Run.TileResolution,
		Profiles:           profiles,
		ColorScheme:        c.Run.ColorScheme,
		TilePointLimit:     c.Run.TilePointLimit,
		MaxConcurrent:      c.Run.MaxConcurrent,
		PublishConcurrency: c.Run.PublishConcurrency,
	}, nil
}

