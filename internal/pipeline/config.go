package pipeline

import (
	"fmt"

	"github.com/venue-heatmaps/tiler/internal/geo"
)

// Config holds the run parameters of a Generator.
type Config struct {
	Categories []string
	MinZoom    int
	MaxZoom    int
	ZoomStep   int

	Mode  Mode
	Order Order

	Center             geo.GeoPoint
	SearchRadiusMeters float64
	// RadiusShrinkMeters is subtracted from the search radius for the single
	// city-mode retry after a canvas overflow. Zero disables the retry.
	RadiusShrinkMeters float64

	TileResolution int
	Profiles       map[int]ZoomProfile
	ColorScheme    string

	// TilePointLimit caps per-tile fetches in tile mode.
	TilePointLimit int

	MaxConcurrent      int
	PublishConcurrency int
}

// DefaultProfiles returns the stock zoom table for zooms 10 through 18.
func DefaultProfiles() map[int]ZoomProfile {
	return map[int]ZoomProfile{
		10: {Dotsize: 10, Opacity: 1, Cluster: true, ClusterEpsilonKm: 0.5, ClusterNeighbors: 4},
		11: {Dotsize: 10, Opacity: 1, Cluster: true, ClusterEpsilonKm: 0.5, ClusterNeighbors: 4},
		12: {Dotsize: 15, Opacity: 1, Cluster: true, ClusterEpsilonKm: 0.5, ClusterNeighbors: 4},
		13: {Dotsize: 15, Opacity: 1, Cluster: true, ClusterEpsilonKm: 0.65, ClusterNeighbors: 4},
		14: {Dotsize: 20, Opacity: 1, Cluster: true, ClusterEpsilonKm: 0.65, ClusterNeighbors: 4},
		15: {Dotsize: 40, Opacity: 1, Cluster: true, ClusterEpsilonKm: 0.8, ClusterNeighbors: 4},
		16: {Dotsize: 60, Opacity: 1, Cluster: true, ClusterEpsilonKm: 0.8, ClusterNeighbors: 4},
		17: {Dotsize: 80, Opacity: 1, Cluster: false, ClusterEpsilonKm: 1.0, ClusterNeighbors: 1},
		18: {Dotsize: 100, Opacity: 1, Cluster: false, ClusterEpsilonKm: 1.0, ClusterNeighbors: 2},
	}
}

// Zooms lists the zoom levels of the run in ascending order.
func (c Config) Zooms() []int {
	step := c.ZoomStep
	if step < 1 {
		step = 1
	}
	var zooms []int
	for z := c.MinZoom; z <= c.MaxZoom; z += step {
		zooms = append(zooms, z)
	}
	return zooms
}

// Validate checks the parameters that every unit depends on.
func (c Config) Validate() error {
	if len(c.Categories) == 0 {
		return fmt.Errorf("%w: no categories", ErrConfiguration)
	}
	if c.MinZoom < 0 || c.MaxZoom > 30 || c.MinZoom > c.MaxZoom {
		return fmt.Errorf("%w: zoom range [%d, %d]", ErrConfiguration, c.MinZoom, c.MaxZoom)
	}
	if c.ZoomStep < 1 {
		return fmt.Errorf("%w: zoom step %d", ErrConfiguration, c.ZoomStep)
	}
	if c.Mode != ModeCity && c.Mode != ModeTile {
		return fmt.Errorf("%w: mode %s", ErrConfiguration, c.Mode)
	}
	if c.Order != OrderZoomMajor && c.Order != OrderCategoryMajor {
		return fmt.Errorf("%w: order %s", ErrConfiguration, c.Order)
	}
	if c.TileResolution <= 0 {
		return fmt.Errorf("%w: tile resolution %d", ErrConfiguration, c.TileResolution)
	}
	if c.SearchRadiusMeters <= 0 {
		return fmt.Errorf("%w: search radius %v", ErrConfiguration, c.SearchRadiusMeters)
	}
	for _, z := range c.Zooms() {
		p, ok := c.Profiles[z]
		if !ok {
			return fmt.Errorf("%w: no zoom profile for zoom %d", ErrConfiguration, z)
		}
		if p.Dotsize < 1 {
			return fmt.Errorf("%w: zoom %d: dotsize %d", ErrConfiguration, z, p.Dotsize)
		}
		if p.Opacity < 0 || p.Opacity > 1 {
			return fmt.Errorf("%w: zoom %d: opacity %v", ErrConfiguration, z, p.Opacity)
		}
		if p.Cluster && (p.ClusterNeighbors < 1 || p.ClusterEpsilonKm <= 0) {
			return fmt.Errorf("%w: zoom %d: cluster epsilon %v neighbors %d",
				ErrConfiguration, z, p.ClusterEpsilonKm, p.ClusterNeighbors)
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ZoomStep == 0 {
		c.ZoomStep = 1
	}
	if c.TileResolution == 0 {
		c.TileResolution = 256
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.PublishConcurrency <= 0 {
		c.PublishConcurrency = 8
	}
	if c.Profiles == nil {
		c.Profiles = DefaultProfiles()
	}
}
