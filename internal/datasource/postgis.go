package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/venue-heatmaps/tiler/internal/geo"
)

// PostGISConfig holds connection settings for the venue database.
type PostGISConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Table    string `yaml:"table"`
	MaxConns int32  `yaml:"max_conns"`
}

// DSN renders the config as a postgres:// URL.
func (c PostGISConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.DBName,
	}
	if c.User != "" {
		if c.Password != "" {
			u.User = url.UserPassword(c.User, c.Password)
		} else {
			u.User = url.User(c.User)
		}
	}
	if c.SSLMode != "" {
		u.RawQuery = "sslmode=" + url.QueryEscape(c.SSLMode)
	}
	return u.String()
}

// PostGIS reads venues from a table with lat/lng columns, a geography column
// geog_point and a geometry column geom_globe.
type PostGIS struct {
	pool      *pgxpool.Pool
	radiusSQL string
	boxSQL    string
	log       *slog.Logger
}

// NewPostGIS connects and pings the database.
func NewPostGIS(ctx context.Context, cfg PostGISConfig, logger *slog.Logger) (*PostGIS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	pcfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	radiusSQL, boxSQL := buildQueries(cfg.Table)
	logger.Info("connected to point database", "host", cfg.Host, "db", cfg.DBName, "table", cfg.Table)
	return &PostGIS{pool: pool, radiusSQL: radiusSQL, boxSQL: boxSQL, log: logger}, nil
}

func buildQueries(table string) (radiusSQL, boxSQL string) {
	if table == "" {
		table = "venues"
	}
	ident := pgx.Identifier(strings.Split(table, ".")).Sanitize()

	radiusSQL = `SELECT lat, lng FROM ` + ident + `
		WHERE category_id::text = $1
		  AND ST_DWithin(geog_point, ST_SetSRID(ST_MakePoint($2, $3), 4326)::geography, $4)`

	boxSQL = `SELECT lat, lng FROM ` + ident + `
		WHERE category_id::text = $1
		  AND geom_globe && ST_MakeEnvelope($2, $3, $4, $5, 4326)
		LIMIT $6`
	return radiusSQL, boxSQL
}

// FetchPoints implements Source.
func (p *PostGIS) FetchPoints(ctx context.Context, category string, area Area) ([]geo.GeoPoint, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if area.IsRadius() {
		rows, err = p.pool.Query(ctx, p.radiusSQL,
			category, area.Center.Lng, area.Center.Lat, area.RadiusMeters)
	} else {
		var limit any
		if area.Limit > 0 {
			limit = area.Limit
		}
		b := area.Box
		rows, err = p.pool.Query(ctx, p.boxSQL,
			category, b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat(), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: category %s %s: %w", ErrFetch, category, area, err)
	}
	defer rows.Close()

	var points []geo.GeoPoint
	for rows.Next() {
		var pt geo.GeoPoint
		if err := rows.Scan(&pt.Lat, &pt.Lng); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", ErrFetch, err)
		}
		points = append(points, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: category %s %s: %w", ErrFetch, category, area, err)
	}
	return points, nil
}

// Close releases pool resources.
func (p *PostGIS) Close() error {
	p.pool.Close()
	return nil
}
