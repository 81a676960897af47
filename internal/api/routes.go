// Package api provides the HTTP preview server for published heatmap tiles.
package api

import (
	"encoding/json"
	"errors"
	"image/png"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/venue-heatmaps/tiler/internal/cache"
	"github.com/venue-heatmaps/tiler/internal/metrics"
	"github.com/venue-heatmaps/tiler/internal/render"
	"github.com/venue-heatmaps/tiler/internal/runstore"
	"github.com/venue-heatmaps/tiler/internal/storage"
)

const (
	defaultRunsLimit = 50
	maxRunsLimit     = 500
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Tiles          storage.Reader
	Cache          *cache.Manager
	Store          *runstore.Store
	Runs           *RunManager
	Encoder        *render.Encoder
	TileResolution int
	CORSOrigins    []string
	Logger         *slog.Logger
}

type server struct {
	cfg RouterConfig
	log *slog.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.TileResolution <= 0 {
		cfg.TileResolution = 256
	}
	if cfg.Encoder == nil {
		cfg.Encoder = render.NewEncoder(png.DefaultCompression)
	}
	s := &server{cfg: cfg, log: cfg.Logger}
	if s.log == nil {
		s.log = slog.Default()
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware(routePattern))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Get("/tiles/{category}/{z}/{x}/{y}.png", s.tileHandler)

	r.Route("/api", func(r chi.Router) {
		r.Get("/cache/stats", s.cacheStatsHandler)
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.listRunsHandler)
			r.Post("/", s.submitRunHandler)
			r.Get("/{run_id}", s.runStatusHandler)
			r.Delete("/{run_id}", s.cancelRunHandler)
		})
	})

	return r
}

// routePattern labels request metrics by matched route, not raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) tileHandler(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	z, err := strconv.Atoi(chi.URLParam(r, "z"))
	if err != nil || z < 0 || z > 30 {
		http.Error(w, "invalid z", http.StatusBadRequest)
		return
	}
	x, err := strconv.Atoi(chi.URLParam(r, "x"))
	if err != nil || x < 0 {
		http.Error(w, "invalid x", http.StatusBadRequest)
		return
	}
	y, err := strconv.Atoi(chi.URLParam(r, "y"))
	if err != nil || y < 0 {
		http.Error(w, "invalid y", http.StatusBadRequest)
		return
	}

	data, err := s.tile(r, category, z, x, y)
	if errors.Is(err, storage.ErrNotFound) {
		if r.URL.Query().Get("empty") != "1" {
			http.NotFound(w, r)
			return
		}
		data, err = s.emptyTile()
	}
	if err != nil {
		s.log.Error("tile lookup failed", "category", category, "z", z, "x", x, "y", y, "error", err)
		http.Error(w, "tile lookup failed", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", storage.ContentTypePNG)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Write(data)
}

func (s *server) tile(r *http.Request, category string, z, x, y int) ([]byte, error) {
	if s.cfg.Tiles == nil {
		return nil, storage.ErrNotFound
	}
	key := cache.TileKey(category, z, x, y)
	if s.cfg.Cache != nil {
		if data, ok := s.cfg.Cache.GetTile(key); ok {
			metrics.CacheHits.Inc()
			return data, nil
		}
		metrics.CacheMisses.Inc()
	}

	data, err := s.cfg.Tiles.Get(r.Context(), storage.Key(category, z, x, y))
	if err != nil {
		return nil, err
	}
	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.SetTile(key, data); err != nil {
			s.log.Debug("tile not cached", "key", key, "error", err)
		}
	}
	return data, nil
}

func (s *server) emptyTile() ([]byte, error) {
	key := cache.EmptyTileKey(s.cfg.TileResolution)
	if s.cfg.Cache != nil {
		if data, ok := s.cfg.Cache.GetTile(key); ok {
			return data, nil
		}
	}
	data, err := s.cfg.Encoder.EmptyTile(s.cfg.TileResolution)
	if err != nil {
		return nil, err
	}
	if s.cfg.Cache != nil {
		s.cfg.Cache.SetTile(key, data)
	}
	return data, nil
}

func (s *server) cacheStatsHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Cache == nil {
		http.Error(w, "cache not configured", http.StatusNotImplemented)
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Cache.Stats())
}

func (s *server) listRunsHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		http.Error(w, "run store not configured", http.StatusNotImplemented)
		return
	}

	limit := defaultRunsLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			limit = min(v, maxRunsLimit)
		}
	}

	key := cache.RunsKey(limit)
	if s.cfg.Cache != nil {
		if data, ok := s.cfg.Cache.GetQuery(key); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write(data)
			return
		}
	}

	runs, err := s.cfg.Store.ListRuns(limit)
	if err != nil {
		http.Error(w, "failed to list runs: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []*runstore.Run{}
	}
	data, err := json.Marshal(map[string]any{"runs": runs, "limit": limit})
	if err != nil {
		http.Error(w, "failed to encode runs", http.StatusInternalServerError)
		return
	}
	if s.cfg.Cache != nil {
		s.cfg.Cache.SetQuery(key, data)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *server) runStatusHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		http.Error(w, "run store not configured", http.StatusNotImplemented)
		return
	}
	runID := chi.URLParam(r, "run_id")

	run, err := s.cfg.Store.GetRun(runID)
	if err != nil {
		http.Error(w, "failed to load run: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		if s.cfg.Runs != nil {
			if since, ok := s.cfg.Runs.Queued(runID); ok {
				writeJSON(w, http.StatusOK, map[string]any{
					"run_id":    runID,
					"status":    "queued",
					"queued_at": since.Format(time.RFC3339),
				})
				return
			}
		}
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	units, err := s.cfg.Store.ListUnits(runID)
	if err != nil {
		http.Error(w, "failed to load units: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if units == nil {
		units = []*runstore.Unit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":   run,
		"units": units,
	})
}

func (s *server) submitRunHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runs == nil {
		http.Error(w, "run manager not configured", http.StatusNotImplemented)
		return
	}
	id, err := s.cfg.Runs.Submit()
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if s.cfg.Cache != nil {
		s.cfg.Cache.PurgeQueries()
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id": id,
		"status": "queued",
	})
}

func (s *server) cancelRunHandler(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Runs == nil {
		http.Error(w, "run manager not configured", http.StatusNotImplemented)
		return
	}
	runID := chi.URLParam(r, "run_id")
	if !s.cfg.Runs.Cancel(runID) {
		http.Error(w, "run not found or not active", http.StatusNotFound)
		return
	}
	if s.cfg.Cache != nil {
		s.cfg.Cache.PurgeQueries()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":    runID,
		"cancelled": true,
	})
}
