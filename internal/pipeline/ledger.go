package pipeline

import (
	"time"

	"github.com/venue-heatmaps/tiler/internal/runstore"
)

// Ledger records runs and unit outcomes. Ledger failures are logged and never
// fail a run.
type Ledger interface {
	StartRun(runID string, cfg Config, started time.Time) error
	RecordUnit(runID string, r UnitResult) error
	FinishRun(runID string, s *Summary, runErr error) error
}

// StoreLedger persists to a runstore.Store.
type StoreLedger struct {
	store *runstore.Store
}

// NewStoreLedger wraps store.
func NewStoreLedger(store *runstore.Store) *StoreLedger {
	return &StoreLedger{store: store}
}

// StartRun implements Ledger.
func (l *StoreLedger) StartRun(runID string, cfg Config, started time.Time) error {
	return l.store.CreateRun(&runstore.Run{
		ID:        runID,
		Mode:      cfg.Mode.String(),
		Order:     cfg.Order.String(),
		StartedAt: started,
		Params: runstore.RunParams{
			Categories:   cfg.Categories,
			MinZoom:      cfg.MinZoom,
			MaxZoom:      cfg.MaxZoom,
			ZoomStep:     cfg.ZoomStep,
			RadiusMeters: cfg.SearchRadiusMeters,
			CenterLat:    cfg.Center.Lat,
			CenterLng:    cfg.Center.Lng,
		},
	})
}

// RecordUnit implements Ledger.
func (l *StoreLedger) RecordUnit(runID string, r UnitResult) error {
	u := &runstore.Unit{
		RunID:        runID,
		Category:     r.Category,
		Zoom:         r.Zoom,
		Status:       string(r.Status),
		RadiusMeters: r.RadiusMeters,
		Points:       r.Points,
		Tiles:        r.Tiles,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.StartedAt.Add(r.Elapsed),
	}
	if r.Err != nil {
		u.Error = r.Err.Error()
	}
	return l.store.RecordUnit(u)
}

// FinishRun implements Ledger.
func (l *StoreLedger) FinishRun(runID string, s *Summary, runErr error) error {
	msg := ""
	if runErr != nil {
		msg = runErr.Error()
	}
	return l.store.FinishRun(runID, runstore.Counts{
		Done:            s.Done,
		Skipped:         s.Skipped,
		Failed:          s.Failed,
		TilesPublished:  s.TilesPublished,
		PublishFailures: s.PublishFailures,
	}, msg)
}
