package api

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venue-heatmaps/tiler/internal/runstore"
)

// ErrQueueFull is returned by Submit when no more runs can be queued.
var ErrQueueFull = errors.New("run queue is full; try again later")

// Executor performs one generation run. The ledger row for runID is written
// by the executor, so a run is only visible in the store once it has started.
type Executor func(ctx context.Context, runID string) error

// RunManagerConfig contains configuration for the run manager.
type RunManagerConfig struct {
	MaxConcurrent int // Max concurrent runs (default 1)
	QueueSize     int // Pending run capacity (default 16)
	RetentionDays int // Days to keep finished runs (default 30)
	CleanupPeriod time.Duration
}

// RunManager queues generation runs triggered over HTTP.
type RunManager struct {
	cfg      RunManagerConfig
	store    *runstore.Store
	exec     Executor
	log      *slog.Logger
	queue    chan string
	queued   map[string]time.Time
	running  map[string]context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRunManager creates a run manager over an open store.
func NewRunManager(cfg RunManagerConfig, store *runstore.Store, exec Executor, logger *slog.Logger) *RunManager {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.CleanupPeriod <= 0 {
		cfg.CleanupPeriod = 1 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RunManager{
		cfg:     cfg,
		store:   store,
		exec:    exec,
		log:     logger.With("component", "run_manager"),
		queue:   make(chan string, cfg.QueueSize),
		queued:  make(map[string]time.Time),
		running: make(map[string]context.CancelFunc),
		stopCh:  make(chan struct{}),
	}
}

// Store returns the underlying store.
func (m *RunManager) Store() *runstore.Store {
	return m.store
}

// Start marks runs left over from a previous process as interrupted and
// starts the workers and the cleanup ticker.
func (m *RunManager) Start() {
	if n, err := m.store.MarkRunningAsInterrupted("server restarted"); err != nil {
		m.log.Warn("failed to mark running runs as interrupted", "error", err)
	} else if n > 0 {
		m.log.Info("marked stale runs as interrupted", "count", n)
	}

	for i := 0; i < m.cfg.MaxConcurrent; i++ {
		m.wg.Add(1)
		go m.worker()
	}

	go m.cleaner()
}

// Stop cancels running runs, drops queued ones and waits for workers.
func (m *RunManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		for _, cancel := range m.running {
			cancel()
		}
		m.mu.Unlock()
		close(m.queue)
		m.wg.Wait()
	})
}

func (m *RunManager) worker() {
	defer m.wg.Done()
	for runID := range m.queue {
		select {
		case <-m.stopCh:
			m.dequeue(runID)
			continue
		default:
		}
		m.runOne(runID)
	}
}

func (m *RunManager) dequeue(runID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.queued[runID]
	delete(m.queued, runID)
	return ok
}

func (m *RunManager) runOne(runID string) {
	// Cancelled while queued.
	if !m.dequeue(runID) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.running[runID] = cancel
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.running, runID)
		m.mu.Unlock()
		cancel()
	}()

	m.log.Info("run started", "run_id", runID)
	if err := m.exec(ctx, runID); err != nil {
		if errors.Is(err, context.Canceled) {
			m.log.Info("run cancelled", "run_id", runID)
			return
		}
		m.log.Error("run failed", "run_id", runID, "error", err)
	}
}

func (m *RunManager) cleaner() {
	ticker := time.NewTicker(m.cfg.CleanupPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *RunManager) cleanup() {
	deleted, err := m.store.DeleteExpiredRuns(m.cfg.RetentionDays)
	if err != nil {
		m.log.Warn("cleanup error", "error", err)
	} else if deleted > 0 {
		m.log.Info("cleaned up expired runs", "count", deleted)
	}
}

// Submit enqueues a new run and returns its id.
func (m *RunManager) Submit() (string, error) {
	id := uuid.NewString()

	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.stopCh:
		return "", ErrQueueFull
	default:
	}
	select {
	case m.queue <- id:
		m.queued[id] = time.Now().UTC()
		return id, nil
	default:
		return "", ErrQueueFull
	}
}

// Queued reports whether id is waiting to start, and since when.
func (m *RunManager) Queued(id string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.queued[id]
	return t, ok
}

// Cancel stops a running run or drops a queued one.
func (m *RunManager) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cancel, ok := m.running[id]; ok {
		cancel()
		return true
	}
	if _, ok := m.queued[id]; ok {
		delete(m.queued, id)
		return true
	}
	return false
}
