/*
scheduler.go - Periodic ledger maintenance

PURPOSE:
  Periodically re-verifies every batch chain and repairs quantities that
  were left stale by a failed projection write.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Integrity failures are logged, never repaired: the ledger is evidence
  - Stale quantities are rebuilt from the ledger
  - Keeps the last run for the admin endpoint and the CLI

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewMaintenanceScheduler(svc, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: VerifyAll and RebuildStale endpoints (manual runs)
  - ledger/verifier.go, ledger/projector.go
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/pharma-ledger/ledger"
	"github.com/warp/pharma-ledger/pharma"
)

// DefaultCheckInterval is how often maintenance runs.
const DefaultCheckInterval = time.Hour

// MaintenanceRun records the outcome of one pass.
type MaintenanceRun struct {
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	Partitions     int       `json:"partitions"`
	InvalidBatches []string  `json:"invalid_batches"`
	Rebuilt        []string  `json:"rebuilt"`
	Error          string    `json:"error,omitempty"`
}

// MaintenanceScheduler runs verification and stale repair on a ticker.
type MaintenanceScheduler struct {
	Service       *pharma.Service
	Logger        *slog.Logger
	CheckInterval time.Duration
	Enabled       bool

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun *MaintenanceRun
}

// NewMaintenanceScheduler creates a new scheduler.
func NewMaintenanceScheduler(svc *pharma.Service, logger *slog.Logger) *MaintenanceScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &MaintenanceScheduler{
		Service:       svc,
		Logger:        logger.With("component", "maintenance"),
		CheckInterval: DefaultCheckInterval,
		Enabled:       true,
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (ms *MaintenanceScheduler) Start() {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	if !ms.Enabled {
		ms.Logger.Info("disabled, not starting")
		return
	}
	if ms.ticker != nil {
		return
	}

	ms.ticker = time.NewTicker(ms.CheckInterval)
	ms.wg.Add(1)

	go ms.run(ms.ticker.C)

	ms.Logger.Info("started", "interval", ms.CheckInterval)
}

// Stop stops the scheduler and waits for an in-flight pass.
func (ms *MaintenanceScheduler) Stop() {
	ms.mu.Lock()
	ticker := ms.ticker
	ms.ticker = nil
	ms.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
		close(ms.stop)
		ms.wg.Wait()
		ms.Logger.Info("stopped")
	}
}

func (ms *MaintenanceScheduler) run(tick <-chan time.Time) {
	defer ms.wg.Done()

	// Run immediately on start
	ms.RunNow(context.Background())

	for {
		select {
		case <-tick:
			ms.RunNow(context.Background())
		case <-ms.stop:
			return
		}
	}
}

// RunNow performs one pass synchronously (for testing/admin).
func (ms *MaintenanceScheduler) RunNow(ctx context.Context) MaintenanceRun {
	run := MaintenanceRun{StartedAt: time.Now(), InvalidBatches: []string{}, Rebuilt: []string{}}

	reports, err := ms.Service.VerifyAll(ctx)
	if err != nil && !ledger.IsIntegrityOnly(err) {
		ms.Logger.Error("verification failed", "error", err)
		run.Error = err.Error()
	}
	run.Partitions = len(reports)
	for _, rep := range reports {
		if ierr := rep.Err(); ierr != nil {
			run.InvalidBatches = append(run.InvalidBatches, string(rep.PartitionKey))
			ms.Logger.Error("chain integrity failure",
				"partition", rep.PartitionKey,
				"first_invalid_index", rep.FirstInvalidIndex,
				"error", ierr,
			)
		}
	}

	refs, err := ms.Service.RebuildStale(ctx)
	for _, ref := range refs {
		run.Rebuilt = append(run.Rebuilt, string(ref))
	}
	if err != nil {
		ms.Logger.Error("stale rebuild failed", "error", err)
		if run.Error == "" {
			run.Error = err.Error()
		}
	}

	run.CompletedAt = time.Now()
	if len(run.InvalidBatches) > 0 || len(run.Rebuilt) > 0 {
		ms.Logger.Warn("maintenance completed",
			"partitions", run.Partitions,
			"invalid", len(run.InvalidBatches),
			"rebuilt", len(run.Rebuilt),
		)
	} else {
		ms.Logger.Debug("maintenance completed", "partitions", run.Partitions)
	}

	ms.mu.Lock()
	ms.lastRun = &run
	ms.mu.Unlock()
	return run
}

// LastRun returns the most recent pass, if any.
func (ms *MaintenanceScheduler) LastRun() (MaintenanceRun, bool) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.lastRun == nil {
		return MaintenanceRun{}, false
	}
	return *ms.lastRun, true
}

// GetNextRunTime returns when the next scheduled pass will occur.
func (ms *MaintenanceScheduler) GetNextRunTime() time.Time {
	if last, ok := ms.LastRun(); ok {
		return last.StartedAt.Add(ms.CheckInterval)
	}
	return time.Now().Add(ms.CheckInterval)
}
