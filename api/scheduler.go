/*
scheduler.go - Periodic sweep of pending invoices

PURPOSE:
  Runs ReconcileAllPending on an interval so invoice caches heal even when
  a payment arrived through a path that never triggered reconciliation.
  Each sweep is recorded in a RunLog the operator API can show.

DESIGN:
  - One background goroutine with a ticker; it sweeps once on start
  - Stop cancels an in-flight sweep through its context and waits for it
  - The sweep itself is an ordinary public engine call; the scheduler adds
    no ledger logic

USAGE:
  s := NewReconciliationScheduler(engine, runs, time.Hour, log)
  s.Start()
  defer s.Stop()

SEE ALSO:
  - handlers.go: ReconcilePending (manual sweep), ListReconciliationRuns
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/reconcile-engine/ledger"
)

// Sweeper runs one pass over pending invoices.
type Sweeper interface {
	ReconcileAllPending(ctx context.Context) (ledger.ReconcileReport, error)
}

// ReconciliationRun records one sweep.
type ReconciliationRun struct {
	ID         string            `json:"id"`
	Trigger    string            `json:"trigger"` // scheduler, manual
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Checked    int               `json:"checked"`
	Paid       int               `json:"paid"`
	Failed     map[string]string `json:"failed,omitempty"` // invoice number -> error
	Error      string            `json:"error,omitempty"`
}

// Sweep runs one pass and converts the report into a run record.
func Sweep(ctx context.Context, s Sweeper, trigger string) ReconciliationRun {
	run := ReconciliationRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		StartedAt: time.Now().UTC(),
	}
	report, err := s.ReconcileAllPending(ctx)
	run.FinishedAt = time.Now().UTC()
	run.Checked = report.Checked
	run.Paid = report.Paid
	if len(report.Failed) > 0 {
		run.Failed = make(map[string]string, len(report.Failed))
		for number, ferr := range report.Failed {
			run.Failed[number] = ferr.Error()
		}
	}
	if err != nil {
		run.Error = err.Error()
	}
	return run
}

// =============================================================================
// RUN LOG
// =============================================================================

// RunLog keeps the most recent runs in memory, newest first.
type RunLog struct {
	mu   sync.Mutex
	runs []ReconciliationRun
	max  int
}

func NewRunLog(max int) *RunLog {
	return &RunLog{max: max}
}

func (l *RunLog) Add(run ReconciliationRun) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.runs = append([]ReconciliationRun{run}, l.runs...)
	if len(l.runs) > l.max {
		l.runs = l.runs[:l.max]
	}
}

func (l *RunLog) List() []ReconciliationRun {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ReconciliationRun, len(l.runs))
	copy(out, l.runs)
	return out
}

// =============================================================================
// SCHEDULER
// =============================================================================

type ReconciliationScheduler struct {
	sweeper  Sweeper
	runs     *RunLog
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReconciliationScheduler(s Sweeper, runs *RunLog, interval time.Duration, log zerolog.Logger) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		sweeper:  s,
		runs:     runs,
		interval: interval,
		log:      log,
	}
}

// Start launches the background loop. Calling Start twice is a no-op.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rs.cancel = cancel
	rs.done = make(chan struct{})
	go rs.run(ctx)

	rs.log.Info().Dur("interval", rs.interval).Msg("scheduler started")
}

// Stop ends the loop and waits for an in-flight sweep to return.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
	rs.cancel = nil
	rs.log.Info().Msg("scheduler stopped")
}

func (rs *ReconciliationScheduler) run(ctx context.Context) {
	defer close(rs.done)

	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	rs.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			rs.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (rs *ReconciliationScheduler) sweep(ctx context.Context) {
	run := Sweep(ctx, rs.sweeper, "scheduler")
	rs.runs.Add(run)

	ev := rs.log.Info()
	if run.Error != "" || len(run.Failed) > 0 {
		ev = rs.log.Warn().Str("error", run.Error).Int("failed", len(run.Failed))
	}
	ev.Int("checked", run.Checked).
		Int("paid", run.Paid).
		Dur("took", run.FinishedAt.Sub(run.StartedAt)).
		Msg("scheduled sweep finished")
}
