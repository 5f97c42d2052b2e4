package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/reconcile-engine/ledger"
)

type countingSweeper struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSweeper) ReconcileAllPending(ctx context.Context) (ledger.ReconcileReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return ledger.ReconcileReport{
		Checked: 3,
		Paid:    1,
		Failed:  map[string]error{"INV-25-00002": errors.New("boom")},
	}, nil
}

func (c *countingSweeper) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestSweep_RecordsReport(t *testing.T) {
	run := Sweep(context.Background(), &countingSweeper{}, "manual")

	assert.NotEmpty(t, run.ID)
	assert.Equal(t, "manual", run.Trigger)
	assert.Equal(t, 3, run.Checked)
	assert.Equal(t, 1, run.Paid)
	assert.Equal(t, map[string]string{"INV-25-00002": "boom"}, run.Failed)
	assert.Empty(t, run.Error)
	assert.False(t, run.FinishedAt.Before(run.StartedAt))
}

func TestScheduler_SweepsOnStartAndOnTick(t *testing.T) {
	// GIVEN: A scheduler with a short interval
	sweeper := &countingSweeper{}
	runs := NewRunLog(5)
	s := NewReconciliationScheduler(sweeper, runs, 10*time.Millisecond, zerolog.Nop())

	// WHEN: Started and left running briefly
	s.Start()
	s.Start() // second call is a no-op
	require.Eventually(t, func() bool { return sweeper.count() >= 3 }, time.Second, 5*time.Millisecond)
	s.Stop()

	// THEN: Runs are recorded, capped, and the loop is gone after Stop
	stopped := sweeper.count()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, sweeper.count())

	recorded := runs.List()
	assert.LessOrEqual(t, len(recorded), 5)
	require.NotEmpty(t, recorded)
	assert.Equal(t, "scheduler", recorded[0].Trigger)
	s.Stop() // stopping twice is harmless
}

func TestRunLog_NewestFirstAndCapped(t *testing.T) {
	l := NewRunLog(2)
	l.Add(ReconciliationRun{ID: "1"})
	l.Add(ReconciliationRun{ID: "2"})
	l.Add(ReconciliationRun{ID: "3"})

	got := l.List()

	require.Len(t, got, 2)
	assert.Equal(t, "3", got[0].ID)
	assert.Equal(t, "2", got[1].ID)
}
