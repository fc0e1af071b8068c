package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridian-data/chatfeed/internal/clock/system"
	"github.com/meridian-data/chatfeed/internal/ingest"
)

// runLog records the order sources were admitted across runners.
type runLog struct {
	mu    sync.Mutex
	order []string
}

func (l *runLog) add(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, id)
}

func (l *runLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func (l *runLog) count(id string) int {
	n := 0
	for _, got := range l.snapshot() {
		if got == id {
			n++
		}
	}
	return n
}

type fakeRunner struct {
	src ingest.Source
	log *runLog

	mu        sync.Mutex
	outcomes  []ingest.RunOutcome
	block     time.Duration
	ignoreCtx bool
}

func newFakeRunner(id string, priority int, log *runLog, outcomes ...ingest.RunOutcome) *fakeRunner {
	return &fakeRunner{
		src:      ingest.Source{ID: id, Enabled: true, Priority: priority},
		log:      log,
		outcomes: outcomes,
	}
}

func (r *fakeRunner) RunOnce(ctx context.Context) ingest.RunOutcome {
	r.log.add(r.src.ID)
	if r.block > 0 {
		if r.ignoreCtx {
			time.Sleep(r.block)
		} else {
			select {
			case <-time.After(r.block):
			case <-ctx.Done():
			}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.outcomes) == 0 {
		return ingest.RunOutcome{}
	}
	next := r.outcomes[0]
	if len(r.outcomes) > 1 {
		r.outcomes = r.outcomes[1:]
	}
	return next
}

func (r *fakeRunner) Source() ingest.Source { return r.src }

func (r *fakeRunner) Status() ingest.SourceStatus {
	return ingest.SourceStatus{Source: r.src, State: ingest.StateIdle}
}

func runFor(t *testing.T, s *Scheduler, d time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return s.Run(ctx)
}

func TestHigherPriorityAdmittedFirst(t *testing.T) {
	log := &runLog{}
	low := newFakeRunner("chat-low", 0, log)
	high := newFakeRunner("chat-high", 10, log)

	s := New([]Runner{low, high}, Config{
		Slots:        1,
		IdleInterval: time.Hour,
	}, system.New(), nil)

	require.NoError(t, runFor(t, s, 100*time.Millisecond))

	order := log.snapshot()
	require.NotEmpty(t, order)
	assert.Equal(t, "chat-high", order[0])
}

func TestEqualPriorityLongestWaitAdmittedFirst(t *testing.T) {
	log := &runLog{}
	fresh := newFakeRunner("chat-fresh", 5, log)
	patient := newFakeRunner("chat-patient", 5, log)

	s := New([]Runner{fresh, patient}, Config{
		Slots:           1,
		IdleInterval:    time.Hour,
		StarvationAfter: time.Hour,
	}, system.New(), nil)

	// Same priority; the one that has been waiting longer wins the slot.
	s.entries[1].waitingSince = s.entries[1].waitingSince.Add(-time.Second)

	require.NoError(t, runFor(t, s, 100*time.Millisecond))

	order := log.snapshot()
	require.NotEmpty(t, order)
	assert.Equal(t, "chat-patient", order[0])
}

func TestMorePendingReadmitsPromptly(t *testing.T) {
	log := &runLog{}
	busy := newFakeRunner("chat-busy", 0, log,
		ingest.RunOutcome{MorePending: true},
		ingest.RunOutcome{MorePending: true},
		ingest.RunOutcome{},
	)

	s := New([]Runner{busy}, Config{
		Slots:        1,
		IdleInterval: time.Hour,
	}, system.New(), nil)

	require.NoError(t, runFor(t, s, 200*time.Millisecond))
	assert.GreaterOrEqual(t, log.count("chat-busy"), 3)
}

func TestFatalOutcomeRetiresSource(t *testing.T) {
	log := &runLog{}
	dead := newFakeRunner("chat-dead", 10, log, ingest.RunOutcome{Fatal: true})
	alive := newFakeRunner("chat-alive", 0, log, ingest.RunOutcome{MorePending: true})

	s := New([]Runner{dead, alive}, Config{
		Slots:        1,
		IdleInterval: time.Hour,
	}, system.New(), nil)

	require.NoError(t, runFor(t, s, 200*time.Millisecond))

	assert.Equal(t, 1, log.count("chat-dead"))
	assert.GreaterOrEqual(t, log.count("chat-alive"), 2)
}

func TestHaltedOutcomeSurrendersSlot(t *testing.T) {
	log := &runLog{}
	halted := newFakeRunner("chat-halted", 10, log, ingest.RunOutcome{Halted: true})

	s := New([]Runner{halted}, Config{
		Slots:        1,
		IdleInterval: 10 * time.Millisecond,
	}, system.New(), nil)

	require.NoError(t, runFor(t, s, 150*time.Millisecond))
	assert.Equal(t, 1, log.count("chat-halted"))
}

func TestDelayHoldsSourceOut(t *testing.T) {
	log := &runLog{}
	delayed := newFakeRunner("chat-delayed", 0, log, ingest.RunOutcome{Delay: time.Hour})

	s := New([]Runner{delayed}, Config{
		Slots:        1,
		IdleInterval: 10 * time.Millisecond,
	}, system.New(), nil)

	require.NoError(t, runFor(t, s, 150*time.Millisecond))
	assert.Equal(t, 1, log.count("chat-delayed"))
}

func TestStarvationGuardPromotesWaitingSource(t *testing.T) {
	log := &runLog{}
	hog := newFakeRunner("chat-hog", 10, log, ingest.RunOutcome{MorePending: true})
	starved := newFakeRunner("chat-starved", 0, log)

	s := New([]Runner{hog, starved}, Config{
		Slots:           1,
		IdleInterval:    time.Hour,
		StarvationAfter: 30 * time.Millisecond,
	}, system.New(), nil)

	require.NoError(t, runFor(t, s, 300*time.Millisecond))
	assert.GreaterOrEqual(t, log.count("chat-starved"), 1)
}

func TestShutdownWaitsForInFlightCycle(t *testing.T) {
	log := &runLog{}
	slow := newFakeRunner("chat-slow", 0, log)
	slow.block = 50 * time.Millisecond

	s := New([]Runner{slow}, Config{
		Slots:           1,
		IdleInterval:    time.Hour,
		ShutdownTimeout: time.Second,
	}, system.New(), nil)

	assert.NoError(t, runFor(t, s, 20*time.Millisecond))
}

func TestShutdownTimeoutReportsUnclean(t *testing.T) {
	log := &runLog{}
	stuck := newFakeRunner("chat-stuck", 0, log)
	stuck.block = 200 * time.Millisecond
	stuck.ignoreCtx = true

	s := New([]Runner{stuck}, Config{
		Slots:           1,
		IdleInterval:    time.Hour,
		ShutdownTimeout: 30 * time.Millisecond,
	}, system.New(), nil)

	err := runFor(t, s, 20*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shutdown timed out")
}
