// Package scheduler admits source workers into a bounded set of run slots.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-data/chatfeed/internal/ingest"
	"github.com/meridian-data/chatfeed/internal/metrics"
)

// Runner is one schedulable source worker.
type Runner interface {
	RunOnce(ctx context.Context) ingest.RunOutcome
	Source() ingest.Source
	Status() ingest.SourceStatus
}

// Config controls admission.
type Config struct {
	// Slots is the maximum number of workers running concurrently.
	Slots int
	// IdleInterval is the re-admission cadence for a caught-up source.
	IdleInterval time.Duration
	// StarvationAfter promotes a source that has waited this long ahead
	// of higher-priority sources.
	StarvationAfter time.Duration
	// ShutdownTimeout bounds the wait for in-flight cycles on shutdown.
	ShutdownTimeout time.Duration
}

type entry struct {
	runner       Runner
	nextEligible time.Time
	waitingSince time.Time
	running      bool
	retired      bool
}

type completion struct {
	ent     *entry
	outcome ingest.RunOutcome
}

// Scheduler owns the admission loop. Priority orders admission, waiting time
// breaks ties, and a starvation guard keeps low-priority sources from being
// shut out indefinitely.
type Scheduler struct {
	cfg     Config
	clock   ingest.Clock
	logger  *zap.Logger
	entries []*entry

	mu sync.Mutex
}

// New constructs a Scheduler over a fixed set of runners.
func New(runners []Runner, cfg Config, clock ingest.Clock, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Slots <= 0 {
		cfg.Slots = 4
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 5 * time.Second
	}
	if cfg.StarvationAfter <= 0 {
		cfg.StarvationAfter = time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	now := clock.Now()
	entries := make([]*entry, 0, len(runners))
	for _, r := range runners {
		entries = append(entries, &entry{runner: r, nextEligible: now, waitingSince: now})
	}
	return &Scheduler{cfg: cfg, clock: clock, logger: logger, entries: entries}
}

// Statuses reports every source's observable state for the status API.
func (s *Scheduler) Statuses() []ingest.SourceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ingest.SourceStatus, 0, len(s.entries))
	for _, ent := range s.entries {
		out = append(out, ent.runner.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source.ID < out[j].Source.ID })
	return out
}

// Run admits workers until the context is canceled, then waits for in-flight
// cycles up to the shutdown timeout. An expired timeout returns an error so
// the operator knows the shutdown was unclean.
func (s *Scheduler) Run(ctx context.Context) error {
	// Buffered so a cycle finishing after an unclean shutdown does not
	// leak its goroutine on the send.
	completions := make(chan completion, s.cfg.Slots)
	running := 0

	for {
		admitted := s.admit(ctx, completions, running)
		running += admitted
		metrics.SetActiveWorkers(running)

		wake := s.nextWake()
		timer := time.NewTimer(wake)
		select {
		case <-ctx.Done():
			timer.Stop()
			return s.drain(completions, running)
		case done := <-completions:
			timer.Stop()
			running--
			s.settle(done)
		case <-timer.C:
		}
	}
}

// admit launches every eligible worker the free slots allow and returns how
// many were started.
func (s *Scheduler) admit(ctx context.Context, completions chan<- completion, running int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	free := s.cfg.Slots - running
	if free <= 0 {
		return 0
	}

	now := s.clock.Now()
	var ready []*entry
	for _, ent := range s.entries {
		if ent.retired || ent.running || ent.nextEligible.After(now) {
			continue
		}
		ready = append(ready, ent)
	}

	starved := func(e *entry) bool { return now.Sub(e.waitingSince) >= s.cfg.StarvationAfter }
	sort.SliceStable(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if sa, sb := starved(a), starved(b); sa != sb {
			return sa
		}
		if pa, pb := a.runner.Source().Priority, b.runner.Source().Priority; pa != pb {
			return pa > pb
		}
		return a.waitingSince.Before(b.waitingSince)
	})

	launched := 0
	for _, ent := range ready {
		if launched >= free {
			break
		}
		ent.running = true
		launched++
		go func(ent *entry) {
			completions <- completion{ent: ent, outcome: ent.runner.RunOnce(ctx)}
		}(ent)
	}
	return launched
}

// settle applies a cycle's outcome to the entry's eligibility.
func (s *Scheduler) settle(done completion) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent := done.ent
	out := done.outcome
	now := s.clock.Now()
	ent.running = false
	ent.waitingSince = now

	switch {
	case out.Fatal:
		ent.retired = true
		s.logger.Error("source retired", zap.String("source_id", ent.runner.Source().ID))
	case out.Halted:
		ent.retired = true
		s.logger.Error("source halted, slot surrendered",
			zap.String("source_id", ent.runner.Source().ID))
	case out.MorePending:
		ent.nextEligible = now
	case out.Delay > 0:
		ent.nextEligible = now.Add(out.Delay)
	default:
		ent.nextEligible = now.Add(s.cfg.IdleInterval)
	}
}

// nextWake returns how long the loop may sleep before some entry becomes
// eligible again.
func (s *Scheduler) nextWake() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	wake := s.cfg.IdleInterval
	for _, ent := range s.entries {
		if ent.retired || ent.running {
			continue
		}
		d := ent.nextEligible.Sub(now)
		if d <= 0 {
			// Eligible now but no free slot; poll soon.
			d = 10 * time.Millisecond
		}
		if d < wake {
			wake = d
		}
	}
	return wake
}

// drain waits for in-flight cycles after cancellation.
func (s *Scheduler) drain(completions <-chan completion, running int) error {
	if running == 0 {
		return nil
	}
	deadline := time.NewTimer(s.cfg.ShutdownTimeout)
	defer deadline.Stop()
	for running > 0 {
		select {
		case done := <-completions:
			running--
			s.settle(done)
		case <-deadline.C:
			return fmt.Errorf("shutdown timed out with %d workers still running", running)
		}
	}
	metrics.SetActiveWorkers(0)
	return nil
}
