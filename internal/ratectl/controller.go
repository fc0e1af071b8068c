// Package ratectl implements the shared token budget and per-source backoff
// state machine that gates every call to the source network.
package ratectl

import (
	"crypto/rand"
	"math"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meridian-data/chatfeed/internal/ingest"
)

// Config holds rate controller configuration.
type Config struct {
	// GlobalRPS is the process-wide fetch budget, reflecting the source
	// API's published ceiling. <= 0 means unlimited.
	GlobalRPS float64
	// GlobalBurst is the token bucket burst size.
	GlobalBurst int
	// SourceInterval is the minimum delay between consecutive fetches of
	// the same source.
	SourceInterval time.Duration
	// BackoffBase and BackoffMax bound the jittered exponential backoff
	// applied on transient failures.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// FloodPadMax is the upper bound of the random pad added on top of a
	// mandated flood wait.
	FloodPadMax time.Duration
}

type sourceState struct {
	nextEligible time.Time
	backoffLevel int
	disabled     bool
}

// Controller owns the global token bucket and all per-source backoff state.
// All mutation happens under one mutex; every operation is O(1).
type Controller struct {
	mu      sync.Mutex
	global  *rate.Limiter
	sources map[string]*sourceState

	cfg    Config
	clock  ingest.Clock
	logger *zap.Logger
}

// New creates a Controller. State is process-local and resets on restart; the
// restart cost is a conservative warm-up, not a correctness hazard.
func New(cfg Config, clock ingest.Clock, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := rate.Limit(cfg.GlobalRPS)
	if cfg.GlobalRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.GlobalBurst
	if burst <= 0 {
		burst = 1
	}
	if cfg.SourceInterval <= 0 {
		cfg.SourceInterval = 2 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.FloodPadMax <= 0 {
		cfg.FloodPadMax = 5 * time.Second
	}
	return &Controller{
		global:  rate.NewLimiter(r, burst),
		sources: make(map[string]*sourceState),
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
	}
}

// Acquire asks for permission to fetch the given source. A zero duration is a
// permit; a positive duration tells the caller how long to wait before asking
// again. ErrSourceDisabled means the source is permanently ineligible.
//
// The global token is only consumed once the per-source gate passes, so a
// backed-off source never burns budget other sources could use.
func (c *Controller) Acquire(sourceID string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(sourceID)
	if st.disabled {
		return 0, ingest.ErrSourceDisabled
	}

	now := c.clock.Now()
	if wait := st.nextEligible.Sub(now); wait > 0 {
		return wait, nil
	}

	resv := c.global.ReserveN(now, 1)
	if !resv.OK() {
		return c.cfg.SourceInterval, nil
	}
	delay := resv.DelayFrom(now)
	if delay > 0 {
		// Return the token so the re-acquire after the wait draws a
		// fresh one; holding it would double-charge the budget.
		resv.CancelAt(now)
		st.nextEligible = now.Add(delay)
		return delay, nil
	}

	st.nextEligible = now.Add(jitter(c.cfg.SourceInterval))
	return 0, nil
}

// ReportSuccess resets the source's backoff after one successful fetch.
func (c *Controller) ReportSuccess(sourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(sourceID)
	st.backoffLevel = 0
	st.nextEligible = c.clock.Now().Add(jitter(c.cfg.SourceInterval))
}

// ReportFloodWait honors a mandated pause for one source. Other sources'
// budgets are untouched. A small random pad is added on top of the mandated
// duration.
func (c *Controller) ReportFloodWait(sourceID string, mandated time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(sourceID)
	st.backoffLevel++
	wait := mandated + randDuration(c.cfg.FloodPadMax)
	st.nextEligible = c.clock.Now().Add(wait)
	c.logger.Warn("flood wait",
		zap.String("source_id", sourceID),
		zap.Duration("mandated", mandated),
		zap.Duration("wait", wait),
		zap.Int("backoff_level", st.backoffLevel),
	)
	return wait
}

// ReportFailure applies jittered exponential backoff for a transient failure
// and returns the computed delay.
func (c *Controller) ReportFailure(sourceID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(sourceID)
	st.backoffLevel++
	delay := c.backoff(st.backoffLevel)
	st.nextEligible = c.clock.Now().Add(delay)
	return delay
}

// ReportAuthFailure marks the source permanently ineligible. Only external
// intervention re-enables it.
func (c *Controller) ReportAuthFailure(sourceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(sourceID)
	st.disabled = true
	c.logger.Error("source disabled after auth failure", zap.String("source_id", sourceID))
}

// Status reports the backoff state of a source for health observation.
func (c *Controller) Status(sourceID string) (backoffLevel int, nextEligible time.Time, disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(sourceID)
	return st.backoffLevel, st.nextEligible, st.disabled
}

func (c *Controller) state(sourceID string) *sourceState {
	st, ok := c.sources[sourceID]
	if !ok {
		st = &sourceState{}
		c.sources[sourceID] = st
	}
	return st
}

func (c *Controller) backoff(level int) time.Duration {
	d := float64(c.cfg.BackoffBase) * math.Pow(2, float64(level-1))
	if d > float64(c.cfg.BackoffMax) {
		d = float64(c.cfg.BackoffMax)
	}
	return jitter(time.Duration(d))
}

// jitter spreads a duration by +/-25%.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	spread := d / 2
	return d - d/4 + randDuration(spread)
}

func randDuration(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
