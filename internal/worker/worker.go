// Package worker runs the per-source ingestion cycle: fetch, transform,
// publish, commit.
package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/meridian-data/chatfeed/internal/ingest"
	"github.com/meridian-data/chatfeed/internal/media"
	"github.com/meridian-data/chatfeed/internal/metrics"
	"github.com/meridian-data/chatfeed/internal/publish"
	"github.com/meridian-data/chatfeed/internal/ratectl"
)

// Config controls one source worker.
type Config struct {
	// BatchLimit caps the number of messages fetched per cycle.
	BatchLimit int
	// CommitRetries bounds in-process commit attempts before the worker
	// halts and leaves the open outbox record for startup recovery.
	CommitRetries int
	// CommitRetryDelay is the pause between commit attempts.
	CommitRetryDelay time.Duration
}

// Worker drives one source through the ingestion cycle. A worker is owned by
// the scheduler and never runs two cycles concurrently; the mutex only guards
// the state visible to the status API.
type Worker struct {
	source    ingest.Source
	client    ingest.SourceClient
	rate      *ratectl.Controller
	offloader *media.Offloader
	publisher *publish.Publisher
	store     ingest.CursorStore
	clock     ingest.Clock
	cfg       Config
	logger    *zap.Logger

	mu            sync.Mutex
	state         ingest.WorkerState
	idleSince     time.Time
	lastCommitted int64
}

// New constructs a worker for one source.
func New(
	source ingest.Source,
	client ingest.SourceClient,
	rate *ratectl.Controller,
	offloader *media.Offloader,
	publisher *publish.Publisher,
	store ingest.CursorStore,
	clock ingest.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchLimit <= 0 || cfg.BatchLimit > 200 {
		cfg.BatchLimit = 200
	}
	if cfg.CommitRetries <= 0 {
		cfg.CommitRetries = 3
	}
	if cfg.CommitRetryDelay <= 0 {
		cfg.CommitRetryDelay = time.Second
	}
	return &Worker{
		source:    source,
		client:    client,
		rate:      rate,
		offloader: offloader,
		publisher: publisher,
		store:     store,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.With(zap.String("source_id", source.ID)),
		state:     ingest.StateIdle,
		idleSince: clock.Now(),
	}
}

// Source returns the source this worker ingests.
func (w *Worker) Source() ingest.Source { return w.source }

// State returns the current lifecycle state.
func (w *Worker) State() ingest.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Status reports the observable health of this worker's source.
func (w *Worker) Status() ingest.SourceStatus {
	level, nextEligible, _ := w.rate.Status(w.source.ID)
	w.mu.Lock()
	defer w.mu.Unlock()
	return ingest.SourceStatus{
		Source:       w.source,
		State:        w.state,
		IdleSince:    w.idleSince,
		NextEligible: nextEligible,
		BackoffLevel: level,
		Cursor:       w.lastCommitted,
	}
}

// RunOnce executes one ingestion cycle. The scheduler interprets the returned
// outcome: MorePending asks for prompt re-admission, Delay holds the source
// out of admission, Fatal and Halted surrender the slot for good.
func (w *Worker) RunOnce(ctx context.Context) ingest.RunOutcome {
	wait, err := w.rate.Acquire(w.source.ID)
	if err != nil {
		w.setState(ingest.StateFatal)
		return ingest.RunOutcome{Fatal: true, Failure: ingest.FailureAuth}
	}
	if wait > 0 {
		return ingest.RunOutcome{Delay: wait}
	}

	w.setState(ingest.StateFetching)
	cursor, err := w.store.GetCursor(ctx, w.source.ID)
	if err != nil && !errors.Is(err, ingest.ErrCursorNotFound) {
		w.logger.Error("load cursor failed", zap.Error(err))
		return w.backOff(ingest.FailurePersistence)
	}

	batch, err := w.client.FetchBatch(ctx, w.source.ID, cursor.LastMessageID, w.cfg.BatchLimit)
	if err != nil {
		return w.classifyFetchError(ctx, err)
	}
	w.rate.ReportSuccess(w.source.ID)
	metrics.SetBackoffLevel(w.source.ID, 0)

	if len(batch) == 0 {
		w.setState(ingest.StateIdle)
		return ingest.RunOutcome{}
	}
	metrics.IncMessagesIngested(w.source.ID, len(batch))

	w.setState(ingest.StateTransforming)
	batch, anomalies := ingest.NormalizeBatch(batch)
	if anomalies > 0 {
		metrics.AddDataAnomalies(w.source.ID, anomalies)
		w.logger.Warn("message id anomalies corrected", zap.Int("count", anomalies))
	}

	events := make([]ingest.Event, 0, len(batch))
	for _, msg := range batch {
		refs, err := w.offloader.Resolve(ctx, msg)
		if err != nil {
			w.logger.Warn("media offload failed", zap.Int64("message_id", msg.MessageID), zap.Error(err))
			return w.backOff(ingest.FailureTransient)
		}
		events = append(events, ingest.BuildEvent(msg, refs))
	}

	rec := ingest.OutboxRecord{
		SourceID:      w.source.ID,
		FromMessageID: batch[0].MessageID,
		ToMessageID:   batch[len(batch)-1].MessageID,
		BatchToken:    uuid.NewString(),
		OpenedAt:      w.clock.Now(),
	}
	if err := w.store.OpenOutbox(ctx, rec); err != nil {
		w.logger.Error("open outbox failed", zap.Error(err))
		return w.backOff(ingest.FailurePersistence)
	}

	w.setState(ingest.StatePublishing)
	if err := w.publisher.PublishBatch(ctx, events); err != nil {
		// The outbox record stays open. The next cycle re-fetches the
		// same range and the event keys make redelivery harmless.
		w.logger.Warn("publish batch failed",
			zap.Int64("from", rec.FromMessageID),
			zap.Int64("to", rec.ToMessageID),
			zap.Error(err),
		)
		return w.backOff(ingest.FailureTransient)
	}

	w.setState(ingest.StateCommitting)
	if err := w.commit(ctx, rec.ToMessageID); err != nil {
		// Every event of the batch is acknowledged but the cursor could
		// not be advanced. The worker halts rather than re-publishing
		// forever; recovery resolves the open record on next startup.
		w.logger.Error("commit failed after retries, halting worker", zap.Error(err))
		w.setState(ingest.StateFatal)
		return ingest.RunOutcome{Halted: true, Failure: ingest.FailurePersistence}
	}

	w.mu.Lock()
	w.lastCommitted = rec.ToMessageID
	w.mu.Unlock()
	metrics.IncBatchesCommitted(w.source.ID)
	w.setState(ingest.StateIdle)

	w.logger.Info("batch committed",
		zap.Int64("from", rec.FromMessageID),
		zap.Int64("to", rec.ToMessageID),
		zap.Int("events", len(events)),
	)
	return ingest.RunOutcome{MorePending: len(batch) == w.cfg.BatchLimit}
}

// commit advances the cursor with bounded retries. The transaction runs on a
// context detached from cancellation so a shutdown signal cannot strand an
// acknowledged batch in the publish-but-not-committed window.
func (w *Worker) commit(ctx context.Context, toMessageID int64) error {
	commitCtx := context.WithoutCancel(ctx)

	var lastErr error
	for attempt := 0; attempt < w.cfg.CommitRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.cfg.CommitRetryDelay)
		}
		start := w.clock.Now()
		err := w.store.CommitBatch(commitCtx, w.source.ID, toMessageID, w.clock.Now())
		if err == nil {
			metrics.ObserveCommitDuration(w.clock.Now().Sub(start))
			return nil
		}
		lastErr = err
		w.logger.Warn("commit attempt failed", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return lastErr
}

func (w *Worker) classifyFetchError(ctx context.Context, err error) ingest.RunOutcome {
	var flood *ingest.FloodWaitError
	if errors.As(err, &flood) {
		metrics.IncFloodWaits(w.source.ID)
		wait := w.rate.ReportFloodWait(w.source.ID, flood.RetryAfter)
		w.noteBackoffLevel()
		w.setState(ingest.StateBackoff)
		return ingest.RunOutcome{Failure: ingest.FailureRateLimited, Delay: wait}
	}

	var auth *ingest.AuthFailureError
	if errors.As(err, &auth) {
		w.rate.ReportAuthFailure(w.source.ID)
		if derr := w.store.SetSourceEnabled(ctx, w.source.ID, false); derr != nil {
			w.logger.Error("persist source disable failed", zap.Error(derr))
		}
		w.setState(ingest.StateFatal)
		return ingest.RunOutcome{Fatal: true, Failure: ingest.FailureAuth}
	}

	w.logger.Warn("fetch failed", zap.Error(err))
	return w.backOff(ingest.FailureTransient)
}

func (w *Worker) backOff(class ingest.FailureClass) ingest.RunOutcome {
	delay := w.rate.ReportFailure(w.source.ID)
	w.noteBackoffLevel()
	w.setState(ingest.StateBackoff)
	return ingest.RunOutcome{Failure: class, Delay: delay}
}

func (w *Worker) noteBackoffLevel() {
	level, _, _ := w.rate.Status(w.source.ID)
	metrics.SetBackoffLevel(w.source.ID, level)
}

func (w *Worker) setState(s ingest.WorkerState) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
	if s == ingest.StateIdle {
		w.idleSince = w.clock.Now()
	}
}
