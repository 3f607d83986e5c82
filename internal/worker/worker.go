package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"loom/internal/config"
	"loom/internal/deadletter"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/telemetry"
)

// Worker claims jobs from the ledger and dispatches them to registered
// handlers. While a job runs, a heartbeat goroutine renews its lease; the
// handler's outcome is committed with the claim guard, so a worker whose
// lease was reaped cannot overwrite the reaper's decision.
type Worker struct {
	id       string
	store    *queue.Store
	registry *Registry
	letters  *deadletter.Store
	logger   *slog.Logger

	lease         time.Duration
	pollInterval  time.Duration
	heartbeat     time.Duration
	errorInterval time.Duration
	backoff       BackoffPolicy
}

// New builds a worker with the queue cadence from cfg. The dead-letter store
// receives ingestion jobs that exhaust their attempts.
func New(id string, cfg *config.Config, store *queue.Store, registry *Registry, letters *deadletter.Store, logger *slog.Logger) *Worker {
	return &Worker{
		id:            id,
		store:         store,
		registry:      registry,
		letters:       letters,
		logger:        logging.NewComponentLogger(logger, "worker").With(logging.String("worker_id", id)),
		lease:         time.Duration(cfg.Queue.LeaseSeconds) * time.Second,
		pollInterval:  time.Duration(cfg.Queue.PollInterval) * time.Second,
		heartbeat:     time.Duration(cfg.Queue.HeartbeatInterval) * time.Second,
		errorInterval: time.Duration(cfg.Queue.ErrorRetryInterval) * time.Second,
		backoff: BackoffPolicy{
			Base: time.Duration(cfg.Queue.BackoffBaseSeconds) * time.Second,
			Cap:  time.Duration(cfg.Queue.BackoffCapSeconds) * time.Second,
		},
	}
}

// Run claims and executes jobs until ctx is cancelled. Idle periods poll the
// ledger on the configured interval; claim errors back off on the error
// interval instead of spinning.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started", logging.Any("job_types", w.registry.Types()))

	for {
		if ctx.Err() != nil {
			w.logger.Info("worker stopped")
			return ctx.Err()
		}

		processed, err := w.RunOnce(ctx)
		switch {
		case err != nil:
			if errors.Is(err, context.Canceled) {
				continue
			}
			w.logger.Error("claim cycle failed", logging.Error(err))
			w.sleep(ctx, w.errorInterval)
		case !processed:
			w.sleep(ctx, w.pollInterval)
		}
	}
}

// RunOnce claims at most one job, executes it, and commits its outcome.
// Returns false when the queue had nothing eligible.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.Claim(ctx, w.id, w.lease)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	w.process(ctx, job)
	return true, nil
}

func (w *Worker) process(ctx context.Context, job *queue.Job) {
	w.logger.Info("job claimed",
		logging.String("job_id", job.ID),
		logging.String("job_type", job.Type),
		logging.Int("attempt", job.Attempts+1))

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.maintainLease(heartbeatCtx, job.ID)
	}()

	outcome := w.invoke(ctx, job)

	stopHeartbeat()
	wg.Wait()

	w.commit(ctx, job, outcome)
}

// invoke dispatches to the handler, converting panics into failed outcomes
// so one bad job cannot take the worker down.
func (w *Worker) invoke(ctx context.Context, job *queue.Job) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked",
				logging.String("job_id", job.ID),
				logging.String("job_type", job.Type),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())))
			outcome = Failed(fmt.Errorf("handler panic: %v", r))
		}
	}()

	handler := w.registry.Lookup(job.Type)
	if handler == nil {
		return FailedPermanent(fmt.Errorf("no handler registered for job type %s", job.Type))
	}
	return handler(ctx, job)
}

func (w *Worker) commit(ctx context.Context, job *queue.Job, outcome Outcome) {
	// Commit with a background-derived context: a cancelled worker still
	// records the outcome of work it already did.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch outcome.kind {
	case outcomeCompleted:
		if err := w.store.Complete(commitCtx, job.ID, w.id); err != nil {
			w.reportCommitError(job, "complete", err)
			return
		}
		telemetry.JobsCompleted.Inc()
		w.logger.Info("job completed",
			logging.String("job_id", job.ID),
			logging.String("job_type", job.Type))

	case outcomeReschedule:
		if err := w.store.Reschedule(commitCtx, job.ID, w.id, outcome.delay); err != nil {
			w.reportCommitError(job, "reschedule", err)
			return
		}
		telemetry.JobsRescheduled.Inc()
		w.logger.Info("job rescheduled",
			logging.String("job_id", job.ID),
			logging.String("job_type", job.Type),
			logging.Duration("delay", outcome.delay),
			logging.String("reason", outcome.reason))

	case outcomeFailed:
		delay := w.backoff.Delay(job.Attempts + 1)
		terminal := queue.StatusFailed
		if queue.IngestionType(job.Type) {
			terminal = queue.StatusDead
		}
		updated, err := w.store.Fail(commitCtx, job.ID, w.id, outcome.err.Error(), delay, terminal, outcome.permanent)
		if err != nil {
			w.reportCommitError(job, "fail", err)
			return
		}
		telemetry.JobsFailed.Inc()
		if updated.Status.Terminal() {
			telemetry.JobsDead.Inc()
			w.logger.Error("job exhausted",
				logging.String("job_id", job.ID),
				logging.String("job_type", job.Type),
				logging.String("status", string(updated.Status)),
				logging.Int("attempts", updated.Attempts),
				logging.Error(outcome.err))
			if updated.Status == queue.StatusDead {
				w.capture(commitCtx, updated, outcome.err)
			}
			return
		}
		w.logger.Warn("job failed, will retry",
			logging.String("job_id", job.ID),
			logging.String("job_type", job.Type),
			logging.Int("attempts", updated.Attempts),
			logging.Duration("retry_in", delay),
			logging.Error(outcome.err))
	}
}

// capture records an exhausted ingestion job in the dead-letter store.
// Capture failures are logged and swallowed; the job row still holds the
// payload, so nothing is lost beyond operator convenience.
func (w *Worker) capture(ctx context.Context, job *queue.Job, cause error) {
	if w.letters == nil {
		return
	}
	_, err := w.letters.Capture(ctx, job.Type, job.RunID, job.Payload, cause)
	if err != nil {
		w.logger.Error("dead-letter capture failed",
			logging.String("job_id", job.ID),
			logging.Error(err))
		return
	}
	telemetry.DeadLetters.Inc()
}

func (w *Worker) reportCommitError(job *queue.Job, op string, err error) {
	if errors.Is(err, queue.ErrLeaseLost) {
		// The reaper reclaimed this job mid-flight. Its decision stands;
		// the retry will repeat our idempotent work.
		w.logger.Warn("lease lost before commit",
			logging.String("job_id", job.ID),
			logging.String("job_type", job.Type),
			logging.String("op", op))
		return
	}
	w.logger.Error("commit failed",
		logging.String("job_id", job.ID),
		logging.String("job_type", job.Type),
		logging.String("op", op),
		logging.Error(err))
}

// maintainLease renews the job's lease on the heartbeat interval until the
// handler returns or ctx is cancelled.
func (w *Worker) maintainLease(ctx context.Context, jobID string) {
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.RenewLease(ctx, jobID, w.id, w.lease); err != nil {
				if errors.Is(err, queue.ErrLeaseLost) {
					w.logger.Warn("lease renewal lost", logging.String("job_id", jobID))
					return
				}
				if errors.Is(err, context.Canceled) {
					return
				}
				w.logger.Error("lease renewal failed",
					logging.String("job_id", jobID),
					logging.Error(err))
			}
		}
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Reaper periodically returns expired leases to pending so crashed workers'
// jobs become claimable again.
type Reaper struct {
	store    *queue.Store
	interval time.Duration
	logger   *slog.Logger
}

// NewReaper builds a reaper on the configured reap interval.
func NewReaper(cfg *config.Config, store *queue.Store, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:    store,
		interval: time.Duration(cfg.Queue.ReapInterval) * time.Second,
		logger:   logging.NewComponentLogger(logger, "reaper"),
	}
}

// Run reaps on the interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			reaped, err := r.store.ReapExpiredLeases(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				r.logger.Error("reap expired leases", logging.Error(err))
				continue
			}
			if reaped > 0 {
				telemetry.LeasesReaped.Add(float64(reaped))
				r.logger.Info("leases reaped", logging.Int64("count", reaped))
			}
		}
	}
}
