package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/queue"
)

// ErrGateNotAwaiting indicates a resume targeted a gate the run is not
// currently suspended at. Duplicate webhook deliveries and poll/webhook
// races surface as this error; job handlers treat it as an idempotent no-op
// while API callers see a conflict.
var ErrGateNotAwaiting = errors.New("run is not awaiting this gate")

// permanentError marks failures that retrying cannot fix. The run they
// belong to is failed outright instead of burning job attempts.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error so the engine and job handlers treat it as
// non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err is marked non-retryable.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// Result reports where a run landed after an engine operation.
type Result struct {
	Run       *Run
	Suspended Gate
}

// Engine drives workflow runs: it executes step graphs, checkpoints after
// every step, parks runs at gates, and applies external decisions. All
// stepwise progress happens inside queue jobs so a crashed worker's work is
// replayed, never lost.
type Engine struct {
	runs      *RunStore
	jobs      *queue.Store
	render    RenderService
	publish   PublishService
	pollDelay time.Duration
	logger    *slog.Logger
}

// NewEngine wires the engine over the shared stores and external services.
func NewEngine(cfg *config.Config, runs *RunStore, jobs *queue.Store, render RenderService, publish PublishService, logger *slog.Logger) *Engine {
	return &Engine{
		runs:      runs,
		jobs:      jobs,
		render:    render,
		publish:   publish,
		pollDelay: time.Duration(cfg.Services.TaskPollInterval) * time.Second,
		logger:    logging.NewComponentLogger(logger, "workflow"),
	}
}

// CreateRun registers a new pending run for topic and enqueues the advance
// job that will execute it. The run never progresses inline; workers own
// all stepwise writes.
func (e *Engine) CreateRun(ctx context.Context, workflowName, topic string) (*Run, error) {
	if workflowName == "" {
		workflowName = WorkflowVideoPublish
	}
	if !KnownWorkflow(workflowName) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflowName)
	}

	run, err := e.runs.Create(ctx, workflowName, NewState(topic))
	if err != nil {
		return nil, err
	}
	if err := e.enqueueAdvance(ctx, run.ID); err != nil {
		return nil, err
	}

	e.logger.Info("run created",
		logging.String("run_id", run.ID),
		logging.String("workflow", workflowName))
	return run, nil
}

// Advance executes the run's step graph from wherever the checkpoint left
// off, until the run completes or parks at a gate. Steps are idempotent, so
// re-running after a crash repeats no external side effects. Each completed
// step checkpoints before the next one starts.
func (e *Engine) Advance(ctx context.Context, runID string) (*Result, error) {
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}

	switch {
	case run.Status.Terminal():
		return &Result{Run: run}, nil
	case AwaitedGate(run.Status) != "":
		return &Result{Run: run, Suspended: AwaitedGate(run.Status)}, nil
	case run.Status == StatusPending:
		if err := e.transition(ctx, run, triggerStart); err != nil {
			return nil, err
		}
	}

	steps, err := stepsFor(run.WorkflowName)
	if err != nil {
		if failErr := e.failInline(ctx, run, err); failErr != nil {
			return nil, errors.Join(err, failErr)
		}
		return nil, err
	}

	for _, st := range steps {
		outcome, stepErr := st.run(ctx, e, run)
		if stepErr != nil {
			if IsPermanent(stepErr) {
				if failErr := e.failInline(ctx, run, stepErr); failErr != nil {
					return nil, errors.Join(stepErr, failErr)
				}
				return nil, stepErr
			}
			// Transient failure: keep whatever the step recorded so the
			// retry resumes instead of restarting.
			if saveErr := e.runs.SaveCheckpoint(ctx, run.ID, run.State, st.name); saveErr != nil {
				e.logger.Error("checkpoint after step failure",
					logging.String("run_id", run.ID),
					logging.Error(saveErr))
			}
			return nil, fmt.Errorf("step %s: %w", st.name, stepErr)
		}
		run.CurrentStep = st.name
		if err := e.runs.SaveCheckpoint(ctx, run.ID, run.State, st.name); err != nil {
			return nil, err
		}

		if outcome.Suspend == "" {
			continue
		}
		if outcome.PollTaskID != "" {
			if err := e.enqueuePoll(ctx, run.ID, outcome.Suspend, outcome.PollTaskID); err != nil {
				return nil, err
			}
		}
		if err := e.transition(ctx, run, awaitTrigger(outcome.Suspend)); err != nil {
			return nil, err
		}
		e.logger.Info("run suspended",
			logging.String("run_id", run.ID),
			logging.String("gate", string(outcome.Suspend)),
			logging.String("step", st.name))
		return &Result{Run: run, Suspended: outcome.Suspend}, nil
	}

	if err := e.transition(ctx, run, triggerComplete); err != nil {
		return nil, err
	}
	e.logger.Info("run completed", logging.String("run_id", run.ID))
	return &Result{Run: run}, nil
}

// Resume applies an external decision to a run suspended at gate, then
// schedules the advance job that continues execution. The decision and the
// status change commit atomically; when two decisions race, exactly one
// lands and the other returns ErrGateNotAwaiting.
func (e *Engine) Resume(ctx context.Context, runID string, gate Gate, decision Decision) (*Result, error) {
	if !ValidGate(string(gate)) {
		return nil, Permanent(fmt.Errorf("unknown gate %q", gate))
	}

	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	awaiting := AwaitingStatus(gate)
	if run.Status != awaiting {
		return nil, fmt.Errorf("%w: run %s is %s, gate %s", ErrGateNotAwaiting, runID, run.Status, gate)
	}

	if gate.Approval() {
		if decision.Approved == nil {
			return nil, Permanent(fmt.Errorf("gate %s requires an approve or reject decision", gate))
		}
		if !*decision.Approved {
			return e.reject(ctx, run, gate)
		}
		approved := true
		switch gate {
		case GateIdeation:
			run.State.IdeationApproved = &approved
		case GateReview:
			run.State.ReviewApproved = &approved
		}
	} else {
		expected := run.State.TaskID(gate)
		if decision.TaskID == "" || decision.TaskID != expected {
			return nil, Permanent(fmt.Errorf("gate %s expects task %q, got %q", gate, expected, decision.TaskID))
		}
		if decision.Failure != "" {
			return e.failAtGate(ctx, run, gate, decision.Failure)
		}
		if decision.Output == "" {
			return nil, Permanent(fmt.Errorf("gate %s completion requires an output", gate))
		}
		switch gate {
		case GateRender:
			run.State.VideoFile = decision.Output
		case GatePublish:
			run.State.PublishedURL = decision.Output
		}
	}

	next := run.Status
	if err := fire(ctx, &next, triggerResume); err != nil {
		return nil, Permanent(err)
	}
	if err := e.runs.TransitionWithCheckpoint(ctx, run.ID, awaiting, next, run.State, run.CurrentStep); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return nil, fmt.Errorf("%w: run %s left gate %s concurrently", ErrGateNotAwaiting, runID, gate)
		}
		return nil, err
	}
	run.Status = next

	if err := e.enqueueAdvance(ctx, run.ID); err != nil {
		return nil, err
	}
	e.logger.Info("run resumed",
		logging.String("run_id", run.ID),
		logging.String("gate", string(gate)))
	return &Result{Run: run}, nil
}

// FailRun marks a run failed with cause. Terminal runs are left untouched.
func (e *Engine) FailRun(ctx context.Context, runID string, cause error) error {
	run, err := e.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	return e.failInline(ctx, run, cause)
}

func (e *Engine) reject(ctx context.Context, run *Run, gate Gate) (*Result, error) {
	next := run.Status
	if err := fire(ctx, &next, triggerReject); err != nil {
		return nil, Permanent(err)
	}
	if err := e.runs.TransitionWithCheckpoint(ctx, run.ID, run.Status, next, run.State, run.CurrentStep); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return nil, fmt.Errorf("%w: run %s left gate %s concurrently", ErrGateNotAwaiting, run.ID, gate)
		}
		return nil, err
	}
	run.Status = next
	e.logger.Info("run rejected",
		logging.String("run_id", run.ID),
		logging.String("gate", string(gate)))
	return &Result{Run: run}, nil
}

func (e *Engine) failAtGate(ctx context.Context, run *Run, gate Gate, failure string) (*Result, error) {
	next := run.Status
	if err := fire(ctx, &next, triggerFail); err != nil {
		return nil, Permanent(err)
	}
	if err := e.runs.TransitionWithCheckpoint(ctx, run.ID, run.Status, next, run.State, run.CurrentStep); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return nil, fmt.Errorf("%w: run %s left gate %s concurrently", ErrGateNotAwaiting, run.ID, gate)
		}
		return nil, err
	}
	run.Status = next
	if err := e.runs.SetError(ctx, run.ID, failure); err != nil {
		return nil, err
	}
	run.ErrorMessage = failure
	e.logger.Warn("run failed at gate",
		logging.String("run_id", run.ID),
		logging.String("gate", string(gate)),
		logging.String("error", failure))
	return &Result{Run: run}, nil
}

// failInline force-fails a run from whatever non-terminal status it holds.
// Only its own persistence problems come back as errors; the triggering
// cause stays with the caller.
func (e *Engine) failInline(ctx context.Context, run *Run, cause error) error {
	next := run.Status
	if err := fire(ctx, &next, triggerFail); err != nil {
		return err
	}
	if err := e.runs.Transition(ctx, run.ID, run.Status, next); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			// A concurrent writer moved the run; leave their outcome alone.
			return nil
		}
		return err
	}
	run.Status = next
	if err := e.runs.SetError(ctx, run.ID, cause.Error()); err != nil {
		return err
	}
	run.ErrorMessage = cause.Error()
	e.logger.Warn("run failed",
		logging.String("run_id", run.ID),
		logging.Error(cause))
	return nil
}

func (e *Engine) transition(ctx context.Context, run *Run, t trigger) error {
	prev := run.Status
	next := prev
	if err := fire(ctx, &next, t); err != nil {
		return err
	}
	if err := e.runs.Transition(ctx, run.ID, prev, next); err != nil {
		return err
	}
	run.Status = next
	return nil
}

func (e *Engine) enqueueAdvance(ctx context.Context, runID string) error {
	_, _, err := e.jobs.Enqueue(ctx, queue.RunAdvancePayload{RunID: runID}, queue.EnqueueOptions{
		IdempotencyKey: queue.AdvanceKey(runID),
		RunID:          runID,
	})
	if err != nil {
		return fmt.Errorf("enqueue advance for run %s: %w", runID, err)
	}
	return nil
}

func (e *Engine) enqueuePoll(ctx context.Context, runID string, gate Gate, taskID string) error {
	var payload queue.Payload
	switch gate {
	case GateRender:
		payload = queue.RenderPollPayload{TaskPollPayload: queue.TaskPollPayload{RunID: runID, TaskID: taskID}}
	case GatePublish:
		payload = queue.PublishPollPayload{TaskPollPayload: queue.TaskPollPayload{RunID: runID, TaskID: taskID}}
	default:
		return fmt.Errorf("gate %s has no poll job", gate)
	}
	_, _, err := e.jobs.Enqueue(ctx, payload, queue.EnqueueOptions{
		IdempotencyKey: queue.PollKey(runID, taskID),
		RunID:          runID,
		AvailableAt:    time.Now().UTC().Add(e.pollDelay),
	})
	if err != nil {
		return fmt.Errorf("enqueue %s poll for run %s: %w", gate, runID, err)
	}
	return nil
}
