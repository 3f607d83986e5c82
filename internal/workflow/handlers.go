package workflow

import (
	"context"
	"errors"
	"fmt"

	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/worker"
)

// RegisterHandlers binds the engine's job handlers into the worker registry.
func RegisterHandlers(registry *worker.Registry, e *Engine) {
	registry.Register(queue.TypeRunAdvance, e.HandleAdvance)
	registry.Register(queue.TypeRunResume, e.HandleResume)
	registry.Register(queue.TypeRenderPoll, e.HandleRenderPoll)
	registry.Register(queue.TypePublishPoll, e.HandlePublishPoll)
}

// HandleAdvance executes a run.advance job. Transient step failures retry
// the job; on the final attempt the run is failed so it never strands in
// running with no job left to drive it.
func (e *Engine) HandleAdvance(ctx context.Context, job *queue.Job) worker.Outcome {
	payload, err := decodeAdvance(job)
	if err != nil {
		return worker.FailedPermanent(err)
	}

	_, err = e.Advance(ctx, payload.RunID)
	switch {
	case err == nil:
		return worker.Completed()
	case errors.Is(err, ErrRunNotFound):
		return worker.FailedPermanent(err)
	case IsPermanent(err):
		// Advance already failed the run; the job has nothing left to do.
		return worker.FailedPermanent(err)
	default:
		if lastAttempt(job) {
			if failErr := e.FailRun(ctx, payload.RunID, err); failErr != nil {
				e.logger.Error("fail run after exhausted advance",
					logging.String("run_id", payload.RunID),
					logging.Error(failErr))
			}
		}
		return worker.Failed(err)
	}
}

// HandleResume executes a run.resume job produced by webhook ingestion.
// A duplicate delivery that lost the race finds the gate already released
// and completes as a no-op.
func (e *Engine) HandleResume(ctx context.Context, job *queue.Job) worker.Outcome {
	payload, err := decodeResume(job)
	if err != nil {
		return worker.FailedPermanent(err)
	}

	_, err = e.Resume(ctx, payload.RunID, Gate(payload.Gate), Decision{
		Approved: payload.Approved,
		TaskID:   payload.TaskID,
		Output:   payload.Output,
		Failure:  payload.Failure,
	})
	switch {
	case err == nil:
		return worker.Completed()
	case errors.Is(err, ErrGateNotAwaiting):
		e.logger.Info("resume already applied",
			logging.String("run_id", payload.RunID),
			logging.String("gate", payload.Gate))
		return worker.Completed()
	case errors.Is(err, ErrRunNotFound), IsPermanent(err):
		return worker.FailedPermanent(err)
	default:
		return worker.Failed(err)
	}
}

// HandleRenderPoll checks the render service for task completion.
func (e *Engine) HandleRenderPoll(ctx context.Context, job *queue.Job) worker.Outcome {
	return e.handleTaskPoll(ctx, job, GateRender, e.render.Status)
}

// HandlePublishPoll checks the publish service for task completion.
func (e *Engine) HandlePublishPoll(ctx context.Context, job *queue.Job) worker.Outcome {
	return e.handleTaskPoll(ctx, job, GatePublish, e.publish.Status)
}

// handleTaskPoll is the shared poll loop body for external task gates. An
// unfinished task reschedules the poll without consuming an attempt; a
// finished one resumes the run through the same path webhooks use, so the
// first of the two to land wins and the other becomes a no-op.
func (e *Engine) handleTaskPoll(ctx context.Context, job *queue.Job, gate Gate, status func(context.Context, string) (TaskState, error)) worker.Outcome {
	payload, err := decodePoll(job)
	if err != nil {
		return worker.FailedPermanent(err)
	}

	run, err := e.runs.Get(ctx, payload.RunID)
	if errors.Is(err, ErrRunNotFound) {
		return worker.FailedPermanent(err)
	}
	if err != nil {
		return worker.Failed(err)
	}
	if run.Status != AwaitingStatus(gate) || run.State.TaskID(gate) != payload.TaskID {
		// The webhook got here first, or the run moved on. Polling is done.
		return worker.Completed()
	}

	task, err := status(ctx, payload.TaskID)
	if err != nil {
		return worker.Failed(fmt.Errorf("poll %s task %s: %w", gate, payload.TaskID, err))
	}
	if !task.Done && !task.Failed {
		return worker.Reschedule(e.pollDelay, fmt.Sprintf("%s task %s still in progress", gate, payload.TaskID))
	}

	decision := Decision{TaskID: payload.TaskID, Output: task.Output}
	if task.Failed {
		decision.Failure = task.Error
		if decision.Failure == "" {
			decision.Failure = fmt.Sprintf("%s task %s failed", gate, payload.TaskID)
		}
	}

	_, err = e.Resume(ctx, payload.RunID, gate, decision)
	switch {
	case err == nil:
		return worker.Completed()
	case errors.Is(err, ErrGateNotAwaiting):
		return worker.Completed()
	case IsPermanent(err):
		return worker.FailedPermanent(err)
	default:
		return worker.Failed(err)
	}
}

func lastAttempt(job *queue.Job) bool {
	return job.Attempts+1 >= job.MaxAttempts
}

func decodeAdvance(job *queue.Job) (queue.RunAdvancePayload, error) {
	payload, err := queue.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return queue.RunAdvancePayload{}, err
	}
	typed, ok := payload.(queue.RunAdvancePayload)
	if !ok {
		return queue.RunAdvancePayload{}, fmt.Errorf("job %s carries %T, want run advance", job.ID, payload)
	}
	return typed, nil
}

func decodeResume(job *queue.Job) (queue.RunResumePayload, error) {
	payload, err := queue.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return queue.RunResumePayload{}, err
	}
	typed, ok := payload.(queue.RunResumePayload)
	if !ok {
		return queue.RunResumePayload{}, fmt.Errorf("job %s carries %T, want run resume", job.ID, payload)
	}
	return typed, nil
}

func decodePoll(job *queue.Job) (queue.TaskPollPayload, error) {
	payload, err := queue.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return queue.TaskPollPayload{}, err
	}
	switch typed := payload.(type) {
	case queue.RenderPollPayload:
		return typed.TaskPollPayload, nil
	case queue.PublishPollPayload:
		return typed.TaskPollPayload, nil
	}
	return queue.TaskPollPayload{}, fmt.Errorf("job %s carries %T, want task poll", job.ID, payload)
}
