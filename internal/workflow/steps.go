package workflow

import (
	"context"
	"errors"
	"fmt"
)

// WorkflowVideoPublish is the built-in content production workflow: draft an
// idea, script it, render the video externally, review it, publish it.
const WorkflowVideoPublish = "video.publish"

// TaskState describes an external task's progress as reported by a
// collaborating service.
type TaskState struct {
	Done   bool
	Output string
	Failed bool
	Error  string
}

// RenderSpec is the work order handed to the render service.
type RenderSpec struct {
	RunID  string
	Script string
}

// PublishSpec is the work order handed to the publish service.
type PublishSpec struct {
	RunID     string
	VideoFile string
}

// RenderService starts render tasks and reports their progress.
type RenderService interface {
	Start(ctx context.Context, spec RenderSpec) (string, error)
	Status(ctx context.Context, taskID string) (TaskState, error)
}

// PublishService starts publish tasks and reports their progress.
type PublishService interface {
	Start(ctx context.Context, spec PublishSpec) (string, error)
	Status(ctx context.Context, taskID string) (TaskState, error)
}

// stepOutcome tells the advance loop what to do after a step returns:
// continue to the next step, or park the run at a gate (optionally with a
// poll job scheduled against an external task).
type stepOutcome struct {
	Suspend    Gate
	PollTaskID string
}

// step is one node of a workflow graph. Steps mutate the run's in-memory
// state and must be idempotent: a re-entered step inspects the checkpoint
// and skips work that already happened.
type step struct {
	name string
	run  func(ctx context.Context, e *Engine, r *Run) (stepOutcome, error)
}

var workflows = map[string][]step{
	WorkflowVideoPublish: {
		{name: "ideate", run: stepIdeate},
		{name: "script", run: stepScript},
		{name: "render", run: stepRender},
		{name: "review", run: stepReview},
		{name: "publish", run: stepPublish},
	},
}

// ErrUnknownWorkflow indicates a run references a workflow graph this build
// does not declare.
var ErrUnknownWorkflow = errors.New("unknown workflow")

func stepsFor(workflowName string) ([]step, error) {
	steps, ok := workflows[workflowName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflow, workflowName)
	}
	return steps, nil
}

// KnownWorkflow reports whether a workflow graph is declared.
func KnownWorkflow(name string) bool {
	_, ok := workflows[name]
	return ok
}

func stepIdeate(_ context.Context, _ *Engine, r *Run) (stepOutcome, error) {
	if r.State.Topic == "" {
		return stepOutcome{}, Permanent(errors.New("run has no topic"))
	}
	if r.State.Idea == "" {
		r.State.Idea = fmt.Sprintf("Concept outline for %q", r.State.Topic)
	}
	if r.State.IdeationApproved == nil {
		return stepOutcome{Suspend: GateIdeation}, nil
	}
	return stepOutcome{}, nil
}

func stepScript(_ context.Context, _ *Engine, r *Run) (stepOutcome, error) {
	if r.State.Script == "" {
		r.State.Script = fmt.Sprintf("Script draft for %q based on: %s", r.State.Topic, r.State.Idea)
	}
	return stepOutcome{}, nil
}

func stepRender(ctx context.Context, e *Engine, r *Run) (stepOutcome, error) {
	if r.State.VideoFile != "" {
		return stepOutcome{}, nil
	}
	if r.State.RenderTaskID == "" {
		taskID, err := e.render.Start(ctx, RenderSpec{RunID: r.ID, Script: r.State.Script})
		if err != nil {
			return stepOutcome{}, fmt.Errorf("start render task: %w", err)
		}
		if taskID == "" {
			return stepOutcome{}, Permanent(errors.New("render service returned an empty task id"))
		}
		r.State.RenderTaskID = taskID
	}
	return stepOutcome{Suspend: GateRender, PollTaskID: r.State.RenderTaskID}, nil
}

func stepReview(_ context.Context, _ *Engine, r *Run) (stepOutcome, error) {
	if r.State.ReviewApproved == nil {
		return stepOutcome{Suspend: GateReview}, nil
	}
	return stepOutcome{}, nil
}

func stepPublish(ctx context.Context, e *Engine, r *Run) (stepOutcome, error) {
	if r.State.PublishedURL != "" {
		return stepOutcome{}, nil
	}
	if r.State.PublishTaskID == "" {
		taskID, err := e.publish.Start(ctx, PublishSpec{RunID: r.ID, VideoFile: r.State.VideoFile})
		if err != nil {
			return stepOutcome{}, fmt.Errorf("start publish task: %w", err)
		}
		if taskID == "" {
			return stepOutcome{}, Permanent(errors.New("publish service returned an empty task id"))
		}
		r.State.PublishTaskID = taskID
	}
	return stepOutcome{Suspend: GatePublish, PollTaskID: r.State.PublishTaskID}, nil
}
