package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Job types form a closed set: each type has exactly one payload shape, and
// payloads are validated at enqueue time rather than inside handlers.
const (
	TypeRunAdvance  = "run.advance"
	TypeRunResume   = "run.resume"
	TypeRenderPoll  = "render.poll"
	TypePublishPoll = "publish.poll"
)

// ErrUnknownJobType indicates a job type with no registered payload shape.
var ErrUnknownJobType = errors.New("unknown job type")

// Payload is implemented by the typed body of each job type.
type Payload interface {
	JobType() string
	Validate() error
}

// RunAdvancePayload asks a worker to advance a run until it suspends or ends.
type RunAdvancePayload struct {
	RunID string `json:"run_id"`
}

func (p RunAdvancePayload) JobType() string { return TypeRunAdvance }

func (p RunAdvancePayload) Validate() error {
	if p.RunID == "" {
		return errors.New("run.advance: run_id is required")
	}
	return nil
}

// RunResumePayload carries an external decision or task completion into a
// suspended run. Approved is set for approval gates; TaskID, Output, and
// Failure describe external task completions.
type RunResumePayload struct {
	RunID    string `json:"run_id"`
	Gate     string `json:"gate"`
	TaskID   string `json:"task_id,omitempty"`
	Approved *bool  `json:"approved,omitempty"`
	Output   string `json:"output,omitempty"`
	Failure  string `json:"failure,omitempty"`
}

func (p RunResumePayload) JobType() string { return TypeRunResume }

func (p RunResumePayload) Validate() error {
	if p.RunID == "" {
		return errors.New("run.resume: run_id is required")
	}
	if p.Gate == "" {
		return errors.New("run.resume: gate is required")
	}
	if p.Approved == nil && p.TaskID == "" {
		return errors.New("run.resume: either approved or task_id must be set")
	}
	return nil
}

// TaskPollPayload asks a worker to check an external task for completion.
type TaskPollPayload struct {
	RunID  string `json:"run_id"`
	TaskID string `json:"task_id"`
}

// RenderPollPayload polls the render collaborator.
type RenderPollPayload struct{ TaskPollPayload }

func (p RenderPollPayload) JobType() string { return TypeRenderPoll }

func (p RenderPollPayload) Validate() error { return p.validate(TypeRenderPoll) }

// PublishPollPayload polls the publish collaborator.
type PublishPollPayload struct{ TaskPollPayload }

func (p PublishPollPayload) JobType() string { return TypePublishPoll }

func (p PublishPollPayload) Validate() error { return p.validate(TypePublishPoll) }

func (p TaskPollPayload) validate(jobType string) error {
	if p.RunID == "" {
		return fmt.Errorf("%s: run_id is required", jobType)
	}
	if p.TaskID == "" {
		return fmt.Errorf("%s: task_id is required", jobType)
	}
	return nil
}

// DecodePayload unmarshals raw into the typed payload for jobType.
func DecodePayload(jobType string, raw json.RawMessage) (Payload, error) {
	var (
		payload Payload
		err     error
	)
	switch jobType {
	case TypeRunAdvance:
		var p RunAdvancePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case TypeRunResume:
		var p RunResumePayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case TypeRenderPoll:
		var p RenderPollPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	case TypePublishPoll:
		var p PublishPollPayload
		err = json.Unmarshal(raw, &p)
		payload = p
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", jobType, err)
	}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// IngestionType reports whether jobs of this type originate from webhook
// ingestion. Exhausted ingestion jobs move to dead and are captured in the
// dead-letter store instead of plain failed.
func IngestionType(jobType string) bool {
	return jobType == TypeRunResume
}

// ResumeKey derives the idempotency key scoping one resume per external
// task: whichever of poll or webhook lands first wins exactly once.
func ResumeKey(runID, taskID string) string {
	return "resume:" + runID + ":" + taskID
}

// PollKey derives the idempotency key scoping one active poll job per
// external task.
func PollKey(runID, taskID string) string {
	return "poll:" + runID + ":" + taskID
}

// AdvanceKey derives the idempotency key keeping at most one active advance
// job per run, preserving the single-writer-per-run discipline.
func AdvanceKey(runID string) string {
	return "advance:" + runID
}
