package workflow

import (
	"strings"
	"time"
)

// Status represents the lifecycle phase of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRejected  Status = "rejected"
)

const awaitingPrefix = "awaiting_"

// Gate names a suspension point where a run waits for an external decision
// or task completion.
type Gate string

const (
	GateIdeation Gate = "ideation"
	GateRender   Gate = "render"
	GateReview   Gate = "review"
	GatePublish  Gate = "publish"
)

var allGates = []Gate{GateIdeation, GateRender, GateReview, GatePublish}

// Approval reports whether the gate waits on a human decision rather than an
// external task completion.
func (g Gate) Approval() bool {
	return g == GateIdeation || g == GateReview
}

// ValidGate reports whether name is a declared gate.
func ValidGate(name string) bool {
	for _, gate := range allGates {
		if string(gate) == name {
			return true
		}
	}
	return false
}

// AwaitingStatus returns the run status for a run suspended at gate.
func AwaitingStatus(gate Gate) Status {
	return Status(awaitingPrefix + string(gate))
}

// AwaitedGate returns the gate a status suspends at, or "" for non-awaiting
// statuses.
func AwaitedGate(status Status) Gate {
	if !strings.HasPrefix(string(status), awaitingPrefix) {
		return ""
	}
	return Gate(strings.TrimPrefix(string(status), awaitingPrefix))
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// Run is one instance of a workflow graph execution. The checkpoint is owned
// exclusively by this package; jobs reference runs but never mutate them.
type Run struct {
	ID           string
	WorkflowName string
	Status       Status
	CurrentStep  string
	State        State
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Decision carries an external actor's input into a suspended run: an
// approval verdict for approval gates, or a task completion for external
// task gates.
type Decision struct {
	Approved *bool
	TaskID   string
	Output   string
	Failure  string
}

// Projection is the read-only run status surface exposed to callers.
type Projection struct {
	RunID       string            `json:"run_id"`
	Workflow    string            `json:"workflow"`
	Status      Status            `json:"status"`
	CurrentStep string            `json:"current_step,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// Project renders the caller-facing view of a run.
func Project(run *Run) Projection {
	return Projection{
		RunID:       run.ID,
		Workflow:    run.WorkflowName,
		Status:      run.Status,
		CurrentStep: run.CurrentStep,
		Artifacts:   run.State.Artifacts(),
		Error:       run.ErrorMessage,
	}
}
