package workflow

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"
)

type trigger string

const (
	triggerStart    trigger = "start"
	triggerResume   trigger = "resume"
	triggerReject   trigger = "reject"
	triggerFail     trigger = "fail"
	triggerComplete trigger = "complete"
)

func awaitTrigger(gate Gate) trigger {
	return trigger("await:" + string(gate))
}

// newRunMachine configures the run lifecycle over an external status cell.
// The machine is the single place transition legality lives; stores only
// ever see statuses that came out of a successful fire.
func newRunMachine(status *Status) *stateless.StateMachine {
	machine := stateless.NewStateMachineWithExternalStorage(
		func(_ context.Context) (any, error) {
			return *status, nil
		},
		func(_ context.Context, state any) error {
			*status = state.(Status)
			return nil
		},
		stateless.FiringImmediate,
	)

	machine.Configure(StatusPending).
		Permit(triggerStart, StatusRunning).
		Permit(triggerFail, StatusFailed)

	running := machine.Configure(StatusRunning).
		Permit(triggerComplete, StatusCompleted).
		Permit(triggerFail, StatusFailed)
	for _, gate := range allGates {
		running.Permit(awaitTrigger(gate), AwaitingStatus(gate))
	}

	for _, gate := range allGates {
		awaiting := machine.Configure(AwaitingStatus(gate)).
			Permit(triggerResume, StatusRunning).
			Permit(triggerFail, StatusFailed)
		if gate.Approval() {
			awaiting.Permit(triggerReject, StatusRejected)
		}
	}

	return machine
}

// fire applies a trigger to the in-memory status, rejecting transitions the
// lifecycle does not permit.
func fire(ctx context.Context, status *Status, t trigger) error {
	if err := newRunMachine(status).FireCtx(ctx, t); err != nil {
		return fmt.Errorf("cannot %s a %s run: %w", t, *status, err)
	}
	return nil
}
