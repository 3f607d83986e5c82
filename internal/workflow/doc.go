// Package workflow implements the run state machine: a directed graph of
// named steps with typed, versioned state, checkpointed after every step,
// able to suspend at declared gates and resume from an external signal.
//
// A run's checkpoint is the only state visible to resumption; suspending
// captures everything needed to continue in another process or after a
// restart. Status transitions are validated through a state machine and
// persisted with compare-and-set updates so concurrent resume attempts for
// the same gate resolve to exactly one applied decision.
package workflow
