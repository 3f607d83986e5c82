package queue

import "errors"

// ErrLeaseLost indicates a worker tried to commit a decision for a job it no
// longer holds: the lease expired and was reaped, or another transition won.
// The decision must be discarded; the job will be re-executed elsewhere.
var ErrLeaseLost = errors.New("job lease lost")

// ErrNotFound indicates the requested job does not exist.
var ErrNotFound = errors.New("job not found")
