package worker

import "time"

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFailed
	outcomeReschedule
)

// Outcome is a handler's verdict on a claimed job. Exactly one of the
// constructors produces it; the worker turns it into the matching ledger
// commit.
type Outcome struct {
	kind      outcomeKind
	err       error
	permanent bool
	delay     time.Duration
	reason    string
}

// Completed reports successful handling.
func Completed() Outcome {
	return Outcome{kind: outcomeCompleted}
}

// Failed reports a retryable failure. The worker consumes an attempt and
// backs the job off before the next try.
func Failed(err error) Outcome {
	return Outcome{kind: outcomeFailed, err: err}
}

// FailedPermanent reports a failure retrying cannot fix, such as a payload
// that does not validate. The job goes terminal immediately regardless of
// remaining attempts.
func FailedPermanent(err error) Outcome {
	return Outcome{kind: outcomeFailed, err: err, permanent: true}
}

// Reschedule asks for the job to run again after delay without consuming an
// attempt. Expected waiting, such as polling an unfinished external task, is
// not failure.
func Reschedule(delay time.Duration, reason string) Outcome {
	return Outcome{kind: outcomeReschedule, delay: delay, reason: reason}
}

// Err returns the failure carried by a Failed outcome, or nil.
func (o Outcome) Err() error { return o.err }
