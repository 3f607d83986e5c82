package queue

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusClaimed   Status = "claimed"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

var allStatuses = []Status{
	StatusPending,
	StatusClaimed,
	StatusSucceeded,
	StatusFailed,
	StatusDead,
}

// AllStatuses returns the known job statuses in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusDead:
		return true
	}
	return false
}

// ValidStatus reports whether value names a known status.
func ValidStatus(value string) bool {
	for _, status := range allStatuses {
		if string(status) == value {
			return true
		}
	}
	return false
}

// Job is a unit of deferred work persisted in the ledger.
type Job struct {
	ID             string
	Type           string
	IdempotencyKey string
	RunID          string
	Payload        json.RawMessage
	Status         Status
	Attempts       int
	MaxAttempts    int
	AvailableAt    time.Time
	ClaimedBy      string
	LeaseExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// LeaseActive reports whether the job holds an unexpired lease at now.
func (j *Job) LeaseActive(now time.Time) bool {
	return j.Status == StatusClaimed && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.After(now)
}

// HealthSummary describes aggregated ledger counts per key lifecycle states.
type HealthSummary struct {
	Total     int
	Pending   int
	Claimed   int
	Succeeded int
	Failed    int
	Dead      int
}
