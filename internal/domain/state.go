package domain

type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusCompleted ItemStatus = "completed"
	StatusFailed    ItemStatus = "failed"
	StatusPoisoned  ItemStatus = "poisoned"
)

func (s ItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusPoisoned:
		return true
	}
	return false
}

// Dispatchable reports whether next_batch may select an item in this status.
func (s ItemStatus) Dispatchable() bool {
	return s == StatusPending || s == StatusFailed
}

// IsAllowedTransition encodes the work item lifecycle. Nothing leaves completed and
// nothing returns to pending. poisoned only moves back to failed through an operator replay.
func IsAllowedTransition(from, to ItemStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted || to == StatusFailed || to == StatusPoisoned
	case StatusFailed:
		return to == StatusCompleted || to == StatusFailed || to == StatusPoisoned
	case StatusPoisoned:
		return to == StatusFailed
	default:
		return false
	}
}

type JobStatus string

const (
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobPaused     JobStatus = "paused"
)
