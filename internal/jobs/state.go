// Package jobs implements the job lifecycle: the status state machine, the
// manager that owns transitions and cancellation, and the worker pool that
// executes task handlers.
package jobs

import "github.com/creeklabs/loreforge/internal/lore"

// transitions is the complete set of legal status changes. Anything not
// listed is rejected with ErrInvalidTransition.
var transitions = map[lore.JobStatus][]lore.JobStatus{
	lore.JobPending:    {lore.JobInProgress, lore.JobCancelling, lore.JobCanceled},
	lore.JobInProgress: {lore.JobCompleted, lore.JobFailed, lore.JobCancelling},
	lore.JobCancelling: {lore.JobCanceled},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to lore.JobStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func IsTerminal(s lore.JobStatus) bool {
	return s == lore.JobCompleted || s == lore.JobFailed || s == lore.JobCanceled
}
