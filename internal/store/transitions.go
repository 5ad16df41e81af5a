package store

import "telecare/session-service/internal/models"

var transitionMap = map[string][]string{
	models.StatusPending:   {models.StatusConfirmed, models.StatusCancelled},
	models.StatusConfirmed: {models.StatusCompleted, models.StatusNoShow, models.StatusCancelled},
}

// ValidTransition reports whether an appointment may move from one status to
// another. Terminal statuses have no outgoing transitions, and nothing is
// ever allowed back to pending.
func ValidTransition(from, to string) bool {
	if to == models.StatusPending {
		return false
	}
	allowed, ok := transitionMap[from]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == to {
			return true
		}
	}
	return false
}
