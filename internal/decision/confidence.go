package decision

import (
	"orchestration-core/internal/models"
)

// HeuristicConfidence is the default deterministic confidence scorer.
// It starts from a strong prior and discounts for urgency and for a thin
// or troubled execution history of the task's type.
func HeuristicConfidence(task models.Task, history models.History) float64 {
	confidence := 0.95

	// Urgent work gets less benefit of the doubt.
	if task.Priority > 0 {
		confidence -= 0.03 * float64(task.Priority)
	}

	if history.TotalTasks == 0 {
		// Nothing of this type has run before.
		confidence -= 0.15
	} else {
		confidence -= (1 - history.SuccessRate) * 0.30
		if history.RecentFailures > 0 {
			confidence -= 0.05 * float64(history.RecentFailures)
		}
	}

	return clamp01(confidence)
}
