package workflow

import "github.com/pesio-ai/be-screening-workflow/internal/model"

// deriveOverallStatus computes a session's overall_status from its step
// statuses and lock state, following spec.md §4.1's priority order exactly.
func deriveOverallStatus(steps []*model.StepRecord, locked bool) model.Status {
	var finalApproved bool
	allDone := true
	anyRejected := false
	anyRequiresApproval := false
	anyInProgress := false

	for _, s := range steps {
		switch s.Status {
		case model.StatusCompleted, model.StatusApproved:
			if s.Step == model.StepFinalApproval && s.Status == model.StatusApproved {
				finalApproved = true
			}
		default:
			allDone = false
		}
		if s.Status == model.StatusRejected {
			anyRejected = true
		}
		if s.Status == model.StatusRequiresApproval {
			anyRequiresApproval = true
		}
		if s.Status == model.StatusInProgress {
			anyInProgress = true
		}
	}

	switch {
	case allDone && finalApproved:
		return model.StatusApproved
	case anyRejected:
		return model.StatusRejected
	case locked:
		return model.StatusLocked
	case anyRequiresApproval:
		return model.StatusRequiresApproval
	case anyInProgress:
		return model.StatusInProgress
	default:
		return model.StatusPending
	}
}
