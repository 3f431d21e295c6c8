package workflow

import (
	"context"
	"time"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
	"github.com/pesio-ai/be-screening-workflow/pkg/metrics"
)

// LockSession takes a session-wide or step-scoped exclusive lock. Only
// doctors and supervisors may lock (spec.md §4.2.3).
func (e *Engine) LockSession(ctx context.Context, in LockSessionInput) (*model.SessionLock, error) {
	step := model.StepCompleted
	if in.Step != nil {
		step = *in.Step
	}

	var result *model.SessionLock
	err := e.withSessionLock(ctx, in.SessionID, func() error {
		session, err := e.sessions.GetByID(ctx, in.SessionID)
		if err != nil {
			return err
		}
		if err := e.checkPermission(ctx, in.Actor, in.SessionID, session.CurrentStep, model.ActionLock); err != nil {
			return err
		}

		// A session-level lock blocks further lock operations the same way
		// it blocks update_step/request_approval (spec.md §4.3); this also
		// enforces "at most one active session-level lock" against a
		// differently-scoped new lock request.
		if _, err := e.checkLocks(ctx, in.Actor, in.SessionID, step); err != nil {
			return err
		}

		if in.Step == nil {
			existing, err := e.locks.GetActiveSessionLock(ctx, in.SessionID)
			if err != nil {
				return apperrors.Wrap(err, apperrors.Internal, "load session lock")
			}
			if existing != nil && !existing.IsExpired(e.clock.Now()) {
				return apperrors.New(apperrors.Conflict, "session is already locked").
					WithDetailsf("lock_id=%s", existing.ID)
			}
		} else {
			existing, err := e.locks.GetActiveStepLock(ctx, in.SessionID, *in.Step)
			if err != nil {
				return apperrors.Wrap(err, apperrors.Internal, "load step lock")
			}
			if existing != nil && !existing.IsExpired(e.clock.Now()) {
				return apperrors.New(apperrors.Conflict, "step is already locked").
					WithDetailsf("lock_id=%s step=%s", existing.ID, *in.Step)
			}
		}

		now := e.clock.Now()
		duration := e.lockDuration()
		if in.DurationHours > 0 {
			duration = time.Duration(in.DurationHours * float64(time.Hour))
		}
		lock := &model.SessionLock{
			ID:         e.ids.NewID("lock"),
			SessionID:  in.SessionID,
			Step:       in.Step,
			HolderID:   in.Actor.UserID,
			HolderName: in.Actor.Name,
			LockedAt:   now,
			Type:       in.Type,
			Reason:     in.Reason,
			ExpiresAt:  now.Add(duration),
			Active:     true,
		}
		if err := e.locks.Create(ctx, lock); err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "create session lock")
		}

		if in.Step == nil {
			session.Locked = true
			reason := in.Reason
			session.LockReason = &reason
		}
		steps, err := e.sessions.GetSteps(ctx, in.SessionID)
		if err != nil {
			return err
		}
		session.OverallStatus = deriveOverallStatus(steps, session.Locked)
		session.UpdatedAt = now
		if err := e.sessions.UpdateCoreFields(ctx, session); err != nil {
			return err
		}

		entry := &model.ActivityLogEntry{
			ID:        e.ids.NewID("log"),
			SessionID: in.SessionID,
			PatientID: session.PatientID,
			Step:      step,
			Action:    model.ActionLock,
			UserID:    in.Actor.UserID,
			UserName:  in.Actor.Name,
			UserRole:  in.Actor.Role,
			SourceIP:  in.Actor.SourceIP,
			DeviceTag: in.Actor.DeviceTag,
			Timestamp: now,
			Comment:   in.Reason,
		}
		if err := e.logs.Append(ctx, entry); err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "append lock log entry")
		}

		result = lock
		metrics.LocksHeld.Inc()
		e.events.Publish(ctx, "session.locked", in.SessionID, string(step), in.Actor.UserID, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// UnlockSession deactivates every active lock on a session and returns a
// snapshot describing where the session may legally go next.
func (e *Engine) UnlockSession(ctx context.Context, in UnlockSessionInput) (*SessionStatus, error) {
	var result *SessionStatus
	err := e.withSessionLock(ctx, in.SessionID, func() error {
		session, err := e.sessions.GetByID(ctx, in.SessionID)
		if err != nil {
			return err
		}
		if err := e.checkPermission(ctx, in.Actor, in.SessionID, session.CurrentStep, model.ActionUnlock); err != nil {
			return err
		}

		wasLocked := session.Locked
		if err := e.locks.DeactivateAllForSession(ctx, in.SessionID); err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "deactivate session locks")
		}
		if wasLocked {
			metrics.LocksHeld.Dec()
		}

		now := e.clock.Now()
		session.Locked = false
		session.LockReason = nil
		steps, err := e.sessions.GetSteps(ctx, in.SessionID)
		if err != nil {
			return err
		}
		session.OverallStatus = deriveOverallStatus(steps, false)
		session.UpdatedAt = now
		if err := e.sessions.UpdateCoreFields(ctx, session); err != nil {
			return err
		}

		entry := &model.ActivityLogEntry{
			ID:        e.ids.NewID("log"),
			SessionID: in.SessionID,
			PatientID: session.PatientID,
			Step:      session.CurrentStep,
			Action:    model.ActionUnlock,
			UserID:    in.Actor.UserID,
			UserName:  in.Actor.Name,
			UserRole:  in.Actor.Role,
			SourceIP:  in.Actor.SourceIP,
			DeviceTag: in.Actor.DeviceTag,
			Timestamp: now,
			Comment:   in.Reason,
		}
		if err := e.logs.Append(ctx, entry); err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "append unlock log entry")
		}

		result = &SessionStatus{
			SessionID:     session.ID,
			CurrentStep:   session.CurrentStep,
			OverallStatus: session.OverallStatus,
			Locked:        false,
			NextSteps:     nextReachableSteps(steps, session.CurrentStep),
		}
		e.events.Publish(ctx, "session.unlocked", in.SessionID, string(session.CurrentStep), in.Actor.UserID, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// nextReachableSteps reports the steps that become actionable once a
// session is unlocked: the current step if still open, otherwise the step
// that follows it.
func nextReachableSteps(steps []*model.StepRecord, currentStep model.Step) []model.Step {
	for _, s := range steps {
		if s.Step != currentStep {
			continue
		}
		if s.Status == model.StatusCompleted || s.Status == model.StatusApproved {
			if next, ok := model.NextStep(currentStep); ok {
				return []model.Step{next}
			}
			return nil
		}
		return []model.Step{currentStep}
	}
	return nil
}
