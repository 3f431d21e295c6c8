package workflow

import (
	"context"
	"time"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
	"github.com/pesio-ai/be-screening-workflow/pkg/metrics"
)

// lockState is the outcome of checking a session's session-level and
// step-level locks, after lazily expiring anything past its expires_at.
type lockState struct {
	sessionLockActive bool
	sessionLock       *model.SessionLock
	stepLockActive    bool
}

// checkLocks loads the session's active locks, lazily expiring any whose
// expires_at has passed (spec.md §4.6, §5), and decides whether actor may
// write to step. Supervisors may bypass any lock that is not of type
// administrative.
func (e *Engine) checkLocks(ctx context.Context, actor Actor, sessionID string, step model.Step) (lockState, error) {
	now := e.clock.Now()
	var st lockState

	sessLock, err := e.locks.GetActiveSessionLock(ctx, sessionID)
	if err != nil {
		return st, apperrors.Wrap(err, apperrors.Internal, "load session lock")
	}
	if sessLock != nil {
		if sessLock.IsExpired(now) {
			if err := e.locks.Deactivate(ctx, sessLock.ID); err != nil {
				return st, apperrors.Wrap(err, apperrors.Internal, "lazily expire session lock")
			}
		} else {
			st.sessionLockActive = true
			st.sessionLock = sessLock
		}
	}

	stepLock, err := e.locks.GetActiveStepLock(ctx, sessionID, step)
	if err != nil {
		return st, apperrors.Wrap(err, apperrors.Internal, "load step lock")
	}
	if stepLock != nil {
		if stepLock.IsExpired(now) {
			if err := e.locks.Deactivate(ctx, stepLock.ID); err != nil {
				return st, apperrors.Wrap(err, apperrors.Internal, "lazily expire step lock")
			}
		} else {
			st.stepLockActive = true
		}
	}

	bypass := actor.Role == model.RoleSupervisor
	if st.sessionLockActive && st.sessionLock.Type == model.LockAdministrative {
		bypass = false
	}
	if st.stepLockActive && stepLock.Type == model.LockAdministrative {
		bypass = false
	}
	if !bypass {
		if st.sessionLockActive {
			return st, apperrors.New(apperrors.LockedKind, "session is locked").
				WithDetailsf("reason=%s", st.sessionLock.Reason)
		}
		if st.stepLockActive {
			return st, apperrors.New(apperrors.LockedKind, "step is locked").WithDetailsf("step=%s", step)
		}
	}
	return st, nil
}

// UpdateStep merges a data patch into one step, optionally completing it,
// and advances the session according to spec.md §4.3's ordering and
// approval-gating rules.
func (e *Engine) UpdateStep(ctx context.Context, in UpdateStepInput) (*model.Session, error) {
	var result *model.Session

	err := e.withSessionLock(ctx, in.SessionID, func() error {
		session, err := e.sessions.GetByID(ctx, in.SessionID)
		if err != nil {
			return err
		}

		lockState, err := e.checkLocks(ctx, in.Actor, in.SessionID, in.Step)
		if err != nil {
			return err
		}
		if session.Locked != lockState.sessionLockActive {
			session.Locked = lockState.sessionLockActive
			if !lockState.sessionLockActive {
				session.LockReason = nil
			}
		}

		action := model.ActionUpdate
		if in.Complete {
			action = model.ActionComplete
		}
		if err := e.checkPermission(ctx, in.Actor, in.SessionID, in.Step, action); err != nil {
			return err
		}

		targetIdx := model.StepIndex(in.Step)
		if targetIdx < 0 {
			return apperrors.New(apperrors.Validation, "unknown step").WithDetailsf("step=%s", in.Step)
		}
		currentIdx := model.StepIndex(session.CurrentStep)
		if currentIdx < 0 {
			currentIdx = len(model.Steps)
		}
		if targetIdx > currentIdx {
			return apperrors.New(apperrors.StepNotReachable, "step is beyond the current step").
				WithDetailsf("step=%s current_step=%s", in.Step, session.CurrentStep)
		}

		steps, err := e.sessions.GetSteps(ctx, in.SessionID)
		if err != nil {
			return err
		}
		var target *model.StepRecord
		for _, s := range steps {
			if s.Step == in.Step {
				target = s
				break
			}
		}
		if target == nil {
			return apperrors.NotFound("session_step", in.SessionID+"/"+string(in.Step))
		}
		// A supervisor reopens a rejected step by writing to it with
		// complete=false; every other write to a resolved step conflicts.
		reopen := target.Status == model.StatusRejected && !in.Complete && in.Actor.Role == model.RoleSupervisor
		if (target.Status == model.StatusApproved || target.Status == model.StatusRejected) && !reopen {
			return apperrors.New(apperrors.Conflict, "step has already been resolved").
				WithDetailsf("step=%s status=%s", in.Step, target.Status)
		}

		now := e.clock.Now()
		previousData := copyMap(target.Data)
		merged, changes := diffPatch(target.Data, in.DataPatch, now)
		target.Data = merged
		if reopen {
			target.Status = model.StatusInProgress
		}

		if target.Status == model.StatusPending {
			target.Status = model.StatusInProgress
			started := now
			target.StartedAt = &started
			userID, name, role := in.Actor.UserID, in.Actor.Name, in.Actor.Role
			target.AssignedUserID = &userID
			target.AssignedUserName = &name
			target.AssignedRole = &role
		}

		var autoApproval *model.ApprovalRequest
		if in.Complete {
			completedAt := now
			target.CompletedAt = &completedAt
			completedBy, completedByName := in.Actor.UserID, in.Actor.Name
			target.CompletedBy = &completedBy
			target.CompletedByName = &completedByName

			if target.StartedAt != nil {
				minutes := int(completedAt.Sub(*target.StartedAt).Minutes())
				target.ActualDurationMinutes = &minutes
			}

			if in.RequestApproval || target.RequiresApproval {
				target.Status = model.StatusRequiresApproval
				autoApproval = &model.ApprovalRequest{
					ID:            e.ids.NewID("appr"),
					SessionID:     in.SessionID,
					Step:          in.Step,
					RequesterID:   in.Actor.UserID,
					RequesterName: in.Actor.Name,
					RequestedAt:   now,
					ApprovalType:  "step_completion",
					Reason:        "auto-opened on step completion",
					DataToApprove: copyMap(target.Data),
					Status:        model.ApprovalPending,
					Priority:      model.PriorityNormal,
					ExpiresAt:     now.Add(e.approvalTTL()),
				}
			} else {
				target.Status = model.StatusCompleted
				if next, ok := model.NextStep(in.Step); ok {
					session.CurrentStep = next
				} else {
					session.CurrentStep = model.StepCompleted
				}
			}
		}

		if err := e.sessions.UpdateStep(ctx, in.SessionID, target); err != nil {
			return err
		}
		if autoApproval != nil {
			if err := e.approvals.Create(ctx, autoApproval); err != nil {
				return err
			}
		}

		touchActiveUser(session, in.Actor.UserID, now)
		pruneActiveUsers(session, now, e.activeUserTTL())
		session.UpdatedAt = now
		session.OverallStatus = deriveOverallStatus(steps, session.Locked)
		if err := e.sessions.UpdateCoreFields(ctx, session); err != nil {
			return err
		}

		entry := &model.ActivityLogEntry{
			ID:           e.ids.NewID("log"),
			SessionID:    in.SessionID,
			PatientID:    session.PatientID,
			Step:         in.Step,
			Action:       action,
			UserID:       in.Actor.UserID,
			UserName:     in.Actor.Name,
			UserRole:     in.Actor.Role,
			SourceIP:     in.Actor.SourceIP,
			DeviceTag:    in.Actor.DeviceTag,
			Timestamp:    now,
			PreviousData: previousData,
			NewData:      merged,
			Changes:      changes,
			Comment:      in.Comment,
		}
		if err := e.logs.Append(ctx, entry); err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "append update log entry")
		}

		if autoApproval != nil {
			createEntry := &model.ActivityLogEntry{
				ID:        e.ids.NewID("log"),
				SessionID: in.SessionID,
				PatientID: session.PatientID,
				Step:      in.Step,
				Action:    model.ActionCreate,
				UserID:    in.Actor.UserID,
				UserName:  in.Actor.Name,
				UserRole:  in.Actor.Role,
				SourceIP:  in.Actor.SourceIP,
				DeviceTag: in.Actor.DeviceTag,
				Timestamp: now,
				NewData:   autoApproval.DataToApprove,
				Comment:   "approval request auto-opened on completion",
			}
			if err := e.logs.Append(ctx, createEntry); err != nil {
				return apperrors.Wrap(err, apperrors.Internal, "append auto-approval log entry")
			}
		}

		result = session
		eventType := "step.updated"
		if in.Complete {
			eventType = "step.completed"
			if target.Status == model.StatusCompleted {
				metrics.StepsCompleted.WithLabelValues(string(in.Step)).Inc()
			}
		}
		e.events.Publish(ctx, eventType, in.SessionID, string(in.Step), in.Actor.UserID, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// touchActiveUser records userID as currently active and as a
// now-or-previously-seen participant.
func touchActiveUser(s *model.Session, userID string, now time.Time) {
	if s.ActiveUserLastSeen == nil {
		s.ActiveUserLastSeen = map[string]time.Time{}
	}
	s.ActiveUserLastSeen[userID] = now

	if !containsString(s.ActiveUsers, userID) {
		s.ActiveUsers = append(s.ActiveUsers, userID)
	}
	if !containsString(s.AllParticipants, userID) {
		s.AllParticipants = append(s.AllParticipants, userID)
	}
}

// pruneActiveUsers drops anyone from active_users whose last non-view
// action was more than ttl ago (spec.md §4.7).
func pruneActiveUsers(s *model.Session, now time.Time, ttl time.Duration) {
	fresh := s.ActiveUsers[:0:0]
	for _, userID := range s.ActiveUsers {
		lastSeen, ok := s.ActiveUserLastSeen[userID]
		if ok && now.Sub(lastSeen) > ttl {
			continue
		}
		fresh = append(fresh, userID)
	}
	s.ActiveUsers = fresh
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
