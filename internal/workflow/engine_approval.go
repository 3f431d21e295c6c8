package workflow

import (
	"context"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
	"github.com/pesio-ai/be-screening-workflow/pkg/metrics"
)

// totalDurationMinutes sums every step's actual_duration at the moment of
// final approval (spec.md §4.8: total_duration_minutes is the sum of step
// actual_durations at that instant).
func totalDurationMinutes(steps []*model.StepRecord) int {
	total := 0
	for _, s := range steps {
		if s.ActualDurationMinutes != nil {
			total += *s.ActualDurationMinutes
		}
	}
	return total
}

// RequestApproval opens an Approval Request against a step that is either
// awaiting or has just finished its work, rejecting a duplicate pending
// request for the same (session, step) pair.
func (e *Engine) RequestApproval(ctx context.Context, in RequestApprovalInput) (*model.ApprovalRequest, error) {
	var result *model.ApprovalRequest

	err := e.withSessionLock(ctx, in.SessionID, func() error {
		session, err := e.sessions.GetByID(ctx, in.SessionID)
		if err != nil {
			return err
		}

		if _, err := e.checkLocks(ctx, in.Actor, in.SessionID, in.Step); err != nil {
			return err
		}

		if err := e.checkPermission(ctx, in.Actor, in.SessionID, in.Step, model.ActionUpdate); err != nil {
			return err
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
		if target.Status != model.StatusRequiresApproval && target.Status != model.StatusCompleted {
			return apperrors.New(apperrors.Conflict, "step is not awaiting approval").
				WithDetailsf("step=%s status=%s", in.Step, target.Status)
		}

		pending, err := e.approvals.ListPendingBySession(ctx, in.SessionID)
		if err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "list pending approvals")
		}
		for _, p := range pending {
			if p.Step == in.Step {
				return apperrors.New(apperrors.Conflict, "an approval request is already pending for this step").
					WithDetailsf("step=%s request_id=%s", in.Step, p.ID)
			}
		}

		now := e.clock.Now()
		priority := in.Priority
		if priority == "" {
			priority = model.PriorityNormal
		}
		snapshot := in.DataSnapshot
		if snapshot == nil {
			snapshot = copyMap(target.Data)
		}

		req := &model.ApprovalRequest{
			ID:            e.ids.NewID("appr"),
			SessionID:     in.SessionID,
			Step:          in.Step,
			RequesterID:   in.Actor.UserID,
			RequesterName: in.Actor.Name,
			RequestedAt:   now,
			ApprovalType:  "manual_request",
			Reason:        in.Reason,
			DataToApprove: snapshot,
			Status:        model.ApprovalPending,
			Priority:      priority,
			ExpiresAt:     now.Add(e.approvalTTL()),
		}
		if err := e.approvals.Create(ctx, req); err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "create approval request")
		}

		if target.Status != model.StatusRequiresApproval {
			target.Status = model.StatusRequiresApproval
			if err := e.sessions.UpdateStep(ctx, in.SessionID, target); err != nil {
				return err
			}
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
			Step:      in.Step,
			Action:    model.ActionCreate,
			UserID:    in.Actor.UserID,
			UserName:  in.Actor.Name,
			UserRole:  in.Actor.Role,
			SourceIP:  in.Actor.SourceIP,
			DeviceTag: in.Actor.DeviceTag,
			Timestamp: now,
			NewData:   snapshot,
			Comment:   in.Reason,
		}
		if err := e.logs.Append(ctx, entry); err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "append request_approval log entry")
		}

		result = req
		e.events.Publish(ctx, "approval.requested", in.SessionID, string(in.Step), in.Actor.UserID, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResolveApproval approves or rejects a pending Approval Request, lazily
// expiring it first if its expires_at has already passed (spec.md §4.6).
func (e *Engine) ResolveApproval(ctx context.Context, in ResolveApprovalInput) (*model.ApprovalRequest, error) {
	req, err := e.approvals.GetByID(ctx, in.RequestID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, apperrors.NotFound("approval_request", in.RequestID)
	}

	var result *model.ApprovalRequest
	err = e.withSessionLock(ctx, req.SessionID, func() error {
		req, err := e.approvals.GetByID(ctx, in.RequestID)
		if err != nil {
			return err
		}
		if req == nil {
			return apperrors.NotFound("approval_request", in.RequestID)
		}

		now := e.clock.Now()
		if req.Status == model.ApprovalPending && !req.ExpiresAt.After(now) {
			req.Status = model.ApprovalExpired
			if err := e.approvals.Resolve(ctx, req); err != nil {
				return apperrors.Wrap(err, apperrors.Internal, "lazily expire approval request")
			}
			return apperrors.New(apperrors.ExpiredKind, "approval request has expired").
				WithDetailsf("request_id=%s", req.ID)
		}
		if req.Status != model.ApprovalPending {
			return apperrors.New(apperrors.Conflict, "approval request is no longer pending").
				WithDetailsf("request_id=%s status=%s", req.ID, req.Status)
		}

		if err := e.checkPermission(ctx, in.Actor, req.SessionID, req.Step, model.ActionApprove); err != nil {
			return err
		}

		session, err := e.sessions.GetByID(ctx, req.SessionID)
		if err != nil {
			return err
		}
		steps, err := e.sessions.GetSteps(ctx, req.SessionID)
		if err != nil {
			return err
		}
		var target *model.StepRecord
		for _, s := range steps {
			if s.Step == req.Step {
				target = s
				break
			}
		}
		if target == nil {
			return apperrors.NotFound("session_step", req.SessionID+"/"+string(req.Step))
		}

		approverID, approverName := in.Actor.UserID, in.Actor.Name
		req.ApproverID = &approverID
		req.ApproverName = &approverName
		approvedAt := now
		req.ApprovedAt = &approvedAt

		var action model.Action
		if in.Decision == DecisionApprove {
			action = model.ActionApprove
			req.Status = model.ApprovalApproved
			target.Status = model.StatusApproved
			target.ApprovedBy = &approverID
			target.ApprovedByName = &approverName
			target.ApprovedAt = &approvedAt

			if req.Step == model.StepFinalApproval {
				session.RequiresFinalApproval = false
				session.FinalApprovedBy = &approverID
				session.FinalApprovedAt = &approvedAt
				session.CurrentStep = model.StepCompleted
				total := totalDurationMinutes(steps)
				session.TotalDurationMinutes = &total
			} else if next, ok := model.NextStep(req.Step); ok {
				session.CurrentStep = next
			}
		} else {
			action = model.ActionReject
			req.Status = model.ApprovalRejected
			reason := in.Reason
			req.RejectionReason = &reason
			target.Status = model.StatusRejected
		}

		if err := e.approvals.Resolve(ctx, req); err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "resolve approval request")
		}
		if err := e.sessions.UpdateStep(ctx, req.SessionID, target); err != nil {
			return err
		}

		touchActiveUser(session, in.Actor.UserID, now)
		pruneActiveUsers(session, now, e.activeUserTTL())
		session.UpdatedAt = now
		session.OverallStatus = deriveOverallStatus(steps, session.Locked)
		if err := e.sessions.UpdateCoreFields(ctx, session); err != nil {
			return err
		}

		entry := &model.ActivityLogEntry{
			ID:        e.ids.NewID("log"),
			SessionID: req.SessionID,
			PatientID: session.PatientID,
			Step:      req.Step,
			Action:    action,
			UserID:    in.Actor.UserID,
			UserName:  in.Actor.Name,
			UserRole:  in.Actor.Role,
			SourceIP:  in.Actor.SourceIP,
			DeviceTag: in.Actor.DeviceTag,
			Timestamp: now,
			NewData:   target.Data,
			Comment:   in.Reason,
		}
		if err := e.logs.Append(ctx, entry); err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "append resolve-approval log entry")
		}

		result = req
		eventType := "approval.approved"
		outcome := "approved"
		if in.Decision != DecisionApprove {
			eventType = "approval.rejected"
			outcome = "rejected"
		}
		metrics.ApprovalsResolved.WithLabelValues(outcome).Inc()
		e.events.Publish(ctx, eventType, req.SessionID, string(req.Step), in.Actor.UserID, nil)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
