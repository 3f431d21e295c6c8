package workflow

import (
	"context"
	"time"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
	"github.com/pesio-ai/be-screening-workflow/pkg/metrics"
)

// CreateSession builds a new Session with the full step pipeline, sets the
// initial step in_progress, and logs a create action (spec.md §4.3).
func (e *Engine) CreateSession(ctx context.Context, in CreateSessionInput) (*model.Session, error) {
	initialStep := in.InitialStep
	if initialStep == "" {
		initialStep = model.StepRegistration
	}

	if err := e.checkPermission(ctx, in.Actor, "", initialStep, model.ActionCreate); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	sessionID := e.ids.NewID("sess")

	steps := make([]*model.StepRecord, 0, len(model.Steps))
	for _, step := range model.Steps {
		rec := &model.StepRecord{
			Step:             step,
			Status:           model.StatusPending,
			RequiresApproval: model.RequiresApproval(step),
			Data:             map[string]any{},
		}
		if step == initialStep {
			rec.Status = model.StatusInProgress
			startedAt := now
			rec.StartedAt = &startedAt
			userID, name, role := in.Actor.UserID, in.Actor.Name, in.Actor.Role
			rec.AssignedUserID = &userID
			rec.AssignedUserName = &name
			rec.AssignedRole = &role
		}
		steps = append(steps, rec)
	}

	screeningType := in.ScreeningType
	if screeningType == "" {
		screeningType = model.DefaultScreeningType
	}

	session := &model.Session{
		ID:                    sessionID,
		PatientID:             in.PatientID,
		PatientName:           e.patients.DisplayName(ctx, in.PatientID),
		ScreeningType:         screeningType,
		CurrentStep:           initialStep,
		CreatedAt:             now,
		UpdatedAt:             now,
		CreatedBy:             in.Actor.UserID,
		ActiveUsers:           []string{in.Actor.UserID},
		AllParticipants:       []string{in.Actor.UserID},
		ActiveUserLastSeen:    map[string]time.Time{in.Actor.UserID: now},
		RequiresFinalApproval: true,
		Metadata:              in.Metadata,
	}
	session.OverallStatus = deriveOverallStatus(steps, false)

	if err := e.sessions.Create(ctx, session, steps); err != nil {
		return nil, err
	}

	entry := &model.ActivityLogEntry{
		ID:        e.ids.NewID("log"),
		SessionID: sessionID,
		PatientID: in.PatientID,
		Step:      initialStep,
		Action:    model.ActionCreate,
		UserID:    in.Actor.UserID,
		UserName:  in.Actor.Name,
		UserRole:  in.Actor.Role,
		SourceIP:  in.Actor.SourceIP,
		DeviceTag: in.Actor.DeviceTag,
		Timestamp: now,
		NewData:   steps[model.StepIndex(initialStep)].Data,
	}
	if err := e.logs.Append(ctx, entry); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "append create log entry")
	}

	metrics.SessionsCreated.Inc()
	e.events.Publish(ctx, "session.created", sessionID, string(initialStep), in.Actor.UserID, nil)
	return session, nil
}

// GetSession loads a session and logs a view action. Viewing never touches
// active_users (spec.md §4.7 only counts non-view actions).
func (e *Engine) GetSession(ctx context.Context, sessionID string, actor Actor) (*model.Session, []*model.StepRecord, error) {
	var session *model.Session
	var steps []*model.StepRecord

	err := e.withSessionLock(ctx, sessionID, func() error {
		var err error
		session, err = e.sessions.GetByID(ctx, sessionID)
		if err != nil {
			return err
		}

		if err := e.checkPermission(ctx, actor, sessionID, session.CurrentStep, model.ActionView); err != nil {
			return err
		}

		steps, err = e.sessions.GetSteps(ctx, sessionID)
		if err != nil {
			return err
		}

		entry := &model.ActivityLogEntry{
			ID:        e.ids.NewID("log"),
			SessionID: sessionID,
			PatientID: session.PatientID,
			Step:      session.CurrentStep,
			Action:    model.ActionView,
			UserID:    actor.UserID,
			UserName:  actor.Name,
			UserRole:  actor.Role,
			SourceIP:  actor.SourceIP,
			DeviceTag: actor.DeviceTag,
			Timestamp: e.clock.Now(),
		}
		return e.logs.Append(ctx, entry)
	})
	if err != nil {
		return nil, nil, err
	}
	return session, steps, nil
}
