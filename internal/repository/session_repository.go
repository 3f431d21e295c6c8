package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-screening-workflow/internal/database"
	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
)

// SessionRepository owns the sessions table and its step records. Creation
// always writes the session row and its step rows in one transaction, the
// same shape as the teacher's ApprovalWorkflowRepository.Create.
type SessionRepository struct {
	db *database.DB
}

// NewSessionRepository returns a SessionRepository backed by db.
func NewSessionRepository(db *database.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create inserts a session and its initial step records in one transaction.
func (r *SessionRepository) Create(ctx context.Context, s *model.Session, steps []*model.StepRecord) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		metadataJSON, err := marshalMap(s.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "marshal session metadata")
		}
		lastSeenJSON, err := marshalLastSeen(s.ActiveUserLastSeen)
		if err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "marshal active_user_last_seen")
		}

		query := `
			INSERT INTO sessions
			    (id, patient_id, patient_name, screening_type,
			     current_step, overall_status, created_at, updated_at, created_by,
			     active_users, all_participants, active_user_last_seen,
			     requires_final_approval, metadata)
			VALUES ($1, $2, $3, $4,
			        $5, $6, $7, $8, $9,
			        $10, $11, $12,
			        $13, $14)
		`
		_, err = tx.Exec(ctx, query,
			s.ID, s.PatientID, s.PatientName, s.ScreeningType,
			s.CurrentStep, s.OverallStatus, s.CreatedAt, s.UpdatedAt, s.CreatedBy,
			s.ActiveUsers, s.AllParticipants, lastSeenJSON,
			s.RequiresFinalApproval, metadataJSON,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.Internal, "create session")
		}

		stepQuery := `
			INSERT INTO session_steps
			    (session_id, step, status, requires_approval, estimated_duration_minutes)
			VALUES ($1, $2, $3, $4, $5)
		`
		for _, step := range steps {
			if _, err := tx.Exec(ctx, stepQuery,
				s.ID, step.Step, step.Status, step.RequiresApproval, step.EstimatedDurationMinutes,
			); err != nil {
				return apperrors.Wrap(err, apperrors.Internal, "create session step")
			}
		}
		return nil
	})
}

// GetByID loads a session by id, without its step records.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*model.Session, error) {
	query := `
		SELECT id, patient_id, patient_name, screening_type,
		       current_step, overall_status, created_at, updated_at, created_by,
		       active_users, all_participants, active_user_last_seen, requires_final_approval,
		       final_approved_by, final_approved_at,
		       locked, lock_reason,
		       quality_checked, quality_checked_by, quality_checked_at, quality_score, quality_notes,
		       total_duration_minutes, metadata
		FROM sessions
		WHERE id = $1
	`
	s, err := r.scanSession(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("session", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "get session")
	}
	return s, nil
}

// UpdateCoreFields persists the mutable header fields of a session: current
// step, overall status, active/all participants, lock state, quality check
// state, and duration. Step rows are mutated separately via UpdateStep.
func (r *SessionRepository) UpdateCoreFields(ctx context.Context, s *model.Session) error {
	lastSeenJSON, err := marshalLastSeen(s.ActiveUserLastSeen)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "marshal active_user_last_seen")
	}

	query := `
		UPDATE sessions
		SET current_step             = $2,
		    overall_status           = $3,
		    updated_at               = $4,
		    active_users             = $5,
		    all_participants         = $6,
		    active_user_last_seen    = $7,
		    requires_final_approval  = $8,
		    final_approved_by        = $9,
		    final_approved_at        = $10,
		    locked                   = $11,
		    lock_reason              = $12,
		    quality_checked          = $13,
		    quality_checked_by       = $14,
		    quality_checked_at       = $15,
		    quality_score            = $16,
		    quality_notes            = $17,
		    total_duration_minutes   = $18
		WHERE id = $1
		RETURNING id
	`
	var returnedID string
	err = r.db.QueryRow(ctx, query,
		s.ID, s.CurrentStep, s.OverallStatus, s.UpdatedAt,
		s.ActiveUsers, s.AllParticipants, lastSeenJSON,
		s.RequiresFinalApproval,
		s.FinalApprovedBy, s.FinalApprovedAt,
		s.Locked, s.LockReason,
		s.QualityChecked, s.QualityCheckedBy, s.QualityCheckedAt, s.QualityScore, s.QualityNotes,
		s.TotalDurationMinutes,
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("session", s.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "update session")
	}
	return nil
}

// GetSteps returns every step record for a session in pipeline order.
func (r *SessionRepository) GetSteps(ctx context.Context, sessionID string) ([]*model.StepRecord, error) {
	query := `
		SELECT step, status, assigned_user_id, assigned_user_name, assigned_role,
		       started_at, completed_at, completed_by, completed_by_name,
		       approved_by, approved_by_name, approved_at,
		       data, validation_errors, requires_approval, locked, lock_reason,
		       estimated_duration_minutes, actual_duration_minutes
		FROM session_steps
		WHERE session_id = $1
		ORDER BY array_position($2::text[], step)
	`
	order := make([]string, len(model.Steps))
	for i, s := range model.Steps {
		order[i] = string(s)
	}

	rows, err := r.db.Query(ctx, query, sessionID, order)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "get session steps")
	}
	defer rows.Close()

	var steps []*model.StepRecord
	for rows.Next() {
		step, err := r.scanStep(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.Internal, "scan session step")
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// UpdateStep persists one step record's mutable fields.
func (r *SessionRepository) UpdateStep(ctx context.Context, sessionID string, step *model.StepRecord) error {
	dataJSON, err := marshalMap(step.Data)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "marshal step data")
	}

	query := `
		UPDATE session_steps
		SET status                     = $3,
		    assigned_user_id           = $4,
		    assigned_user_name         = $5,
		    assigned_role              = $6,
		    started_at                 = $7,
		    completed_at               = $8,
		    completed_by               = $9,
		    completed_by_name          = $10,
		    approved_by                = $11,
		    approved_by_name           = $12,
		    approved_at                = $13,
		    data                       = $14,
		    validation_errors          = $15,
		    locked                     = $16,
		    lock_reason                = $17,
		    actual_duration_minutes    = $18
		WHERE session_id = $1 AND step = $2
		RETURNING step
	`
	var returnedStep string
	err = r.db.QueryRow(ctx, query,
		sessionID, step.Step,
		step.Status, step.AssignedUserID, step.AssignedUserName, step.AssignedRole,
		step.StartedAt, step.CompletedAt, step.CompletedBy, step.CompletedByName,
		step.ApprovedBy, step.ApprovedByName, step.ApprovedAt,
		dataJSON, step.ValidationErrors,
		step.Locked, step.LockReason, step.ActualDurationMinutes,
	).Scan(&returnedStep)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("session_step", sessionID+"/"+string(step.Step))
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "update session step")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SessionRepository) scanSession(row rowScanner) (*model.Session, error) {
	s := &model.Session{}
	var metadataJSON, lastSeenJSON []byte
	err := row.Scan(
		&s.ID, &s.PatientID, &s.PatientName, &s.ScreeningType,
		&s.CurrentStep, &s.OverallStatus, &s.CreatedAt, &s.UpdatedAt, &s.CreatedBy,
		&s.ActiveUsers, &s.AllParticipants, &lastSeenJSON, &s.RequiresFinalApproval,
		&s.FinalApprovedBy, &s.FinalApprovedAt,
		&s.Locked, &s.LockReason,
		&s.QualityChecked, &s.QualityCheckedBy, &s.QualityCheckedAt, &s.QualityScore, &s.QualityNotes,
		&s.TotalDurationMinutes, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &s.Metadata); err != nil {
			return nil, err
		}
	}
	if len(lastSeenJSON) > 0 {
		if err := json.Unmarshal(lastSeenJSON, &s.ActiveUserLastSeen); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (r *SessionRepository) scanStep(row rowScanner) (*model.StepRecord, error) {
	step := &model.StepRecord{}
	var dataJSON []byte
	err := row.Scan(
		&step.Step, &step.Status, &step.AssignedUserID, &step.AssignedUserName, &step.AssignedRole,
		&step.StartedAt, &step.CompletedAt, &step.CompletedBy, &step.CompletedByName,
		&step.ApprovedBy, &step.ApprovedByName, &step.ApprovedAt,
		&dataJSON, &step.ValidationErrors, &step.RequiresApproval, &step.Locked, &step.LockReason,
		&step.EstimatedDurationMinutes, &step.ActualDurationMinutes,
	)
	if err != nil {
		return nil, err
	}
	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &step.Data); err != nil {
			return nil, err
		}
	}
	return step, nil
}

func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func marshalLastSeen(m map[string]time.Time) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}
