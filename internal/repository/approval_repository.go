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

// ApprovalRepository owns approval_requests. Grounded on the teacher's
// ApprovalWorkflowRepository and ApprovalStepsRepository: requests are
// created pending and later resolved in place (approved/rejected/expired),
// never deleted.
type ApprovalRepository struct {
	db *database.DB
}

// NewApprovalRepository returns an ApprovalRepository backed by db.
func NewApprovalRepository(db *database.DB) *ApprovalRepository {
	return &ApprovalRepository{db: db}
}

// Create inserts a pending approval request.
func (r *ApprovalRepository) Create(ctx context.Context, req *model.ApprovalRequest) error {
	dataJSON, err := marshalMap(req.DataToApprove)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "marshal data_to_approve")
	}
	metadataJSON, err := marshalMap(req.Metadata)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "marshal approval metadata")
	}

	query := `
		INSERT INTO approval_requests
		    (id, session_id, step, requester_id, requester_name, requested_at,
		     approval_type, reason, data_to_approve, status, priority, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.db.Exec(ctx, query,
		req.ID, req.SessionID, req.Step, req.RequesterID, req.RequesterName, req.RequestedAt,
		req.ApprovalType, req.Reason, dataJSON, req.Status, req.Priority, req.ExpiresAt, metadataJSON,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "create approval request")
	}
	return nil
}

// GetByID loads one approval request.
func (r *ApprovalRepository) GetByID(ctx context.Context, id string) (*model.ApprovalRequest, error) {
	query := r.selectQuery() + " WHERE id = $1"
	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("approval_request", id)
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "get approval request")
	}
	return req, nil
}

// ListPendingBySession returns every pending approval for a session.
func (r *ApprovalRepository) ListPendingBySession(ctx context.Context, sessionID string) ([]*model.ApprovalRequest, error) {
	query := r.selectQuery() + " WHERE session_id = $1 AND status = $2 ORDER BY requested_at ASC"
	rows, err := r.db.Query(ctx, query, sessionID, model.ApprovalPending)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "list pending approvals")
	}
	defer rows.Close()
	return r.scanRows(rows)
}

// ListExpired returns every still-pending approval whose expires_at has
// passed, for the sweeper that marks them model.ApprovalExpired.
func (r *ApprovalRepository) ListExpired(ctx context.Context, asOf time.Time) ([]*model.ApprovalRequest, error) {
	query := r.selectQuery() + " WHERE status = $1 AND expires_at <= $2"
	rows, err := r.db.Query(ctx, query, model.ApprovalPending, asOf)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "list expired approvals")
	}
	defer rows.Close()
	return r.scanRows(rows)
}

// Resolve transitions a pending request to approved, rejected, or expired
// and stamps the approver fields (nil for an expiry sweep).
func (r *ApprovalRepository) Resolve(ctx context.Context, req *model.ApprovalRequest) error {
	query := `
		UPDATE approval_requests
		SET status            = $2,
		    approver_id       = $3,
		    approver_name     = $4,
		    approved_at       = $5,
		    rejection_reason  = $6
		WHERE id = $1
		RETURNING id
	`
	var returnedID string
	err := r.db.QueryRow(ctx, query,
		req.ID, req.Status, req.ApproverID, req.ApproverName, req.ApprovedAt, req.RejectionReason,
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("approval_request", req.ID)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "resolve approval request")
	}
	return nil
}

func (r *ApprovalRepository) selectQuery() string {
	return `
		SELECT id, session_id, step, requester_id, requester_name, requested_at,
		       approval_type, reason, data_to_approve, status,
		       approver_id, approver_name, approved_at, rejection_reason,
		       priority, expires_at, metadata
		FROM approval_requests
	`
}

func (r *ApprovalRepository) scanRows(rows pgx.Rows) ([]*model.ApprovalRequest, error) {
	var reqs []*model.ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.Internal, "scan approval request")
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (r *ApprovalRepository) scanRequest(row rowScanner) (*model.ApprovalRequest, error) {
	req := &model.ApprovalRequest{}
	var dataJSON, metadataJSON []byte

	err := row.Scan(
		&req.ID, &req.SessionID, &req.Step, &req.RequesterID, &req.RequesterName, &req.RequestedAt,
		&req.ApprovalType, &req.Reason, &dataJSON, &req.Status,
		&req.ApproverID, &req.ApproverName, &req.ApprovedAt, &req.RejectionReason,
		&req.Priority, &req.ExpiresAt, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	if len(dataJSON) > 0 {
		if err := json.Unmarshal(dataJSON, &req.DataToApprove); err != nil {
			return nil, err
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &req.Metadata); err != nil {
			return nil, err
		}
	}
	return req, nil
}
