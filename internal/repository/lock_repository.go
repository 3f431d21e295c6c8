package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-screening-workflow/internal/database"
	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
)

// LockRepository owns session_locks: one row per lock event, never updated
// in place once inserted (spec.md §5 append-only rule) except to flip
// active=false, which Deactivate (expiry) and DeactivateAllForSession
// (unlock) do.
type LockRepository struct {
	db *database.DB
}

// NewLockRepository returns a LockRepository backed by db.
func NewLockRepository(db *database.DB) *LockRepository {
	return &LockRepository{db: db}
}

// Create inserts a new lock row.
func (r *LockRepository) Create(ctx context.Context, lock *model.SessionLock) error {
	query := `
		INSERT INTO session_locks
		    (id, session_id, step, holder_id, holder_name, locked_at,
		     type, reason, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6,
		        $7, $8, $9, $10)
	`
	_, err := r.db.Exec(ctx, query,
		lock.ID, lock.SessionID, lock.Step, lock.HolderID, lock.HolderName, lock.LockedAt,
		lock.Type, lock.Reason, lock.ExpiresAt, lock.Active,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "create session lock")
	}
	return nil
}

// GetActiveSessionLock returns the session's active whole-session lock
// (step IS NULL), or nil if none is held. Spec.md §3 allows at most one.
func (r *LockRepository) GetActiveSessionLock(ctx context.Context, sessionID string) (*model.SessionLock, error) {
	query := r.selectQuery() + " WHERE session_id = $1 AND step IS NULL AND active = true ORDER BY locked_at DESC LIMIT 1"
	lock, err := r.scanLock(r.db.QueryRow(ctx, query, sessionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "get active session lock")
	}
	return lock, nil
}

// GetActiveStepLock returns the active lock scoped to one step, or nil.
func (r *LockRepository) GetActiveStepLock(ctx context.Context, sessionID string, step model.Step) (*model.SessionLock, error) {
	query := r.selectQuery() + " WHERE session_id = $1 AND step = $2 AND active = true ORDER BY locked_at DESC LIMIT 1"
	lock, err := r.scanLock(r.db.QueryRow(ctx, query, sessionID, step))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "get active step lock")
	}
	return lock, nil
}

// Deactivate marks a lock inactive (unlock).
func (r *LockRepository) Deactivate(ctx context.Context, id string) error {
	query := `UPDATE session_locks SET active = false WHERE id = $1 RETURNING id`
	var returnedID string
	err := r.db.QueryRow(ctx, query, id).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("session_lock", id)
	}
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "deactivate session lock")
	}
	return nil
}

// DeactivateAllForSession marks every active lock on the session (session-
// level and step-level alike) inactive, for unlock_session.
func (r *LockRepository) DeactivateAllForSession(ctx context.Context, sessionID string) error {
	query := `UPDATE session_locks SET active = false WHERE session_id = $1 AND active = true`
	_, err := r.db.Exec(ctx, query, sessionID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "deactivate session locks")
	}
	return nil
}

// ListExpiredActive returns active locks whose expires_at has passed, for
// the background sweep that auto-releases them.
func (r *LockRepository) ListExpiredActive(ctx context.Context, asOf time.Time) ([]*model.SessionLock, error) {
	query := r.selectQuery() + " WHERE active = true AND expires_at <= $1"
	rows, err := r.db.Query(ctx, query, asOf)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "list expired locks")
	}
	defer rows.Close()

	var locks []*model.SessionLock
	for rows.Next() {
		lock, err := r.scanLock(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.Internal, "scan session lock")
		}
		locks = append(locks, lock)
	}
	return locks, nil
}

func (r *LockRepository) selectQuery() string {
	return `
		SELECT id, session_id, step, holder_id, holder_name, locked_at,
		       type, reason, expires_at, active
		FROM session_locks
	`
}

func (r *LockRepository) scanLock(row rowScanner) (*model.SessionLock, error) {
	lock := &model.SessionLock{}
	err := row.Scan(
		&lock.ID, &lock.SessionID, &lock.Step, &lock.HolderID, &lock.HolderName, &lock.LockedAt,
		&lock.Type, &lock.Reason, &lock.ExpiresAt, &lock.Active,
	)
	if err != nil {
		return nil, err
	}
	return lock, nil
}
