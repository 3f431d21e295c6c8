package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-screening-workflow/internal/database"
	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
)

// UserAccessGrantRepository owns user_access_grants: read-mostly,
// last-writer-wins on update (spec.md §5).
type UserAccessGrantRepository struct {
	db *database.DB
}

// NewUserAccessGrantRepository returns a UserAccessGrantRepository backed
// by db.
func NewUserAccessGrantRepository(db *database.DB) *UserAccessGrantRepository {
	return &UserAccessGrantRepository{db: db}
}

// Upsert inserts or replaces the grant for (user_id, session_id).
func (r *UserAccessGrantRepository) Upsert(ctx context.Context, g *model.UserAccessGrant) error {
	query := `
		INSERT INTO user_access_grants
		    (user_id, session_id, role, allowed_steps, permissions, granted_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, session_id) DO UPDATE SET
		    role          = EXCLUDED.role,
		    allowed_steps = EXCLUDED.allowed_steps,
		    permissions   = EXCLUDED.permissions,
		    granted_at    = EXCLUDED.granted_at,
		    expires_at    = EXCLUDED.expires_at,
		    active        = EXCLUDED.active
	`
	_, err := r.db.Exec(ctx, query,
		g.UserID, g.SessionID, g.Role, g.AllowedSteps, g.Permissions, g.GrantedAt, g.ExpiresAt, g.Active,
	)
	if err != nil {
		return apperrors.Wrap(err, apperrors.Internal, "upsert user access grant")
	}
	return nil
}

// Get returns the grant for (userID, sessionID), or nil if none exists.
func (r *UserAccessGrantRepository) Get(ctx context.Context, userID, sessionID string) (*model.UserAccessGrant, error) {
	query := `
		SELECT user_id, session_id, role, allowed_steps, permissions, granted_at, expires_at, active
		FROM user_access_grants
		WHERE user_id = $1 AND session_id = $2
	`
	g, err := r.scanGrant(r.db.QueryRow(ctx, query, userID, sessionID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "get user access grant")
	}
	return g, nil
}

func (r *UserAccessGrantRepository) scanGrant(row rowScanner) (*model.UserAccessGrant, error) {
	g := &model.UserAccessGrant{}
	err := row.Scan(
		&g.UserID, &g.SessionID, &g.Role, &g.AllowedSteps, &g.Permissions, &g.GrantedAt, &g.ExpiresAt, &g.Active,
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}
