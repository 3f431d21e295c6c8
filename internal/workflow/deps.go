package workflow

import (
	"context"
	"time"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/pkg/sessionlock"
)

// SessionRepo is the persistence seam the Engine needs from the Session
// Store. Declared here (consumer-side) so tests can supply in-memory fakes
// without touching internal/repository or a real database.
type SessionRepo interface {
	Create(ctx context.Context, s *model.Session, steps []*model.StepRecord) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	UpdateCoreFields(ctx context.Context, s *model.Session) error
	GetSteps(ctx context.Context, sessionID string) ([]*model.StepRecord, error)
	UpdateStep(ctx context.Context, sessionID string, step *model.StepRecord) error
}

// ActivityLogRepo is the persistence seam for the Activity Log Store.
type ActivityLogRepo interface {
	Append(ctx context.Context, entry *model.ActivityLogEntry) error
	ListBySession(ctx context.Context, sessionID string) ([]*model.ActivityLogEntry, error)
}

// ApprovalRepo is the persistence seam for the Approval Store.
type ApprovalRepo interface {
	Create(ctx context.Context, req *model.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*model.ApprovalRequest, error)
	ListPendingBySession(ctx context.Context, sessionID string) ([]*model.ApprovalRequest, error)
	Resolve(ctx context.Context, req *model.ApprovalRequest) error
}

// LockRepo is the persistence seam for the Lock Store.
type LockRepo interface {
	Create(ctx context.Context, lock *model.SessionLock) error
	GetActiveSessionLock(ctx context.Context, sessionID string) (*model.SessionLock, error)
	GetActiveStepLock(ctx context.Context, sessionID string, step model.Step) (*model.SessionLock, error)
	Deactivate(ctx context.Context, id string) error
	DeactivateAllForSession(ctx context.Context, sessionID string) error
}

// GrantRepo is the persistence seam for per-session user access grants.
type GrantRepo interface {
	Get(ctx context.Context, userID, sessionID string) (*model.UserAccessGrant, error)
}

// IDGenerator issues opaque unique identifiers.
type IDGenerator interface {
	NewID(prefix string) string
}

// Clock supplies the current instant.
type Clock interface {
	Now() time.Time
}

// SessionLocker acquires the per-session exclusive lock described in
// spec.md §5. The returned release func must be called exactly once.
type SessionLocker interface {
	Acquire(ctx context.Context, sessionID string) (sessionlock.Release, error)
}

// EventPublisher emits a structured workflow event. Implementations must
// not fail the calling operation on publish failure (spec.md treats event
// emission as best-effort, mirroring the teacher's NotificationPublisher).
type EventPublisher interface {
	Publish(ctx context.Context, eventType, sessionID, step, actorID string, payload map[string]any)
}
