package workflow

import (
	"context"
	"time"

	"github.com/pesio-ai/be-screening-workflow/internal/collaborators"
	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/internal/permission"
	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
	"github.com/pesio-ai/be-screening-workflow/pkg/metrics"
	"github.com/pesio-ai/be-screening-workflow/pkg/obslog"
)

// Built-in fallbacks applied wherever the caller's Config leaves a field at
// its zero value.
const (
	defaultApprovalTTL     = 24 * time.Hour
	defaultLockDuration    = 24 * time.Hour
	defaultLockAcquireWait = 10 * time.Second
	defaultActiveUserTTL   = 30 * time.Minute
)

// Engine is the Workflow Engine: the sole coordinator of session state
// transitions. Every exported method that operates on an existing session
// acquires the session's exclusive lock before reading its state and
// releases it before returning, per spec.md §5; CreateSession, which builds
// a session nobody else can reach yet, takes no lock.
type Engine struct {
	sessions  SessionRepo
	logs      ActivityLogRepo
	approvals ApprovalRepo
	locks     LockRepo
	grants    GrantRepo
	ids       IDGenerator
	clock     Clock
	locker    SessionLocker
	events    EventPublisher
	patients  collaborators.PatientClientInterface
	cfg       Config
	log       obslog.Logger
}

// New assembles an Engine from its collaborators.
func New(
	sessions SessionRepo,
	logs ActivityLogRepo,
	approvals ApprovalRepo,
	locks LockRepo,
	grants GrantRepo,
	ids IDGenerator,
	clock Clock,
	locker SessionLocker,
	events EventPublisher,
	patients collaborators.PatientClientInterface,
	cfg Config,
	log obslog.Logger,
) *Engine {
	return &Engine{
		sessions:  sessions,
		logs:      logs,
		approvals: approvals,
		locks:     locks,
		grants:    grants,
		ids:       ids,
		clock:     clock,
		locker:    locker,
		events:    events,
		patients:  patients,
		cfg:       cfg,
		log:       log,
	}
}

func (e *Engine) approvalTTL() time.Duration {
	if e.cfg.DefaultApprovalTTL > 0 {
		return e.cfg.DefaultApprovalTTL
	}
	return defaultApprovalTTL
}

func (e *Engine) lockDuration() time.Duration {
	if e.cfg.DefaultLockDuration > 0 {
		return e.cfg.DefaultLockDuration
	}
	return defaultLockDuration
}

func (e *Engine) lockAcquireWait() time.Duration {
	if e.cfg.SessionLockAcquireWait > 0 {
		return e.cfg.SessionLockAcquireWait
	}
	return defaultLockAcquireWait
}

func (e *Engine) activeUserTTL() time.Duration {
	if e.cfg.ActiveUserTTL > 0 {
		return e.cfg.ActiveUserTTL
	}
	return defaultActiveUserTTL
}

// withSessionLock bounds ctx by the session-lock acquire deadline (spec.md
// §5: "a per-request deadline (default 10s) bounds wait on the per-session
// lock; exceeding it returns BUSY"), acquires the per-session exclusive
// lock, runs fn, and always releases it before returning (spec.md §5's
// suspension-point rule: no operation holds the lock across a network
// boundary other than its own store, and the lock is released even on
// error).
func (e *Engine) withSessionLock(ctx context.Context, sessionID string, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, e.lockAcquireWait())
	defer cancel()

	start := time.Now()
	release, err := e.locker.Acquire(ctx, sessionID)
	metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// resolveGrant loads the actor's active grant on a session, translating it
// into the permission package's Grant shape, or nil if no grant applies.
func (e *Engine) resolveGrant(ctx context.Context, userID, sessionID string) (*permission.Grant, error) {
	g, err := e.grants.Get(ctx, userID, sessionID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.Internal, "load user access grant")
	}
	if g == nil {
		return nil, nil
	}
	return &permission.Grant{
		AllowedSteps: g.AllowedSteps,
		Permissions:  g.Permissions,
		Active:       g.Active,
		ExpiresAt:    g.ExpiresAt,
	}, nil
}

// checkPermission resolves a request against the Permission Resolver and
// converts a denial into apperrors.Forbidden (or the more specific kind for
// a terminal/unknown step).
func (e *Engine) checkPermission(ctx context.Context, actor Actor, sessionID string, step model.Step, action model.Action) error {
	// A session that has run its full pipeline sits at the terminal
	// sentinel; it still permits being viewed even though the matrix has no
	// entry for it and no write action is ever legal there again.
	if action == model.ActionView && step == model.StepCompleted {
		return nil
	}

	grant, err := e.resolveGrant(ctx, actor.UserID, sessionID)
	if err != nil {
		return err
	}

	reason := permission.Resolve(permission.Request{
		Role: actor.Role, Step: step, Action: action, Grant: grant, Now: e.clock.Now(),
	})
	switch reason {
	case permission.DenyNone:
		return nil
	case permission.DenyStepTerminal:
		return apperrors.New(apperrors.StepNotReachable, "step is the terminal sentinel and permits no actions")
	case permission.DenyUnknownStep:
		return apperrors.New(apperrors.Validation, "unknown step").WithDetailsf("step=%s", step)
	default:
		return apperrors.New(apperrors.Forbidden, "actor lacks permission for this action on this step").
			WithDetailsf("role=%s step=%s action=%s", actor.Role, step, action)
	}
}
