// Package workflow implements the Workflow Engine: the coordinator that
// validates every mutation against permissions, current state, locks, and
// pending approvals, then atomically updates the Session Store and appends
// to the Activity Log Store. It is grounded on the teacher's
// ApprovalRoutingService (internal/service/approval_routing_service.go),
// generalized from a single linear approval chain into the full session
// state machine, permission matrix, and lock subsystem.
package workflow

import (
	"time"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
)

// Config holds the Workflow Engine's own tunables (spec.md §4.5, §5): how
// long an approval request or lock lives before it lazily expires, how long
// a session-lock acquire waits before surfacing apperrors.Busy, and how
// long a user stays in active_users after their last non-view action. A
// zero value in any field falls back to the engine's built-in default.
type Config struct {
	DefaultApprovalTTL     time.Duration
	DefaultLockDuration    time.Duration
	SessionLockAcquireWait time.Duration
	ActiveUserTTL          time.Duration
}

// Actor identifies the caller of an engine operation, resolved upstream by
// the Identity collaborator (spec.md §6).
type Actor struct {
	UserID string
	Name   string
	Role   model.Role

	// SourceIP and DeviceTag are captured at the HTTP boundary (from
	// r.RemoteAddr/X-Forwarded-For and User-Agent) and carried through onto
	// every activity log entry the operation appends.
	SourceIP  string
	DeviceTag string
}

// CreateSessionInput is the input to CreateSession. spec.md §4.1 takes only
// patient_id, initial_step, and metadata; the patient's display name is
// resolved server-side from the Patient-lookup collaborator (spec.md §6).
type CreateSessionInput struct {
	Actor         Actor
	PatientID     string
	ScreeningType string
	InitialStep   model.Step
	Metadata      map[string]any
}

// UpdateStepInput is the input to UpdateStep.
type UpdateStepInput struct {
	Actor           Actor
	SessionID       string
	Step            model.Step
	DataPatch       map[string]any
	Complete        bool
	RequestApproval bool
	Comment         string
}

// RequestApprovalInput is the input to RequestApproval.
type RequestApprovalInput struct {
	Actor        Actor
	SessionID    string
	Step         model.Step
	Reason       string
	DataSnapshot map[string]any
	Priority     model.Priority
}

// ApprovalDecision is the decision passed to ResolveApproval.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionReject  ApprovalDecision = "reject"
)

// ResolveApprovalInput is the input to ResolveApproval.
type ResolveApprovalInput struct {
	Actor     Actor
	RequestID string
	Decision  ApprovalDecision
	Reason    string
}

// LockSessionInput is the input to LockSession.
type LockSessionInput struct {
	Actor         Actor
	SessionID     string
	Step          *model.Step
	Type          model.LockType
	Reason        string
	DurationHours float64
}

// UnlockSessionInput is the input to UnlockSession.
type UnlockSessionInput struct {
	Actor     Actor
	SessionID string
	Reason    string
}

// SessionStatus is the response shape for unlock_session (spec.md §6): a
// status summary plus the next reachable step (the current step while it is
// still open, otherwise the step after it), modelled on the next-steps list
// original_source/hospital_mobile_workflow_api.py's unlock endpoint
// computes for its response.
type SessionStatus struct {
	SessionID     string
	CurrentStep   model.Step
	OverallStatus model.Status
	Locked        bool
	NextSteps     []model.Step
}

// ListActivityInput is the input to ListActivity.
type ListActivityInput struct {
	SessionID string
	Step      *model.Step
	Action    *model.Action
	UserID    *string
	From      *time.Time
	To        *time.Time
	Skip      int
	Limit     int
}
