package model

import "time"

// Session is one patient encounter moving through the screening pipeline.
type Session struct {
	ID                    string
	PatientID             string
	PatientName           string
	ScreeningType         string
	CurrentStep           Step
	OverallStatus         Status
	CreatedAt             time.Time
	UpdatedAt             time.Time
	CreatedBy             string
	ActiveUsers           []string
	AllParticipants       []string
	// ActiveUserLastSeen tracks, per user id in ActiveUsers, the instant of
	// their last non-view action. Pruned against the engine's configured
	// active-user TTL on every write (spec.md §4.7); not itself part of the
	// spec's attribute list, but the bookkeeping needed to keep ActiveUsers
	// honest.
	ActiveUserLastSeen    map[string]time.Time
	RequiresFinalApproval bool
	FinalApprovedBy       *string
	FinalApprovedAt       *time.Time
	Locked                bool
	LockReason            *string
	QualityChecked        bool
	QualityCheckedBy      *string
	QualityCheckedAt      *time.Time
	QualityScore          *float64
	QualityNotes          *string
	TotalDurationMinutes  *int
	Metadata              map[string]any
}

// StepRecord is one row per step within a Session, in fixed pipeline order.
type StepRecord struct {
	Step                     Step
	Status                   Status
	AssignedUserID           *string
	AssignedUserName         *string
	AssignedRole             *Role
	StartedAt                *time.Time
	CompletedAt              *time.Time
	CompletedBy              *string
	CompletedByName          *string
	ApprovedBy               *string
	ApprovedByName           *string
	ApprovedAt               *time.Time
	Data                     map[string]any
	ValidationErrors         []string
	RequiresApproval         bool
	Locked                   bool
	LockReason               *string
	EstimatedDurationMinutes *int
	ActualDurationMinutes    *int
}

// ChangedField records one field-level diff produced by an update_step call.
type ChangedField struct {
	Field     string
	Old       any
	New       any
	ChangedAt time.Time
}

// ActivityLogEntry is one append-only record of an action taken on a session.
type ActivityLogEntry struct {
	ID           string
	SessionID    string
	PatientID    string
	Step         Step
	Action       Action
	UserID       string
	UserName     string
	UserRole     Role
	Timestamp    time.Time
	PreviousData map[string]any
	NewData      map[string]any
	Changes      []ChangedField
	Comment      string
	SourceIP     string
	DeviceTag    string
}

// ApprovalRequest is a pending or resolved gating check on a step.
type ApprovalRequest struct {
	ID              string
	SessionID       string
	Step            Step
	RequesterID     string
	RequesterName   string
	RequestedAt     time.Time
	ApprovalType    string
	Reason          string
	DataToApprove   map[string]any
	Status          ApprovalStatus
	ApproverID      *string
	ApproverName    *string
	ApprovedAt      *time.Time
	RejectionReason *string
	Priority        Priority
	ExpiresAt       time.Time
	// Metadata is a free-form map persisted with the request. The engine
	// leaves it empty and no API field sets it; in particular, no "urgency"
	// tier is recorded here.
	Metadata map[string]any
}

// SessionLock is a mutual-exclusion token over a session or one of its steps.
type SessionLock struct {
	ID         string
	SessionID  string
	Step       *Step
	HolderID   string
	HolderName string
	LockedAt   time.Time
	Type       LockType
	Reason     string
	ExpiresAt  time.Time
	Active     bool
}

// IsExpired reports whether the lock's expiry has passed as of now. A lock
// with expires_at <= now is inert even if still marked Active (spec.md §4.6).
func (l *SessionLock) IsExpired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !l.ExpiresAt.After(now)
}

// UserAccessGrant is an optional per-session augmentation of the static role
// matrix.
type UserAccessGrant struct {
	UserID       string
	SessionID    string
	Role         Role
	AllowedSteps []Step
	Permissions  []Action
	GrantedAt    time.Time
	ExpiresAt    *time.Time
	Active       bool
}

// IsActive reports whether the grant is usable at the given instant.
func (g *UserAccessGrant) IsActive(now time.Time) bool {
	if !g.Active {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}
