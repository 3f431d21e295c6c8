// Package permission implements the Permission Resolver: given a user
// identity plus (step, action), it returns allow or deny, following the
// static role matrix overlaid by per-session grants described in spec.md
// §4.2. It is grounded on the teacher's assertCanAct helper in
// internal/service/approval_routing_service.go, generalized from a single
// hardcoded rule ("only the assigned approver may act") into a full
// step/role matrix with a grant override.
package permission

import (
	"time"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
)

// matrix is the static role->step table from spec.md §4.2. Entries list the
// roles permitted to perform write/complete actions on a step.
var matrix = map[model.Step][]model.Role{
	model.StepRegistration:       {model.RoleRegistrationStaff, model.RoleSupervisor},
	model.StepInitialAssessment:  {model.RoleVisionTechnician, model.RoleClinicalAssistant, model.RoleSupervisor},
	model.StepVisionTesting:      {model.RoleVisionTechnician, model.RoleSupervisor},
	model.StepAutoRefraction:     {model.RoleRefractionTechnician, model.RoleSupervisor},
	model.StepClinicalEvaluation: {model.RoleClinicalAssistant, model.RoleDoctor, model.RoleSupervisor},
	model.StepDoctorDiagnosis:    {model.RoleDoctor, model.RoleSupervisor},
	model.StepPrescription:       {model.RoleDoctor, model.RoleSupervisor},
	model.StepQualityCheck:       {model.RoleQualityChecker, model.RoleSupervisor},
	model.StepFinalApproval:      {model.RoleDoctor, model.RoleSupervisor},
}

// DenyReason explains why Resolve refused a request. The zero value,
// DenyNone, means the request is allowed.
type DenyReason string

const (
	DenyNone         DenyReason = ""
	DenyForbidden    DenyReason = "forbidden"
	DenyStepTerminal DenyReason = "step_terminal"
	DenyGrantExpired DenyReason = "grant_expired"
	DenyUnknownStep  DenyReason = "unknown_step"
)

// Grant is the subset of model.UserAccessGrant the resolver needs. Passing
// nil means no per-session grant applies.
type Grant struct {
	AllowedSteps []model.Step
	Permissions  []model.Action
	Active       bool
	ExpiresAt    *time.Time
}

func (g *Grant) usable(now time.Time) bool {
	if g == nil || !g.Active {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Request is the input to Resolve: who, on which step, doing what.
type Request struct {
	Role   model.Role
	Step   model.Step
	Action model.Action
	Grant  *Grant
	Now    time.Time
}

// Resolve returns DenyNone when the request is allowed, or a DenyReason
// otherwise. Evaluation order follows spec.md §4.2:
//  1. An active per-session grant wins outright if it covers the step and
//     action, regardless of the static matrix.
//  2. A grant that exists but has expired or does not cover the
//     step/action falls through to the static matrix rather than denying
//     outright — only an absent or inactive grant is silently ignored.
//  3. Otherwise the static role matrix governs, with the view/lock/approve/
//     reject special cases and the supervisor/doctor overrides.
func Resolve(req Request) DenyReason {
	if req.Step == model.StepCompleted {
		return DenyStepTerminal
	}

	if g := req.Grant; g != nil {
		if g.ExpiresAt != nil && !g.ExpiresAt.After(req.Now) && g.Active {
			return DenyGrantExpired
		}
		if g.usable(req.Now) && grantCovers(g, req.Step, req.Action) {
			return DenyNone
		}
	}

	return staticResolve(req.Role, req.Step, req.Action)
}

func grantCovers(g *Grant, step model.Step, action model.Action) bool {
	stepOK := false
	for _, s := range g.AllowedSteps {
		if s == step {
			stepOK = true
			break
		}
	}
	if !stepOK {
		return false
	}
	for _, a := range g.Permissions {
		if a == action {
			return true
		}
	}
	return false
}

func staticResolve(role model.Role, step model.Step, action model.Action) DenyReason {
	roles, known := matrix[step]
	if !known {
		return DenyUnknownStep
	}

	if role == model.RoleSupervisor {
		return DenyNone
	}

	switch action {
	case model.ActionView:
		return DenyNone
	case model.ActionApprove, model.ActionReject, model.ActionLock, model.ActionUnlock:
		if role == model.RoleDoctor {
			return DenyNone
		}
		return DenyForbidden
	default:
		if roleIn(roles, role) {
			return DenyNone
		}
		return DenyForbidden
	}
}

func roleIn(roles []model.Role, role model.Role) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// Allowed is a convenience wrapper returning a bool for call sites that
// don't need the deny reason.
func Allowed(req Request) bool {
	return Resolve(req) == DenyNone
}
