package permission

import (
	"testing"
	"time"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
)

func TestResolveStaticMatrix(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		role   model.Role
		step   model.Step
		action model.Action
		want   DenyReason
	}{
		{"registration staff may update registration", model.RoleRegistrationStaff, model.StepRegistration, model.ActionUpdate, DenyNone},
		{"registration staff may not update vision testing", model.RoleRegistrationStaff, model.StepVisionTesting, model.ActionUpdate, DenyForbidden},
		{"supervisor may act on any step", model.RoleSupervisor, model.StepDoctorDiagnosis, model.ActionComplete, DenyNone},
		{"any role may view", model.RoleQualityChecker, model.StepDoctorDiagnosis, model.ActionView, DenyNone},
		{"doctor may approve", model.RoleDoctor, model.StepPrescription, model.ActionApprove, DenyNone},
		{"non-doctor non-supervisor may not approve", model.RoleClinicalAssistant, model.StepClinicalEvaluation, model.ActionApprove, DenyForbidden},
		{"doctor may lock", model.RoleDoctor, model.StepQualityCheck, model.ActionLock, DenyNone},
		{"non-doctor may not lock", model.RoleVisionTechnician, model.StepVisionTesting, model.ActionLock, DenyForbidden},
		{"completed sentinel permits nothing", model.RoleSupervisor, model.StepCompleted, model.ActionView, DenyStepTerminal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(Request{Role: tc.role, Step: tc.step, Action: tc.action, Now: now})
			if got != tc.want {
				t.Fatalf("Resolve(%s, %s, %s) = %q, want %q", tc.role, tc.step, tc.action, got, tc.want)
			}
		})
	}
}

func TestResolveGrantOverride(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	t.Run("active grant allows an otherwise-forbidden action", func(t *testing.T) {
		grant := &Grant{
			AllowedSteps: []model.Step{model.StepVisionTesting},
			Permissions:  []model.Action{model.ActionLock},
			Active:       true,
			ExpiresAt:    &future,
		}
		got := Resolve(Request{
			Role: model.RoleVisionTechnician, Step: model.StepVisionTesting, Action: model.ActionLock,
			Grant: grant, Now: now,
		})
		if got != DenyNone {
			t.Fatalf("expected grant to allow, got %q", got)
		}
	})

	t.Run("expired grant falls through to deny by static matrix", func(t *testing.T) {
		grant := &Grant{
			AllowedSteps: []model.Step{model.StepVisionTesting},
			Permissions:  []model.Action{model.ActionLock},
			Active:       true,
			ExpiresAt:    &past,
		}
		got := Resolve(Request{
			Role: model.RoleVisionTechnician, Step: model.StepVisionTesting, Action: model.ActionLock,
			Grant: grant, Now: now,
		})
		if got != DenyGrantExpired {
			t.Fatalf("expected DenyGrantExpired, got %q", got)
		}
	})

	t.Run("grant that doesn't cover the step falls through to static matrix", func(t *testing.T) {
		grant := &Grant{
			AllowedSteps: []model.Step{model.StepRegistration},
			Permissions:  []model.Action{model.ActionLock},
			Active:       true,
		}
		got := Resolve(Request{
			Role: model.RoleVisionTechnician, Step: model.StepVisionTesting, Action: model.ActionUpdate,
			Grant: grant, Now: now,
		})
		if got != DenyNone {
			t.Fatalf("expected static matrix to allow technician update on own step, got %q", got)
		}
	})

	t.Run("inactive grant is ignored entirely", func(t *testing.T) {
		grant := &Grant{
			AllowedSteps: []model.Step{model.StepVisionTesting},
			Permissions:  []model.Action{model.ActionLock},
			Active:       false,
		}
		got := Resolve(Request{
			Role: model.RoleVisionTechnician, Step: model.StepVisionTesting, Action: model.ActionLock,
			Grant: grant, Now: now,
		})
		if got != DenyForbidden {
			t.Fatalf("expected inactive grant to be ignored, got %q", got)
		}
	})
}
