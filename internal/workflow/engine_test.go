package workflow_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/internal/workflow"
	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
	"github.com/pesio-ai/be-screening-workflow/pkg/obslog"
	"github.com/pesio-ai/be-screening-workflow/pkg/sessionlock"
)

// harness wires a fresh Engine over in-memory fakes for one spec. The fake
// id generator is deterministic and per-prefix, so the first approval
// request created in a test is always "appr-1", the first lock "lock-1",
// and so on — specs rely on that to reference ids the HTTP layer would
// otherwise learn from a response body.
type harness struct {
	engine *workflow.Engine
	clock  *fakeClock
	logs   *fakeActivityLogRepo
	events *fakeEventPublisher
	grants *fakeGrantRepo
}

func newHarness() *harness {
	clock := newFakeClock(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	logs := newFakeActivityLogRepo()
	events := newFakeEventPublisher()
	grants := newFakeGrantRepo()
	engine := workflow.New(
		newFakeSessionRepo(), logs, newFakeApprovalRepo(), newFakeLockRepo(), grants,
		newFakeIDGenerator(), clock, sessionlock.NewRegistry(), events, fakePatientClient{},
		workflow.Config{}, obslog.Discard(),
	)
	return &harness{engine: engine, clock: clock, logs: logs, events: events, grants: grants}
}

func kindOf(err error) apperrors.Kind {
	return apperrors.KindOf(err)
}

var (
	supervisor        = workflow.Actor{UserID: "U1", Name: "Supervisor One", Role: model.RoleSupervisor}
	registrationStaff = workflow.Actor{UserID: "U2", Name: "Reg Staff", Role: model.RoleRegistrationStaff}
	visionTechnician  = workflow.Actor{UserID: "U3", Name: "Vision Tech", Role: model.RoleVisionTechnician}
	doctor            = workflow.Actor{UserID: "U4", Name: "Doctor Four", Role: model.RoleDoctor}
	refractionTech    = workflow.Actor{UserID: "U5", Name: "Refraction Tech", Role: model.RoleRefractionTechnician}
)

// advanceToDoctorDiagnosis drives a freshly created session up through
// clinical_evaluation so the step under test is doctor_diagnosis, the only
// step besides prescription and final_approval that gates on approval.
func advanceToDoctorDiagnosis(ctx context.Context, h *harness, sessionID string) {
	_, err := h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
		Actor: registrationStaff, SessionID: sessionID, Step: model.StepRegistration,
		DataPatch: map[string]any{"full_name": "A"}, Complete: true,
	})
	Expect(err).NotTo(HaveOccurred())

	_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
		Actor: visionTechnician, SessionID: sessionID, Step: model.StepInitialAssessment,
		DataPatch: map[string]any{"acuity": "20/30"}, Complete: true,
	})
	Expect(err).NotTo(HaveOccurred())

	_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
		Actor: visionTechnician, SessionID: sessionID, Step: model.StepVisionTesting,
		DataPatch: map[string]any{"acuity_od": "20/20"}, Complete: true,
	})
	Expect(err).NotTo(HaveOccurred())

	_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
		Actor: refractionTech, SessionID: sessionID, Step: model.StepAutoRefraction,
		DataPatch: map[string]any{"sphere": "-1.25"}, Complete: true,
	})
	Expect(err).NotTo(HaveOccurred())

	_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
		Actor: doctor, SessionID: sessionID, Step: model.StepClinicalEvaluation,
		DataPatch: map[string]any{"notes": "normal"}, Complete: true,
	})
	Expect(err).NotTo(HaveOccurred())
}

var _ = Describe("Workflow Engine", func() {
	var ctx context.Context
	var h *harness

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness()
	})

	// Scenario A (spec §8): happy path from registration through a gated
	// doctor_diagnosis approval.
	Describe("the happy path", func() {
		It("walks a session from registration to a gated approval", func() {
			session, err := h.engine.CreateSession(ctx, workflow.CreateSessionInput{
				Actor: supervisor, PatientID: "P100",
				InitialStep: model.StepRegistration,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(session.CurrentStep).To(Equal(model.StepRegistration))
			Expect(session.OverallStatus).To(Equal(model.StatusInProgress))
			sessionID := session.ID

			session, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: registrationStaff, SessionID: sessionID, Step: model.StepRegistration,
				DataPatch: map[string]any{"full_name": "A"}, Complete: true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(session.CurrentStep).To(Equal(model.StepInitialAssessment))

			_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: visionTechnician, SessionID: sessionID, Step: model.StepVisionTesting,
				DataPatch: map[string]any{}, Complete: false,
			})
			Expect(kindOf(err)).To(Equal(apperrors.StepNotReachable))

			session, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: visionTechnician, SessionID: sessionID, Step: model.StepInitialAssessment,
				DataPatch: map[string]any{"acuity": "20/30"}, Complete: true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(session.CurrentStep).To(Equal(model.StepVisionTesting))

			_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: visionTechnician, SessionID: sessionID, Step: model.StepVisionTesting,
				DataPatch: map[string]any{"acuity_od": "20/20"}, Complete: true,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: refractionTech, SessionID: sessionID, Step: model.StepAutoRefraction,
				DataPatch: map[string]any{"sphere": "-1.25"}, Complete: true,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: doctor, SessionID: sessionID, Step: model.StepClinicalEvaluation,
				DataPatch: map[string]any{"notes": "normal"}, Complete: true,
			})
			Expect(err).NotTo(HaveOccurred())

			session, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: doctor, SessionID: sessionID, Step: model.StepDoctorDiagnosis,
				DataPatch: map[string]any{"diagnosis": "myopia"}, Complete: true,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(session.CurrentStep).To(Equal(model.StepDoctorDiagnosis), "a gated step must not advance current_step")
			Expect(session.OverallStatus).To(Equal(model.StatusRequiresApproval))

			resolved, err := h.engine.ResolveApproval(ctx, workflow.ResolveApprovalInput{
				Actor: supervisor, RequestID: "appr-1", Decision: workflow.DecisionApprove,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resolved.Status).To(Equal(model.ApprovalApproved))
			Expect(resolved.ApprovedAt).NotTo(BeNil())
			Expect(resolved.ApprovedAt.Before(resolved.RequestedAt)).To(BeFalse(), "approved_at must not precede requested_at")

			session, steps, err := h.engine.GetSession(ctx, sessionID, supervisor)
			Expect(err).NotTo(HaveOccurred())
			Expect(session.CurrentStep).To(Equal(model.StepPrescription))
			for _, s := range steps {
				Expect(string(s.Status)).To(BeElementOf(
					string(model.StatusApproved), string(model.StatusCompleted),
					string(model.StatusInProgress), string(model.StatusPending),
				))
			}
		})
	})

	// Scenario B (spec §8): session-level editing lock blocks a concurrent
	// write, and unlocking restores it in an observable lock/unlock order.
	Describe("locking a session", func() {
		It("blocks writers while locked and records lock/unlock in order", func() {
			session, err := h.engine.CreateSession(ctx, workflow.CreateSessionInput{
				Actor: supervisor, PatientID: "P200",
			})
			Expect(err).NotTo(HaveOccurred())
			sessionID := session.ID

			_, err = h.engine.LockSession(ctx, workflow.LockSessionInput{
				Actor: supervisor, SessionID: sessionID, Type: model.LockEditing, Reason: "maintenance",
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: registrationStaff, SessionID: sessionID, Step: model.StepRegistration,
				DataPatch: map[string]any{"full_name": "A"},
			})
			Expect(kindOf(err)).To(Equal(apperrors.LockedKind))

			// ListActivity orders by timestamp first, so the unlock must
			// happen at a later instant than the lock for the order to show.
			h.clock.Advance(time.Minute)
			_, err = h.engine.UnlockSession(ctx, workflow.UnlockSessionInput{
				Actor: supervisor, SessionID: sessionID, Reason: "resume",
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: registrationStaff, SessionID: sessionID, Step: model.StepRegistration,
				DataPatch: map[string]any{"full_name": "A"},
			})
			Expect(err).NotTo(HaveOccurred())

			entries, err := h.engine.ListActivity(ctx, supervisor, workflow.ListActivityInput{SessionID: sessionID, Limit: 100})
			Expect(err).NotTo(HaveOccurred())
			var actions []model.Action
			for i := len(entries) - 1; i >= 0; i-- {
				actions = append(actions, entries[i].Action)
			}
			Expect(actions).To(ContainElement(model.ActionLock))
			lockIdx, unlockIdx := -1, -1
			for i, a := range actions {
				if a == model.ActionLock {
					lockIdx = i
				}
				if a == model.ActionUnlock {
					unlockIdx = i
				}
			}
			Expect(lockIdx).To(BeNumerically(">=", 0))
			Expect(unlockIdx).To(BeNumerically(">", lockIdx))
		})
	})

	// Scenario C (spec §8): a rejected approval resets the step to
	// in_progress once a supervisor reopens it with revised data.
	Describe("rejecting an approval", func() {
		It("marks the step rejected then lets a supervisor reopen it back to in_progress", func() {
			session, err := h.engine.CreateSession(ctx, workflow.CreateSessionInput{
				Actor: supervisor, PatientID: "P300",
			})
			Expect(err).NotTo(HaveOccurred())
			sessionID := session.ID
			advanceToDoctorDiagnosis(ctx, h, sessionID)

			_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: doctor, SessionID: sessionID, Step: model.StepDoctorDiagnosis,
				DataPatch: map[string]any{"diagnosis": "myopia"}, Complete: true,
			})
			Expect(err).NotTo(HaveOccurred())

			resolved, err := h.engine.ResolveApproval(ctx, workflow.ResolveApprovalInput{
				Actor: supervisor, RequestID: "appr-1", Decision: workflow.DecisionReject, Reason: "incomplete findings",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resolved.Status).To(Equal(model.ApprovalRejected))

			session, _, err = h.engine.GetSession(ctx, sessionID, supervisor)
			Expect(err).NotTo(HaveOccurred())
			Expect(session.OverallStatus).To(Equal(model.StatusRejected))

			session, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: supervisor, SessionID: sessionID, Step: model.StepDoctorDiagnosis,
				DataPatch: map[string]any{"diagnosis": "myopia, revised"}, Complete: false,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(session.OverallStatus).To(Equal(model.StatusInProgress))
		})
	})

	// Scenario D (spec §8): an approval past its expiry is lazily
	// transitioned to expired on the next resolve attempt.
	Describe("an expired approval", func() {
		It("returns EXPIRED on resolve and leaves the step requiring approval", func() {
			session, err := h.engine.CreateSession(ctx, workflow.CreateSessionInput{
				Actor: supervisor, PatientID: "P400",
			})
			Expect(err).NotTo(HaveOccurred())
			sessionID := session.ID
			advanceToDoctorDiagnosis(ctx, h, sessionID)

			_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: doctor, SessionID: sessionID, Step: model.StepDoctorDiagnosis,
				DataPatch: map[string]any{"diagnosis": "myopia"}, Complete: true,
			})
			Expect(err).NotTo(HaveOccurred())

			h.clock.Advance(25 * time.Hour)

			_, err = h.engine.ResolveApproval(ctx, workflow.ResolveApprovalInput{
				Actor: supervisor, RequestID: "appr-1", Decision: workflow.DecisionApprove,
			})
			Expect(kindOf(err)).To(Equal(apperrors.ExpiredKind))

			_, steps, err := h.engine.GetSession(ctx, sessionID, supervisor)
			Expect(err).NotTo(HaveOccurred())
			for _, s := range steps {
				if s.Step == model.StepDoctorDiagnosis {
					Expect(s.Status).To(Equal(model.StatusRequiresApproval))
				}
			}
		})
	})

	// Scenario E (spec §8): two writers on the same step, serialized by the
	// per-session lock, both succeed with non-overlapping change lists.
	Describe("concurrent writers on the same step", func() {
		It("serializes both writes and preserves both patches", func() {
			session, err := h.engine.CreateSession(ctx, workflow.CreateSessionInput{
				Actor: supervisor, PatientID: "P500",
			})
			Expect(err).NotTo(HaveOccurred())
			sessionID := session.ID
			_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: registrationStaff, SessionID: sessionID, Step: model.StepRegistration,
				DataPatch: map[string]any{"full_name": "A"}, Complete: true,
			})
			Expect(err).NotTo(HaveOccurred())

			done := make(chan error, 2)
			go func() {
				_, err := h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
					Actor: visionTechnician, SessionID: sessionID, Step: model.StepInitialAssessment,
					DataPatch: map[string]any{"acuity": "20/30"},
				})
				done <- err
			}()
			go func() {
				_, err := h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
					Actor: visionTechnician, SessionID: sessionID, Step: model.StepInitialAssessment,
					DataPatch: map[string]any{"pressure": "15mmHg"},
				})
				done <- err
			}()
			Expect(<-done).NotTo(HaveOccurred())
			Expect(<-done).NotTo(HaveOccurred())

			_, steps, err := h.engine.GetSession(ctx, sessionID, supervisor)
			Expect(err).NotTo(HaveOccurred())
			for _, s := range steps {
				if s.Step == model.StepInitialAssessment {
					Expect(s.Data).To(HaveKeyWithValue("acuity", "20/30"))
					Expect(s.Data).To(HaveKeyWithValue("pressure", "15mmHg"))
				}
			}

			entries, err := h.engine.ListActivity(ctx, supervisor, workflow.ListActivityInput{
				SessionID: sessionID, Step: stepPtr(model.StepInitialAssessment), Limit: 100,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(len(entries)).To(BeNumerically(">=", 2))
			Expect(entries[0].ID).NotTo(Equal(entries[1].ID), "the per-session lock must not collapse the two writes into one entry")
		})
	})

	// Scenario F (spec §8): a role outside the step's permission matrix
	// entry is denied, with no state change.
	Describe("permission denial", func() {
		It("forbids registration staff from writing to doctor_diagnosis", func() {
			session, err := h.engine.CreateSession(ctx, workflow.CreateSessionInput{
				Actor: supervisor, PatientID: "P600",
			})
			Expect(err).NotTo(HaveOccurred())
			sessionID := session.ID

			before, _, err := h.engine.GetSession(ctx, sessionID, supervisor)
			Expect(err).NotTo(HaveOccurred())

			_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: registrationStaff, SessionID: sessionID, Step: model.StepDoctorDiagnosis,
				DataPatch: map[string]any{"diagnosis": "myopia"},
			})
			Expect(kindOf(err)).To(Equal(apperrors.Forbidden))

			after, _, err := h.engine.GetSession(ctx, sessionID, supervisor)
			Expect(err).NotTo(HaveOccurred())
			Expect(after.CurrentStep).To(Equal(before.CurrentStep))
			Expect(after.OverallStatus).To(Equal(before.OverallStatus))
		})
	})

	Describe("the no-op update", func() {
		It("appends one update log entry with an empty change list for an empty patch", func() {
			session, err := h.engine.CreateSession(ctx, workflow.CreateSessionInput{
				Actor: supervisor, PatientID: "P700",
			})
			Expect(err).NotTo(HaveOccurred())
			sessionID := session.ID

			_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: registrationStaff, SessionID: sessionID, Step: model.StepRegistration,
				DataPatch: map[string]any{}, Complete: false,
			})
			Expect(err).NotTo(HaveOccurred())

			entries, err := h.engine.ListActivity(ctx, supervisor, workflow.ListActivityInput{SessionID: sessionID, Limit: 100})
			Expect(err).NotTo(HaveOccurred())
			var updates int
			for _, e := range entries {
				if e.Action == model.ActionUpdate {
					updates++
					Expect(e.Changes).To(BeEmpty())
				}
			}
			Expect(updates).To(Equal(1))
		})
	})

	Describe("manually requesting approval on a completed step", func() {
		It("opens one request and rejects a duplicate for the same step", func() {
			session, err := h.engine.CreateSession(ctx, workflow.CreateSessionInput{
				Actor: supervisor, PatientID: "P900",
			})
			Expect(err).NotTo(HaveOccurred())
			sessionID := session.ID

			_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: registrationStaff, SessionID: sessionID, Step: model.StepRegistration,
				DataPatch: map[string]any{"full_name": "A"}, Complete: true,
			})
			Expect(err).NotTo(HaveOccurred())

			req, err := h.engine.RequestApproval(ctx, workflow.RequestApprovalInput{
				Actor: registrationStaff, SessionID: sessionID, Step: model.StepRegistration,
				Reason: "double-check patient identity",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(req.Status).To(Equal(model.ApprovalPending))
			Expect(req.ApprovalType).To(Equal("manual_request"))

			_, err = h.engine.RequestApproval(ctx, workflow.RequestApprovalInput{
				Actor: registrationStaff, SessionID: sessionID, Step: model.StepRegistration,
				Reason: "second request for the same step",
			})
			Expect(kindOf(err)).To(Equal(apperrors.Conflict))

			session, _, err = h.engine.GetSession(ctx, sessionID, supervisor)
			Expect(err).NotTo(HaveOccurred())
			Expect(session.OverallStatus).To(Equal(model.StatusRequiresApproval))
		})
	})

	Describe("resolving an already-resolved approval", func() {
		It("returns CONFLICT on the second resolve and leaves state unchanged", func() {
			session, err := h.engine.CreateSession(ctx, workflow.CreateSessionInput{
				Actor: supervisor, PatientID: "P800",
			})
			Expect(err).NotTo(HaveOccurred())
			sessionID := session.ID
			advanceToDoctorDiagnosis(ctx, h, sessionID)

			_, err = h.engine.UpdateStep(ctx, workflow.UpdateStepInput{
				Actor: doctor, SessionID: sessionID, Step: model.StepDoctorDiagnosis,
				DataPatch: map[string]any{"diagnosis": "myopia"}, Complete: true,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = h.engine.ResolveApproval(ctx, workflow.ResolveApprovalInput{
				Actor: supervisor, RequestID: "appr-1", Decision: workflow.DecisionApprove,
			})
			Expect(err).NotTo(HaveOccurred())

			_, err = h.engine.ResolveApproval(ctx, workflow.ResolveApprovalInput{
				Actor: supervisor, RequestID: "appr-1", Decision: workflow.DecisionApprove,
			})
			Expect(kindOf(err)).To(Equal(apperrors.Conflict))
		})
	})
})

func stepPtr(s model.Step) *model.Step { return &s }
