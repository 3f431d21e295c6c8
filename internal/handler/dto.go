package handler

import (
	"github.com/go-playground/validator/v10"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
)

var validate = validator.New()

// validateRequest runs go-playground/validator over req and translates a
// failure into apperrors.Validation, the way the teacher's http_handler.go
// translates a bad request body into a 400.
func validateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		return apperrors.Wrap(err, apperrors.Validation, "request failed validation")
	}
	return nil
}

// CreateSessionRequest is the body of POST /sessions. The patient's display
// name is resolved server-side from the Patient-lookup collaborator, not
// supplied by the caller (spec.md §4.1, §6).
type CreateSessionRequest struct {
	PatientID     string         `json:"patient_id" validate:"required"`
	ScreeningType string         `json:"screening_type"`
	InitialStep   model.Step     `json:"initial_step"`
	Metadata      map[string]any `json:"metadata"`
}

// UpdateStepRequest is the body of PUT /sessions/{id}/steps/{step}.
type UpdateStepRequest struct {
	DataPatch       map[string]any `json:"data_patch"`
	Complete        bool           `json:"complete"`
	RequestApproval bool           `json:"request_approval"`
	Comment         string         `json:"comment"`
}

// RequestApprovalRequest is the body of POST /sessions/{id}/approval-requests.
type RequestApprovalRequest struct {
	Step         model.Step     `json:"step" validate:"required"`
	Reason       string         `json:"reason" validate:"required"`
	DataSnapshot map[string]any `json:"data_snapshot"`
	Priority     model.Priority `json:"priority"`
}

// ResolveApprovalRequest is the body of PUT /approval-requests/{req_id}.
type ResolveApprovalRequest struct {
	Decision string `json:"decision" validate:"required,oneof=approve reject"`
	Reason   string `json:"reason"`
}

// LockSessionRequest is the body of POST /sessions/{id}/lock.
type LockSessionRequest struct {
	Step          *model.Step    `json:"step"`
	Type          model.LockType `json:"type" validate:"required"`
	Reason        string         `json:"reason" validate:"required"`
	DurationHours float64        `json:"duration_hours"`
}
