package collaborators

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-screening-workflow/pkg/httpclient"
	"github.com/pesio-ai/be-screening-workflow/pkg/obslog"
)

// PatientClientInterface resolves a patient id into a display name
// (spec.md §6's Patient-lookup collaborator). Failures are non-fatal by
// contract: callers substitute a placeholder rather than fail the request.
type PatientClientInterface interface {
	DisplayName(ctx context.Context, patientID string) string
}

type patientLookupResponse struct {
	DisplayName string `json:"display_name"`
}

// PatientClient is an HTTP-backed PatientClientInterface.
type PatientClient struct {
	client *httpclient.Client
	log    obslog.Logger
}

// NewPatientClient builds a PatientClient against the patient service's
// base URL.
func NewPatientClient(baseURL string, log obslog.Logger) *PatientClient {
	return &PatientClient{client: httpclient.NewClient(baseURL), log: log}
}

// DisplayName returns the patient's display name, or "Patient-<id>" if the
// lookup fails for any reason.
func (c *PatientClient) DisplayName(ctx context.Context, patientID string) string {
	var resp patientLookupResponse
	path := fmt.Sprintf("/api/v1/patients/%s", patientID)
	if err := c.client.Get(ctx, path, &resp); err != nil {
		c.log.Warn().Err(err).Str("patient_id", patientID).Msg("collaborators: patient lookup failed, substituting placeholder")
		return fmt.Sprintf("Patient-%s", patientID)
	}
	return resp.DisplayName
}
