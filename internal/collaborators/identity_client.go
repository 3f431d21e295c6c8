// Package collaborators holds the Identity and Patient-lookup clients the
// Workflow Engine calls out to, grounded on the teacher's VendorsClient /
// AccountsClient shape (internal/client/vendors_client.go): a small struct
// wrapping pkg/httpclient.Client plus one method per remote call.
package collaborators

import (
	"context"

	"github.com/pesio-ai/be-screening-workflow/internal/model"
	"github.com/pesio-ai/be-screening-workflow/pkg/apperrors"
	"github.com/pesio-ai/be-screening-workflow/pkg/httpclient"
)

// IdentityClientInterface resolves a bearer credential into an acting user
// (spec.md §6's Identity collaborator).
type IdentityClientInterface interface {
	Resolve(ctx context.Context, bearerToken string) (*ResolvedUser, error)
}

// ResolvedUser is what the Identity service returns for a credential.
type ResolvedUser struct {
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Role        model.Role `json:"role"`
}

// IdentityClient is an HTTP-backed IdentityClientInterface.
type IdentityClient struct {
	client *httpclient.Client
}

// NewIdentityClient builds an IdentityClient against the Identity service's
// base URL.
func NewIdentityClient(baseURL string) *IdentityClient {
	return &IdentityClient{client: httpclient.NewClient(baseURL)}
}

// Resolve exchanges a bearer credential for the acting user. A transport or
// non-2xx failure surfaces as apperrors.Unauthenticated, per spec.md §6.
func (c *IdentityClient) Resolve(ctx context.Context, bearerToken string) (*ResolvedUser, error) {
	var resp ResolvedUser
	headers := map[string]string{"Authorization": "Bearer " + bearerToken}
	if err := c.client.GetWithHeaders(ctx, "/api/v1/identity/whoami", headers, &resp); err != nil {
		return nil, apperrors.Wrap(err, apperrors.Unauthenticated, "identity lookup failed")
	}
	return &resp, nil
}
