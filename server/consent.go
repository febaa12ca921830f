package server

import (
	"context"

	"github.com/shoresuite/delegate/storage"
)

// ConsentProvider decides whether an authenticated user approves releasing
// the requested scope to a client. Implementations typically render a
// consent screen and block until the user answers; the context bounds how
// long the flow waits.
type ConsentProvider interface {
	// ObtainApproval returns true if the user approved the grant. A false
	// return with nil error is an explicit denial.
	ObtainApproval(ctx context.Context, userID string, client *storage.Client, scope string) (bool, error)
}

// AutoApproveConsent approves every grant. Suitable for first-party
// deployments where all clients are trusted and consent is implied by
// authentication.
type AutoApproveConsent struct{}

// ObtainApproval always approves.
func (AutoApproveConsent) ObtainApproval(context.Context, string, *storage.Client, string) (bool, error) {
	return true, nil
}

var _ ConsentProvider = AutoApproveConsent{}
