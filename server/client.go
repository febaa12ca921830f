package server

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/shoresuite/delegate/storage"
)

// Client type constants
const (
	ClientTypeConfidential = "confidential"
	ClientTypePublic       = "public"
)

// AuthenticateClient authenticates a client at the token endpoint.
// Confidential clients must present their secret; public clients present an
// empty secret and rely on PKCE. Failures are uniform invalid_client.
func (s *Server) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" {
		return nil, fmt.Errorf("%s: client_id is required", ErrorCodeInvalidClient)
	}

	// ValidateClientSecret runs the bcrypt comparison (with a dummy hash
	// for unknown clients) before the lookup result is revealed, keeping
	// the timing profile uniform.
	if err := s.clients.ValidateClientSecret(ctx, clientID, clientSecret); err != nil {
		s.auditAuthFailure("", clientID, ErrorCodeInvalidClient)
		return nil, fmt.Errorf("%s: client authentication failed", ErrorCodeInvalidClient)
	}

	client, err := s.clients.GetClient(ctx, clientID)
	if err != nil {
		return nil, fmt.Errorf("%s: client authentication failed", ErrorCodeInvalidClient)
	}
	if client.Disabled {
		s.auditAuthFailure("", clientID, "client_disabled")
		return nil, fmt.Errorf("%s: client authentication failed", ErrorCodeInvalidClient)
	}

	// A public client presenting a secret is misconfigured or an
	// impersonation attempt; neither gets through.
	if client.ClientType == ClientTypePublic && clientSecret != "" {
		s.auditAuthFailure("", clientID, "public_client_with_secret")
		return nil, fmt.Errorf("%s: client authentication failed", ErrorCodeInvalidClient)
	}

	return client, nil
}

// SeedClient registers a client from deployment configuration. There is no
// dynamic registration endpoint; clients enter the registry through this
// path only (startup seeding, provisioning tools, tests).
func (s *Server) SeedClient(ctx context.Context, client *storage.Client, plaintextSecret string) error {
	if client == nil {
		return errors.New("client is required")
	}
	if client.ClientID == "" {
		return errors.New("client_id is required")
	}
	if len(client.RedirectURIs) == 0 {
		return errors.New("at least one redirect URI is required")
	}

	switch client.ClientType {
	case ClientTypeConfidential:
		if plaintextSecret == "" {
			return errors.New("confidential clients require a secret")
		}
	case ClientTypePublic:
		if plaintextSecret != "" {
			return errors.New("public clients must not have a secret")
		}
	case "":
		return errors.New("client_type is required (confidential or public)")
	default:
		return fmt.Errorf("unknown client_type: %s", client.ClientType)
	}

	if err := s.ValidateRedirectURIsForSeeding(ctx, client.RedirectURIs); err != nil {
		return err
	}

	if plaintextSecret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(plaintextSecret), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("failed to hash client secret: %w", err)
		}
		client.ClientSecretHash = string(hash)
	}

	if len(client.GrantTypes) == 0 {
		client.GrantTypes = []string{"authorization_code", "refresh_token"}
	}
	if len(client.ResponseTypes) == 0 {
		client.ResponseTypes = []string{ResponseTypeCode}
	}

	if err := s.clients.SaveClient(ctx, client); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogClientRegistered(client.ClientID, client.ClientType, "")
	}
	s.Logger.Info("client seeded",
		"client_id", client.ClientID,
		"client_type", client.ClientType,
		"redirect_uris", len(client.RedirectURIs))
	return nil
}

// GetClient looks up a registered client.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clients.GetClient(ctx, clientID)
}
