package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/shoresuite/delegate/internal/util"
	"github.com/shoresuite/delegate/pkce"
	"github.com/shoresuite/delegate/security"
	"github.com/shoresuite/delegate/storage"
	"github.com/shoresuite/delegate/token"
)

const codeLogLength = 8

// Authorize runs the authorization endpoint flow for an authenticated user:
// request validation, consent, code issuance, and redirect construction.
// The returned URL carries either code+state or a redirectable error.
// Validation failures before the redirect URI is verified are returned as
// an *AuthorizationError with Redirectable=false and no URL.
func (s *Server) Authorize(ctx context.Context, userID string, req *AuthorizationRequest) (string, error) {
	if userID == "" {
		return "", &AuthorizationError{
			Code:        ErrorCodeInvalidRequest,
			Description: "authenticated user is required",
		}
	}

	client, authErr := s.ValidateAuthorizationRequest(ctx, req)
	if authErr != nil {
		if authErr.Redirectable {
			return errorRedirectURL(req.RedirectURI, authErr), authErr
		}
		return "", authErr
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationFlowStarted,
			UserID:   userID,
			ClientID: req.ClientID,
			Details: map[string]any{
				"redirect_uri":          req.RedirectURI,
				"scope":                 req.Scope,
				"code_challenge_method": req.CodeChallengeMethod,
			},
		})
	}

	approved, err := s.consent.ObtainApproval(ctx, userID, client, req.Scope)
	if err != nil {
		return "", fmt.Errorf("consent provider failed: %w", err)
	}
	if !approved {
		denial := &AuthorizationError{
			Code:         ErrorCodeAccessDenied,
			Description:  "the user denied the authorization request",
			State:        req.State,
			Redirectable: true,
		}
		s.auditAuthFailure(userID, req.ClientID, ErrorCodeAccessDenied)
		return errorRedirectURL(req.RedirectURI, denial), denial
	}

	code := generateRandomToken()
	now := time.Now()
	authCode := &storage.AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               req.Scope,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		UserID:              userID,
		CreatedAt:           now,
		ExpiresAt:           now.Add(time.Duration(s.Config.AuthorizationCodeTTL) * time.Second),
	}
	if err := s.codes.SaveAuthorizationCode(ctx, authCode); err != nil {
		return "", fmt.Errorf("failed to save authorization code: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeIssued,
			UserID:   userID,
			ClientID: req.ClientID,
			Details: map[string]any{
				"scope": req.Scope,
			},
		})
	}

	return successRedirectURL(req.RedirectURI, code, req.State), nil
}

// ExchangeAuthorizationCode handles the authorization_code grant: atomic
// single-use code consumption, binding checks, PKCE verification, and token
// issuance. All client-visible failures collapse to invalid_grant so an
// attacker cannot distinguish an unknown code from a binding mismatch.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, code, clientID, redirectURI, codeVerifier string) (*token.Pair, error) {
	authCode, err := s.codes.ConsumeAuthorizationCode(ctx, code)
	if err != nil {
		// A returned record alongside the error means the code was
		// already consumed: reuse, the classic sign of code interception.
		if authCode != nil && errors.Is(err, storage.ErrAuthorizationCodeUsed) {
			return nil, s.handleCodeReuse(ctx, authCode, clientID)
		}

		s.Logger.Debug("authorization code validation failed",
			"reason", err.Error(),
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, codeLogLength))
		s.auditAuthFailure("", clientID, "invalid_authorization_code")
		return nil, invalidGrantError()
	}

	// Code is now atomically marked used; no other request can consume it.

	if authCode.ClientID != clientID {
		s.Logger.Debug("authorization code validation failed",
			"reason", "client_id_mismatch",
			"expected_client_id", authCode.ClientID,
			"provided_client_id", clientID,
			"code_prefix", util.SafeTruncate(code, codeLogLength))
		s.auditAuthFailure("", clientID, "client_id_mismatch")
		return nil, invalidGrantError()
	}

	if authCode.RedirectURI != redirectURI {
		s.Logger.Debug("authorization code validation failed",
			"reason", "redirect_uri_mismatch",
			"client_id", clientID,
			"code_prefix", util.SafeTruncate(code, codeLogLength))
		s.auditAuthFailure("", clientID, "redirect_uri_mismatch")
		return nil, invalidGrantError()
	}

	if err := pkce.Verify(codeVerifier, authCode.CodeChallenge, authCode.CodeChallengeMethod); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventPKCEValidationFailed,
				UserID:   authCode.UserID,
				ClientID: clientID,
				Details: map[string]any{
					"reason": err.Error(),
				},
			})
		}
		s.auditAuthFailure(authCode.UserID, clientID, "pkce_validation_failed")
		return nil, invalidGrantError()
	}

	pair, err := s.tokens.IssuePair(ctx, authCode.UserID, clientID, authCode.Scope, "")
	if err != nil {
		return nil, fmt.Errorf("failed to issue tokens: %w", err)
	}

	if s.Auditor != nil {
		s.Auditor.LogTokenIssued(authCode.UserID, clientID, "", authCode.Scope)
	}

	return pair, nil
}

// handleCodeReuse responds to a replayed authorization code by revoking
// every token the user holds with the client. The code was delivered to
// someone once already; whoever presented it second may hold stolen tokens.
func (s *Server) handleCodeReuse(ctx context.Context, authCode *storage.AuthorizationCode, clientID string) error {
	// Rate limit logging to prevent DoS via log flooding
	if s.SecurityEventRateLimiter == nil || s.SecurityEventRateLimiter.Allow(authCode.UserID+":"+clientID) {
		s.Logger.Error("authorization code reuse detected, revoking all tokens",
			"user_id", authCode.UserID,
			"client_id", clientID)
	}

	if _, err := s.tokens.RevokeAllForUserClient(ctx, authCode.UserID, authCode.ClientID); err != nil {
		s.Logger.Error("failed to revoke tokens after code reuse detection", "error", err)
		// Still return invalid_grant; the reuse itself must not succeed
	}

	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventAuthorizationCodeReuseDetected,
			UserID:   authCode.UserID,
			ClientID: clientID,
			Details: map[string]any{
				"severity": "critical",
				"action":   "all_tokens_revoked",
			},
		})
		s.Auditor.LogAuthFailure(authCode.UserID, clientID, "", "authorization_code_reuse")
	}

	return invalidGrantError()
}

// RefreshAccessToken handles the refresh_token grant. Client authentication
// happens at the HTTP layer; this rotates the token within its family.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*token.Pair, error) {
	pair, err := s.tokens.Rotate(ctx, refreshToken, clientID)
	if err != nil {
		switch {
		case errors.Is(err, token.ErrReuseDetected), errors.Is(err, token.ErrInvalidRefreshToken):
			s.auditAuthFailure("", clientID, "invalid_refresh_token")
			return nil, invalidGrantError()
		default:
			return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
		}
	}
	return pair, nil
}

// ValidateAccessToken verifies an access token end to end, including
// revocation state. Resource servers in the same process call this.
func (s *Server) ValidateAccessToken(ctx context.Context, raw string) (*token.AccessTokenClaims, error) {
	claims, err := s.tokens.VerifyAccessToken(ctx, raw)
	if err != nil {
		s.auditAuthFailure("", "", "invalid_access_token")
		return nil, err
	}
	return claims, nil
}

// RevokeToken handles an RFC 7009 revocation request. Unknown tokens are
// not an error.
func (s *Server) RevokeToken(ctx context.Context, raw, clientID, clientIP string) error {
	if err := s.tokens.Revoke(ctx, raw); err != nil {
		return err
	}
	s.Logger.Info("token revoked", "client_id", clientID, "ip", clientIP)
	return nil
}

// OnUserChanged invalidates every token a user holds, across all clients.
// User management calls this on password change, account disable, or any
// other event that must end existing sessions.
func (s *Server) OnUserChanged(ctx context.Context, userID, reason string) error {
	if userID == "" {
		return fmt.Errorf("user ID is required")
	}

	if err := s.revocations.RevokeUserTokens(ctx, userID, reason); err != nil {
		return fmt.Errorf("failed to revoke user tokens: %w", err)
	}

	s.Logger.Warn("revoked all tokens for user",
		"reason", reason)
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:   security.EventAllTokensRevoked,
			UserID: userID,
			Details: map[string]any{
				"reason": reason,
				"scope":  "all_clients",
			},
		})
	}
	return nil
}

func (s *Server) auditScopeEscalation(clientID, scope string) {
	if s.Auditor != nil {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventScopeEscalationAttempt,
			ClientID: clientID,
			Details: map[string]any{
				"requested_scope": scope,
			},
		})
	}
}

// invalidGrantError returns the generic invalid_grant error per RFC 6749.
// Details stay in the logs; the client gets nothing to enumerate with.
func invalidGrantError() error {
	return fmt.Errorf("%s: invalid grant", ErrorCodeInvalidGrant)
}

// successRedirectURL builds the redirect carrying code and state.
func successRedirectURL(redirectURI, code, state string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("code", code)
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String()
}

// errorRedirectURL builds the redirect carrying a redirectable error per
// RFC 6749 Section 4.1.2.1.
func errorRedirectURL(redirectURI string, authErr *AuthorizationError) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI
	}
	q := u.Query()
	q.Set("error", authErr.Code)
	if authErr.Description != "" {
		q.Set("error_description", authErr.Description)
	}
	if authErr.State != "" {
		q.Set("state", authErr.State)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
