package server

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/shoresuite/delegate/pkce"
	"github.com/shoresuite/delegate/security"
	"github.com/shoresuite/delegate/storage"
)

// OAuth 2.0 error codes from RFC 6749.
// Note: These are intentionally duplicated from the root package to avoid
// circular imports (root imports server for type aliases, server can't
// import root). Keep these in sync with the root errors.go.
const (
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeAccessDenied            = "access_denied"
	ErrorCodeServerError             = "server_error"
)

// ResponseTypeCode is the only supported response_type.
const ResponseTypeCode = "code"

// URI scheme constants
const (
	SchemeHTTP  = "http"
	SchemeHTTPS = "https"
)

var (
	// AllowedHTTPSchemes lists allowed HTTP-based redirect URI schemes
	AllowedHTTPSchemes = []string{SchemeHTTP, SchemeHTTPS}

	// DangerousSchemes lists URI schemes that must never be allowed for security
	DangerousSchemes = []string{"javascript", "data", "file", "vbscript", "about"}

	// DefaultRFC3986SchemePattern is the default regex pattern for custom URI schemes (RFC 3986)
	DefaultRFC3986SchemePattern = []string{"^[a-z][a-z0-9+.-]*$"}

	// LoopbackAddresses lists recognized loopback addresses for development
	LoopbackAddresses = []string{"localhost", "127.0.0.1", "::1", "[::1]"}
)

// AuthorizationRequest carries the parameters of a GET /authorize request.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizationError is a validation failure with its RFC 6749 error code.
// Redirectable reports whether the error may be delivered to the client's
// redirect URI: only true once the redirect URI itself has been verified
// against the client's registration. Unverified-redirect errors must be
// shown to the caller directly, never redirected (open redirector risk).
type AuthorizationError struct {
	Code         string
	Description  string
	State        string
	Redirectable bool
}

// Error implements the error interface.
func (e *AuthorizationError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// ValidateAuthorizationRequest validates a full authorization request and
// returns the client on success. The checks run in trust order: client and
// redirect URI first (failures are non-redirectable), then response type,
// state, scope, and PKCE (failures redirect with the error code).
func (s *Server) ValidateAuthorizationRequest(ctx context.Context, req *AuthorizationRequest) (*storage.Client, *AuthorizationError) {
	if req.ClientID == "" {
		return nil, &AuthorizationError{
			Code:        ErrorCodeInvalidRequest,
			Description: "client_id is required",
		}
	}

	client, err := s.clients.GetClient(ctx, req.ClientID)
	if err != nil {
		s.auditAuthFailure("", req.ClientID, ErrorCodeInvalidClient)
		return nil, &AuthorizationError{
			Code:        ErrorCodeInvalidClient,
			Description: "unknown client",
		}
	}
	if client.Disabled {
		s.auditAuthFailure("", req.ClientID, "client_disabled")
		return nil, &AuthorizationError{
			Code:        ErrorCodeInvalidClient,
			Description: "client is disabled",
		}
	}

	if err := s.validateRedirectURI(client, req.RedirectURI); err != nil {
		if s.Auditor != nil {
			s.Auditor.LogEvent(security.Event{
				Type:     security.EventInvalidRedirect,
				ClientID: req.ClientID,
				Details:  map[string]any{"redirect_uri": req.RedirectURI},
			})
		}
		return nil, &AuthorizationError{
			Code:        ErrorCodeInvalidRequest,
			Description: err.Error(),
		}
	}

	// The redirect URI is verified from here down; later failures carry
	// Redirectable so the handler can deliver them per RFC 6749 4.1.2.1.
	if req.ResponseType != ResponseTypeCode {
		return client, &AuthorizationError{
			Code:         ErrorCodeUnsupportedResponseType,
			Description:  fmt.Sprintf("unsupported response_type: %s", req.ResponseType),
			State:        req.State,
			Redirectable: true,
		}
	}

	if err := s.validateStateParameter(req.State); err != nil {
		return client, &AuthorizationError{
			Code:         ErrorCodeInvalidRequest,
			Description:  err.Error(),
			State:        req.State,
			Redirectable: true,
		}
	}

	if err := s.validateScopes(req.Scope); err != nil {
		s.auditAuthFailure("", req.ClientID, fmt.Sprintf("%s: %v", ErrorCodeInvalidScope, err))
		return client, &AuthorizationError{
			Code:         ErrorCodeInvalidScope,
			Description:  err.Error(),
			State:        req.State,
			Redirectable: true,
		}
	}
	if err := s.validateClientScopes(req.Scope, client.Scopes); err != nil {
		s.auditScopeEscalation(req.ClientID, req.Scope)
		return client, &AuthorizationError{
			Code:         ErrorCodeInvalidScope,
			Description:  err.Error(),
			State:        req.State,
			Redirectable: true,
		}
	}

	if err := validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		s.auditAuthFailure("", req.ClientID, "missing_or_invalid_pkce")
		return client, &AuthorizationError{
			Code:         ErrorCodeInvalidRequest,
			Description:  err.Error(),
			State:        req.State,
			Redirectable: true,
		}
	}

	return client, nil
}

// validateCodeChallenge enforces mandatory PKCE with the S256 method. The
// challenge is base64url(SHA-256) so it is always 43 characters, but the
// bounds are checked against the verifier limits to reject junk early.
func validateCodeChallenge(challenge, method string) error {
	if challenge == "" {
		return fmt.Errorf("code_challenge is required (PKCE is mandatory)")
	}
	if method == "" {
		return fmt.Errorf("code_challenge_method is required when code_challenge is provided")
	}
	if method != pkce.MethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s (only S256 is supported)", method)
	}
	if len(challenge) < pkce.MinVerifierLength || len(challenge) > pkce.MaxVerifierLength {
		return fmt.Errorf("code_challenge must be %d-%d characters (RFC 7636)", pkce.MinVerifierLength, pkce.MaxVerifierLength)
	}
	return nil
}

// validateHTTPSEnforcement ensures that the server is running over HTTPS
// outside localhost development. OAuth over HTTP exposes all tokens,
// authorization codes, and client credentials to network interception.
func (s *Server) validateHTTPSEnforcement() error {
	// Skip validation if Issuer is empty (will fail elsewhere with more appropriate error)
	if s.Config.Issuer == "" {
		return nil
	}

	issuerURL, err := url.Parse(s.Config.Issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}

	if issuerURL.Scheme == SchemeHTTPS {
		return nil
	}

	if issuerURL.Scheme == SchemeHTTP {
		hostname := issuerURL.Hostname()

		// Allow localhost for development (with warning)
		if isLocalhostHostname(hostname) {
			if !s.Config.AllowInsecureHTTP {
				s.Logger.Warn("DEVELOPMENT WARNING: running over HTTP on localhost",
					"issuer", s.Config.Issuer,
					"recommendation", "Use HTTPS even in development for production-like testing",
					"to_suppress", "Set AllowInsecureHTTP=true in Config")
			}
			return nil
		}

		if !s.Config.AllowInsecureHTTP {
			return fmt.Errorf(
				"issuer must use HTTPS in production (got %s://%s); "+
					"OAuth over HTTP exposes tokens and credentials to interception. "+
					"To run on localhost for development, set AllowInsecureHTTP=true",
				issuerURL.Scheme,
				hostname,
			)
		}

		s.Logger.Error("CRITICAL SECURITY WARNING: running authorization server over HTTP",
			"issuer", s.Config.Issuer,
			"hostname", hostname,
			"risk", "All tokens and credentials exposed to network sniffing and MITM attacks",
			"action_required", "Switch to HTTPS immediately")
		return nil
	}

	return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", issuerURL.Scheme)
}

// isLocalhostHostname checks if a hostname refers to the local machine.
// This includes IPv4 loopback (entire 127.0.0.0/8 range per RFC 1122),
// IPv6 loopback (::1), localhost hostname, and 0.0.0.0 (bind-all in dev).
func isLocalhostHostname(hostname string) bool {
	if hostname == "localhost" || hostname == "0.0.0.0" {
		return true
	}

	// Strip brackets from IPv6 addresses for parsing
	cleanHostname := hostname
	if len(hostname) > 2 && hostname[0] == '[' && hostname[len(hostname)-1] == ']' {
		cleanHostname = hostname[1 : len(hostname)-1]
	}

	if ip := net.ParseIP(cleanHostname); ip != nil {
		return ip.IsLoopback()
	}

	return false
}

// validateRedirectURI validates that a redirect URI is registered for the
// client. Matching is exact string comparison: no prefixes, no wildcards,
// no case folding (RFC 6749 Section 3.1.2.3).
func (s *Server) validateRedirectURI(client *storage.Client, redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect_uri is required")
	}

	found := false
	for _, uri := range client.RedirectURIs {
		if uri == redirectURI {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("redirect URI not registered for client")
	}

	return validateRedirectURISecurity(redirectURI, s.Config.Issuer, s.Config.AllowedCustomSchemes)
}

// validateScopes validates that requested scopes are allowed server-wide.
func (s *Server) validateScopes(scope string) error {
	// If no scopes configured, allow all
	if len(s.Config.SupportedScopes) == 0 {
		return nil
	}
	if scope == "" {
		return nil
	}

	requestedScopes := strings.Fields(scope)
	for _, reqScope := range requestedScopes {
		found := false
		for _, supportedScope := range s.Config.SupportedScopes {
			if reqScope == supportedScope {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("unsupported scope: %s", reqScope)
		}
	}

	return nil
}

// validateClientScopes validates that requested scopes are a subset of the
// client's registered scopes. An empty registration allows all scopes.
func (s *Server) validateClientScopes(requestedScope string, clientScopes []string) error {
	if len(clientScopes) == 0 {
		return nil
	}
	if requestedScope == "" {
		return nil
	}

	requestedScopes := strings.Fields(requestedScope)
	for _, reqScope := range requestedScopes {
		found := false
		for _, allowedScope := range clientScopes {
			if reqScope == allowedScope {
				found = true
				break
			}
		}
		if !found {
			// Generic error: don't reveal which scopes the client holds,
			// that would let callers fingerprint registrations.
			return fmt.Errorf("client is not authorized for one or more requested scopes")
		}
	}

	return nil
}

// validateStateParameter enforces the state parameter for CSRF protection.
// The minimum length keeps the search space large enough that timing leaks
// on comparison don't make brute forcing feasible.
func (s *Server) validateStateParameter(state string) error {
	if state == "" {
		return fmt.Errorf("state parameter is required for CSRF protection")
	}
	if len(state) < s.Config.MinStateLength {
		return fmt.Errorf("state parameter must be at least %d characters for security", s.Config.MinStateLength)
	}
	return nil
}

// validateCustomScheme validates a custom URI scheme against allowed patterns.
func validateCustomScheme(scheme string, allowedSchemes []string) error {
	schemeLower := strings.ToLower(scheme)

	for _, dangerous := range DangerousSchemes {
		if schemeLower == dangerous {
			return fmt.Errorf("redirect_uri scheme '%s' is not allowed for security reasons", scheme)
		}
	}

	// If no allowed schemes configured, allow all RFC 3986 compliant schemes
	if len(allowedSchemes) == 0 {
		allowedSchemes = DefaultRFC3986SchemePattern
	}

	for _, pattern := range allowedSchemes {
		matched, err := regexp.MatchString(pattern, schemeLower)
		if err != nil {
			return fmt.Errorf("invalid scheme pattern '%s': %w", pattern, err)
		}
		if matched {
			return nil
		}
	}

	return fmt.Errorf("redirect_uri scheme '%s' does not match allowed patterns (must match one of: %v)",
		scheme, allowedSchemes)
}

// isLoopbackAddress checks if a hostname is a loopback address.
func isLoopbackAddress(hostname string) bool {
	hostname = strings.Trim(hostname, "[]")
	hostname = strings.TrimSpace(hostname)

	for _, loopback := range LoopbackAddresses {
		if hostname == loopback {
			return true
		}
	}

	return strings.HasPrefix(hostname, "127.") || strings.HasPrefix(hostname, "localhost:")
}

// validateRedirectURISecurity performs security validation on redirect URIs
// per OAuth 2.0 Security BCP: no fragments, HTTPS outside loopback when the
// server itself is HTTPS, custom schemes checked against the allow list.
func validateRedirectURISecurity(redirectURI, serverIssuer string, allowedCustomSchemes []string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect_uri format: %w", err)
	}

	// OAuth 2.0 Security BCP Section 4.1.3: redirect_uri MUST NOT contain fragments
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect_uri must not contain fragments (security risk)")
	}

	scheme := strings.ToLower(parsed.Scheme)

	isHTTP := false
	for _, httpScheme := range AllowedHTTPSchemes {
		if scheme == httpScheme {
			isHTTP = true
			break
		}
	}

	if isHTTP {
		hostname := strings.ToLower(parsed.Hostname())
		isLoopback := isLoopbackAddress(hostname)

		// For production (non-loopback), require HTTPS when the server itself is HTTPS
		if !isLoopback && scheme != SchemeHTTPS {
			if serverParsed, err := url.Parse(serverIssuer); err == nil {
				if serverParsed.Scheme == SchemeHTTPS {
					return fmt.Errorf("redirect_uri must use HTTPS in production (got %s://)", scheme)
				}
			}
		}
	} else {
		// Custom scheme (for native/mobile apps)
		if err := validateCustomScheme(scheme, allowedCustomSchemes); err != nil {
			return err
		}
	}

	return nil
}

func (s *Server) auditAuthFailure(userID, clientID, reason string) {
	if s.Auditor != nil {
		s.Auditor.LogAuthFailure(userID, clientID, "", reason)
	}
}
