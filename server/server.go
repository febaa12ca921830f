package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/shoresuite/delegate/security"
	"github.com/shoresuite/delegate/storage"
	"github.com/shoresuite/delegate/token"
)

// Server implements the authorization server logic: authorization request
// validation, code issuance and exchange, refresh rotation, and revocation.
// HTTP framing lives in the root package; Server holds protocol semantics.
type Server struct {
	codes       storage.CodeStore
	clients     storage.ClientStore
	revocations storage.RevocationStore
	tokens      *token.Issuer
	consent     ConsentProvider

	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter // IP-based rate limiter
	UserRateLimiter          *security.RateLimiter // User-based rate limiter (authenticated requests)
	SecurityEventRateLimiter *security.RateLimiter // Rate limiter for security event logging (DoS prevention)
	Logger                   *slog.Logger
	Config                   *Config
}

// New creates an authorization server.
func New(
	codes storage.CodeStore,
	clients storage.ClientStore,
	revocations storage.RevocationStore,
	tokens *token.Issuer,
	consent ConsentProvider,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if codes == nil {
		return nil, fmt.Errorf("code store is required")
	}
	if clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if revocations == nil {
		return nil, fmt.Errorf("revocation store is required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("token issuer is required")
	}
	if consent == nil {
		consent = AutoApproveConsent{}
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)

	srv := &Server{
		codes:       codes,
		clients:     clients,
		revocations: revocations,
		tokens:      tokens,
		consent:     consent,
		Config:      config,
		Logger:      logger,
	}

	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	// Configure storage retention if the backend supports it
	type retentionSetter interface {
		SetRevokedFamilyRetentionDays(days int64)
	}
	if setter, ok := codes.(retentionSetter); ok {
		setter.SetRevokedFamilyRetentionDays(config.RevokedFamilyRetentionDays)
	}

	return srv, nil
}

// SetAuditor sets the security auditor.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
}

// SetRateLimiter sets the IP-based rate limiter.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetUserRateLimiter sets the user-based rate limiter for authenticated requests.
func (s *Server) SetUserRateLimiter(rl *security.RateLimiter) {
	s.UserRateLimiter = rl
}

// SetSecurityEventRateLimiter sets the rate limiter for security event logging.
// This prevents DoS attacks via log flooding from repeated security events.
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// generateRandomToken generates a cryptographically secure random token.
// This is an alias for oauth2.GenerateVerifier() which produces a URL-safe,
// base64-encoded random string suitable for codes, state parameters, etc.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
