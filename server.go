package delegate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shoresuite/delegate/keys"
	"github.com/shoresuite/delegate/security"
	"github.com/shoresuite/delegate/server"
	"github.com/shoresuite/delegate/storage"
	"github.com/shoresuite/delegate/token"
)

// SessionInvalidationHook is the interface user-management code calls when
// a user's role or account status changes. Server implements it by revoking
// every token the user holds.
type SessionInvalidationHook interface {
	OnUserChanged(ctx context.Context, userID, reason string) error
}

// Server wires the signing key manager, token issuer, and protocol engine
// into one authorization server. It is the unit deployments construct;
// Handler puts an HTTP surface in front of it.
type Server struct {
	engine *server.Server
	keys   *keys.Manager
	config *Config
	logger *slog.Logger

	rateLimiter     *security.RateLimiter
	userRateLimiter *security.RateLimiter
	eventLimiter    *security.RateLimiter
}

var _ SessionInvalidationHook = (*Server)(nil)

// New creates an authorization server backed by the given store.
//
// The store carries all five persistence concerns (codes, tokens,
// revocations, signing keys, clients); the memory and valkey backends both
// qualify. consent may be nil, in which case every request is auto-approved
// (suitable only when an upstream layer has already obtained consent).
//
// New loads or generates the signing key set, so it needs a context.
func New(ctx context.Context, store storage.Store, consent server.ConsentProvider, config *Config) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	keyManager, err := keys.NewManager(store, keys.Config{
		KeySize:         config.Keys.KeySize,
		RetiredKeyGrace: config.Keys.RetiredKeyGrace,
		Logger:          logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create key manager: %w", err)
	}
	if err := keyManager.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize signing keys: %w", err)
	}

	auditor := security.NewAuditor(logger, config.EnableAuditLogging)

	tokenCfg := token.Config{
		Issuer:  config.Engine.Issuer,
		Logger:  logger,
		Auditor: auditor,
	}
	if config.Engine.AccessTokenTTL > 0 {
		tokenCfg.AccessTokenTTL = time.Duration(config.Engine.AccessTokenTTL) * time.Second
	}
	if config.Engine.RefreshTokenTTL > 0 {
		tokenCfg.RefreshTokenTTL = time.Duration(config.Engine.RefreshTokenTTL) * time.Second
	}

	issuer, err := token.NewIssuer(keyManager, store, store, tokenCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create token issuer: %w", err)
	}

	engine, err := server.New(store, store, store, issuer, consent, &config.Engine, logger)
	if err != nil {
		return nil, err
	}
	engine.SetAuditor(auditor)

	srv := &Server{
		engine: engine,
		keys:   keyManager,
		config: config,
		logger: logger,
	}

	if config.RateLimit.Rate > 0 {
		srv.rateLimiter = security.NewRateLimiter(config.RateLimit.Rate, config.RateLimit.Burst, logger)
		engine.SetRateLimiter(srv.rateLimiter)
	}
	if config.RateLimit.UserRate > 0 {
		srv.userRateLimiter = security.NewRateLimiter(config.RateLimit.UserRate, config.RateLimit.UserBurst, logger)
		engine.SetUserRateLimiter(srv.userRateLimiter)
	}

	// Security event logging is always rate limited so a replay storm
	// cannot flood the logs.
	srv.eventLimiter = security.NewRateLimiter(1, 5, logger)
	engine.SetSecurityEventRateLimiter(srv.eventLimiter)

	return srv, nil
}

// Engine returns the underlying protocol engine, for callers that need
// operations without the HTTP layer (embedded consent flows, tests).
func (s *Server) Engine() *server.Server {
	return s.engine
}

// Keys returns the signing key manager.
func (s *Server) Keys() *keys.Manager {
	return s.keys
}

// JWKS returns the JSON-encoded public JWK Set for token verification.
func (s *Server) JWKS(ctx context.Context) ([]byte, error) {
	return s.keys.PublicJWKS(ctx)
}

// RotateSigningKey publishes a new signing key and retires the current one.
// Returns the new key ID.
func (s *Server) RotateSigningKey(ctx context.Context) (string, error) {
	return s.keys.Rotate(ctx)
}

// PruneSigningKeys deletes retired keys whose grace period has elapsed.
func (s *Server) PruneSigningKeys(ctx context.Context) (int, error) {
	return s.keys.Prune(ctx)
}

// SeedClient registers a client with a plaintext secret, hashing it before
// storage. Intended for startup seeding from configuration; the client
// registry CRUD itself lives outside this server.
func (s *Server) SeedClient(ctx context.Context, client *storage.Client, plaintextSecret string) error {
	return s.engine.SeedClient(ctx, client, plaintextSecret)
}

// ValidateAccessToken verifies an access token end to end, including
// revocation state.
func (s *Server) ValidateAccessToken(ctx context.Context, raw string) (*token.AccessTokenClaims, error) {
	return s.engine.ValidateAccessToken(ctx, raw)
}

// OnUserChanged revokes every token a user holds, across all clients.
// User-management code calls this on role change, password change, or
// account disable.
func (s *Server) OnUserChanged(ctx context.Context, userID, reason string) error {
	return s.engine.OnUserChanged(ctx, userID, reason)
}

// RunKeyRotation rotates and prunes signing keys on the configured interval
// until ctx is cancelled. It blocks; run it in its own goroutine. No-op if
// Keys.RotationInterval is zero.
func (s *Server) RunKeyRotation(ctx context.Context) {
	interval := s.config.Keys.RotationInterval
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.keys.Rotate(ctx); err != nil {
				s.logger.Error("scheduled key rotation failed", "error", err)
				continue
			}
			if _, err := s.keys.Prune(ctx); err != nil {
				s.logger.Error("retired key pruning failed", "error", err)
			}
		}
	}
}

// Close releases background resources held by the server. The store is
// owned by the caller and is not closed here.
func (s *Server) Close() {
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.userRateLimiter != nil {
		s.userRateLimiter.Stop()
	}
	if s.eventLimiter != nil {
		s.eventLimiter.Stop()
	}
}
