package delegate

import (
	"log/slog"
	"time"

	"github.com/shoresuite/delegate/internal/util"
	"github.com/shoresuite/delegate/server"
)

// Endpoint paths registered by Handler.Routes and advertised in the
// RFC 8414 metadata document.
const (
	PathAuthorize = "/authorize"
	PathToken     = "/token"
	PathRevoke    = "/revoke"
	PathJWKS      = "/.well-known/jwks.json"
	PathMetadata  = "/.well-known/oauth-authorization-server"
)

// SupportedTokenAuthMethods lists the client authentication methods
// accepted at the token endpoint.
var SupportedTokenAuthMethods = []string{"client_secret_basic", "client_secret_post", "none"}

// Config holds the authorization server configuration.
// Structured using composition: protocol settings live in Engine,
// everything else is HTTP- and lifecycle-level concerns.
type Config struct {
	// Engine holds the protocol engine configuration (issuer, TTLs,
	// redirect URI policy). Engine.Issuer is required.
	Engine server.Config

	// Keys holds signing key lifecycle settings
	Keys KeysConfig

	// RateLimit holds rate limiting configuration
	RateLimit RateLimitConfig

	// EnableAuditLogging enables security audit logging.
	// Logs auth events, token operations, and violations (sensitive data hashed).
	EnableAuditLogging bool

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// KeysConfig holds signing key lifecycle settings.
type KeysConfig struct {
	// KeySize is the RSA modulus size for generated signing keys.
	// Default: 2048 (also the minimum).
	KeySize int

	// RetiredKeyGrace is how long retired keys stay published in the JWKS.
	// Must cover the access token lifetime plus JWKS cache staleness.
	// Default: 2 hours.
	RetiredKeyGrace time.Duration

	// RotationInterval is how often the active signing key is rotated.
	// Zero disables automatic rotation; Server.RotateSigningKey can still
	// be called directly.
	RotationInterval time.Duration
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	Burst int

	// UserRate is requests per second allowed per authenticated user.
	// Applied in addition to IP-based limiting. Zero disables.
	UserRate int

	// UserBurst is the maximum burst size per authenticated user.
	UserBurst int
}

// AuthorizationEndpoint returns the absolute URL of the authorization endpoint.
func (c *Config) AuthorizationEndpoint() string { return c.endpoint(PathAuthorize) }

// TokenEndpoint returns the absolute URL of the token endpoint.
func (c *Config) TokenEndpoint() string { return c.endpoint(PathToken) }

// RevocationEndpoint returns the absolute URL of the RFC 7009 revocation endpoint.
func (c *Config) RevocationEndpoint() string { return c.endpoint(PathRevoke) }

// JWKSEndpoint returns the absolute URL of the JWK Set document.
func (c *Config) JWKSEndpoint() string { return c.endpoint(PathJWKS) }

func (c *Config) endpoint(path string) string {
	return util.NormalizeURL(c.Engine.Issuer) + path
}
