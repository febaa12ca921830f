package server

import (
	"log/slog"
	"time"
)

// Config holds authorization server configuration.
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// RevokedFamilyRetentionDays is how long revoked token family metadata
	// is kept for replay forensics
	RevokedFamilyRetentionDays int64 // default: 90

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// When false, uses direct connection IP (secure by default)
	// Default: false
	TrustProxy bool

	// TrustedProxyCount is the number of trusted proxies in front of this server.
	// Used with TrustProxy to correctly extract client IP from X-Forwarded-For.
	// Default: 1
	TrustedProxyCount int

	// SupportedScopes lists the scopes that are allowed for clients.
	// If empty, all scopes are allowed.
	SupportedScopes []string

	// MinStateLength is the minimum accepted length of the state parameter.
	// Short state values weaken CSRF protection.
	// Default: 8
	MinStateLength int

	// AllowInsecureHTTP permits a non-HTTPS issuer outside localhost.
	// Never enable in production.
	// Default: false
	AllowInsecureHTTP bool

	// AllowedCustomSchemes is a list of allowed custom URI scheme patterns
	// (regex) for native-app redirect URIs (e.g. myapp://, com.example.app://).
	// Empty list allows all RFC 3986 compliant schemes.
	AllowedCustomSchemes []string

	// BlockedRedirectSchemes lists URI schemes that are never allowed as
	// redirect URIs. Empty uses the built-in dangerous scheme list.
	BlockedRedirectSchemes []string

	// AllowLocalhostRedirectURIs permits loopback redirect URIs
	// (RFC 8252 Section 7.3, native apps).
	// Default: true
	AllowLocalhostRedirectURIs bool

	// AllowPrivateIPRedirectURIs permits redirect URIs pointing at RFC 1918
	// addresses. Only enable for internal/VPN deployments.
	// Default: false (SSRF protection)
	AllowPrivateIPRedirectURIs bool

	// AllowLinkLocalRedirectURIs permits link-local redirect URIs. Leave
	// disabled: link-local addresses can reach cloud metadata services.
	// Default: false
	AllowLinkLocalRedirectURIs bool

	// DNSValidation resolves redirect URI hostnames at seed time and
	// rejects those resolving to private or link-local addresses.
	// Default: false
	DNSValidation bool

	// DNSValidationTimeout bounds each DNS lookup during seed-time
	// validation.
	// Default: 5s
	DNSValidationTimeout time.Duration
}

// applySecureDefaults applies secure-by-default configuration values.
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.RevokedFamilyRetentionDays == 0 {
		config.RevokedFamilyRetentionDays = 90
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.MinStateLength == 0 {
		config.MinStateLength = 8
	}
	if config.DNSValidationTimeout == 0 {
		config.DNSValidationTimeout = 5 * time.Second
	}

	// Heuristic: if all security bools are false, this is a fresh config
	// and gets the secure defaults; an explicitly configured one keeps its
	// settings and gets warnings instead.
	isDefaultConfig := !config.AllowLocalhostRedirectURIs &&
		!config.AllowPrivateIPRedirectURIs &&
		!config.AllowLinkLocalRedirectURIs &&
		!config.AllowInsecureHTTP &&
		!config.TrustProxy
	if isDefaultConfig {
		config.AllowLocalhostRedirectURIs = true
	}

	logSecurityWarnings(config, logger)
	return config
}

// logSecurityWarnings logs warnings for insecure configuration settings.
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowInsecureHTTP {
		logger.Warn("SECURITY WARNING: insecure HTTP issuer is allowed",
			"risk", "Tokens and credentials exposed to network interception",
			"recommendation", "Use HTTPS for all non-localhost deployments")
	}
	if config.TrustProxy {
		logger.Warn("SECURITY NOTICE: trusting proxy headers",
			"risk", "IP spoofing if the proxy chain is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
	if len(config.SupportedScopes) == 0 {
		logger.Warn("CONFIGURATION NOTICE: no supported scopes configured, all scopes allowed",
			"recommendation", "Set SupportedScopes to restrict what clients may request")
	}
}
