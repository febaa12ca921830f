// Package token issues and verifies the tokens minted by the authorization
// server: RS256-signed JWT access tokens and opaque, rotating refresh tokens.
//
// Refresh tokens are grouped into families. Every rotation consumes the old
// token atomically and issues a successor in the same family with an
// incremented generation. Presenting an already-consumed token is treated as
// theft: the whole family and every other token the user holds with that
// client are revoked.
//
// Only token digests (SHA-256) are ever persisted; the raw values exist
// solely in the response to the client.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/shoresuite/delegate/internal/util"
	"github.com/shoresuite/delegate/keys"
	"github.com/shoresuite/delegate/security"
	"github.com/shoresuite/delegate/storage"
)

const (
	// SigningAlgorithm is the only JWT algorithm this issuer signs or
	// accepts. Verification is hard-restricted to it; "none" and HMAC
	// confusion attacks are rejected at parse time.
	SigningAlgorithm = "RS256"

	// DefaultAccessTokenTTL is the access token lifetime.
	DefaultAccessTokenTTL = time.Hour

	// DefaultRefreshTokenTTL is the refresh token lifetime.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// TokenTypeBearer is the token_type value returned with every pair.
	TokenTypeBearer = "Bearer"

	tokenIDLogLength = 8
)

var (
	// ErrInvalidToken is returned when an access token fails signature,
	// structure, or claim validation.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenRevoked is returned when an otherwise valid access token has
	// been revoked, individually or by a user-wide revocation.
	ErrTokenRevoked = errors.New("token revoked")

	// ErrInvalidRefreshToken is returned for unknown, expired, or
	// mismatched refresh tokens. Callers map it to invalid_grant without
	// disclosing which check failed.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrReuseDetected is returned when an already-consumed refresh token
	// is presented again. By the time this is returned the token's family
	// and all user+client tokens have been revoked.
	ErrReuseDetected = errors.New("refresh token reuse detected")
)

// AccessTokenClaims is the claim set carried by issued access tokens.
type AccessTokenClaims struct {
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// Pair bundles the tokens minted for a grant, shaped for the token
// endpoint response.
type Pair struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int64
	Scope        string
	UserID       string
}

// Config configures an Issuer.
type Config struct {
	// Issuer is the value of the iss claim, normally the server's
	// external base URL. Required.
	Issuer string

	// AccessTokenTTL overrides DefaultAccessTokenTTL when positive.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL overrides DefaultRefreshTokenTTL when positive.
	RefreshTokenTTL time.Duration

	// Logger receives operational logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Auditor receives security events (reuse detection, revocations).
	// Optional.
	Auditor *security.Auditor

	// Now supplies the issuance clock, for tests. Defaults to time.Now.
	Now func() time.Time
}

// Issuer mints and verifies access and refresh tokens.
type Issuer struct {
	keys        *keys.Manager
	tokens      storage.TokenStore
	revocations storage.RevocationStore

	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
	auditor    *security.Auditor
	now        func() time.Time
}

// NewIssuer creates an Issuer backed by the given key manager and stores.
func NewIssuer(km *keys.Manager, tokens storage.TokenStore, revocations storage.RevocationStore, cfg Config) (*Issuer, error) {
	if km == nil {
		return nil, errors.New("key manager is required")
	}
	if tokens == nil {
		return nil, errors.New("token store is required")
	}
	if revocations == nil {
		return nil, errors.New("revocation store is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}

	i := &Issuer{
		keys:        km,
		tokens:      tokens,
		revocations: revocations,
		issuer:      cfg.Issuer,
		accessTTL:   cfg.AccessTokenTTL,
		refreshTTL:  cfg.RefreshTokenTTL,
		logger:      cfg.Logger,
		auditor:     cfg.Auditor,
		now:         cfg.Now,
	}
	if i.accessTTL <= 0 {
		i.accessTTL = DefaultAccessTokenTTL
	}
	if i.refreshTTL <= 0 {
		i.refreshTTL = DefaultRefreshTokenTTL
	}
	if i.logger == nil {
		i.logger = slog.Default()
	}
	if i.now == nil {
		i.now = time.Now
	}
	return i, nil
}

// AccessTokenTTL returns the configured access token lifetime.
func (i *Issuer) AccessTokenTTL() time.Duration {
	return i.accessTTL
}

// IssueAccessToken mints a signed RS256 access token for the user/client
// pair and indexes its jti digest for user-wide revocation.
func (i *Issuer) IssueAccessToken(ctx context.Context, userID, clientID, scope string) (string, error) {
	keyID, privateKey, err := i.keys.ActiveKey()
	if err != nil {
		return "", fmt.Errorf("failed to load signing key: %w", err)
	}

	now := i.now()
	jti := uuid.NewString()
	claims := &AccessTokenClaims{
		Scope:    scope,
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{clientID},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
			ID:        jti,
		},
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = keyID
	signed, err := tok.SignedString(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}

	record := &storage.AccessTokenRecord{
		JTIDigest: storage.HashToken(jti),
		UserID:    userID,
		ClientID:  clientID,
		Scope:     scope,
		IssuedAt:  now,
		ExpiresAt: now.Add(i.accessTTL),
	}
	if err := i.tokens.SaveAccessTokenRecord(ctx, record); err != nil {
		return "", fmt.Errorf("failed to index access token: %w", err)
	}

	i.logger.Debug("access token issued",
		"client_id", clientID,
		"jti_prefix", util.SafeTruncate(jti, tokenIDLogLength),
		"key_id", keyID)
	return signed, nil
}

// IssueRefreshToken mints an opaque refresh token. An empty familyID starts
// a new family at generation 1; successors are minted by Rotate.
func (i *Issuer) IssueRefreshToken(ctx context.Context, userID, clientID, scope, familyID string) (string, error) {
	return i.issueRefreshToken(ctx, userID, clientID, scope, familyID, 1)
}

func (i *Issuer) issueRefreshToken(ctx context.Context, userID, clientID, scope, familyID string, generation int) (string, error) {
	raw := oauth2.GenerateVerifier()
	if familyID == "" {
		familyID = uuid.NewString()
	}

	now := i.now()
	record := &storage.RefreshTokenRecord{
		TokenDigest: storage.HashToken(raw),
		UserID:      userID,
		ClientID:    clientID,
		Scope:       scope,
		FamilyID:    familyID,
		Generation:  generation,
		IssuedAt:    now,
		ExpiresAt:   now.Add(i.refreshTTL),
	}
	if err := i.tokens.SaveRefreshToken(ctx, record); err != nil {
		return "", fmt.Errorf("failed to save refresh token: %w", err)
	}

	i.logger.Debug("refresh token issued",
		"client_id", clientID,
		"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
		"generation", generation)
	return raw, nil
}

// IssuePair mints an access token and a refresh token together. An empty
// familyID starts a new refresh token family.
func (i *Issuer) IssuePair(ctx context.Context, userID, clientID, scope, familyID string) (*Pair, error) {
	return i.issuePair(ctx, userID, clientID, scope, familyID, 1)
}

func (i *Issuer) issuePair(ctx context.Context, userID, clientID, scope, familyID string, generation int) (*Pair, error) {
	accessToken, err := i.IssueAccessToken(ctx, userID, clientID, scope)
	if err != nil {
		return nil, err
	}
	refreshToken, err := i.issueRefreshToken(ctx, userID, clientID, scope, familyID, generation)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    TokenTypeBearer,
		ExpiresIn:    int64(i.accessTTL.Seconds()),
		Scope:        scope,
		UserID:       userID,
	}, nil
}

// Rotate exchanges a refresh token for a new access+refresh pair in the
// same family. The old token is consumed atomically; presenting it again
// later triggers family-wide revocation.
func (i *Issuer) Rotate(ctx context.Context, oldToken, clientID string) (*Pair, error) {
	digest := storage.HashToken(oldToken)

	record, err := i.tokens.ConsumeRefreshToken(ctx, digest)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrTokenNotFound):
			return nil, i.handleMissingRefreshToken(ctx, digest, clientID)
		case errors.Is(err, storage.ErrTokenExpired):
			return nil, ErrInvalidRefreshToken
		default:
			return nil, fmt.Errorf("failed to consume refresh token: %w", err)
		}
	}

	if record.ClientID != clientID {
		// The token was already consumed above, so the legitimate chain
		// is broken either way. Kill the family rather than leave a
		// half-rotated state behind.
		i.logger.Warn("refresh token presented by wrong client",
			"expected_client", record.ClientID,
			"presented_client", clientID,
			"family_id", util.SafeTruncate(record.FamilyID, tokenIDLogLength))
		i.auditEvent(security.EventAuthFailure, record.UserID, clientID, map[string]any{
			"reason": "refresh_token_client_mismatch",
		})
		if err := i.tokens.RevokeTokenFamily(ctx, record.FamilyID); err != nil {
			i.logger.Error("failed to revoke token family after client mismatch",
				"error", err,
				"family_id", util.SafeTruncate(record.FamilyID, tokenIDLogLength))
		}
		return nil, ErrInvalidRefreshToken
	}

	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, ErrInvalidRefreshToken
	}

	pair, err := i.issuePair(ctx, record.UserID, record.ClientID, record.Scope, record.FamilyID, record.Generation+1)
	if err != nil {
		return nil, err
	}

	i.auditEvent(security.EventTokenRefreshed, record.UserID, clientID, map[string]any{
		"rotated":    true,
		"generation": record.Generation + 1,
	})
	return pair, nil
}

// handleMissingRefreshToken distinguishes a plain unknown token from a
// replay of a consumed one. Family metadata outlives the token records, so
// a surviving family for a missing token means the token existed and was
// already used.
func (i *Issuer) handleMissingRefreshToken(ctx context.Context, digest, clientID string) error {
	family, err := i.tokens.GetTokenFamily(ctx, digest)
	if err != nil || family == nil {
		return ErrInvalidRefreshToken
	}

	if family.Revoked {
		// Family already dead; the response stays indistinguishable from
		// an unknown token, but the attempt is worth recording.
		i.auditEvent(security.EventRevokedTokenFamilyReuseAttempt, family.UserID, clientID, map[string]any{
			"family_id": util.SafeTruncate(family.FamilyID, tokenIDLogLength),
		})
		return ErrInvalidRefreshToken
	}

	i.logger.Warn("refresh token reuse detected, revoking family",
		"family_id", util.SafeTruncate(family.FamilyID, tokenIDLogLength),
		"client_id", family.ClientID,
		"generation", family.Generation)
	i.auditEvent(security.EventRefreshTokenReuseDetected, family.UserID, clientID, map[string]any{
		"family_id":  util.SafeTruncate(family.FamilyID, tokenIDLogLength),
		"generation": family.Generation,
	})

	if err := i.tokens.RevokeTokenFamily(ctx, family.FamilyID); err != nil {
		i.logger.Error("failed to revoke token family after reuse",
			"error", err,
			"family_id", util.SafeTruncate(family.FamilyID, tokenIDLogLength))
	}
	if _, err := i.tokens.RevokeAllTokensForUserClient(ctx, family.UserID, family.ClientID); err != nil {
		i.logger.Error("failed to revoke user tokens after reuse",
			"error", err,
			"client_id", family.ClientID)
	}
	return ErrReuseDetected
}

// RevokeAllForUserClient revokes every token, access and refresh, that a
// user holds with a client. Called on authorization code reuse.
func (i *Issuer) RevokeAllForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	return i.tokens.RevokeAllTokensForUserClient(ctx, userID, clientID)
}

// VerifyAccessToken validates a raw access token end to end: RS256
// signature against a published key, standard claims, individual
// revocation, and the user-wide revocation cutoff.
func (i *Issuer) VerifyAccessToken(ctx context.Context, raw string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, i.keyfunc(ctx),
		jwt.WithValidMethods([]string{SigningAlgorithm}),
		jwt.WithIssuer(i.issuer),
		jwt.WithLeeway(security.DefaultClockSkewGracePeriod))
	if err != nil {
		return nil, mapJWTError(err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.ExpiresAt == nil || claims.ID == "" || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if security.IsTokenExpired(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidToken)
	}

	revoked, err := i.revocations.IsTokenRevoked(ctx, storage.HashToken(claims.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to check revocation: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	cutoff, err := i.revocations.UserRevocationCutoff(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("failed to check user revocation cutoff: %w", err)
	}
	if !cutoff.IsZero() && claims.IssuedAt != nil && claims.IssuedAt.Time.Before(cutoff) {
		return nil, ErrTokenRevoked
	}

	return claims, nil
}

// Revoke handles an RFC 7009 revocation request for a raw token of either
// kind. Unknown tokens are not an error; the endpoint must not let callers
// probe for valid tokens.
func (i *Issuer) Revoke(ctx context.Context, raw string) error {
	// Opaque refresh token first: digest lookup is cheap and the common
	// case for revocation requests.
	digest := storage.HashToken(raw)
	record, err := i.tokens.GetRefreshToken(ctx, digest)
	if err == nil && record != nil {
		i.auditEvent(security.EventTokenRevoked, record.UserID, record.ClientID, map[string]any{
			"token_type": "refresh_token",
		})
		return i.tokens.RevokeTokenFamily(ctx, record.FamilyID)
	}
	if err != nil && !errors.Is(err, storage.ErrTokenNotFound) && !errors.Is(err, storage.ErrTokenExpired) {
		return fmt.Errorf("failed to look up refresh token: %w", err)
	}

	// Otherwise try it as one of our access tokens. Signature still has
	// to check out; revocation must not accept arbitrary jti values.
	claims, err := i.VerifyAccessToken(ctx, raw)
	if err != nil {
		if errors.Is(err, ErrTokenRevoked) {
			return nil // already revoked, nothing to do
		}
		return nil // unknown or invalid token: RFC 7009 says succeed
	}

	ttl := time.Until(claims.ExpiresAt.Time) + security.DefaultClockSkewGracePeriod
	if err := i.revocations.RevokeToken(ctx, storage.HashToken(claims.ID), "revocation_request", ttl); err != nil {
		return fmt.Errorf("failed to revoke access token: %w", err)
	}
	i.auditEvent(security.EventTokenRevoked, claims.Subject, claims.ClientID, map[string]any{
		"token_type": "access_token",
	})
	return nil
}

func (i *Issuer) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		kid, ok := t.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, errors.New("token missing kid header")
		}
		return i.keys.PublicKey(ctx, kid)
	}
}

func (i *Issuer) auditEvent(eventType, userID, clientID string, details map[string]any) {
	if i.auditor == nil {
		return
	}
	i.auditor.LogEvent(security.Event{
		Type:     eventType,
		UserID:   userID,
		ClientID: clientID,
		Details:  details,
	})
}

// mapJWTError folds the jwt library's error taxonomy into this package's
// sentinels so callers never branch on library internals.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: token expired", ErrInvalidToken)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return fmt.Errorf("%w: signature invalid", ErrInvalidToken)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: unverifiable", ErrInvalidToken)
	default:
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
}
