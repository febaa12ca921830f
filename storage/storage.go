// Package storage defines interfaces for persisting authorization codes,
// token records, signing keys, clients, and revocations.
// It supports various backend implementations including in-memory and Valkey.
package storage

import (
	"context"
	"time"
)

// CodeStore defines the interface for authorization code persistence.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode retrieves an authorization code without consuming it
	GetAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically checks that a code is unused and
	// unexpired, and marks it as used. Only ONE concurrent caller can succeed.
	// Returns the code record if successful, or an error if:
	// - Code not found
	// - Code expired
	// - Code already used (reuse detected)
	// The record is ONLY returned alongside ErrAuthorizationCodeUsed so the
	// caller can revoke the tokens minted from the first redemption. For
	// not-found and expired errors nil is returned to prevent leaking
	// anything about the code.
	// SECURITY: This operation MUST be atomic to prevent concurrent redemption.
	ConsumeAuthorizationCode(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore defines the interface for refresh token records and the
// access token index used for user-wide revocation.
//
// Refresh tokens are always keyed by their SHA-256 digest (HashToken);
// the raw token never touches the backend.
// All methods accept context.Context for tracing and cancellation.
type TokenStore interface {
	// SaveRefreshToken saves a refresh token record keyed by its digest
	SaveRefreshToken(ctx context.Context, record *RefreshTokenRecord) error

	// GetRefreshToken retrieves a refresh token record by digest
	GetRefreshToken(ctx context.Context, digest string) (*RefreshTokenRecord, error)

	// ConsumeRefreshToken atomically retrieves and deletes a refresh token
	// record. Only ONE concurrent caller can succeed; the rest observe
	// ErrTokenNotFound, which the rotation layer treats as a replay signal.
	// SECURITY: This operation MUST be atomic to prevent concurrent rotation.
	ConsumeRefreshToken(ctx context.Context, digest string) (*RefreshTokenRecord, error)

	// GetTokenFamily retrieves family metadata for a refresh token digest.
	// Family metadata outlives the token record itself so that replay of a
	// consumed token can still be traced back to its family.
	GetTokenFamily(ctx context.Context, digest string) (*TokenFamilyMetadata, error)

	// RevokeTokenFamily revokes every token in a family
	RevokeTokenFamily(ctx context.Context, familyID string) error

	// SaveAccessTokenRecord indexes an issued access token by its jti digest
	// so it can be found for revocation
	SaveAccessTokenRecord(ctx context.Context, record *AccessTokenRecord) error

	// RevokeAllTokensForUserClient revokes all tokens (access + refresh,
	// including whole families) for a user+client combination. Called when
	// authorization code reuse is detected.
	// Returns the number of tokens revoked.
	RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// RevocationStore records revoked tokens and user-wide revocation cutoffs.
// It is consulted on every access token verification, so implementations
// must keep lookups cheap.
// All methods accept context.Context for tracing and cancellation.
type RevocationStore interface {
	// RevokeToken marks a token digest as revoked. The entry only needs to
	// survive until the token itself expires; ttl bounds its retention.
	RevokeToken(ctx context.Context, digest, reason string, ttl time.Duration) error

	// IsTokenRevoked reports whether a token digest has been revoked
	IsTokenRevoked(ctx context.Context, digest string) (bool, error)

	// RevokeUserTokens records a user-wide revocation cutoff at the current
	// time and deletes the user's refresh token records. Any token issued
	// before the cutoff must fail verification.
	RevokeUserTokens(ctx context.Context, userID, reason string) error

	// UserRevocationCutoff returns the most recent user-wide revocation time,
	// or the zero time if the user has never been revoked
	UserRevocationCutoff(ctx context.Context, userID string) (time.Time, error)
}

// KeyStore persists signing key material for the key manager.
// All methods accept context.Context for tracing and cancellation.
type KeyStore interface {
	// SaveSigningKey saves a signing key record
	SaveSigningKey(ctx context.Context, record *SigningKeyRecord) error

	// GetSigningKey retrieves a signing key by key ID
	GetSigningKey(ctx context.Context, keyID string) (*SigningKeyRecord, error)

	// ListSigningKeys lists all stored signing keys
	ListSigningKeys(ctx context.Context) ([]*SigningKeyRecord, error)

	// DeleteSigningKey removes a signing key
	DeleteSigningKey(ctx context.Context, keyID string) error
}

// ClientStore defines read access to the client registry. Client lifecycle
// management lives elsewhere; this server only looks clients up and checks
// their credentials.
// All methods accept context.Context for tracing and cancellation.
type ClientStore interface {
	// SaveClient saves a registered client (used for seeding and tests)
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients
	ListClients(ctx context.Context) ([]*Client, error)
}

// Store combines every persistence concern the authorization server needs.
// The memory and valkey backends both implement it; deployments that split
// concerns across backends can pass the component interfaces individually.
type Store interface {
	CodeStore
	TokenStore
	RevocationStore
	KeyStore
	ClientStore
}

// Client represents a registered OAuth client
type Client struct {
	ClientID         string
	ClientSecretHash string // bcrypt hash; empty for public clients
	ClientType       string // "public" or "confidential"
	ClientName       string
	RedirectURIs     []string
	GrantTypes       []string
	ResponseTypes    []string
	Scopes           []string
	Disabled         bool
	CreatedAt        time.Time
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	UserID              string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// RefreshTokenRecord is the stored form of a refresh token.
// TokenDigest is the SHA-256 digest of the opaque token (see HashToken).
type RefreshTokenRecord struct {
	TokenDigest string
	UserID      string
	ClientID    string
	Scope       string
	FamilyID    string
	Generation  int
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// TokenFamilyMetadata contains metadata about a refresh token family
type TokenFamilyMetadata struct {
	FamilyID   string
	UserID     string
	ClientID   string
	Generation int
	IssuedAt   time.Time
	Revoked    bool
	RevokedAt  time.Time // When this family was revoked (for forensics and cleanup)
}

// AccessTokenRecord indexes an issued access token for revocation.
// JTIDigest is the SHA-256 digest of the token's jti claim.
type AccessTokenRecord struct {
	JTIDigest string
	UserID    string
	ClientID  string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// SigningKeyRecord is the stored form of an RSA signing key.
// PrivateKeyPEM holds the PKCS#8 private key, optionally encrypted at
// rest by the backend's security.Encryptor.
type SigningKeyRecord struct {
	KeyID         string
	Algorithm     string // "RS256"
	PrivateKeyPEM string
	CreatedAt     time.Time
	RetiredAt     time.Time // zero while the key is eligible for signing
}

// Retired reports whether the key has been rotated out of signing duty.
// Retired keys stay published until every token signed with them has expired.
func (r *SigningKeyRecord) Retired() bool {
	return !r.RetiredAt.IsZero()
}
