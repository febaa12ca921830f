package storage

import "errors"

// Sentinel errors returned by storage backends. Callers match them with
// errors.Is to distinguish protocol-relevant conditions (reuse, expiry)
// from transient backend failures.
var (
	// ErrAuthorizationCodeNotFound is returned when an authorization code
	// does not exist or has already been deleted
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeUsed is returned when an authorization code has
	// already been redeemed. ConsumeAuthorizationCode returns the stored
	// record alongside this error so the caller can revoke the tokens
	// minted from the first redemption.
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrTokenNotFound is returned when a token record does not exist.
	// During refresh rotation this usually means the token was already
	// consumed and the request is a replay.
	ErrTokenNotFound = errors.New("token not found")

	// ErrTokenExpired is returned when a code or token exists but its
	// expiry (plus the clock skew grace period) has passed
	ErrTokenExpired = errors.New("token expired")

	// ErrTokenFamilyNotFound is returned when no family metadata exists
	// for a refresh token digest
	ErrTokenFamilyNotFound = errors.New("token family not found")

	// ErrTokenFamilyRevoked is returned when a refresh token belongs to a
	// family that has been revoked
	ErrTokenFamilyRevoked = errors.New("token family revoked")

	// ErrClientNotFound is returned when a client ID is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrSigningKeyNotFound is returned when a signing key ID is unknown
	ErrSigningKeyNotFound = errors.New("signing key not found")
)
