// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// This package implements all storage interfaces the server needs, making it
// suitable for production deployments that require:
//
//   - Distributed storage for horizontal scaling
//   - Persistence across server restarts
//   - Automatic TTL-based expiration
//   - High availability with clustering
//
// # Implemented Interfaces
//
// The Store type implements all required storage interfaces:
//
//   - [storage.CodeStore]: authorization code issuance and atomic redemption
//   - [storage.TokenStore]: refresh token records, families, access token index
//   - [storage.RevocationStore]: per-digest revocations and user-wide cutoffs
//   - [storage.KeyStore]: signing key material with optional encryption at rest
//   - [storage.ClientStore]: client registry lookup and credential validation
//
// # Key Schema
//
// All keys use a configurable prefix (default "delegate:") to avoid conflicts
// with other applications sharing the same Valkey instance:
//
//	{prefix}code:{code}               -> JSON(AuthorizationCode) (with TTL)
//	{prefix}refresh:{digest}          -> JSON(RefreshTokenRecord) (with TTL)
//	{prefix}family:meta:{digest}      -> JSON(TokenFamilyMetadata)
//	{prefix}family:{familyID}         -> SET of digests in family
//	{prefix}access:{jtiDigest}        -> JSON(AccessTokenRecord) (with TTL)
//	{prefix}revoked:{digest}          -> reason (with TTL)
//	{prefix}usercutoff:{userID}       -> Unix timestamp
//	{prefix}user:{userID}             -> SET of digests
//	{prefix}userclient:{uid}:{cid}    -> SET of digests
//	{prefix}key:{keyID}               -> JSON(SigningKeyRecord)
//	{prefix}client:{clientID}         -> JSON(Client)
//
// Tokens are always indexed by SHA-256 digest; a raw refresh token or jti
// never reaches Valkey.
//
// # Atomic Operations
//
// Two grant-flow operations must be atomic to be safe:
//
//   - ConsumeAuthorizationCode: prevents authorization code replay
//   - ConsumeRefreshToken: prevents refresh token reuse during rotation
//
// Both use Lua scripts so that only one concurrent caller can win,
// providing the same guarantees as the in-memory implementation but with
// distributed storage benefits.
//
// # Configuration
//
// Basic usage:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "delegate:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "delegate:",
//	})
//
// # Security Considerations
//
//   - All token keys carry TTLs to prevent unbounded growth
//   - Lua scripts ensure atomic operations for security-critical flows
//   - Constant-time bcrypt comparison prevents timing attacks in client validation
//   - Revoked family metadata is retained for a configurable forensics period
//   - Optional signing key encryption at rest via SetEncryptor() using AES-256-GCM
//   - Generic error messages prevent client enumeration
package valkey
