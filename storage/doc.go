// Package storage provides interfaces and utilities for persisting the
// authorization server's state.
//
// The storage package defines the core interfaces used throughout delegate:
//   - CodeStore: single-use authorization codes with atomic consumption
//   - TokenStore: refresh token records, families, and the access token index
//   - RevocationStore: revoked token digests and user-wide revocation cutoffs
//   - KeyStore: RSA signing key material for the key manager
//   - ClientStore: read access to the client registry
//
// This package also provides shared record types and helpers, including
// HashToken (tokens are only ever persisted as SHA-256 digests) and
// encryption helpers for signing key material at rest.
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage for production
package storage
