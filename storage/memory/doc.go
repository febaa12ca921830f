// Package memory provides an in-memory implementation of the storage interfaces.
//
// This package implements CodeStore, TokenStore, RevocationStore, KeyStore,
// and ClientStore using Go's built-in maps with mutex protection for thread
// safety. It is suitable for development, testing, and single-instance
// deployments where persistence is not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Atomic authorization code consumption and refresh token rotation
//   - Automatic cleanup of expired codes, tokens, and revocation entries
//   - Refresh token family metadata retained past consumption for reuse detection
//   - Signing key encryption at rest via security.Encryptor
//
// For production deployments requiring persistence or multi-instance
// deployments, use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	// store satisfies every storage interface the server needs
//	srv, _ := delegate.NewServer(store, store, store, store, store, config, logger)
package memory
