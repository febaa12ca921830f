// Package server implements the core authorization server logic.
//
// This package provides the OAuth 2.0 authorization code grant with
// mandatory PKCE (S256), refresh token rotation with reuse detection,
// consent delegation, and token revocation. It coordinates between storage
// backends, the token issuer, and security features; HTTP framing lives in
// the root package.
//
// The Server type delegates to specialized modules:
//   - Authorization code and client storage (storage package)
//   - Token issuance and verification (token package)
//   - Security features (security package)
//
// Key Features:
//   - Mandatory PKCE with S256 only
//   - Atomic single-use authorization codes with reuse detection
//   - Refresh token rotation with family-wide revocation on replay
//   - User-wide session invalidation via OnUserChanged
//   - Comprehensive security auditing
//   - Rate limiting (IP and user-based)
//
// Example usage:
//
//	store := memory.New()
//
//	config := &server.Config{
//	    Issuer: "https://auth.example.com",
//	}
//
//	srv, err := server.New(store, store, store, issuer, nil, config, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
