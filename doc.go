// Package delegate implements an OAuth 2.0 authorization server with
// mandatory PKCE (RFC 7636), rotating refresh tokens with reuse detection,
// RS256-signed JWT access tokens, and RFC 7009 revocation.
//
// The package is the HTTP-facing assembly: Server wires the protocol engine,
// signing key manager, and token issuer over a storage.Store backend, and
// Handler adapts the engine to net/http. End-user login is deliberately out
// of scope; the embedding application supplies a UserAuthenticator that maps
// an incoming authorization request to an already-authenticated user.
//
// Typical wiring:
//
//	store := memory.New()
//	srv, err := delegate.New(ctx, store, nil, &delegate.Config{
//		Engine: server.Config{Issuer: "https://auth.example.com"},
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer srv.Close()
//
//	h := delegate.NewHandler(srv, sessions, logger)
//	mux := http.NewServeMux()
//	h.Routes(mux)
//
// Protocol semantics live in the server subpackage, token issuance and
// verification in token, signing key lifecycle in keys, and persistence
// backends in storage/memory and storage/valkey.
package delegate
