package delegate

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/shoresuite/delegate/pkce"
	"github.com/shoresuite/delegate/server"
	"github.com/shoresuite/delegate/storage"
	"github.com/shoresuite/delegate/storage/memory"
	"github.com/shoresuite/delegate/token"
)

const testIssuer = "https://auth.example.com"

// newTestService wires a complete Server on in-memory storage. Rate
// limiting is left off so tests never trip 429s.
func newTestService(t *testing.T) *Server {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	srv, err := New(context.Background(), store, nil, &Config{
		Engine: server.Config{Issuer: testIssuer},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(srv.Close)
	return srv
}

// seedTestClient registers the standard confidential test client.
func seedTestClient(t *testing.T, srv *Server) *storage.Client {
	t.Helper()

	client := &storage.Client{
		ClientID:     "test-client",
		ClientType:   server.ClientTypeConfidential,
		ClientName:   "Test Client",
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"read", "write"},
	}
	if err := srv.SeedClient(context.Background(), client, "test-secret"); err != nil {
		t.Fatalf("SeedClient() error = %v", err)
	}
	return client
}

// issueTokensForTest runs the code flow against the engine and returns the
// issued token pair for the standard test client.
func issueTokensForTest(t *testing.T, srv *Server) *token.Pair {
	t.Helper()
	ctx := context.Background()

	verifier := oauth2.GenerateVerifier()
	redirect, err := srv.Engine().Authorize(ctx, "user-1", &server.AuthorizationRequest{
		ClientID:            "test-client",
		RedirectURI:         "https://app.example.com/callback",
		ResponseType:        server.ResponseTypeCode,
		Scope:               "read",
		State:               "state-12345678",
		CodeChallenge:       pkce.Challenge(verifier),
		CodeChallengeMethod: pkce.MethodS256,
	})
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("redirect is not a URL: %v", err)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect carries no code: %s", redirect)
	}

	pair, err := srv.Engine().ExchangeAuthorizationCode(ctx, code, "test-client", "https://app.example.com/callback", verifier)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	return pair
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(context.Background(), nil, nil, &Config{
		Engine: server.Config{Issuer: testIssuer},
	})
	if err == nil || !strings.Contains(err.Error(), "store") {
		t.Errorf("New() error = %v, want store requirement", err)
	}
}

func TestNew_DefaultsConfig(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	// Issuer-less config still builds a working server on localhost rules
	srv, err := New(context.Background(), store, nil, &Config{
		Engine: server.Config{Issuer: "http://localhost:8080"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Close()

	if srv.Engine() == nil || srv.Keys() == nil {
		t.Fatal("engine and key manager must be wired")
	}
}

func TestJWKS_PublishesActiveKey(t *testing.T) {
	srv := newTestService(t)
	ctx := context.Background()

	jwks, err := srv.JWKS(ctx)
	if err != nil {
		t.Fatalf("JWKS() error = %v", err)
	}
	if !strings.Contains(string(jwks), `"keys"`) {
		t.Errorf("JWKS output missing keys array: %s", jwks)
	}
	if !strings.Contains(string(jwks), `"RS256"`) {
		t.Errorf("JWKS output missing RS256 alg: %s", jwks)
	}
}

func TestRotateSigningKey_OldTokensStillVerify(t *testing.T) {
	srv := newTestService(t)
	seedTestClient(t, srv)
	ctx := context.Background()

	pair := issueTokensForTest(t, srv)

	newKeyID, err := srv.RotateSigningKey(ctx)
	if err != nil {
		t.Fatalf("RotateSigningKey() error = %v", err)
	}
	if newKeyID == "" {
		t.Fatal("rotation returned empty key ID")
	}

	// The retired key stays published, so tokens it signed keep verifying
	if _, err := srv.ValidateAccessToken(ctx, pair.AccessToken); err != nil {
		t.Errorf("ValidateAccessToken() after rotation error = %v", err)
	}

	jwks, err := srv.JWKS(ctx)
	if err != nil {
		t.Fatalf("JWKS() error = %v", err)
	}
	if !strings.Contains(string(jwks), newKeyID) {
		t.Errorf("JWKS does not include rotated key %s", newKeyID)
	}
}

func TestOnUserChanged_CutsAllSessions(t *testing.T) {
	srv := newTestService(t)
	seedTestClient(t, srv)
	ctx := context.Background()

	pair := issueTokensForTest(t, srv)

	if err := srv.OnUserChanged(ctx, "user-1", "password_change"); err != nil {
		t.Fatalf("OnUserChanged() error = %v", err)
	}
	if _, err := srv.ValidateAccessToken(ctx, pair.AccessToken); err == nil {
		t.Error("access token should fail after user change")
	}
}
