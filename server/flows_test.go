package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/shoresuite/delegate/pkce"
	"github.com/shoresuite/delegate/storage"
)

// denyAllConsent rejects every grant.
type denyAllConsent struct{}

func (denyAllConsent) ObtainApproval(context.Context, string, *storage.Client, string) (bool, error) {
	return false, nil
}

// authorizeForTest runs a full Authorize and returns the issued code, state
// echoed by the redirect, and the verifier matching the stored challenge.
func authorizeForTest(t *testing.T, srv *Server) (code, verifier string) {
	t.Helper()

	verifier = oauth2.GenerateVerifier()
	req := testAuthRequest()
	req.CodeChallenge = pkce.Challenge(verifier)

	redirect, err := srv.Authorize(context.Background(), "user-1", req)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}

	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("redirect is not a URL: %v", err)
	}
	code = u.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect carries no code: %s", redirect)
	}
	if got := u.Query().Get("state"); got != req.State {
		t.Fatalf("state = %q, want %q", got, req.State)
	}
	return code, verifier
}

func TestAuthorize_IssuesCodeAndRedirect(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedConfidentialClient(t, srv)

	code, _ := authorizeForTest(t, srv)

	saved, err := store.GetAuthorizationCode(context.Background(), code)
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if saved.UserID != "user-1" || saved.ClientID != "test-client" {
		t.Errorf("saved code = %+v, want user-1/test-client", saved)
	}
	if saved.Used {
		t.Error("freshly issued code must not be marked used")
	}
	if saved.CodeChallengeMethod != pkce.MethodS256 {
		t.Errorf("CodeChallengeMethod = %q, want S256", saved.CodeChallengeMethod)
	}
}

func TestAuthorize_MissingUser(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	seedConfidentialClient(t, srv)

	_, err := srv.Authorize(context.Background(), "", testAuthRequest())
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) || authErr.Code != ErrorCodeInvalidRequest {
		t.Errorf("Authorize() error = %v, want invalid_request", err)
	}
}

func TestAuthorize_UnverifiedRedirectNotRedirected(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	seedConfidentialClient(t, srv)

	req := testAuthRequest()
	req.RedirectURI = "https://evil.example.com/callback"

	redirect, err := srv.Authorize(context.Background(), "user-1", req)
	if err == nil {
		t.Fatal("Authorize() error = nil, want error")
	}
	if redirect != "" {
		t.Errorf("unverified redirect URI must not produce a redirect, got %q", redirect)
	}
}

func TestAuthorize_RedirectableErrorCarriesCode(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	seedConfidentialClient(t, srv)

	req := testAuthRequest()
	req.ResponseType = "token"

	redirect, err := srv.Authorize(context.Background(), "user-1", req)
	if err == nil {
		t.Fatal("Authorize() error = nil, want error")
	}
	u, parseErr := url.Parse(redirect)
	if parseErr != nil {
		t.Fatalf("redirect is not a URL: %v", parseErr)
	}
	if got := u.Query().Get("error"); got != ErrorCodeUnsupportedResponseType {
		t.Errorf("error param = %q, want %q", got, ErrorCodeUnsupportedResponseType)
	}
	if got := u.Query().Get("state"); got != req.State {
		t.Errorf("state param = %q, want %q", got, req.State)
	}
}

func TestAuthorize_ConsentDenied(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	seedConfidentialClient(t, srv)
	srv.consent = denyAllConsent{}

	redirect, err := srv.Authorize(context.Background(), "user-1", testAuthRequest())
	if err == nil {
		t.Fatal("Authorize() error = nil, want access_denied")
	}
	var authErr *AuthorizationError
	if !errors.As(err, &authErr) || authErr.Code != ErrorCodeAccessDenied {
		t.Fatalf("error = %v, want access_denied", err)
	}
	if !strings.Contains(redirect, "error=access_denied") {
		t.Errorf("redirect = %q, want access_denied error param", redirect)
	}
}

func TestExchangeAuthorizationCode_Success(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	seedConfidentialClient(t, srv)
	ctx := context.Background()

	code, verifier := authorizeForTest(t, srv)

	pair, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client", "https://app.example.com/callback", verifier)
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode() error = %v", err)
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Error("expected both tokens")
	}
	if pair.UserID != "user-1" {
		t.Errorf("UserID = %q, want user-1", pair.UserID)
	}

	claims, err := srv.ValidateAccessToken(ctx, pair.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if claims.Subject != "user-1" || claims.ClientID != "test-client" {
		t.Errorf("claims = %+v, want user-1/test-client", claims)
	}
}

func TestExchangeAuthorizationCode_InvalidGrantCases(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	seedConfidentialClient(t, srv)
	ctx := context.Background()

	tests := []struct {
		name        string
		code        func(code string) string
		clientID    string
		redirectURI string
		verifier    func(verifier string) string
	}{
		{
			name:        "unknown code",
			code:        func(string) string { return "never-issued" },
			clientID:    "test-client",
			redirectURI: "https://app.example.com/callback",
			verifier:    func(v string) string { return v },
		},
		{
			name:        "client mismatch",
			code:        func(c string) string { return c },
			clientID:    "other-client",
			redirectURI: "https://app.example.com/callback",
			verifier:    func(v string) string { return v },
		},
		{
			name:        "redirect uri mismatch",
			code:        func(c string) string { return c },
			clientID:    "test-client",
			redirectURI: "https://app.example.com/other",
			verifier:    func(v string) string { return v },
		},
		{
			name:        "wrong verifier",
			code:        func(c string) string { return c },
			clientID:    "test-client",
			redirectURI: "https://app.example.com/callback",
			verifier:    func(string) string { return oauth2.GenerateVerifier() },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, verifier := authorizeForTest(t, srv)

			_, err := srv.ExchangeAuthorizationCode(ctx, tt.code(code), tt.clientID, tt.redirectURI, tt.verifier(verifier))
			if err == nil {
				t.Fatal("ExchangeAuthorizationCode() error = nil, want invalid_grant")
			}
			// All failures look identical to the client
			if !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
				t.Errorf("error = %v, want %s", err, ErrorCodeInvalidGrant)
			}
		})
	}
}

func TestExchangeAuthorizationCode_ReuseRevokesTokens(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedConfidentialClient(t, srv)
	ctx := context.Background()

	code, verifier := authorizeForTest(t, srv)

	pair, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client", "https://app.example.com/callback", verifier)
	if err != nil {
		t.Fatalf("first exchange error = %v", err)
	}

	// Second redemption is reuse: invalid_grant, and the first
	// redemption's tokens die with it.
	_, err = srv.ExchangeAuthorizationCode(ctx, code, "test-client", "https://app.example.com/callback", verifier)
	if err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
		t.Fatalf("reuse error = %v, want %s", err, ErrorCodeInvalidGrant)
	}

	if _, err := store.GetRefreshToken(ctx, storage.HashToken(pair.RefreshToken)); !errors.Is(err, storage.ErrTokenNotFound) {
		t.Errorf("refresh token after reuse: error = %v, want ErrTokenNotFound", err)
	}
	if _, err := srv.ValidateAccessToken(ctx, pair.AccessToken); err == nil {
		t.Error("access token should be revoked after code reuse")
	}
}

func TestRefreshAccessToken_RotatesWithinFamily(t *testing.T) {
	srv, store := newTestServer(t, nil)
	seedConfidentialClient(t, srv)
	ctx := context.Background()

	code, verifier := authorizeForTest(t, srv)
	pair, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client", "https://app.example.com/callback", verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	rotated, err := srv.RefreshAccessToken(ctx, pair.RefreshToken, "test-client")
	if err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Error("refresh token must rotate")
	}

	record, err := store.GetRefreshToken(ctx, storage.HashToken(rotated.RefreshToken))
	if err != nil {
		t.Fatalf("GetRefreshToken() error = %v", err)
	}
	if record.Generation != 2 {
		t.Errorf("Generation = %d, want 2", record.Generation)
	}
}

func TestRefreshAccessToken_ReplayUniformError(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	seedConfidentialClient(t, srv)
	ctx := context.Background()

	code, verifier := authorizeForTest(t, srv)
	pair, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client", "https://app.example.com/callback", verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	rotated, err := srv.RefreshAccessToken(ctx, pair.RefreshToken, "test-client")
	if err != nil {
		t.Fatalf("rotation error = %v", err)
	}

	// Replay of the consumed token and the now-dead successor both
	// surface the same invalid_grant.
	if _, err := srv.RefreshAccessToken(ctx, pair.RefreshToken, "test-client"); err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
		t.Errorf("replay error = %v, want %s", err, ErrorCodeInvalidGrant)
	}
	if _, err := srv.RefreshAccessToken(ctx, rotated.RefreshToken, "test-client"); err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
		t.Errorf("successor error = %v, want %s", err, ErrorCodeInvalidGrant)
	}
}

func TestRevokeToken_RefreshToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	seedConfidentialClient(t, srv)
	ctx := context.Background()

	code, verifier := authorizeForTest(t, srv)
	pair, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client", "https://app.example.com/callback", verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	if err := srv.RevokeToken(ctx, pair.RefreshToken, "test-client", "192.0.2.1"); err != nil {
		t.Fatalf("RevokeToken() error = %v", err)
	}
	if _, err := srv.RefreshAccessToken(ctx, pair.RefreshToken, "test-client"); err == nil {
		t.Error("revoked refresh token should not rotate")
	}

	// Unknown tokens succeed per RFC 7009
	if err := srv.RevokeToken(ctx, "no-such-token", "test-client", "192.0.2.1"); err != nil {
		t.Errorf("RevokeToken() unknown token error = %v, want nil", err)
	}
}

func TestOnUserChanged_InvalidatesAllTokens(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	seedConfidentialClient(t, srv)
	ctx := context.Background()

	code, verifier := authorizeForTest(t, srv)
	pair, err := srv.ExchangeAuthorizationCode(ctx, code, "test-client", "https://app.example.com/callback", verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	if err := srv.OnUserChanged(ctx, "user-1", "password_change"); err != nil {
		t.Fatalf("OnUserChanged() error = %v", err)
	}

	if _, err := srv.ValidateAccessToken(ctx, pair.AccessToken); err == nil {
		t.Error("access token should fail after user-wide revocation")
	}
	if _, err := srv.RefreshAccessToken(ctx, pair.RefreshToken, "test-client"); err == nil {
		t.Error("refresh token should fail after user-wide revocation")
	}

	if err := srv.OnUserChanged(ctx, "", "reason"); err == nil {
		t.Error("OnUserChanged() with empty user should error")
	}
}
