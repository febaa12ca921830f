package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/shoresuite/delegate/pkce"
	"github.com/shoresuite/delegate/server"
	"github.com/shoresuite/delegate/storage"
)

// staticUser authenticates every request as a fixed user; the empty
// string means no session.
type staticUser string

func (u staticUser) AuthenticateRequest(*http.Request) (string, error) {
	if u == "" {
		return "", errors.New("no active session")
	}
	return string(u), nil
}

func newTestHandler(t *testing.T) (*Handler, *Server) {
	t.Helper()

	srv := newTestService(t)
	seedTestClient(t, srv)
	return NewHandler(srv, staticUser("user-1"), nil), srv
}

// authorizeViaHTTP drives the authorization endpoint and returns the
// issued code and the PKCE verifier it was bound to.
func authorizeViaHTTP(t *testing.T, h *Handler) (code, verifier string) {
	t.Helper()

	verifier = oauth2.GenerateVerifier()
	q := url.Values{
		"client_id":             {"test-client"},
		"redirect_uri":          {"https://app.example.com/callback"},
		"response_type":         {"code"},
		"scope":                 {"read"},
		"state":                 {"state-12345678"},
		"code_challenge":        {pkce.Challenge(verifier)},
		"code_challenge_method": {pkce.MethodS256},
	}

	r := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorize(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("ServeAuthorize status = %d, body = %s", w.Code, w.Body.String())
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Location is not a URL: %v", err)
	}
	code = loc.Query().Get("code")
	if code == "" {
		t.Fatalf("redirect carries no code: %s", loc)
	}
	if got := loc.Query().Get("state"); got != "state-12345678" {
		t.Fatalf("state = %q, want state-12345678", got)
	}
	return code, verifier
}

// postToken posts form values to the token endpoint with Basic client
// credentials.
func postToken(t *testing.T, h *Handler, form url.Values) *httptest.ResponseRecorder {
	t.Helper()

	r := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth("test-client", "test-secret")
	w := httptest.NewRecorder()
	h.ServeToken(w, r)
	return w
}

func decodeTokenResponse(t *testing.T, w *httptest.ResponseRecorder) TokenResponse {
	t.Helper()

	if w.Code != http.StatusOK {
		t.Fatalf("token endpoint status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp TokenResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return resp
}

func decodeErrorResponse(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()

	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return resp
}

func TestHandler_FullCodeFlow(t *testing.T) {
	h, srv := newTestHandler(t)

	code, verifier := authorizeViaHTTP(t, h)

	w := postToken(t, h, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
	})

	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	resp := decodeTokenResponse(t, w)
	if resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatal("expected both tokens in response")
	}
	if resp.TokenType != "Bearer" {
		t.Errorf("TokenType = %q, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("ExpiresIn = %d, want 3600", resp.ExpiresIn)
	}

	claims, err := srv.ValidateAccessToken(context.Background(), resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateAccessToken() error = %v", err)
	}
	if claims.Subject != "user-1" || claims.ClientID != "test-client" {
		t.Errorf("claims = %+v, want user-1/test-client", claims)
	}

	// Refresh with the issued token rotates it
	w = postToken(t, h, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {resp.RefreshToken},
	})
	rotated := decodeTokenResponse(t, w)
	if rotated.RefreshToken == resp.RefreshToken {
		t.Error("refresh token must rotate")
	}
}

func TestServeAuthorize_Unauthenticated(t *testing.T) {
	srv := newTestService(t)
	seedTestClient(t, srv)
	h := NewHandler(srv, staticUser(""), nil)

	r := httptest.NewRequest(http.MethodGet, PathAuthorize+"?client_id=test-client", nil)
	w := httptest.NewRecorder()
	h.ServeAuthorize(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if resp := decodeErrorResponse(t, w); resp.Error != ErrorCodeAccessDenied {
		t.Errorf("error = %q, want access_denied", resp.Error)
	}
}

func TestServeAuthorize_UnknownClientNotRedirected(t *testing.T) {
	h, _ := newTestHandler(t)

	q := url.Values{
		"client_id":     {"no-such-client"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"response_type": {"code"},
	}
	r := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorize(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "" {
		t.Errorf("unknown client must not be redirected, got %q", loc)
	}
}

func TestServeAuthorize_BadResponseTypeRedirectsError(t *testing.T) {
	h, _ := newTestHandler(t)

	q := url.Values{
		"client_id":     {"test-client"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"response_type": {"token"},
		"state":         {"state-12345678"},
	}
	r := httptest.NewRequest(http.MethodGet, PathAuthorize+"?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeAuthorize(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("Location is not a URL: %v", err)
	}
	if got := loc.Query().Get("error"); got != ErrorCodeUnsupportedResponseType {
		t.Errorf("error param = %q, want unsupported_response_type", got)
	}
	if got := loc.Query().Get("state"); got != "state-12345678" {
		t.Errorf("state param = %q, want echoed state", got)
	}
}

func TestServeToken_ErrorCases(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name       string
		form       url.Values
		basicUser  string
		basicPass  string
		wantStatus int
		wantError  string
	}{
		{
			name:       "unsupported grant type",
			form:       url.Values{"grant_type": {"client_credentials"}},
			basicUser:  "test-client",
			basicPass:  "test-secret",
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeUnsupportedGrantType,
		},
		{
			name:       "missing code",
			form:       url.Values{"grant_type": {"authorization_code"}},
			basicUser:  "test-client",
			basicPass:  "test-secret",
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name:       "bad client secret",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"whatever"}},
			basicUser:  "test-client",
			basicPass:  "wrong-secret",
			wantStatus: http.StatusUnauthorized,
			wantError:  ErrorCodeInvalidClient,
		},
		{
			name:       "bogus code",
			form:       url.Values{"grant_type": {"authorization_code"}, "code": {"never-issued"}},
			basicUser:  "test-client",
			basicPass:  "test-secret",
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
		{
			name:       "missing refresh token",
			form:       url.Values{"grant_type": {"refresh_token"}},
			basicUser:  "test-client",
			basicPass:  "test-secret",
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidRequest,
		},
		{
			name:       "bogus refresh token",
			form:       url.Values{"grant_type": {"refresh_token"}, "refresh_token": {"never-issued"}},
			basicUser:  "test-client",
			basicPass:  "test-secret",
			wantStatus: http.StatusBadRequest,
			wantError:  ErrorCodeInvalidGrant,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(tt.form.Encode()))
			r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			r.SetBasicAuth(tt.basicUser, tt.basicPass)
			w := httptest.NewRecorder()
			h.ServeToken(w, r)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if resp := decodeErrorResponse(t, w); resp.Error != tt.wantError {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantError)
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Basic") {
					t.Errorf("WWW-Authenticate = %q, want Basic challenge", got)
				}
			}
		})
	}
}

func TestServeToken_FormCredentials(t *testing.T) {
	h, _ := newTestHandler(t)

	code, verifier := authorizeViaHTTP(t, h)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
		"client_id":     {"test-client"},
		"client_secret": {"test-secret"},
	}
	r := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeToken(w, r)

	if resp := decodeTokenResponse(t, w); resp.AccessToken == "" {
		t.Error("expected access token with client_secret_post auth")
	}
}

func TestServeRevocation(t *testing.T) {
	h, srv := newTestHandler(t)

	pair := issueTokensForTest(t, srv)

	revoke := func(tok string) *httptest.ResponseRecorder {
		form := url.Values{"token": {tok}}
		r := httptest.NewRequest(http.MethodPost, PathRevoke, strings.NewReader(form.Encode()))
		r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		r.SetBasicAuth("test-client", "test-secret")
		w := httptest.NewRecorder()
		h.ServeRevocation(w, r)
		return w
	}

	if w := revoke(pair.RefreshToken); w.Code != http.StatusOK {
		t.Fatalf("revocation status = %d, want 200", w.Code)
	}
	if _, err := srv.Engine().RefreshAccessToken(context.Background(), pair.RefreshToken, "test-client"); err == nil {
		t.Error("revoked refresh token should not rotate")
	}

	// Unknown tokens revoke successfully per RFC 7009
	if w := revoke("never-issued"); w.Code != http.StatusOK {
		t.Errorf("unknown token revocation status = %d, want 200", w.Code)
	}

	// Missing token parameter is a request error
	r := httptest.NewRequest(http.MethodPost, PathRevoke, strings.NewReader(""))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.SetBasicAuth("test-client", "test-secret")
	w := httptest.NewRecorder()
	h.ServeRevocation(w, r)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing token status = %d, want 400", w.Code)
	}
}

func TestServeJWKS(t *testing.T) {
	h, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, PathJWKS, nil)
	w := httptest.NewRecorder()
	h.ServeJWKS(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := w.Header().Get("Cache-Control"); !strings.Contains(got, "max-age=3600") {
		t.Errorf("Cache-Control = %q, want max-age=3600", got)
	}

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(w.Body).Decode(&set); err != nil {
		t.Fatalf("decode JWK set: %v", err)
	}
	if len(set.Keys) == 0 {
		t.Fatal("JWK set is empty")
	}
	if kty := set.Keys[0]["kty"]; kty != "RSA" {
		t.Errorf("kty = %v, want RSA", kty)
	}
	if _, hasD := set.Keys[0]["d"]; hasD {
		t.Error("JWK set must not contain private key material")
	}
}

func TestServeMetadata(t *testing.T) {
	h, _ := newTestHandler(t)

	r := httptest.NewRequest(http.MethodGet, PathMetadata, nil)
	w := httptest.NewRecorder()
	h.ServeMetadata(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var md AuthorizationServerMetadata
	if err := json.NewDecoder(w.Body).Decode(&md); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if md.Issuer != testIssuer {
		t.Errorf("issuer = %q, want %q", md.Issuer, testIssuer)
	}
	if md.TokenEndpoint != testIssuer+PathToken {
		t.Errorf("token_endpoint = %q", md.TokenEndpoint)
	}
	if md.JWKSURI != testIssuer+PathJWKS {
		t.Errorf("jwks_uri = %q", md.JWKSURI)
	}
	if len(md.ResponseTypesSupported) != 1 || md.ResponseTypesSupported[0] != "code" {
		t.Errorf("response_types_supported = %v, want [code]", md.ResponseTypesSupported)
	}
	if len(md.CodeChallengeMethodsSupported) != 1 || md.CodeChallengeMethodsSupported[0] != "S256" {
		t.Errorf("code_challenge_methods_supported = %v, want [S256]", md.CodeChallengeMethodsSupported)
	}
}

func TestValidateToken_Middleware(t *testing.T) {
	h, srv := newTestHandler(t)

	pair := issueTokensForTest(t, srv)

	var gotSubject string
	protected := h.ValidateToken(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			t.Error("claims missing from context")
			return
		}
		gotSubject = claims.Subject
	}))

	r := httptest.NewRequest(http.MethodGet, "/protected", nil)
	r.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	w := httptest.NewRecorder()
	protected.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if gotSubject != "user-1" {
		t.Errorf("subject = %q, want user-1", gotSubject)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Token abc"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			protected.ServeHTTP(w, r)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
			if got := w.Header().Get("WWW-Authenticate"); !strings.HasPrefix(got, "Bearer") {
				t.Errorf("WWW-Authenticate = %q, want Bearer challenge", got)
			}
		})
	}
}

func TestHandler_MethodNotAllowed(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		method string
		path   string
		serve  http.HandlerFunc
	}{
		{http.MethodPost, PathAuthorize, h.ServeAuthorize},
		{http.MethodGet, PathToken, h.ServeToken},
		{http.MethodGet, PathRevoke, h.ServeRevocation},
		{http.MethodPost, PathJWKS, h.ServeJWKS},
		{http.MethodPost, PathMetadata, h.ServeMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.path, nil)
			w := httptest.NewRecorder()
			tt.serve(w, r)
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("status = %d, want 405", w.Code)
			}
		})
	}
}

func TestServeToken_GrantNotRegisteredForClient(t *testing.T) {
	h, srv := newTestHandler(t)

	// A client registered for the code grant only must not be able to
	// use the refresh grant, and vice versa.
	codeOnly := &storage.Client{
		ClientID:     "code-only-client",
		ClientType:   server.ClientTypeConfidential,
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"read"},
		GrantTypes:   []string{"authorization_code"},
	}
	if err := srv.SeedClient(context.Background(), codeOnly, "code-only-secret"); err != nil {
		t.Fatalf("SeedClient() error = %v", err)
	}
	refreshOnly := &storage.Client{
		ClientID:     "refresh-only-client",
		ClientType:   server.ClientTypeConfidential,
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       []string{"read"},
		GrantTypes:   []string{"refresh_token"},
	}
	if err := srv.SeedClient(context.Background(), refreshOnly, "refresh-only-secret"); err != nil {
		t.Fatalf("SeedClient() error = %v", err)
	}

	tests := []struct {
		name         string
		clientID     string
		clientSecret string
		form         url.Values
	}{
		{
			name:         "code-only client denied refresh grant",
			clientID:     "code-only-client",
			clientSecret: "code-only-secret",
			form: url.Values{
				"grant_type":    {"refresh_token"},
				"refresh_token": {"some-refresh-token"},
			},
		},
		{
			name:         "refresh-only client denied code grant",
			clientID:     "refresh-only-client",
			clientSecret: "refresh-only-secret",
			form: url.Values{
				"grant_type": {"authorization_code"},
				"code":       {"some-code"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, PathToken, strings.NewReader(tt.form.Encode()))
			r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			r.SetBasicAuth(tt.clientID, tt.clientSecret)
			w := httptest.NewRecorder()
			h.ServeToken(w, r)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400; body = %s", w.Code, w.Body.String())
			}
			resp := decodeErrorResponse(t, w)
			if resp.Error != ErrorCodeUnauthorizedClient {
				t.Errorf("error = %q, want %q", resp.Error, ErrorCodeUnauthorizedClient)
			}
		})
	}
}

func TestServeToken_DefaultClientAllowsBothGrants(t *testing.T) {
	h, _ := newTestHandler(t)

	// The standard test client is seeded without an explicit grant list
	// and gets both grants; the full flow must still work end to end.
	code, verifier := authorizeViaHTTP(t, h)
	w := postToken(t, h, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
	})
	tokens := decodeTokenResponse(t, w)

	w = postToken(t, h, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {tokens.RefreshToken},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, body = %s", w.Code, w.Body.String())
	}
}
