package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shoresuite/delegate/instrumentation"
	"github.com/shoresuite/delegate/pkce"
	"github.com/shoresuite/delegate/security"
	"github.com/shoresuite/delegate/server"
	"github.com/shoresuite/delegate/storage"
	"github.com/shoresuite/delegate/token"
)

// UserAuthenticator resolves the authenticated end user behind an
// authorization request. The login/session layer in front of this server
// implements it; how the session is established (cookies, SSO, anything)
// is outside this package.
type UserAuthenticator interface {
	// AuthenticateRequest returns the user ID for the request, or an
	// error if no authenticated session is present.
	AuthenticateRequest(r *http.Request) (string, error)
}

// Handler is a thin HTTP adapter for the authorization Server.
// It handles HTTP framing and delegates protocol logic to the engine.
type Handler struct {
	server *Server
	users  UserAuthenticator
	logger *slog.Logger
	inst   *instrumentation.Instrumentation
}

// NewHandler creates a new HTTP handler. users is required for the
// authorization endpoint; passing nil makes ServeAuthorize answer 500.
func NewHandler(srv *Server, users UserAuthenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		server: srv,
		users:  users,
		logger: logger,
	}
}

// SetInstrumentation enables OpenTelemetry metrics for HTTP requests and
// flow events. Safe to leave unset; recording is skipped entirely.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	h.inst = inst
}

// Routes registers all endpoints on the given mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc(PathAuthorize, h.instrument(PathAuthorize, h.ServeAuthorize))
	mux.HandleFunc(PathToken, h.instrument(PathToken, h.ServeToken))
	mux.HandleFunc(PathRevoke, h.instrument(PathRevoke, h.ServeRevocation))
	mux.HandleFunc(PathJWKS, h.instrument(PathJWKS, h.ServeJWKS))
	mux.HandleFunc(PathMetadata, h.instrument(PathMetadata, h.ServeMetadata))
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// instrument wraps an endpoint with HTTP request metrics.
func (h *Handler) instrument(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.inst == nil {
			next(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r)
		h.inst.Metrics().RecordHTTPRequest(r.Context(), r.Method, endpoint, rec.status,
			float64(time.Since(start).Microseconds())/1000.0)
	}
}

// metrics returns the metrics holder, or nil when instrumentation is off.
func (h *Handler) metrics() *instrumentation.Metrics {
	if h.inst == nil {
		return nil
	}
	return h.inst.Metrics()
}

// ServeAuthorize handles the authorization endpoint (RFC 6749 Section 4.1.1).
// The user must already be authenticated; this endpoint never renders login.
func (h *Handler) ServeAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if h.users == nil {
		h.logger.Error("authorization request received but no user authenticator is configured")
		h.writeError(w, ErrorCodeServerError, "Authorization is not available", http.StatusInternalServerError)
		return
	}

	userID, err := h.users.AuthenticateRequest(r)
	if err != nil || userID == "" {
		h.logger.Warn("unauthenticated authorization request", "ip", clientIP, "error", err)
		h.writeError(w, ErrorCodeAccessDenied, "User authentication is required", http.StatusUnauthorized)
		return
	}

	q := r.URL.Query()
	req := &server.AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}

	redirect, err := h.server.engine.Authorize(r.Context(), userID, req)
	if err != nil {
		var authErr *server.AuthorizationError
		if errors.As(err, &authErr) {
			// Errors with a verified redirect URI go back to the client
			// application; everything else is answered directly and
			// never redirected (RFC 6749 Section 4.1.2.1).
			if authErr.Redirectable && redirect != "" {
				http.Redirect(w, r, redirect, http.StatusFound)
				return
			}
			status := http.StatusBadRequest
			if authErr.Code == ErrorCodeInvalidClient {
				status = http.StatusUnauthorized
			}
			h.writeError(w, authErr.Code, authErr.Description, status)
			return
		}

		h.logger.Error("authorization request failed", "ip", clientIP, "error", err)
		h.writeError(w, ErrorCodeServerError, "Failed to process authorization request", http.StatusInternalServerError)
		return
	}

	http.Redirect(w, r, redirect, http.StatusFound)
}

// ServeToken handles the token endpoint (RFC 6749 Section 3.2).
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	grantType := r.FormValue("grant_type")

	switch grantType {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r, clientIP)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r, clientIP)
	default:
		h.writeError(w, ErrorCodeUnsupportedGrantType, "Grant type \""+grantType+"\" is not supported", http.StatusBadRequest)
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	code := r.FormValue("code")
	redirectURI := r.FormValue("redirect_uri")
	codeVerifier := r.FormValue("code_verifier")

	if code == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "Required parameter 'code' missing", http.StatusBadRequest)
		return
	}

	client, oauthErr := h.authenticateClient(r, clientIP)
	if oauthErr != nil {
		h.writeOAuthError(w, oauthErr)
		return
	}
	if !clientAllowsGrant(client, "authorization_code") {
		h.writeOAuthError(w, ErrUnauthorizedClient("Client is not authorized for this grant type"))
		return
	}

	pair, err := h.server.engine.ExchangeAuthorizationCode(r.Context(), code, client.ClientID, redirectURI, codeVerifier)
	if err != nil {
		h.logger.Warn("authorization code exchange failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		// Details are logged and audited in the engine; the client gets
		// the uniform invalid_grant.
		h.writeError(w, ErrorCodeInvalidGrant, "Authorization code is invalid or expired", http.StatusBadRequest)
		return
	}

	if m := h.metrics(); m != nil {
		m.RecordCodeExchange(r.Context(), client.ClientID)
	}
	h.logger.Info("token exchange successful", "client_id", client.ClientID, "ip", clientIP)
	h.writeTokenResponse(w, pair)
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request, clientIP string) {
	refreshToken := r.FormValue("refresh_token")

	if refreshToken == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "refresh_token is required", http.StatusBadRequest)
		return
	}

	client, oauthErr := h.authenticateClient(r, clientIP)
	if oauthErr != nil {
		h.writeOAuthError(w, oauthErr)
		return
	}
	if !clientAllowsGrant(client, "refresh_token") {
		h.writeOAuthError(w, ErrUnauthorizedClient("Client is not authorized for this grant type"))
		return
	}

	pair, err := h.server.engine.RefreshAccessToken(r.Context(), refreshToken, client.ClientID)
	if err != nil {
		h.logger.Warn("token refresh failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		h.writeError(w, ErrorCodeInvalidGrant, "Refresh token is invalid or expired", http.StatusBadRequest)
		return
	}

	if m := h.metrics(); m != nil {
		m.RecordTokenRefresh(r.Context(), client.ClientID)
	}
	h.writeTokenResponse(w, pair)
}

// ServeRevocation handles the RFC 7009 token revocation endpoint.
// Per the RFC, unknown or already-revoked tokens still yield 200.
func (h *Handler) ServeRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	raw := r.FormValue("token")
	if raw == "" {
		h.writeError(w, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		return
	}

	client, oauthErr := h.authenticateClient(r, clientIP)
	if oauthErr != nil {
		h.writeOAuthError(w, oauthErr)
		return
	}

	if err := h.server.engine.RevokeToken(r.Context(), raw, client.ClientID, clientIP); err != nil {
		h.logger.Error("token revocation failed", "client_id", client.ClientID, "ip", clientIP, "error", err)
		// Per RFC 7009, the request still succeeds from the client's view
	} else if m := h.metrics(); m != nil {
		m.RecordTokenRevocation(r.Context(), client.ClientID)
	}

	security.SetSecurityHeaders(w, h.issuer())
	w.WriteHeader(http.StatusOK)
}

// ServeJWKS serves the public signing keys as a JWK Set. Resource servers
// fetch this to verify access token signatures offline.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	jwks, err := h.server.JWKS(r.Context())
	if err != nil {
		h.logger.Error("failed to build JWK set", "error", err)
		h.writeError(w, ErrorCodeServerError, "Failed to load signing keys", http.StatusInternalServerError)
		return
	}

	security.SetSecurityHeaders(w, h.issuer())
	w.Header().Set("Content-Type", "application/json")
	// Resource servers may cache; rotation publishes new keys before they
	// sign, so an hour of staleness is safe.
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(jwks)
}

// ServeMetadata serves RFC 8414 Authorization Server Metadata.
func (h *Handler) ServeMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	clientIP := h.clientIP(r)
	if h.checkIPRateLimit(w, r, clientIP) {
		return
	}

	cfg := h.server.config
	metadata := AuthorizationServerMetadata{
		Issuer:                            cfg.Engine.Issuer,
		AuthorizationEndpoint:             cfg.AuthorizationEndpoint(),
		TokenEndpoint:                     cfg.TokenEndpoint(),
		JWKSURI:                           cfg.JWKSEndpoint(),
		RevocationEndpoint:                cfg.RevocationEndpoint(),
		ScopesSupported:                   cfg.Engine.SupportedScopes,
		ResponseTypesSupported:            []string{server.ResponseTypeCode},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     []string{pkce.MethodS256},
	}

	security.SetSecurityHeaders(w, h.issuer())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(metadata)
}

// ValidateToken is middleware that validates Bearer access tokens and puts
// the verified claims on the request context.
func (h *Handler) ValidateToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := h.clientIP(r)
		if h.checkIPRateLimit(w, r, clientIP) {
			return
		}

		accessToken, ok := h.extractBearerToken(w, r)
		if !ok {
			return
		}

		claims, err := h.server.ValidateAccessToken(r.Context(), accessToken)
		if m := h.metrics(); m != nil {
			m.RecordTokenVerification(r.Context(), err == nil)
		}
		if err != nil {
			h.logger.Warn("token validation failed", "ip", clientIP, "error", err)
			h.writeError(w, ErrorCodeInvalidToken, "Token validation failed", http.StatusUnauthorized)
			return
		}

		if h.checkUserRateLimit(w, r, claims.Subject, clientIP) {
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

// checkIPRateLimit checks if the client IP is rate limited. Returns true if limited.
func (h *Handler) checkIPRateLimit(w http.ResponseWriter, r *http.Request, clientIP string) bool {
	rl := h.server.engine.RateLimiter
	if rl == nil || rl.Allow(clientIP) {
		return false
	}

	h.logger.Warn("rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	if h.server.engine.Auditor != nil {
		h.server.engine.Auditor.LogRateLimitExceeded(clientIP, "")
	}
	if m := h.metrics(); m != nil {
		m.RecordRateLimitExceeded(r.Context(), "ip")
	}
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
	return true
}

// checkUserRateLimit checks if the user is rate limited. Returns true if limited.
func (h *Handler) checkUserRateLimit(w http.ResponseWriter, r *http.Request, userID, clientIP string) bool {
	rl := h.server.engine.UserRateLimiter
	if rl == nil || rl.Allow(userID) {
		return false
	}

	h.logger.Warn("user rate limit exceeded", "user_id", userID, "ip", clientIP)
	if h.server.engine.Auditor != nil {
		h.server.engine.Auditor.LogRateLimitExceeded(clientIP, userID)
	}
	if m := h.metrics(); m != nil {
		m.RecordRateLimitExceeded(r.Context(), "user")
	}
	w.Header().Set("Retry-After", "60")
	h.writeError(w, ErrorCodeRateLimitExceeded, "Rate limit exceeded for user. Please try again later.", http.StatusTooManyRequests)
	return true
}

// clientAllowsGrant reports whether the client is registered for the grant
// type. An empty list means the client predates grant registration and
// allows both grants, matching the seeding default.
func clientAllowsGrant(client *storage.Client, grantType string) bool {
	if len(client.GrantTypes) == 0 {
		return true
	}
	for _, g := range client.GrantTypes {
		if g == grantType {
			return true
		}
	}
	return false
}

// authenticateClient authenticates the requesting client from HTTP Basic
// credentials or form parameters. Basic credentials take precedence
// (RFC 6749 Section 2.3.1).
func (h *Handler) authenticateClient(r *http.Request, clientIP string) (*storage.Client, *OAuthError) {
	clientID, clientSecret, ok := r.BasicAuth()
	if !ok || clientID == "" {
		clientID = r.FormValue("client_id")
		clientSecret = r.FormValue("client_secret")
	}

	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	client, err := h.server.engine.AuthenticateClient(r.Context(), clientID, clientSecret)
	if err != nil {
		h.logger.Warn("client authentication failed", "client_id", clientID, "ip", clientIP)
		return nil, ErrInvalidClient("Client authentication failed")
	}

	return client, nil
}

// extractBearerToken extracts the Bearer token from the Authorization header.
// Returns the token and true if successful, or writes an error and returns false.
func (h *Handler) extractBearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		h.writeError(w, ErrorCodeInvalidToken, "Missing Authorization header", http.StatusUnauthorized)
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		h.writeError(w, ErrorCodeInvalidToken, "Invalid Authorization header format", http.StatusUnauthorized)
		return "", false
	}

	return parts[1], true
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, pair *token.Pair) {
	security.SetSecurityHeaders(w, h.issuer())

	// RFC 6749 Section 5.1: responses carrying tokens must not be cached
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(TokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
		RefreshToken: pair.RefreshToken,
		Scope:        pair.Scope,
	})
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, oauthErr *OAuthError) {
	h.writeError(w, oauthErr.Code, oauthErr.Description, oauthErr.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	security.SetSecurityHeaders(w, h.issuer())

	// RFC 6749 Section 5.2 / RFC 6750 Section 3: 401 responses carry a
	// challenge matching the authentication scheme in use.
	if status == http.StatusUnauthorized {
		switch code {
		case ErrorCodeInvalidClient:
			w.Header().Set("WWW-Authenticate", `Basic realm="token endpoint"`)
		default:
			w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`"`)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) clientIP(r *http.Request) string {
	cfg := h.server.engine.Config
	return security.GetClientIP(r, cfg.TrustProxy, cfg.TrustedProxyCount)
}

func (h *Handler) issuer() string {
	return h.server.config.Engine.Issuer
}

// Context key for verified access token claims
type contextKey string

const claimsKey contextKey = "access_token_claims"

// ClaimsFromContext retrieves verified access token claims placed on the
// context by the ValidateToken middleware.
func ClaimsFromContext(ctx context.Context) (*token.AccessTokenClaims, bool) {
	claims, ok := ctx.Value(claimsKey).(*token.AccessTokenClaims)
	return claims, ok
}

// ContextWithClaims returns a context carrying the given claims. Intended
// for tests; production code must only rely on claims set by ValidateToken.
func ContextWithClaims(ctx context.Context, claims *token.AccessTokenClaims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}
