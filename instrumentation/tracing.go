package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// SECURITY WARNING: Never put actual sensitive values (access tokens, refresh
// tokens, authorization codes, client secrets) in traces or metrics. Only
// record metadata such as token types, expiry times, family IDs, and
// validation results. Traces are persisted, replicated, and readable by a
// wider audience than the server itself.
const (
	// Flow attributes - metadata only
	AttrClientID         = "auth.client_id"         // Client identifier (non-secret)
	AttrUserID           = "auth.user_id"           // User identifier (non-secret)
	AttrScope            = "auth.scope"             // Requested scopes
	AttrGrantType        = "auth.grant_type"        // Grant type
	AttrResponseType     = "auth.response_type"     // Response type
	AttrClientType       = "auth.client_type"       // Client type (public/confidential)
	AttrRedirectURI      = "auth.redirect_uri"      // Redirect URI
	AttrTokenFamilyID    = "auth.token.family_id"   //nolint:gosec // Family identifier for rotation tracking
	AttrTokenGeneration  = "auth.token.generation"  //nolint:gosec // Token generation number
	AttrCodeReuse        = "auth.code.reuse"        // Whether code reuse was detected (boolean)
	AttrTokenReuse       = "auth.token.reuse"       //nolint:gosec // Whether token reuse was detected (boolean)
	AttrKeyID            = "auth.key_id"            // Signing key identifier (public)
	AttrError            = "auth.error"             // Error code
	AttrErrorDescription = "auth.error_description" // Error description

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Security attributes
	AttrRateLimiterType = "security.rate_limiter.type"
	AttrClientIP        = "security.client_ip"
	AttrAuditEventType  = "security.audit.event_type"

	// HTTP attributes (in addition to standard semantic conventions)
	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common flow attributes to a span (nil-safe)
func AddFlowAttributes(span trace.Span, clientID, userID, scope string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}
