package security

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestGenerateRequestID(t *testing.T) {
	id := GenerateRequestID()
	if len(id) != 22 {
		t.Errorf("request ID length = %d, want 22 (16 bytes base64url)", len(id))
	}
	if !isValidRequestID(id) {
		t.Errorf("generated ID %q fails its own validation", id)
	}
	if id == GenerateRequestID() {
		t.Error("two generated request IDs collided")
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1234")
	if got := GetRequestID(ctx); got != "req-1234" {
		t.Errorf("GetRequestID() = %q, want req-1234", got)
	}

	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("GetRequestID() on empty context = %q, want empty", got)
	}
}

func TestIsValidRequestID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		want bool
	}{
		{name: "alphanumeric", id: "abc123XYZ", want: true},
		{name: "hyphens and underscores", id: "req_id-42", want: true},
		{name: "max length", id: strings.Repeat("a", 128), want: true},
		{name: "too long", id: strings.Repeat("a", 129), want: false},
		{name: "empty", id: "", want: false},
		{name: "crlf injection", id: "abc\r\nSet-Cookie: x", want: false},
		{name: "spaces", id: "abc def", want: false},
		{name: "unicode", id: "réquest", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isValidRequestID(tt.id); got != tt.want {
				t.Errorf("isValidRequestID(%q) = %v, want %v", tt.id, got, tt.want)
			}
		})
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		upstreamID string
		wantKept   bool
	}{
		{name: "no upstream ID generates one", upstreamID: "", wantKept: false},
		{name: "valid upstream ID is preserved", upstreamID: "edge-proxy-42", wantKept: true},
		{name: "invalid upstream ID is replaced", upstreamID: "bad\r\nid", wantKept: false},
		{name: "oversized upstream ID is replaced", upstreamID: strings.Repeat("x", 200), wantKept: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seenInContext string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seenInContext = GetRequestID(r.Context())
			}))

			r := httptest.NewRequest("GET", "/token", nil)
			if tt.upstreamID != "" {
				r.Header.Set(RequestIDHeader, tt.upstreamID)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, r)

			echoed := rec.Header().Get(RequestIDHeader)
			if echoed == "" {
				t.Fatal("response is missing the request ID header")
			}
			if echoed != seenInContext {
				t.Errorf("header ID %q != context ID %q", echoed, seenInContext)
			}
			if tt.wantKept && echoed != tt.upstreamID {
				t.Errorf("upstream ID %q was replaced with %q", tt.upstreamID, echoed)
			}
			if !tt.wantKept && echoed == tt.upstreamID {
				t.Errorf("invalid upstream ID %q was preserved", tt.upstreamID)
			}
			if !isValidRequestID(echoed) {
				t.Errorf("propagated ID %q is not valid", echoed)
			}
		})
	}
}
