package delegate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/shoresuite/delegate/server"
	"github.com/shoresuite/delegate/storage"
	"github.com/shoresuite/delegate/storage/memory"
	"github.com/shoresuite/delegate/storage/mock"
)

// Backend failures must never leak storage details to clients: token
// endpoint failures collapse to invalid_grant, JWKS failures to
// server_error.
func TestHandler_BackendFailures(t *testing.T) {
	backend := memory.New()
	t.Cleanup(backend.Stop)
	store := mock.Wrap(backend)

	srv, err := New(context.Background(), store, nil, &Config{
		Engine: server.Config{Issuer: testIssuer},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(srv.Close)
	seedTestClient(t, srv)

	h := NewHandler(srv, staticUser("user-1"), nil)

	code, verifier := authorizeViaHTTP(t, h)

	store.SaveRefreshTokenFunc = func(context.Context, *storage.RefreshTokenRecord) error {
		return errors.New("backend unavailable")
	}
	w := postToken(t, h, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {"https://app.example.com/callback"},
		"code_verifier": {verifier},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("token endpoint status = %d, want 400", w.Code)
	}
	resp := decodeErrorResponse(t, w)
	if resp.Error != ErrorCodeInvalidGrant {
		t.Errorf("error = %q, want invalid_grant", resp.Error)
	}
	if strings.Contains(resp.ErrorDescription, "backend") {
		t.Errorf("backend detail leaked to client: %q", resp.ErrorDescription)
	}
	store.SaveRefreshTokenFunc = nil

	store.ListSigningKeysFunc = func(context.Context) ([]*storage.SigningKeyRecord, error) {
		return nil, errors.New("backend unavailable")
	}
	r := httptest.NewRequest(http.MethodGet, PathJWKS, nil)
	rec := httptest.NewRecorder()
	h.ServeJWKS(rec, r)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("JWKS status = %d, want 500", rec.Code)
	}
	if resp := decodeErrorResponse(t, rec); resp.Error != ErrorCodeServerError {
		t.Errorf("error = %q, want server_error", resp.Error)
	}
}
