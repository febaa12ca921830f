package server

import (
	"context"
	"strings"
	"testing"

	"github.com/shoresuite/delegate/storage"
)

func TestAuthenticateClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	seedConfidentialClient(t, srv)

	public := &storage.Client{
		ClientID:     "public-client",
		ClientType:   ClientTypePublic,
		RedirectURIs: []string{"http://127.0.0.1:8912/callback"},
	}
	if err := srv.SeedClient(context.Background(), public, ""); err != nil {
		t.Fatalf("SeedClient() error = %v", err)
	}

	tests := []struct {
		name     string
		clientID string
		secret   string
		wantErr  bool
	}{
		{"confidential valid", "test-client", "test-secret", false},
		{"confidential wrong secret", "test-client", "wrong", true},
		{"confidential empty secret", "test-client", "", true},
		{"public no secret", "public-client", "", false},
		{"public with secret", "public-client", "anything", true},
		{"unknown client", "no-such-client", "secret", true},
		{"empty client id", "", "secret", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, err := srv.AuthenticateClient(context.Background(), tt.clientID, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("AuthenticateClient() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				// Uniform invalid_client, no detail leakage
				if !strings.Contains(err.Error(), ErrorCodeInvalidClient) {
					t.Errorf("error = %v, want %s", err, ErrorCodeInvalidClient)
				}
				return
			}
			if client.ClientID != tt.clientID {
				t.Errorf("ClientID = %q, want %q", client.ClientID, tt.clientID)
			}
		})
	}
}

func TestAuthenticateClient_Disabled(t *testing.T) {
	srv, store := newTestServer(t, nil)
	client := seedConfidentialClient(t, srv)

	client.Disabled = true
	if err := store.SaveClient(context.Background(), client); err != nil {
		t.Fatalf("SaveClient() error = %v", err)
	}

	if _, err := srv.AuthenticateClient(context.Background(), "test-client", "test-secret"); err == nil {
		t.Error("disabled client should not authenticate")
	}
}

func TestSeedClient_Validation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	ctx := context.Background()

	valid := func() *storage.Client {
		return &storage.Client{
			ClientID:     "seed-client",
			ClientType:   ClientTypeConfidential,
			RedirectURIs: []string{"https://app.example.com/cb"},
		}
	}

	tests := []struct {
		name    string
		client  *storage.Client
		secret  string
		wantErr string
	}{
		{"nil client", nil, "s", "client is required"},
		{
			name: "missing client id",
			client: func() *storage.Client {
				c := valid()
				c.ClientID = ""
				return c
			}(),
			secret:  "s",
			wantErr: "client_id is required",
		},
		{
			name: "no redirect uris",
			client: func() *storage.Client {
				c := valid()
				c.RedirectURIs = nil
				return c
			}(),
			secret:  "s",
			wantErr: "redirect URI",
		},
		{
			name:    "confidential without secret",
			client:  valid(),
			wantErr: "require a secret",
		},
		{
			name: "public with secret",
			client: func() *storage.Client {
				c := valid()
				c.ClientType = ClientTypePublic
				return c
			}(),
			secret:  "s",
			wantErr: "must not have a secret",
		},
		{
			name: "missing client type",
			client: func() *storage.Client {
				c := valid()
				c.ClientType = ""
				return c
			}(),
			secret:  "s",
			wantErr: "client_type is required",
		},
		{
			name: "dangerous redirect scheme",
			client: func() *storage.Client {
				c := valid()
				c.RedirectURIs = []string{"javascript:alert(1)"}
				return c
			}(),
			secret:  "s",
			wantErr: "blocked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.SeedClient(ctx, tt.client, tt.secret)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("SeedClient() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSeedClient_HashesSecretAndDefaults(t *testing.T) {
	srv, store := newTestServer(t, nil)
	ctx := context.Background()

	client := &storage.Client{
		ClientID:     "seed-client",
		ClientType:   ClientTypeConfidential,
		RedirectURIs: []string{"https://app.example.com/cb"},
	}
	if err := srv.SeedClient(ctx, client, "hunter2-hunter2"); err != nil {
		t.Fatalf("SeedClient() error = %v", err)
	}

	saved, err := store.GetClient(ctx, "seed-client")
	if err != nil {
		t.Fatalf("GetClient() error = %v", err)
	}
	if saved.ClientSecretHash == "" || strings.Contains(saved.ClientSecretHash, "hunter2") {
		t.Error("secret must be stored as a bcrypt hash")
	}
	if len(saved.GrantTypes) == 0 || len(saved.ResponseTypes) == 0 {
		t.Error("grant and response types should default")
	}

	if err := store.ValidateClientSecret(ctx, "seed-client", "hunter2-hunter2"); err != nil {
		t.Errorf("ValidateClientSecret() error = %v", err)
	}
}
