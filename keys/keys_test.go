package keys

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/shoresuite/delegate/storage/memory"
)

func testManager(t *testing.T, cfg Config) *Manager {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	m, err := NewManager(store, cfg)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestNewManager_Validation(t *testing.T) {
	if _, err := NewManager(nil, Config{}); err == nil {
		t.Error("NewManager() with nil store should return error")
	}

	store := memory.New()
	defer store.Stop()
	if _, err := NewManager(store, Config{KeySize: 1024}); err == nil {
		t.Error("NewManager() with undersized key should return error")
	}
}

func TestManager_Initialize_GeneratesKey(t *testing.T) {
	m := testManager(t, Config{})
	ctx := context.Background()

	if _, _, err := m.ActiveKey(); err == nil {
		t.Error("ActiveKey() before Initialize should return error")
	}

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	keyID, key, err := m.ActiveKey()
	if err != nil {
		t.Fatalf("ActiveKey() error = %v", err)
	}
	if keyID == "" {
		t.Error("active key ID should not be empty")
	}
	if key.N.BitLen() != DefaultKeySize {
		t.Errorf("key size = %d, want %d", key.N.BitLen(), DefaultKeySize)
	}
}

func TestManager_Initialize_LoadsExistingKey(t *testing.T) {
	store := memory.New()
	defer store.Stop()
	ctx := context.Background()

	first, err := NewManager(store, Config{})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := first.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	firstKeyID, _, err := first.ActiveKey()
	if err != nil {
		t.Fatalf("ActiveKey() error = %v", err)
	}

	// A second manager over the same store must pick up the same key
	second, err := NewManager(store, Config{})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if err := second.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	secondKeyID, _, err := second.ActiveKey()
	if err != nil {
		t.Fatalf("ActiveKey() error = %v", err)
	}

	if firstKeyID != secondKeyID {
		t.Errorf("second manager loaded key %s, want %s", secondKeyID, firstKeyID)
	}
}

func TestManager_Rotate(t *testing.T) {
	m := testManager(t, Config{})
	ctx := context.Background()

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	oldKeyID, _, _ := m.ActiveKey()

	newKeyID, err := m.Rotate(ctx)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	if newKeyID == oldKeyID {
		t.Error("rotation should produce a new key ID")
	}

	activeKeyID, _, err := m.ActiveKey()
	if err != nil {
		t.Fatalf("ActiveKey() error = %v", err)
	}
	if activeKeyID != newKeyID {
		t.Errorf("active key = %s, want %s", activeKeyID, newKeyID)
	}

	// The retired key must remain available for verification
	if _, err := m.PublicKey(ctx, oldKeyID); err != nil {
		t.Errorf("PublicKey() for retired key error = %v", err)
	}

	// Both keys must be published
	jwks, err := m.PublicJWKS(ctx)
	if err != nil {
		t.Fatalf("PublicJWKS() error = %v", err)
	}
	for _, keyID := range []string{oldKeyID, newKeyID} {
		if !strings.Contains(string(jwks), keyID) {
			t.Errorf("JWKS should contain key %s", keyID)
		}
	}
}

func TestManager_Prune(t *testing.T) {
	m := testManager(t, Config{RetiredKeyGrace: time.Nanosecond})
	ctx := context.Background()

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	oldKeyID, _, _ := m.ActiveKey()

	if _, err := m.Rotate(ctx); err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	pruned, err := m.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	jwks, err := m.PublicJWKS(ctx)
	if err != nil {
		t.Fatalf("PublicJWKS() error = %v", err)
	}
	if strings.Contains(string(jwks), oldKeyID) {
		t.Errorf("JWKS should no longer contain pruned key %s", oldKeyID)
	}
}

func TestManager_PublicJWKS_NoPrivateMaterial(t *testing.T) {
	m := testManager(t, Config{})
	ctx := context.Background()

	if err := m.Initialize(ctx); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	data, err := m.PublicJWKS(ctx)
	if err != nil {
		t.Fatalf("PublicJWKS() error = %v", err)
	}

	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.Unmarshal(data, &set); err != nil {
		t.Fatalf("JWKS is not valid JSON: %v", err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("len(keys) = %d, want 1", len(set.Keys))
	}

	key := set.Keys[0]
	for _, private := range []string{"d", "p", "q", "dp", "dq", "qi"} {
		if _, present := key[private]; present {
			t.Errorf("JWKS key must not contain private parameter %q", private)
		}
	}
	if key["kty"] != "RSA" {
		t.Errorf("kty = %v, want RSA", key["kty"])
	}
	if key["use"] != "sig" {
		t.Errorf("use = %v, want sig", key["use"])
	}
	if key["alg"] != "RS256" {
		t.Errorf("alg = %v, want RS256", key["alg"])
	}
}
