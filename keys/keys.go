// Package keys manages the RSA signing key lifecycle: generation, rotation,
// retirement, and publication as a JWK Set.
//
// Rotation is publish-before-sign: a new key is persisted (and therefore
// visible in the JWKS) before it takes over signing duty, and retired keys
// stay published until every token signed with them has expired.
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/shoresuite/delegate/storage"
)

const (
	// DefaultKeySize is the RSA modulus size used for new signing keys
	DefaultKeySize = 2048

	// MinKeySize is the smallest acceptable RSA modulus size
	MinKeySize = 2048

	// AlgorithmRS256 is the only signing algorithm this manager issues keys for
	AlgorithmRS256 = "RS256"
)

// Config holds configuration for the key manager.
type Config struct {
	// KeySize is the RSA modulus size for generated keys (default 2048, min 2048)
	KeySize int

	// RetiredKeyGrace is how long a retired key stays published after
	// retirement. It must cover the access token lifetime plus JWKS cache
	// staleness; keys older than this are eligible for pruning.
	// Default: 2 hours.
	RetiredKeyGrace time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Manager owns the signing key lifecycle. All methods are safe for
// concurrent use.
type Manager struct {
	store  storage.KeyStore
	logger *slog.Logger

	keySize         int
	retiredKeyGrace time.Duration

	mu sync.RWMutex
	// active signing key, cached in decoded form
	activeKeyID string
	activeKey   *rsa.PrivateKey
	// decoded public keys by key ID, for verification lookups
	publicKeys map[string]*rsa.PublicKey
}

// NewManager creates a key manager backed by the given key store.
func NewManager(store storage.KeyStore, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("key store is required")
	}

	keySize := cfg.KeySize
	if keySize == 0 {
		keySize = DefaultKeySize
	}
	if keySize < MinKeySize {
		return nil, fmt.Errorf("key size %d below minimum %d", keySize, MinKeySize)
	}

	grace := cfg.RetiredKeyGrace
	if grace <= 0 {
		grace = 2 * time.Hour
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:           store,
		logger:          logger,
		keySize:         keySize,
		retiredKeyGrace: grace,
		publicKeys:      make(map[string]*rsa.PublicKey),
	}, nil
}

// Initialize loads existing keys from the store and selects the newest
// unretired key as the active signer. If no usable key exists, a fresh
// one is generated.
func (m *Manager) Initialize(ctx context.Context) error {
	records, err := m.store.ListSigningKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to list signing keys: %w", err)
	}

	var newest *storage.SigningKeyRecord
	for _, record := range records {
		key, err := storage.DecodePrivateKey(record.PrivateKeyPEM)
		if err != nil {
			m.logger.Warn("Skipping undecodable signing key", "key_id", record.KeyID, "error", err)
			continue
		}

		m.mu.Lock()
		m.publicKeys[record.KeyID] = &key.PublicKey
		m.mu.Unlock()

		if record.Retired() {
			continue
		}
		if newest == nil || record.CreatedAt.After(newest.CreatedAt) {
			newest = record
		}
	}

	if newest == nil {
		keyID, err := m.generateAndStore(ctx)
		if err != nil {
			return err
		}
		m.logger.Info("Generated initial signing key", "key_id", keyID)
		return nil
	}

	key, err := storage.DecodePrivateKey(newest.PrivateKeyPEM)
	if err != nil {
		return fmt.Errorf("failed to decode active signing key: %w", err)
	}

	m.mu.Lock()
	m.activeKeyID = newest.KeyID
	m.activeKey = key
	m.mu.Unlock()

	m.logger.Info("Loaded active signing key",
		"key_id", newest.KeyID,
		"created_at", newest.CreatedAt,
		"total_keys", len(records))
	return nil
}

// generateAndStore generates a new RSA key, persists it, and makes it the
// active signer. Persisting first means the key is visible in the JWKS
// before any token is signed with it.
func (m *Manager) generateAndStore(ctx context.Context) (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, m.keySize)
	if err != nil {
		return "", fmt.Errorf("failed to generate RSA key: %w", err)
	}

	pemBlock, err := storage.EncodePrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to encode signing key: %w", err)
	}

	keyID := uuid.NewString()
	record := &storage.SigningKeyRecord{
		KeyID:         keyID,
		Algorithm:     AlgorithmRS256,
		PrivateKeyPEM: pemBlock,
		CreatedAt:     time.Now(),
	}

	if err := m.store.SaveSigningKey(ctx, record); err != nil {
		return "", fmt.Errorf("failed to persist signing key: %w", err)
	}

	m.mu.Lock()
	m.activeKeyID = keyID
	m.activeKey = key
	m.publicKeys[keyID] = &key.PublicKey
	m.mu.Unlock()

	return keyID, nil
}

// ActiveKey returns the key ID and private key currently used for signing.
func (m *Manager) ActiveKey() (string, *rsa.PrivateKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.activeKey == nil {
		return "", nil, fmt.Errorf("no active signing key; call Initialize first")
	}
	return m.activeKeyID, m.activeKey, nil
}

// PublicKey returns the public key for a key ID, for token verification.
// Falls back to the store for keys generated by another instance.
func (m *Manager) PublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	m.mu.RLock()
	pub, ok := m.publicKeys[keyID]
	m.mu.RUnlock()
	if ok {
		return pub, nil
	}

	record, err := m.store.GetSigningKey(ctx, keyID)
	if err != nil {
		return nil, err
	}

	key, err := storage.DecodePrivateKey(record.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing key %s: %w", keyID, err)
	}

	m.mu.Lock()
	m.publicKeys[keyID] = &key.PublicKey
	m.mu.Unlock()

	return &key.PublicKey, nil
}

// Rotate generates and publishes a new signing key, then retires the
// current one. The retired key keeps verifying and stays in the JWKS
// until it is pruned.
func (m *Manager) Rotate(ctx context.Context) (string, error) {
	m.mu.RLock()
	oldKeyID := m.activeKeyID
	m.mu.RUnlock()

	// Publish the new key before it signs anything
	newKeyID, err := m.generateAndStore(ctx)
	if err != nil {
		return "", err
	}

	// Retire the previous key
	if oldKeyID != "" {
		record, err := m.store.GetSigningKey(ctx, oldKeyID)
		if err != nil {
			m.logger.Warn("Failed to load previous key during rotation", "key_id", oldKeyID, "error", err)
		} else {
			record.RetiredAt = time.Now()
			if err := m.store.SaveSigningKey(ctx, record); err != nil {
				m.logger.Warn("Failed to mark previous key retired", "key_id", oldKeyID, "error", err)
			}
		}
	}

	m.logger.Info("Rotated signing key",
		"new_key_id", newKeyID,
		"retired_key_id", oldKeyID)
	return newKeyID, nil
}

// Prune deletes retired keys whose grace period has elapsed. Tokens signed
// with a pruned key can no longer be verified, so the grace period must be
// at least the access token lifetime.
// Returns the number of keys deleted.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	records, err := m.store.ListSigningKeys(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list signing keys: %w", err)
	}

	cutoff := time.Now().Add(-m.retiredKeyGrace)
	pruned := 0

	for _, record := range records {
		if !record.Retired() || record.RetiredAt.After(cutoff) {
			continue
		}

		if err := m.store.DeleteSigningKey(ctx, record.KeyID); err != nil {
			m.logger.Warn("Failed to prune retired signing key", "key_id", record.KeyID, "error", err)
			continue
		}

		m.mu.Lock()
		delete(m.publicKeys, record.KeyID)
		m.mu.Unlock()

		m.logger.Info("Pruned retired signing key",
			"key_id", record.KeyID,
			"retired_at", record.RetiredAt)
		pruned++
	}

	return pruned, nil
}

// PublicJWKS returns the JSON-encoded JWK Set of all published public keys:
// the active key plus any retired keys still inside their grace period.
// Private key material never appears in the output.
func (m *Manager) PublicJWKS(ctx context.Context) ([]byte, error) {
	records, err := m.store.ListSigningKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list signing keys: %w", err)
	}

	set := jwk.NewSet()
	for _, record := range records {
		key, err := storage.DecodePrivateKey(record.PrivateKeyPEM)
		if err != nil {
			m.logger.Warn("Skipping undecodable signing key in JWKS", "key_id", record.KeyID, "error", err)
			continue
		}

		pub, err := jwk.Import(&key.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to import public key %s: %w", record.KeyID, err)
		}
		if err := pub.Set(jwk.KeyIDKey, record.KeyID); err != nil {
			return nil, fmt.Errorf("failed to set key ID: %w", err)
		}
		if err := pub.Set(jwk.AlgorithmKey, record.Algorithm); err != nil {
			return nil, fmt.Errorf("failed to set algorithm: %w", err)
		}
		if err := pub.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, fmt.Errorf("failed to set key usage: %w", err)
		}

		if err := set.AddKey(pub); err != nil {
			return nil, fmt.Errorf("failed to add key to set: %w", err)
		}
	}

	data, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JWK set: %w", err)
	}
	return data, nil
}
