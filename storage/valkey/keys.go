package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shoresuite/delegate/storage"
)

// ============================================================
// KeyStore Implementation
// ============================================================

// SaveSigningKey saves a signing key record, encrypting the private key
// material at rest when an encryptor is configured. Signing keys have no
// TTL: retirement and pruning are the key manager's responsibility.
func (s *Store) SaveSigningKey(ctx context.Context, record *storage.SigningKeyRecord) error {
	if record == nil || record.KeyID == "" {
		return fmt.Errorf("invalid signing key record")
	}

	stored, err := storage.EncryptKeyMaterial(record, s.getEncryptor())
	if err != nil {
		return fmt.Errorf("failed to encrypt signing key: %w", err)
	}

	data, err := json.Marshal(toSigningKeyJSON(stored))
	if err != nil {
		return fmt.Errorf("failed to marshal signing key: %w", err)
	}

	key := s.signingKeyKey(record.KeyID)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save signing key: %w", err)
	}

	s.logger.Debug("Saved signing key", "key_id", record.KeyID)
	return nil
}

// GetSigningKey retrieves a signing key by key ID
func (s *Store) GetSigningKey(ctx context.Context, keyID string) (*storage.SigningKeyRecord, error) {
	record, err := getAndUnmarshal(ctx, s, s.signingKeyKey(keyID),
		fmt.Errorf("%w: %s", storage.ErrSigningKeyNotFound, keyID), fromSigningKeyJSON)
	if err != nil {
		return nil, err
	}

	return storage.DecryptKeyMaterial(record, s.getEncryptor())
}

// ListSigningKeys lists all stored signing keys
func (s *Store) ListSigningKeys(ctx context.Context) ([]*storage.SigningKeyRecord, error) {
	pattern := s.signingKeyKey("*")

	// Use a map to deduplicate results (SCAN can return duplicates across iterations)
	recordMap := make(map[string]*storage.SigningKeyRecord)

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan signing keys: %w", err)
		}

		for _, key := range result.Elements {
			if _, exists := recordMap[key]; exists {
				continue
			}

			data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
			if err != nil {
				if isNilError(err) {
					continue // Key may have been deleted between SCAN and GET
				}
				return nil, fmt.Errorf("failed to get signing key %s: %w", key, err)
			}

			var j signingKeyJSON
			if err := json.Unmarshal([]byte(data), &j); err != nil {
				s.logger.Warn("Failed to unmarshal signing key, skipping",
					"key", key,
					"error", err)
				continue
			}

			record, err := storage.DecryptKeyMaterial(fromSigningKeyJSON(&j), s.getEncryptor())
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt signing key %s: %w", key, err)
			}
			recordMap[key] = record
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}

	records := make([]*storage.SigningKeyRecord, 0, len(recordMap))
	for _, record := range recordMap {
		records = append(records, record)
	}

	return records, nil
}

// DeleteSigningKey removes a signing key
func (s *Store) DeleteSigningKey(ctx context.Context, keyID string) error {
	key := s.signingKeyKey(keyID)

	if err := s.client.Do(ctx, s.client.B().Del().Key(key).Build()).Error(); err != nil {
		return fmt.Errorf("failed to delete signing key: %w", err)
	}

	s.logger.Debug("Deleted signing key", "key_id", keyID)
	return nil
}
