package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shoresuite/delegate/storage"
)

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken saves a refresh token record keyed by its digest, with
// family tracking for reuse detection and index sets for bulk revocation
func (s *Store) SaveRefreshToken(ctx context.Context, record *storage.RefreshTokenRecord) error {
	if err := s.validateRefreshTokenRecord(record); err != nil {
		return err
	}

	ttl := calculateTTL(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("refresh token already expired")
	}

	if err := s.saveRefreshTokenRecord(ctx, record, ttl); err != nil {
		return err
	}

	if err := s.saveFamilyMetadata(ctx, record, ttl); err != nil {
		return err
	}

	s.addDigestToFamilySet(ctx, record.TokenDigest, record.FamilyID, ttl)
	s.addDigestToIndexSets(ctx, record.TokenDigest, record.UserID, record.ClientID)

	s.logger.Debug("Saved refresh token record",
		"user_id", record.UserID,
		"family_id", safeTruncate(record.FamilyID, tokenIDLogLength),
		"generation", record.Generation,
		"expires_at", record.ExpiresAt)

	return nil
}

// validateRefreshTokenRecord validates the refresh token record fields.
func (s *Store) validateRefreshTokenRecord(record *storage.RefreshTokenRecord) error {
	if record == nil {
		return fmt.Errorf("refresh token record cannot be nil")
	}
	if record.TokenDigest == "" {
		return fmt.Errorf("refresh token digest cannot be empty")
	}
	if record.UserID == "" {
		return fmt.Errorf("userID cannot be empty")
	}
	if record.FamilyID == "" {
		return fmt.Errorf("family ID cannot be empty")
	}

	if err := validateStringLength(record.TokenDigest, MaxDigestLength, "tokenDigest"); err != nil {
		return err
	}
	if err := validateStringLength(record.UserID, MaxIDLength, "userID"); err != nil {
		return err
	}
	if err := validateStringLength(record.ClientID, MaxIDLength, "clientID"); err != nil {
		return err
	}
	return validateStringLength(record.FamilyID, MaxIDLength, "familyID")
}

// saveRefreshTokenRecord saves the refresh token record itself.
func (s *Store) saveRefreshTokenRecord(ctx context.Context, record *storage.RefreshTokenRecord, ttl time.Duration) error {
	data, err := json.Marshal(toRefreshTokenRecordJSON(record))
	if err != nil {
		return fmt.Errorf("failed to marshal refresh token record: %w", err)
	}

	key := s.refreshTokenKey(record.TokenDigest)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save refresh token: %w", err)
	}
	return nil
}

// saveFamilyMetadata saves the family metadata for reuse detection.
func (s *Store) saveFamilyMetadata(ctx context.Context, record *storage.RefreshTokenRecord, ttl time.Duration) error {
	meta := &storage.TokenFamilyMetadata{
		FamilyID:   record.FamilyID,
		UserID:     record.UserID,
		ClientID:   record.ClientID,
		Generation: record.Generation,
		IssuedAt:   record.IssuedAt,
		Revoked:    false,
	}

	metaData, err := json.Marshal(toTokenFamilyJSON(meta))
	if err != nil {
		return fmt.Errorf("failed to marshal family metadata: %w", err)
	}

	metaKey := s.familyMetaKey(record.TokenDigest)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(metaKey).Value(string(metaData)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save family metadata: %w", err)
	}
	return nil
}

// addDigestToFamilySet adds the digest to the family set for family-wide revocation.
func (s *Store) addDigestToFamilySet(ctx context.Context, digest, familyID string, ttl time.Duration) {
	familySetKey := s.familyKey(familyID)
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(familySetKey).Member(digest).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to add token to family set",
			"family_id", safeTruncate(familyID, tokenIDLogLength),
			"error", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(familySetKey).Seconds(int64(ttl.Seconds())).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to set TTL on family set",
			"family_id", safeTruncate(familyID, tokenIDLogLength),
			"error", err)
	}
}

// addDigestToIndexSets adds the digest to the user and user+client index
// sets used for bulk revocation.
func (s *Store) addDigestToIndexSets(ctx context.Context, digest, userID, clientID string) {
	userKey := s.userTokensKey(userID)
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(userKey).Member(digest).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to add token to user set",
			"user_id", userID,
			"error", err)
	}

	userClientKey := s.userClientKey(userID, clientID)
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(userClientKey).Member(digest).Build(),
	).Error(); err != nil {
		s.logger.Warn("Failed to add token to user+client set",
			"user_id", userID,
			"client_id", clientID,
			"error", err)
	}
}

// GetRefreshToken retrieves a refresh token record by digest
func (s *Store) GetRefreshToken(ctx context.Context, digest string) (*storage.RefreshTokenRecord, error) {
	record, err := getAndUnmarshal(ctx, s, s.refreshTokenKey(digest),
		storage.ErrTokenNotFound, fromRefreshTokenRecordJSON)
	if err != nil {
		return nil, err
	}

	// TTL should handle this, but double-check for safety
	if time.Now().After(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	return record, nil
}

// ConsumeRefreshToken atomically retrieves and deletes a refresh token record.
// This prevents race conditions in refresh token rotation and reuse detection.
//
// SECURITY: This operation is atomic via Lua script - only ONE concurrent request can succeed.
// Family metadata survives the record with the forensics retention TTL so a
// later replay of the same digest can be traced back to its family.
func (s *Store) ConsumeRefreshToken(ctx context.Context, digest string) (*storage.RefreshTokenRecord, error) {
	recordKey := s.refreshTokenKey(digest)
	metaKey := s.familyMetaKey(digest)

	// Execute Lua script for atomic operation
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaAtomicConsumeRefresh).
			Numkeys(2).
			Key(recordKey, metaKey).
			Arg(fmt.Sprintf("%d", time.Now().Unix())).
			Arg(fmt.Sprintf("%d", int64(s.retentionTTL().Seconds()))).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to execute atomic refresh token operation: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, fmt.Errorf("%w: refresh token not found or already used", storage.ErrTokenNotFound)
	case "EXPIRED":
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	var j refreshTokenRecordJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("failed to parse atomic operation result: %w", err)
	}

	record := fromRefreshTokenRecordJSON(&j)
	s.logger.Debug("Atomically consumed refresh token", "user_id", record.UserID)
	return record, nil
}

// GetTokenFamily retrieves family metadata for a refresh token digest
func (s *Store) GetTokenFamily(ctx context.Context, digest string) (*storage.TokenFamilyMetadata, error) {
	return getAndUnmarshal(ctx, s, s.familyMetaKey(digest),
		storage.ErrTokenFamilyNotFound, fromTokenFamilyJSON)
}

// RevokeTokenFamily revokes all tokens in a family. This is called when
// refresh token reuse is detected.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) error {
	familySetKey := s.familyKey(familyID)

	// Get all token digests in the family
	digests, err := s.client.Do(ctx, s.client.B().Smembers().Key(familySetKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			// Family doesn't exist or is empty
			return nil
		}
		return fmt.Errorf("failed to get family members: %w", err)
	}

	revokedCount := 0
	now := time.Now()

	for _, digest := range digests {
		digestPrefix := safeTruncate(digest, tokenIDLogLength)

		// Update family metadata to mark as revoked, keeping it for
		// forensics with the retention TTL
		metaKey := s.familyMetaKey(digest)

		data, err := s.client.Do(ctx, s.client.B().Get().Key(metaKey).Build()).ToString()
		if err == nil {
			var j tokenFamilyJSON
			if err := json.Unmarshal([]byte(data), &j); err == nil {
				j.Revoked = true
				j.RevokedAt = now.Unix()

				updatedData, _ := json.Marshal(&j)
				if err := s.client.Do(ctx,
					s.client.B().Set().Key(metaKey).Value(string(updatedData)).Ex(s.retentionTTL()).Build(),
				).Error(); err != nil {
					s.logger.Debug("Failed to update family metadata during revocation",
						"digest_prefix", digestPrefix,
						"error", err)
				}
			}
		}

		// Delete the refresh token record itself
		if err := s.client.Do(ctx, s.client.B().Del().Key(s.refreshTokenKey(digest)).Build()).Error(); err != nil {
			s.logger.Debug("Failed to delete refresh token during family revocation",
				"digest_prefix", digestPrefix,
				"error", err)
		}

		revokedCount++
	}

	if revokedCount > 0 {
		s.logger.Warn("Revoked refresh token family due to reuse detection",
			"family_id", safeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", revokedCount)
	}

	return nil
}

// SaveAccessTokenRecord indexes an issued access token by its jti digest
// so it can be found for user-wide and user+client revocation
func (s *Store) SaveAccessTokenRecord(ctx context.Context, record *storage.AccessTokenRecord) error {
	if record == nil || record.JTIDigest == "" {
		return fmt.Errorf("access token record requires a jti digest")
	}
	if record.UserID == "" || record.ClientID == "" {
		return fmt.Errorf("userID and clientID cannot be empty")
	}

	ttl := calculateTTL(record.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("access token already expired")
	}

	data, err := json.Marshal(toAccessTokenRecordJSON(record))
	if err != nil {
		return fmt.Errorf("failed to marshal access token record: %w", err)
	}

	key := s.accessTokenKey(record.JTIDigest)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to save access token record: %w", err)
	}

	s.addDigestToIndexSets(ctx, record.JTIDigest, record.UserID, record.ClientID)

	s.logger.Debug("Indexed access token",
		"user_id", record.UserID,
		"client_id", record.ClientID,
		"jti_prefix", safeTruncate(record.JTIDigest, tokenIDLogLength))
	return nil
}

// RevokeAllTokensForUserClient revokes all tokens (access + refresh, including
// whole families) for a specific user+client combination. This is the response
// to authorization code reuse detection.
// Returns the number of tokens revoked and any error encountered.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if err := s.validateRevocationParams(userID, clientID); err != nil {
		return 0, err
	}

	digests, err := s.getDigestsForUserClient(ctx, userID, clientID)
	if err != nil {
		return 0, err
	}
	if len(digests) == 0 {
		return 0, nil
	}

	s.revokeFamiliesForDigests(ctx, digests)
	revokedCount := s.revokeIndividualDigests(ctx, digests)
	s.deleteUserClientSet(ctx, userID, clientID)

	if revokedCount > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revokedCount)
	}

	return revokedCount, nil
}

// validateRevocationParams validates the user and client IDs for revocation.
func (s *Store) validateRevocationParams(userID, clientID string) error {
	if userID == "" || clientID == "" {
		return fmt.Errorf("userID and clientID cannot be empty")
	}
	if err := validateStringLength(userID, MaxIDLength, "userID"); err != nil {
		return err
	}
	return validateStringLength(clientID, MaxIDLength, "clientID")
}

// getDigestsForUserClient retrieves all token digests for a user+client combination.
func (s *Store) getDigestsForUserClient(ctx context.Context, userID, clientID string) ([]string, error) {
	userClientKey := s.userClientKey(userID, clientID)
	digests, err := s.client.Do(ctx, s.client.B().Smembers().Key(userClientKey).Build()).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get tokens for user+client: %w", err)
	}
	return digests, nil
}

// revokeFamiliesForDigests identifies and revokes all token families for the given digests.
func (s *Store) revokeFamiliesForDigests(ctx context.Context, digests []string) {
	familiesToRevoke := s.identifyFamilies(ctx, digests)
	for familyID := range familiesToRevoke {
		if err := s.RevokeTokenFamily(ctx, familyID); err != nil {
			s.logger.Warn("Failed to revoke token family",
				"family_id", safeTruncate(familyID, tokenIDLogLength),
				"error", err)
		}
	}
}

// identifyFamilies finds all family IDs for the given token digests.
func (s *Store) identifyFamilies(ctx context.Context, digests []string) map[string]bool {
	families := make(map[string]bool)
	for _, digest := range digests {
		metaKey := s.familyMetaKey(digest)
		data, err := s.client.Do(ctx, s.client.B().Get().Key(metaKey).Build()).ToString()
		if err == nil {
			var j tokenFamilyJSON
			if err := json.Unmarshal([]byte(data), &j); err == nil && j.FamilyID != "" {
				families[j.FamilyID] = true
			}
		}
	}
	return families
}

// revokeIndividualDigests revokes each digest and returns the count.
// Refresh token records are deleted outright; access token digests land in
// the revocation set so stateless JWT verification starts failing.
func (s *Store) revokeIndividualDigests(ctx context.Context, digests []string) int {
	revokedCount := 0
	for _, digest := range digests {
		s.revokeDigest(ctx, digest, "user_client_revocation")
		revokedCount++
	}
	return revokedCount
}

// revokeDigest deletes any refresh token record for a digest and, if an
// access token record exists, transfers it to the revocation set.
func (s *Store) revokeDigest(ctx context.Context, digest, reason string) {
	digestPrefix := safeTruncate(digest, tokenIDLogLength)

	if err := s.client.Do(ctx, s.client.B().Del().Key(s.refreshTokenKey(digest)).Build()).Error(); err != nil {
		s.logger.Debug("Failed to delete refresh token during revocation", "digest_prefix", digestPrefix, "error", err)
	}

	// Transfer any access token record into the revocation set with a TTL
	// matching the token's remaining lifetime
	accessKey := s.accessTokenKey(digest)
	data, err := s.client.Do(ctx, s.client.B().Get().Key(accessKey).Build()).ToString()
	if err == nil {
		var j accessTokenRecordJSON
		ttl := s.retentionTTL()
		if err := json.Unmarshal([]byte(data), &j); err == nil {
			if remaining := calculateTTL(time.Unix(j.ExpiresAt, 0)); remaining > 0 {
				ttl = remaining
			}
		}
		if err := s.RevokeToken(ctx, digest, reason, ttl); err != nil {
			s.logger.Debug("Failed to record access token revocation", "digest_prefix", digestPrefix, "error", err)
		}
		if err := s.client.Do(ctx, s.client.B().Del().Key(accessKey).Build()).Error(); err != nil {
			s.logger.Debug("Failed to delete access token record during revocation", "digest_prefix", digestPrefix, "error", err)
		}
	}
}

// deleteUserClientSet deletes the user+client token set.
func (s *Store) deleteUserClientSet(ctx context.Context, userID, clientID string) {
	userClientKey := s.userClientKey(userID, clientID)
	if err := s.client.Do(ctx, s.client.B().Del().Key(userClientKey).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete user+client set", "user_id", userID, "client_id", clientID, "error", err)
	}
}
