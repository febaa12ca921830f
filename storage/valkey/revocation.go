package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ============================================================
// RevocationStore Implementation
// ============================================================

// RevokeToken marks a token digest as revoked. The entry is TTL-bounded:
// it only needs to outlive the token itself.
func (s *Store) RevokeToken(ctx context.Context, digest, reason string, ttl time.Duration) error {
	if digest == "" {
		return fmt.Errorf("token digest cannot be empty")
	}
	if err := validateStringLength(digest, MaxDigestLength, "digest"); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = time.Minute
	}

	key := s.revokedKey(digest)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(key).Value(reason).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.logger.Debug("Revoked token",
		"digest_prefix", safeTruncate(digest, tokenIDLogLength),
		"reason", reason)
	return nil
}

// IsTokenRevoked reports whether a token digest has been revoked
func (s *Store) IsTokenRevoked(ctx context.Context, digest string) (bool, error) {
	key := s.revokedKey(digest)

	exists, err := s.client.Do(ctx, s.client.B().Exists().Key(key).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}

	return exists > 0, nil
}

// RevokeUserTokens records a user-wide revocation cutoff at the current time
// and revokes every token digest indexed for the user. Tokens issued before
// the cutoff fail verification even if their digest entry has expired.
func (s *Store) RevokeUserTokens(ctx context.Context, userID, reason string) error {
	if userID == "" {
		return fmt.Errorf("userID cannot be empty")
	}
	if err := validateStringLength(userID, MaxIDLength, "userID"); err != nil {
		return err
	}

	now := time.Now()

	// The cutoff has no TTL: it must outlive every token issued before it.
	// Refresh token lifetime bounds how long it actually matters.
	cutoffKey := s.userCutoffKey(userID)
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(cutoffKey).Value(strconv.FormatInt(now.Unix(), 10)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("failed to record user revocation cutoff: %w", err)
	}

	// Revoke every digest indexed for this user
	userKey := s.userTokensKey(userID)
	digests, err := s.client.Do(ctx, s.client.B().Smembers().Key(userKey).Build()).AsStrSlice()
	if err != nil && !isNilError(err) {
		return fmt.Errorf("failed to get user tokens: %w", err)
	}

	for _, digest := range digests {
		s.revokeDigest(ctx, digest, reason)

		// Mark any surviving family metadata as revoked for forensics
		metaKey := s.familyMetaKey(digest)
		data, getErr := s.client.Do(ctx, s.client.B().Get().Key(metaKey).Build()).ToString()
		if getErr == nil {
			s.markFamilyMetaRevoked(ctx, metaKey, data, now)
		}
	}

	if err := s.client.Do(ctx, s.client.B().Del().Key(userKey).Build()).Error(); err != nil {
		s.logger.Warn("Failed to delete user token set", "user_id", userID, "error", err)
	}

	s.logger.Warn("Revoked all tokens for user",
		"user_id", userID,
		"reason", reason,
		"tokens_revoked", len(digests))
	return nil
}

// markFamilyMetaRevoked updates family metadata JSON in place to record the
// revocation, keeping it with the forensics retention TTL.
func (s *Store) markFamilyMetaRevoked(ctx context.Context, metaKey, data string, now time.Time) {
	var j tokenFamilyJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return
	}
	j.Revoked = true
	j.RevokedAt = now.Unix()

	updatedData, err := json.Marshal(&j)
	if err != nil {
		return
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(metaKey).Value(string(updatedData)).Ex(s.retentionTTL()).Build(),
	).Error(); err != nil {
		s.logger.Debug("Failed to update family metadata during user revocation", "error", err)
	}
}

// UserRevocationCutoff returns the most recent user-wide revocation time,
// or the zero time if the user has never been revoked
func (s *Store) UserRevocationCutoff(ctx context.Context, userID string) (time.Time, error) {
	key := s.userCutoffKey(userID)

	value, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get user revocation cutoff: %w", err)
	}

	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed user revocation cutoff: %w", err)
	}

	return time.Unix(unix, 0), nil
}
