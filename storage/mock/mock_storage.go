// Package mock provides a fault-injecting storage.Store wrapper for testing.
package mock

import (
	"context"
	"time"

	"github.com/shoresuite/delegate/storage"
)

// Store wraps another storage.Store and lets tests override individual
// operations, typically to inject failures. Any Func field left nil falls
// through to the wrapped backend.
type Store struct {
	Backend storage.Store

	SaveAuthorizationCodeFunc    func(ctx context.Context, code *storage.AuthorizationCode) error
	ConsumeAuthorizationCodeFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	SaveRefreshTokenFunc         func(ctx context.Context, record *storage.RefreshTokenRecord) error
	ConsumeRefreshTokenFunc      func(ctx context.Context, digest string) (*storage.RefreshTokenRecord, error)
	RevokeTokenFunc              func(ctx context.Context, digest, reason string, ttl time.Duration) error
	IsTokenRevokedFunc           func(ctx context.Context, digest string) (bool, error)
	SaveSigningKeyFunc           func(ctx context.Context, record *storage.SigningKeyRecord) error
	ListSigningKeysFunc          func(ctx context.Context) ([]*storage.SigningKeyRecord, error)
	GetClientFunc                func(ctx context.Context, clientID string) (*storage.Client, error)
	ValidateClientSecretFunc     func(ctx context.Context, clientID, clientSecret string) error
}

var _ storage.Store = (*Store)(nil)

// Wrap returns a mock store passing everything through to backend until a
// Func field is set.
func Wrap(backend storage.Store) *Store {
	return &Store{Backend: backend}
}

func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if s.SaveAuthorizationCodeFunc != nil {
		return s.SaveAuthorizationCodeFunc(ctx, code)
	}
	return s.Backend.SaveAuthorizationCode(ctx, code)
}

func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	return s.Backend.GetAuthorizationCode(ctx, code)
}

func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	if s.ConsumeAuthorizationCodeFunc != nil {
		return s.ConsumeAuthorizationCodeFunc(ctx, code)
	}
	return s.Backend.ConsumeAuthorizationCode(ctx, code)
}

func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	return s.Backend.DeleteAuthorizationCode(ctx, code)
}

func (s *Store) SaveRefreshToken(ctx context.Context, record *storage.RefreshTokenRecord) error {
	if s.SaveRefreshTokenFunc != nil {
		return s.SaveRefreshTokenFunc(ctx, record)
	}
	return s.Backend.SaveRefreshToken(ctx, record)
}

func (s *Store) GetRefreshToken(ctx context.Context, digest string) (*storage.RefreshTokenRecord, error) {
	return s.Backend.GetRefreshToken(ctx, digest)
}

func (s *Store) ConsumeRefreshToken(ctx context.Context, digest string) (*storage.RefreshTokenRecord, error) {
	if s.ConsumeRefreshTokenFunc != nil {
		return s.ConsumeRefreshTokenFunc(ctx, digest)
	}
	return s.Backend.ConsumeRefreshToken(ctx, digest)
}

func (s *Store) GetTokenFamily(ctx context.Context, digest string) (*storage.TokenFamilyMetadata, error) {
	return s.Backend.GetTokenFamily(ctx, digest)
}

func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) error {
	return s.Backend.RevokeTokenFamily(ctx, familyID)
}

func (s *Store) SaveAccessTokenRecord(ctx context.Context, record *storage.AccessTokenRecord) error {
	return s.Backend.SaveAccessTokenRecord(ctx, record)
}

func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	return s.Backend.RevokeAllTokensForUserClient(ctx, userID, clientID)
}

func (s *Store) RevokeToken(ctx context.Context, digest, reason string, ttl time.Duration) error {
	if s.RevokeTokenFunc != nil {
		return s.RevokeTokenFunc(ctx, digest, reason, ttl)
	}
	return s.Backend.RevokeToken(ctx, digest, reason, ttl)
}

func (s *Store) IsTokenRevoked(ctx context.Context, digest string) (bool, error) {
	if s.IsTokenRevokedFunc != nil {
		return s.IsTokenRevokedFunc(ctx, digest)
	}
	return s.Backend.IsTokenRevoked(ctx, digest)
}

func (s *Store) RevokeUserTokens(ctx context.Context, userID, reason string) error {
	return s.Backend.RevokeUserTokens(ctx, userID, reason)
}

func (s *Store) UserRevocationCutoff(ctx context.Context, userID string) (time.Time, error) {
	return s.Backend.UserRevocationCutoff(ctx, userID)
}

func (s *Store) SaveSigningKey(ctx context.Context, record *storage.SigningKeyRecord) error {
	if s.SaveSigningKeyFunc != nil {
		return s.SaveSigningKeyFunc(ctx, record)
	}
	return s.Backend.SaveSigningKey(ctx, record)
}

func (s *Store) GetSigningKey(ctx context.Context, keyID string) (*storage.SigningKeyRecord, error) {
	return s.Backend.GetSigningKey(ctx, keyID)
}

func (s *Store) ListSigningKeys(ctx context.Context) ([]*storage.SigningKeyRecord, error) {
	if s.ListSigningKeysFunc != nil {
		return s.ListSigningKeysFunc(ctx)
	}
	return s.Backend.ListSigningKeys(ctx)
}

func (s *Store) DeleteSigningKey(ctx context.Context, keyID string) error {
	return s.Backend.DeleteSigningKey(ctx, keyID)
}

func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	return s.Backend.SaveClient(ctx, client)
}

func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	if s.GetClientFunc != nil {
		return s.GetClientFunc(ctx, clientID)
	}
	return s.Backend.GetClient(ctx, clientID)
}

func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	if s.ValidateClientSecretFunc != nil {
		return s.ValidateClientSecretFunc(ctx, clientID, clientSecret)
	}
	return s.Backend.ValidateClientSecret(ctx, clientID, clientSecret)
}

func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	return s.Backend.ListClients(ctx)
}
