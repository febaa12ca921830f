// Package memory provides an in-memory implementation of all storage interfaces.
// It is suitable for development, testing, and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/shoresuite/delegate/instrumentation"
	"github.com/shoresuite/delegate/internal/util"
	"github.com/shoresuite/delegate/security"
	"github.com/shoresuite/delegate/storage"
)

const (
	// tokenIDLogLength is the number of characters to include when logging
	// token digests and family IDs. Enough for correlation, useless for replay.
	tokenIDLogLength = 8

	// maxFamilyMetadataEntries is the threshold for warning about excessive
	// family metadata growth (possible memory exhaustion attack)
	maxFamilyMetadataEntries = 10000

	// hardMaxFamilyMetadataEntries is the hard limit for family metadata
	// entries. Exceeding it causes SaveRefreshToken to fail rather than
	// grow without bound under a rotation storm.
	hardMaxFamilyMetadataEntries = 50000
)

// tokenFamily tracks a family of refresh tokens for reuse detection
type tokenFamily struct {
	FamilyID   string
	UserID     string
	ClientID   string
	Generation int
	IssuedAt   time.Time
	Revoked    bool
	RevokedAt  time.Time
}

// revocationEntry records a revoked token digest until the token expires
type revocationEntry struct {
	Reason    string
	RevokedAt time.Time
	ExpiresAt time.Time
}

// Store is an in-memory implementation of all storage interfaces.
// It implements CodeStore, TokenStore, RevocationStore, KeyStore, and ClientStore.
type Store struct {
	mu sync.RWMutex

	// Authorization codes, keyed by the raw code value
	authCodes map[string]*storage.AuthorizationCode

	// Refresh token records keyed by token digest
	refreshTokens map[string]*storage.RefreshTokenRecord
	// Family metadata keyed by token digest. Outlives the token record so
	// replay of a consumed token can still be traced to its family.
	tokenFamilies map[string]*tokenFamily

	// Access token index keyed by jti digest
	accessTokens map[string]*storage.AccessTokenRecord

	// Revocations
	revokedTokens map[string]*revocationEntry
	userCutoffs   map[string]time.Time

	// Signing keys keyed by key ID (private material encrypted if encryptor is set)
	signingKeys map[string]*storage.SigningKeyRecord

	// Client registry
	clients map[string]*storage.Client

	// Security
	encryptor *security.Encryptor // signing key encryption at rest (optional)

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Atomic counters for metrics (lock-free access during metric collection)
	codesCountAtomic         atomic.Int64
	refreshTokensCountAtomic atomic.Int64
	familiesCountAtomic      atomic.Int64
	clientsCountAtomic       atomic.Int64
	keysCountAtomic          atomic.Int64

	// Cleanup
	cleanupInterval            time.Duration
	revokedFamilyRetentionDays int64
	stopCleanup                chan struct{}
	stopOnce                   sync.Once
	logger                     *slog.Logger
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.CodeStore       = (*Store)(nil)
	_ storage.TokenStore      = (*Store)(nil)
	_ storage.RevocationStore = (*Store)(nil)
	_ storage.KeyStore        = (*Store)(nil)
	_ storage.ClientStore     = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
// and default revoked family retention (90 days)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		authCodes:                  make(map[string]*storage.AuthorizationCode),
		refreshTokens:              make(map[string]*storage.RefreshTokenRecord),
		tokenFamilies:              make(map[string]*tokenFamily),
		accessTokens:               make(map[string]*storage.AccessTokenRecord),
		revokedTokens:              make(map[string]*revocationEntry),
		userCutoffs:                make(map[string]time.Time),
		signingKeys:                make(map[string]*storage.SigningKeyRecord),
		clients:                    make(map[string]*storage.Client),
		cleanupInterval:            cleanupInterval,
		revokedFamilyRetentionDays: 90,
		stopCleanup:                make(chan struct{}),
		logger:                     slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor sets the encryptor used for signing key material at rest
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Signing key encryption at rest enabled for storage")
	}
}

// SetRevokedFamilyRetentionDays sets the retention period for revoked token
// family metadata. The retention exists for forensics and security auditing.
// Default: 90 days.
func (s *Store) SetRevokedFamilyRetentionDays(days int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedFamilyRetentionDays = days
	s.logger.Info("Set revoked family retention period", "retention_days", days)
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	s.codesCountAtomic.Store(int64(len(s.authCodes)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.familiesCountAtomic.Store(int64(len(s.tokenFamilies)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.keysCountAtomic.Store(int64(len(s.signingKeys)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.codesCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
			func() int64 { return s.familiesCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.keysCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode saves an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_code", err, startTime)
	}()

	if code == nil || code.Code == "" {
		err = fmt.Errorf("invalid authorization code")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.authCodes[code.Code]
	s.authCodes[code.Code] = code
	if !existed {
		s.codesCountAtomic.Add(1)
	}

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode retrieves an authorization code without consuming it.
// For redemption, use ConsumeAuthorizationCode instead.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}

	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}

	// Return a copy to prevent callers from modifying the stored version
	codeCopy := *authCode
	return &codeCopy, nil
}

// ConsumeAuthorizationCode atomically checks that a code is unused and marks
// it as used. Only ONE concurrent caller can succeed; all others observe an
// "already used" error.
//
// The record is ONLY returned alongside the reuse error (Used=true) so the
// caller can revoke the tokens minted from the first redemption. For other
// errors (not found, expired) nil is returned to prevent information leakage.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_code")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_code", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		err = storage.ErrAuthorizationCodeNotFound
		return nil, err
	}

	if security.IsTokenExpired(authCode.ExpiresAt) {
		err = fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
		return nil, err
	}

	// Atomic check-and-set: only one caller can pass this check
	if authCode.Used {
		err = storage.ErrAuthorizationCodeUsed
		codeCopy := *authCode
		return &codeCopy, err
	}

	authCode.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))

	codeCopy := *authCode
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes an authorization code
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.authCodes[code]; existed {
		delete(s.authCodes, code)
		s.codesCountAtomic.Add(-1)
	}
	s.logger.Debug("Deleted authorization code")
	return nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveRefreshToken saves a refresh token record keyed by its digest and
// tracks its family for reuse detection
func (s *Store) SaveRefreshToken(ctx context.Context, record *storage.RefreshTokenRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_refresh_token", err, startTime)
	}()

	if record == nil || record.TokenDigest == "" {
		err = fmt.Errorf("refresh token digest cannot be empty")
		return err
	}
	if record.UserID == "" {
		err = fmt.Errorf("userID cannot be empty")
		return err
	}
	if record.FamilyID == "" {
		err = fmt.Errorf("family ID cannot be empty")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Enforce a hard limit on family metadata to bound memory under a
	// rotation storm or replay attack
	if _, exists := s.tokenFamilies[record.TokenDigest]; !exists {
		currentCount := len(s.tokenFamilies)
		if currentCount >= hardMaxFamilyMetadataEntries {
			s.logger.Error("Refresh token family metadata limit exceeded - blocking save",
				"current_count", currentCount,
				"hard_limit", hardMaxFamilyMetadataEntries,
				"user_id", record.UserID,
				"client_id", record.ClientID)
			err = fmt.Errorf("refresh token family metadata limit exceeded (%d entries)", currentCount)
			return err
		}
	}

	recordCopy := *record
	if _, existed := s.refreshTokens[record.TokenDigest]; !existed {
		s.refreshTokensCountAtomic.Add(1)
	}
	s.refreshTokens[record.TokenDigest] = &recordCopy

	if _, existed := s.tokenFamilies[record.TokenDigest]; !existed {
		s.familiesCountAtomic.Add(1)
	}
	s.tokenFamilies[record.TokenDigest] = &tokenFamily{
		FamilyID:   record.FamilyID,
		UserID:     record.UserID,
		ClientID:   record.ClientID,
		Generation: record.Generation,
		IssuedAt:   record.IssuedAt,
	}

	s.logger.Debug("Saved refresh token record",
		"user_id", record.UserID,
		"family_id", util.SafeTruncate(record.FamilyID, tokenIDLogLength),
		"generation", record.Generation,
		"expires_at", record.ExpiresAt)
	return nil
}

// GetRefreshToken retrieves a refresh token record by digest
func (s *Store) GetRefreshToken(ctx context.Context, digest string) (*storage.RefreshTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refreshTokens[digest]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}

	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	recordCopy := *record
	return &recordCopy, nil
}

// ConsumeRefreshToken atomically retrieves and deletes a refresh token record.
// Only ONE concurrent caller can succeed; all others observe ErrTokenNotFound,
// which the rotation layer treats as a replay signal.
func (s *Store) ConsumeRefreshToken(ctx context.Context, digest string) (*storage.RefreshTokenRecord, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_refresh_token")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "consume_refresh_token", err, startTime)
	}()

	s.mu.Lock() // MUST use write lock for atomic get-and-delete
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[digest]
	if !ok {
		err = fmt.Errorf("%w: refresh token not found or already used", storage.ErrTokenNotFound)
		return nil, err
	}

	if security.IsTokenExpired(record.ExpiresAt) {
		err = fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
		return nil, err
	}

	// Atomic delete - ensures only one request succeeds
	delete(s.refreshTokens, digest)
	s.refreshTokensCountAtomic.Add(-1)
	// Family metadata deliberately survives the token record: it is what
	// lets a later replay of this digest be recognized as reuse. The
	// cleanup goroutine drops it after the retention period.

	s.logger.Debug("Atomically consumed refresh token", "user_id", record.UserID)

	recordCopy := *record
	return &recordCopy, nil
}

// GetTokenFamily retrieves family metadata for a refresh token digest
func (s *Store) GetTokenFamily(ctx context.Context, digest string) (*storage.TokenFamilyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	family, ok := s.tokenFamilies[digest]
	if !ok {
		return nil, storage.ErrTokenFamilyNotFound
	}

	return &storage.TokenFamilyMetadata{
		FamilyID:   family.FamilyID,
		UserID:     family.UserID,
		ClientID:   family.ClientID,
		Generation: family.Generation,
		IssuedAt:   family.IssuedAt,
		Revoked:    family.Revoked,
		RevokedAt:  family.RevokedAt,
	}, nil
}

// RevokeTokenFamily revokes all tokens in a family. Called when refresh
// token reuse is detected.
func (s *Store) RevokeTokenFamily(ctx context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	revokedCount := 0
	now := time.Now()

	for digest, family := range s.tokenFamilies {
		if family.FamilyID == familyID {
			family.Revoked = true
			family.RevokedAt = now
			if _, existed := s.refreshTokens[digest]; existed {
				delete(s.refreshTokens, digest)
				s.refreshTokensCountAtomic.Add(-1)
			}
			revokedCount++
		}
	}

	if revokedCount > 0 {
		s.logger.Warn("Revoked refresh token family",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", revokedCount)
	}

	return nil
}

// SaveAccessTokenRecord indexes an issued access token by its jti digest
func (s *Store) SaveAccessTokenRecord(ctx context.Context, record *storage.AccessTokenRecord) error {
	if record == nil || record.JTIDigest == "" {
		return fmt.Errorf("access token record requires a jti digest")
	}
	if record.UserID == "" || record.ClientID == "" {
		return fmt.Errorf("userID and clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recordCopy := *record
	s.accessTokens[record.JTIDigest] = &recordCopy

	s.logger.Debug("Indexed access token",
		"user_id", record.UserID,
		"client_id", record.ClientID,
		"jti_prefix", util.SafeTruncate(record.JTIDigest, tokenIDLogLength))
	return nil
}

// RevokeAllTokensForUserClient revokes all tokens (access + refresh,
// including whole families) for a user+client combination. Access token
// digests land in the revocation set so stateless JWT verification starts
// failing immediately.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revokedCount := 0
	now := time.Now()

	// Step 1: identify all families belonging to this user+client
	familiesToRevoke := make(map[string]bool)
	for _, family := range s.tokenFamilies {
		if family.UserID == userID && family.ClientID == clientID {
			familiesToRevoke[family.FamilyID] = true
		}
	}

	// Step 2: revoke entire families (all generations, not just live records)
	for familyID := range familiesToRevoke {
		familyRevokedCount := 0
		for digest, family := range s.tokenFamilies {
			if family.FamilyID != familyID {
				continue
			}
			family.Revoked = true
			family.RevokedAt = now

			if _, existed := s.refreshTokens[digest]; existed {
				delete(s.refreshTokens, digest)
				s.refreshTokensCountAtomic.Add(-1)
				revokedCount++
			}
			familyRevokedCount++
		}

		if familyRevokedCount > 0 {
			s.logger.Info("Revoked entire refresh token family",
				"user_id", userID,
				"client_id", clientID,
				"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
				"tokens_revoked", familyRevokedCount)
		}
	}

	// Step 3: revoke indexed access tokens for this user+client
	for digest, record := range s.accessTokens {
		if record.UserID != userID || record.ClientID != clientID {
			continue
		}
		s.revokedTokens[digest] = &revocationEntry{
			Reason:    "user_client_revocation",
			RevokedAt: now,
			ExpiresAt: record.ExpiresAt,
		}
		delete(s.accessTokens, digest)
		revokedCount++
	}

	if revokedCount > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revokedCount)
	}

	return revokedCount, nil
}

// ============================================================
// RevocationStore Implementation
// ============================================================

// RevokeToken marks a token digest as revoked until the token expires
func (s *Store) RevokeToken(ctx context.Context, digest, reason string, ttl time.Duration) error {
	if digest == "" {
		return fmt.Errorf("token digest cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.revokedTokens[digest] = &revocationEntry{
		Reason:    reason,
		RevokedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}

	s.logger.Debug("Revoked token",
		"digest_prefix", util.SafeTruncate(digest, tokenIDLogLength),
		"reason", reason)
	return nil
}

// IsTokenRevoked reports whether a token digest has been revoked
func (s *Store) IsTokenRevoked(ctx context.Context, digest string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, revoked := s.revokedTokens[digest]
	return revoked, nil
}

// RevokeUserTokens records a user-wide revocation cutoff and deletes the
// user's refresh token records. Any token issued before the cutoff fails
// verification regardless of its expiry.
func (s *Store) RevokeUserTokens(ctx context.Context, userID, reason string) error {
	if userID == "" {
		return fmt.Errorf("userID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.userCutoffs[userID] = now

	deleted := 0
	for digest, record := range s.refreshTokens {
		if record.UserID == userID {
			delete(s.refreshTokens, digest)
			s.refreshTokensCountAtomic.Add(-1)
			if family, ok := s.tokenFamilies[digest]; ok {
				family.Revoked = true
				family.RevokedAt = now
			}
			deleted++
		}
	}

	for digest, record := range s.accessTokens {
		if record.UserID == userID {
			s.revokedTokens[digest] = &revocationEntry{
				Reason:    reason,
				RevokedAt: now,
				ExpiresAt: record.ExpiresAt,
			}
			delete(s.accessTokens, digest)
			deleted++
		}
	}

	s.logger.Warn("Revoked all tokens for user",
		"user_id", userID,
		"reason", reason,
		"tokens_deleted", deleted)
	return nil
}

// UserRevocationCutoff returns the most recent user-wide revocation time,
// or the zero time if the user has never been revoked
func (s *Store) UserRevocationCutoff(ctx context.Context, userID string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.userCutoffs[userID], nil
}

// ============================================================
// KeyStore Implementation
// ============================================================

// SaveSigningKey saves a signing key record with optional encryption at rest
func (s *Store) SaveSigningKey(ctx context.Context, record *storage.SigningKeyRecord) error {
	ctx, span := s.startStorageSpan(ctx, "save_signing_key")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_signing_key", err, startTime)
	}()

	if record == nil || record.KeyID == "" {
		err = fmt.Errorf("invalid signing key record")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, encErr := storage.EncryptKeyMaterial(record, s.encryptor)
	if encErr != nil {
		err = encErr
		return err
	}
	storedCopy := *stored

	if _, existed := s.signingKeys[record.KeyID]; !existed {
		s.keysCountAtomic.Add(1)
	}
	s.signingKeys[record.KeyID] = &storedCopy

	s.logger.Debug("Saved signing key", "key_id", record.KeyID)
	return nil
}

// GetSigningKey retrieves a signing key by key ID
func (s *Store) GetSigningKey(ctx context.Context, keyID string) (*storage.SigningKeyRecord, error) {
	s.mu.RLock()
	record, ok := s.signingKeys[keyID]
	encryptor := s.encryptor
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrSigningKeyNotFound, keyID)
	}

	recordCopy := *record
	return storage.DecryptKeyMaterial(&recordCopy, encryptor)
}

// ListSigningKeys lists all stored signing keys
func (s *Store) ListSigningKeys(ctx context.Context) ([]*storage.SigningKeyRecord, error) {
	s.mu.RLock()
	records := make([]*storage.SigningKeyRecord, 0, len(s.signingKeys))
	for _, record := range s.signingKeys {
		recordCopy := *record
		records = append(records, &recordCopy)
	}
	encryptor := s.encryptor
	s.mu.RUnlock()

	for i, record := range records {
		decrypted, err := storage.DecryptKeyMaterial(record, encryptor)
		if err != nil {
			return nil, err
		}
		records[i] = decrypted
	}

	return records, nil
}

// DeleteSigningKey removes a signing key
func (s *Store) DeleteSigningKey(ctx context.Context, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.signingKeys[keyID]; existed {
		delete(s.signingKeys, keyID)
		s.keysCountAtomic.Add(-1)
	}
	s.logger.Debug("Deleted signing key", "key_id", keyID)
	return nil
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient saves a registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	ctx, span := s.startStorageSpan(ctx, "save_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "save_client", err, startTime)
	}()

	if client == nil || client.ClientID == "" {
		err = fmt.Errorf("invalid client")
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ClientID]; !existed {
		s.clientsCountAtomic.Add(1)
	}
	s.clients[client.ClientID] = client

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	ctx, span := s.startStorageSpan(ctx, "get_client")
	defer span.End()

	startTime := time.Now()
	var err error

	defer func() {
		s.recordStorageOperation(ctx, span, "get_client", err, startTime)
	}()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
		return nil, err
	}

	return client, nil
}

// ValidateClientSecret validates a client's secret using bcrypt.
// Uses constant-time operations to prevent timing attacks.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	// Pre-computed dummy hash for non-existent clients (bcrypt hash of "test").
	// Ensures a bcrypt comparison always runs so response timing does not
	// reveal whether the client exists.
	dummyHash := "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummyHash
	isPublicClient := false

	if err == nil {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	// ALWAYS perform the bcrypt comparison, even for unknown clients
	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if isPublicClient && err == nil {
		return nil
	}

	if err != nil {
		return fmt.Errorf("invalid client credentials")
	}

	if bcryptErr != nil {
		return fmt.Errorf("invalid client credentials")
	}

	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}

	return clients, nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	// Expired authorization codes (with clock skew grace period)
	for code, authCode := range s.authCodes {
		if security.IsTokenExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			s.codesCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Expired refresh token records
	for digest, record := range s.refreshTokens {
		if security.IsTokenExpired(record.ExpiresAt) {
			delete(s.refreshTokens, digest)
			s.refreshTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Expired access token index entries
	for digest, record := range s.accessTokens {
		if security.IsTokenExpired(record.ExpiresAt) {
			delete(s.accessTokens, digest)
			cleaned++
		}
	}

	// Revocation entries for tokens that have expired anyway
	for digest, entry := range s.revokedTokens {
		if security.IsTokenExpired(entry.ExpiresAt) {
			delete(s.revokedTokens, digest)
			cleaned++
		}
	}

	// Revoked family metadata past the retention period
	retentionDays := s.revokedFamilyRetentionDays
	if retentionDays == 0 {
		retentionDays = 90
	}
	revokedFamilyCleanupThreshold := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	for digest, family := range s.tokenFamilies {
		if family.Revoked {
			revokedTime := family.RevokedAt
			if revokedTime.IsZero() {
				revokedTime = family.IssuedAt
			}
			if revokedTime.Before(revokedFamilyCleanupThreshold) {
				delete(s.tokenFamilies, digest)
				s.familiesCountAtomic.Add(-1)
				cleaned++
			}
		}
	}

	// Family metadata whose token expired long enough ago that replay is moot
	for digest, family := range s.tokenFamilies {
		if family.Revoked {
			continue
		}
		if _, live := s.refreshTokens[digest]; live {
			continue
		}
		if family.IssuedAt.Before(revokedFamilyCleanupThreshold) {
			delete(s.tokenFamilies, digest)
			s.familiesCountAtomic.Add(-1)
			cleaned++
		}
	}

	familyCount := len(s.tokenFamilies)
	if familyCount > maxFamilyMetadataEntries {
		s.logger.Warn("Refresh token family metadata approaching limit - possible memory exhaustion attack",
			"current_count", familyCount,
			"max_threshold", maxFamilyMetadataEntries)
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned, "family_metadata_count", familyCount)
	}
}

// ============================================================
// Instrumentation Helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String("operation", operation),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	} else {
		if span != nil {
			span.SetStatus(codes.Ok, "")
		}
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
