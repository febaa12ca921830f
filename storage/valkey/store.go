package valkey

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/shoresuite/delegate/security"
	"github.com/shoresuite/delegate/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys
	DefaultKeyPrefix = "delegate:"

	// DefaultRevokedFamilyRetentionDays is the default retention period for revoked token families
	DefaultRevokedFamilyRetentionDays = 90

	// tokenIDLogLength is the number of characters to include when logging token digests
	tokenIDLogLength = 8

	// scanBatchSize is the number of keys to fetch per SCAN iteration
	scanBatchSize = 100

	// connectionVerifyTimeout is the timeout for initial connection verification
	connectionVerifyTimeout = 5 * time.Second

	// MaxIDLength is the maximum allowed length for identifiers (userID, clientID, familyID)
	MaxIDLength = 256

	// MaxDigestLength is the maximum allowed length for token digests.
	// SHA-256 hex digests are 64 characters; anything longer is malformed input.
	MaxDigestLength = 128
)

// Validation error messages (generic to prevent information leakage)
var (
	errInvalidCredentials = fmt.Errorf("invalid client credentials")
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g., "localhost:6379"
	Address string

	// Password is the optional password for Valkey authentication
	Password string

	// DB is the optional database number (default 0)
	DB int

	// KeyPrefix is the prefix for all keys (default "delegate:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger

	// RevokedFamilyRetentionDays is the retention period for revoked token family metadata
	// Used for security forensics and auditing. Default: 90 days
	RevokedFamilyRetentionDays int
}

// Store is a Valkey-backed implementation of all storage interfaces.
// It implements CodeStore, TokenStore, RevocationStore, KeyStore, and ClientStore.
type Store struct {
	client                     valkeygo.Client
	prefix                     string
	logger                     *slog.Logger
	revokedFamilyRetentionDays int

	// encryptor provides optional signing key encryption at rest
	// Access must be synchronized via encryptorMu
	encryptor   *security.Encryptor
	encryptorMu sync.RWMutex
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.CodeStore       = (*Store)(nil)
	_ storage.TokenStore      = (*Store)(nil)
	_ storage.RevocationStore = (*Store)(nil)
	_ storage.KeyStore        = (*Store)(nil)
	_ storage.ClientStore     = (*Store)(nil)
)

// New creates a new Valkey-backed storage instance.
// Returns an error if the connection cannot be established.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	retentionDays := cfg.RevokedFamilyRetentionDays
	if retentionDays <= 0 {
		retentionDays = DefaultRevokedFamilyRetentionDays
	}

	// Build client options
	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}

	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	if cfg.TLS != nil {
		opts.TLSConfig = cfg.TLS
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to valkey: %w", err)
	}

	logger.Info("Connected to Valkey storage",
		"address", cfg.Address,
		"db", cfg.DB,
		"prefix", prefix)

	return &Store{
		client:                     client,
		prefix:                     prefix,
		logger:                     logger,
		revokedFamilyRetentionDays: retentionDays,
	}, nil
}

// Close closes the Valkey client connection.
func (s *Store) Close() {
	s.client.Close()
	s.logger.Info("Valkey storage connection closed")
}

// SetLogger sets a custom logger for the store.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetEncryptor sets the encryptor for signing key material at rest.
// When set, private key PEM blobs are encrypted before storing in Valkey
// and decrypted when retrieved.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.encryptorMu.Lock()
	defer s.encryptorMu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Signing key encryption at rest enabled for Valkey storage")
	}
}

// getEncryptor returns the current encryptor (thread-safe)
func (s *Store) getEncryptor() *security.Encryptor {
	s.encryptorMu.RLock()
	defer s.encryptorMu.RUnlock()
	return s.encryptor
}

// validateStringLength checks if a string exceeds the maximum allowed length
func validateStringLength(value string, maxLen int, fieldName string) error {
	if len(value) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d bytes", fieldName, maxLen)
	}
	return nil
}

// ============================================================
// Key Helpers
// ============================================================

// codeKey returns the key for an authorization code: {prefix}code:{code}
func (s *Store) codeKey(code string) string {
	return fmt.Sprintf("%scode:%s", s.prefix, code)
}

// refreshTokenKey returns the key for a refresh token record: {prefix}refresh:{digest}
func (s *Store) refreshTokenKey(digest string) string {
	return fmt.Sprintf("%srefresh:%s", s.prefix, digest)
}

// familyMetaKey returns the key for family metadata: {prefix}family:meta:{digest}
func (s *Store) familyMetaKey(digest string) string {
	return fmt.Sprintf("%sfamily:meta:%s", s.prefix, digest)
}

// familyKey returns the key for a token family set: {prefix}family:{familyID}
func (s *Store) familyKey(familyID string) string {
	return fmt.Sprintf("%sfamily:%s", s.prefix, familyID)
}

// accessTokenKey returns the key for an access token record: {prefix}access:{jtiDigest}
func (s *Store) accessTokenKey(jtiDigest string) string {
	return fmt.Sprintf("%saccess:%s", s.prefix, jtiDigest)
}

// revokedKey returns the key for a revocation entry: {prefix}revoked:{digest}
func (s *Store) revokedKey(digest string) string {
	return fmt.Sprintf("%srevoked:%s", s.prefix, digest)
}

// userCutoffKey returns the key for a user revocation cutoff: {prefix}usercutoff:{userID}
func (s *Store) userCutoffKey(userID string) string {
	return fmt.Sprintf("%susercutoff:%s", s.prefix, userID)
}

// userTokensKey returns the key for a user's token digest set: {prefix}user:{userID}
func (s *Store) userTokensKey(userID string) string {
	return fmt.Sprintf("%suser:%s", s.prefix, userID)
}

// userClientKey returns the key for user+client token tracking: {prefix}userclient:{userID}:{clientID}
func (s *Store) userClientKey(userID, clientID string) string {
	return fmt.Sprintf("%suserclient:%s:%s", s.prefix, userID, clientID)
}

// signingKeyKey returns the key for a signing key: {prefix}key:{keyID}
func (s *Store) signingKeyKey(keyID string) string {
	return fmt.Sprintf("%skey:%s", s.prefix, keyID)
}

// clientKey returns the key for a client: {prefix}client:{clientID}
func (s *Store) clientKey(clientID string) string {
	return fmt.Sprintf("%sclient:%s", s.prefix, clientID)
}

// ============================================================
// Lua Scripts for Atomic Operations
// ============================================================
//
// These Lua scripts provide atomic operations for the security-critical
// grant flows. Using Lua scripts ensures atomicity in Valkey/Redis,
// preventing race conditions that would otherwise allow code replay or
// refresh token reuse.

// luaAtomicConsumeCode atomically checks that an authorization code is
// unused and marks it as used. Only ONE concurrent request can succeed;
// any concurrent attempt to redeem the same code receives "ALREADY_USED".
//
// KEYS[1] = code key (e.g., "delegate:code:abc123")
// ARGV[1] = current Unix timestamp in seconds (for expiry check)
//
// Returns:
//   - Original JSON data if code was unused and successfully marked as used
//   - "NOT_FOUND" if the key doesn't exist in Valkey
//   - "EXPIRED" if the code has expired (ARGV[1] > code.expires_at)
//   - "ALREADY_USED:<json>" if code was already used (returns original data for forensics)
const luaAtomicConsumeCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

-- Check if expired
local now = tonumber(ARGV[1])
local expiresAt = tonumber(code.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

-- Check if already used
if code.used then
    return 'ALREADY_USED:' .. data
end

-- Mark as used and save
code.used = true
redis.call('SET', KEYS[1], cjson.encode(code), 'KEEPTTL')

return data
`

// luaAtomicConsumeRefresh atomically retrieves and deletes a refresh token
// record while re-TTLing the family metadata for the forensics retention
// period. This implements refresh token rotation with reuse detection:
// once a token has been consumed, any later attempt to use the same digest
// gets "NOT_FOUND", which the rotation layer treats as a replay signal.
//
// KEYS[1] = refresh token record key (e.g., "delegate:refresh:<digest>")
// KEYS[2] = family metadata key (e.g., "delegate:family:meta:<digest>")
// ARGV[1] = current Unix timestamp in seconds (for expiry check)
// ARGV[2] = retention TTL in seconds for the family metadata
//
// Returns:
//   - Record JSON on success
//   - "NOT_FOUND" if the record doesn't exist (may indicate already rotated)
//   - "EXPIRED" if the record has expired
const luaAtomicConsumeRefresh = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local record = cjson.decode(data)

-- Check if expired
local now = tonumber(ARGV[1])
local expiresAt = tonumber(record.expires_at)
if expiresAt and now > expiresAt then
    return 'EXPIRED'
end

-- Atomically delete the record; family metadata survives with retention TTL
redis.call('DEL', KEYS[1])
redis.call('EXPIRE', KEYS[2], tonumber(ARGV[2]))

return data
`

// ============================================================
// JSON Serialization Helpers
// ============================================================

// authorizationCodeJSON is the JSON representation of an authorization code
type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	UserID              string `json:"user_id"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Used                bool   `json:"used"`
}

func toAuthorizationCodeJSON(code *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                code.Code,
		ClientID:            code.ClientID,
		RedirectURI:         code.RedirectURI,
		Scope:               code.Scope,
		CodeChallenge:       code.CodeChallenge,
		CodeChallengeMethod: code.CodeChallengeMethod,
		UserID:              code.UserID,
		CreatedAt:           code.CreatedAt.Unix(),
		ExpiresAt:           code.ExpiresAt.Unix(),
		Used:                code.Used,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	if j == nil {
		return nil
	}
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		UserID:              j.UserID,
		CreatedAt:           time.Unix(j.CreatedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Used:                j.Used,
	}
}

// refreshTokenRecordJSON is the JSON representation of a refresh token record
type refreshTokenRecordJSON struct {
	TokenDigest string `json:"token_digest"`
	UserID      string `json:"user_id"`
	ClientID    string `json:"client_id"`
	Scope       string `json:"scope,omitempty"`
	FamilyID    string `json:"family_id"`
	Generation  int    `json:"generation"`
	IssuedAt    int64  `json:"issued_at"`
	ExpiresAt   int64  `json:"expires_at"`
}

func toRefreshTokenRecordJSON(record *storage.RefreshTokenRecord) *refreshTokenRecordJSON {
	return &refreshTokenRecordJSON{
		TokenDigest: record.TokenDigest,
		UserID:      record.UserID,
		ClientID:    record.ClientID,
		Scope:       record.Scope,
		FamilyID:    record.FamilyID,
		Generation:  record.Generation,
		IssuedAt:    record.IssuedAt.Unix(),
		ExpiresAt:   record.ExpiresAt.Unix(),
	}
}

func fromRefreshTokenRecordJSON(j *refreshTokenRecordJSON) *storage.RefreshTokenRecord {
	if j == nil {
		return nil
	}
	return &storage.RefreshTokenRecord{
		TokenDigest: j.TokenDigest,
		UserID:      j.UserID,
		ClientID:    j.ClientID,
		Scope:       j.Scope,
		FamilyID:    j.FamilyID,
		Generation:  j.Generation,
		IssuedAt:    time.Unix(j.IssuedAt, 0),
		ExpiresAt:   time.Unix(j.ExpiresAt, 0),
	}
}

// tokenFamilyJSON is the JSON representation of refresh token family metadata
type tokenFamilyJSON struct {
	FamilyID   string `json:"family_id"`
	UserID     string `json:"user_id"`
	ClientID   string `json:"client_id"`
	Generation int    `json:"generation"`
	IssuedAt   int64  `json:"issued_at"`
	Revoked    bool   `json:"revoked"`
	RevokedAt  int64  `json:"revoked_at,omitempty"`
}

func toTokenFamilyJSON(meta *storage.TokenFamilyMetadata) *tokenFamilyJSON {
	j := &tokenFamilyJSON{
		FamilyID:   meta.FamilyID,
		UserID:     meta.UserID,
		ClientID:   meta.ClientID,
		Generation: meta.Generation,
		IssuedAt:   meta.IssuedAt.Unix(),
		Revoked:    meta.Revoked,
	}
	if !meta.RevokedAt.IsZero() {
		j.RevokedAt = meta.RevokedAt.Unix()
	}
	return j
}

func fromTokenFamilyJSON(j *tokenFamilyJSON) *storage.TokenFamilyMetadata {
	if j == nil {
		return nil
	}
	meta := &storage.TokenFamilyMetadata{
		FamilyID:   j.FamilyID,
		UserID:     j.UserID,
		ClientID:   j.ClientID,
		Generation: j.Generation,
		IssuedAt:   time.Unix(j.IssuedAt, 0),
		Revoked:    j.Revoked,
	}
	if j.RevokedAt > 0 {
		meta.RevokedAt = time.Unix(j.RevokedAt, 0)
	}
	return meta
}

// accessTokenRecordJSON is the JSON representation of an access token record
type accessTokenRecordJSON struct {
	JTIDigest string `json:"jti_digest"`
	UserID    string `json:"user_id"`
	ClientID  string `json:"client_id"`
	Scope     string `json:"scope,omitempty"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

func toAccessTokenRecordJSON(record *storage.AccessTokenRecord) *accessTokenRecordJSON {
	return &accessTokenRecordJSON{
		JTIDigest: record.JTIDigest,
		UserID:    record.UserID,
		ClientID:  record.ClientID,
		Scope:     record.Scope,
		IssuedAt:  record.IssuedAt.Unix(),
		ExpiresAt: record.ExpiresAt.Unix(),
	}
}

func fromAccessTokenRecordJSON(j *accessTokenRecordJSON) *storage.AccessTokenRecord {
	if j == nil {
		return nil
	}
	return &storage.AccessTokenRecord{
		JTIDigest: j.JTIDigest,
		UserID:    j.UserID,
		ClientID:  j.ClientID,
		Scope:     j.Scope,
		IssuedAt:  time.Unix(j.IssuedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
	}
}

// signingKeyJSON is the JSON representation of a signing key record
type signingKeyJSON struct {
	KeyID         string `json:"key_id"`
	Algorithm     string `json:"algorithm"`
	PrivateKeyPEM string `json:"private_key_pem"`
	CreatedAt     int64  `json:"created_at"`
	RetiredAt     int64  `json:"retired_at,omitempty"`
}

func toSigningKeyJSON(record *storage.SigningKeyRecord) *signingKeyJSON {
	j := &signingKeyJSON{
		KeyID:         record.KeyID,
		Algorithm:     record.Algorithm,
		PrivateKeyPEM: record.PrivateKeyPEM,
		CreatedAt:     record.CreatedAt.Unix(),
	}
	if !record.RetiredAt.IsZero() {
		j.RetiredAt = record.RetiredAt.Unix()
	}
	return j
}

func fromSigningKeyJSON(j *signingKeyJSON) *storage.SigningKeyRecord {
	if j == nil {
		return nil
	}
	record := &storage.SigningKeyRecord{
		KeyID:         j.KeyID,
		Algorithm:     j.Algorithm,
		PrivateKeyPEM: j.PrivateKeyPEM,
		CreatedAt:     time.Unix(j.CreatedAt, 0),
	}
	if j.RetiredAt > 0 {
		record.RetiredAt = time.Unix(j.RetiredAt, 0)
	}
	return record
}

// clientJSON is the JSON representation of a registered client
type clientJSON struct {
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientType       string   `json:"client_type"`
	ClientName       string   `json:"client_name,omitempty"`
	RedirectURIs     []string `json:"redirect_uris"`
	GrantTypes       []string `json:"grant_types,omitempty"`
	ResponseTypes    []string `json:"response_types,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	Disabled         bool     `json:"disabled,omitempty"`
	CreatedAt        int64    `json:"created_at"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:         client.ClientID,
		ClientSecretHash: client.ClientSecretHash,
		ClientType:       client.ClientType,
		ClientName:       client.ClientName,
		RedirectURIs:     client.RedirectURIs,
		GrantTypes:       client.GrantTypes,
		ResponseTypes:    client.ResponseTypes,
		Scopes:           client.Scopes,
		Disabled:         client.Disabled,
		CreatedAt:        client.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	if j == nil {
		return nil
	}
	return &storage.Client{
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       j.ClientType,
		ClientName:       j.ClientName,
		RedirectURIs:     j.RedirectURIs,
		GrantTypes:       j.GrantTypes,
		ResponseTypes:    j.ResponseTypes,
		Scopes:           j.Scopes,
		Disabled:         j.Disabled,
		CreatedAt:        time.Unix(j.CreatedAt, 0),
	}
}

// ============================================================
// Helper methods
// ============================================================

// getAndUnmarshal is a generic helper for fetching a key from Valkey,
// unmarshalling the JSON data, and converting to the target type.
// This reduces code duplication across GetClient, GetTokenFamily, etc.
func getAndUnmarshal[J any, T any](
	ctx context.Context,
	s *Store,
	key string,
	notFoundErr error,
	fromJSON func(*J) *T,
) (*T, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, notFoundErr
		}
		return nil, fmt.Errorf("failed to get data: %w", err)
	}

	var j J
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return fromJSON(&j), nil
}

// safeTruncate safely truncates a string to n characters
func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateTTL calculates the TTL for a key based on expiry time
// Returns 0 if the key has already expired
func calculateTTL(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return 0
	}
	return ttl
}

// retentionTTL returns the forensics retention TTL for revoked family metadata
func (s *Store) retentionTTL() time.Duration {
	return time.Duration(s.revokedFamilyRetentionDays) * 24 * time.Hour
}

// isNilError checks if the error indicates a nil/not-found result from Valkey.
// Uses the valkey-go library's built-in nil detection for robustness.
func isNilError(err error) bool {
	return valkeygo.IsValkeyNil(err)
}
