package storage

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"

	"github.com/shoresuite/delegate/security"
)

// HashToken returns the hex-encoded SHA-256 digest of a raw token.
// Backends only ever see digests: a leaked storage snapshot must not
// yield usable refresh tokens or jti values.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// EncodePrivateKey serializes an RSA private key to PKCS#8 PEM.
func EncodePrivateKey(key *rsa.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// DecodePrivateKey parses a PKCS#8 PEM RSA private key.
func DecodePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in private key data")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, expected *rsa.PrivateKey", parsed)
	}
	return key, nil
}

// EncryptKeyMaterial encrypts a signing key record's private material at rest.
// Returns a copy with the PEM replaced by ciphertext. If the encryptor is nil
// or disabled the record is returned unchanged.
func EncryptKeyMaterial(record *SigningKeyRecord, encryptor *security.Encryptor) (*SigningKeyRecord, error) {
	if record == nil {
		return nil, nil
	}
	if encryptor == nil || !encryptor.IsEnabled() {
		return record, nil
	}

	encrypted := *record
	ciphertext, err := encryptor.Encrypt(record.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt signing key %s: %w", record.KeyID, err)
	}
	encrypted.PrivateKeyPEM = ciphertext
	return &encrypted, nil
}

// DecryptKeyMaterial reverses EncryptKeyMaterial.
func DecryptKeyMaterial(record *SigningKeyRecord, encryptor *security.Encryptor) (*SigningKeyRecord, error) {
	if record == nil {
		return nil, nil
	}
	if encryptor == nil || !encryptor.IsEnabled() {
		return record, nil
	}

	decrypted := *record
	plaintext, err := encryptor.Decrypt(record.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt signing key %s: %w", record.KeyID, err)
	}
	decrypted.PrivateKeyPEM = plaintext
	return &decrypted, nil
}
