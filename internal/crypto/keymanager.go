// Package crypto provides venue request signing and at-rest encryption
// for stored exchange API credentials.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the encrypted-secret JSON schema version.
	currentVersion = 1
)

// encryptedSecretJSON is the stored format for an encrypted credential.
type encryptedSecretJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// MasterKeyConfig carries the information LoadMasterKey needs to resolve
// the credential master key. Populate the fields from environment
// variables or a config file.
type MasterKeyConfig struct {
	// RawKey is the hex-encoded master key (with or without 0x prefix).
	// If non-empty, LoadMasterKey returns it directly.
	RawKey string

	// KeyPath is the path to a file containing the hex-encoded master key.
	KeyPath string
}

// EncryptSecret encrypts an API secret with the master key using
// PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM authenticated
// encryption. It returns a compact JSON blob suitable for a text column.
func EncryptSecret(plaintext, masterKey string) (string, error) {
	if masterKey == "" {
		return "", errors.New("crypto: master key must not be empty")
	}
	if plaintext == "" {
		return "", errors.New("crypto: plaintext must not be empty")
	}

	// Generate random salt and derive AES key.
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("crypto: generating salt: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(masterKey), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	// AES-256-GCM encrypt.
	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return "", fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	out := encryptedSecretJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("crypto: encoding encrypted secret: %w", err)
	}
	return string(b), nil
}

// DecryptSecret decrypts a blob produced by EncryptSecret, returning the
// plaintext secret.
func DecryptSecret(encrypted, masterKey string) (string, error) {
	if masterKey == "" {
		return "", errors.New("crypto: master key must not be empty")
	}

	var stored encryptedSecretJSON
	if err := json.Unmarshal([]byte(encrypted), &stored); err != nil {
		return "", fmt.Errorf("crypto: parsing encrypted secret JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(masterKey), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return "", fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("crypto: creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong master key?): %w", err)
	}

	return string(plaintext), nil
}

// LoadMasterKey resolves the credential master key from the provided
// configuration.
//
// Resolution order:
//  1. If RawKey is set, return it (stripping 0x prefix).
//  2. If KeyPath is set, read the file.
//  3. Otherwise, return an error.
func LoadMasterKey(cfg MasterKeyConfig) (string, error) {
	// 1. Raw key takes precedence.
	if cfg.RawKey != "" {
		k := strings.TrimPrefix(cfg.RawKey, "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto: RawKey is not valid hex: %w", err)
		}
		return k, nil
	}

	// 2. Key file.
	if cfg.KeyPath != "" {
		data, err := os.ReadFile(cfg.KeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: reading master key file: %w", err)
		}
		k := strings.TrimSpace(strings.TrimPrefix(string(data), "0x"))
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto: master key file is not valid hex: %w", err)
		}
		return k, nil
	}

	return "", errors.New("crypto: no master key source configured (set RawKey or KeyPath)")
}
