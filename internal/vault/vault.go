package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// KeyEnv names the environment variable holding the hex encoded AES-256 key.
const KeyEnv = "ENCRYPTION_KEY"

const (
	keySize = 32
	ivSize  = 16
	tagSize = 16
)

// ConfigurationError reports a missing or malformed encryption key. It is
// fatal at startup.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vault configuration: %s: %v", e.Reason, e.Err)
	}
	return "vault configuration: " + e.Reason
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DecryptionError reports ciphertext that could not be opened. The message
// never carries key material or plaintext.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decrypt credential: %s: %v", e.Reason, e.Err)
	}
	return "decrypt credential: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Vault seals destination credentials with AES-256-GCM. Ciphertexts are
// encoded as "iv:tag:ciphertext", each segment lowercase hex, with a 16 byte
// IV and a 16 byte authentication tag.
type Vault struct {
	aead   cipher.AEAD
	random io.Reader
}

// NewFromEnv builds a Vault from the key stored in ENCRYPTION_KEY.
func NewFromEnv() (*Vault, error) {
	raw, ok := os.LookupEnv(KeyEnv)
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, &ConfigurationError{Reason: KeyEnv + " is not set"}
	}
	return NewFromHex(raw)
}

// NewFromHex builds a Vault from a 64 character hex key.
func NewFromHex(hexKey string) (*Vault, error) {
	trimmed := strings.TrimSpace(hexKey)
	if len(trimmed) != keySize*2 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("key must be %d hex characters, got %d", keySize*2, len(trimmed))}
	}
	key, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, &ConfigurationError{Reason: "key is not valid hex", Err: err}
	}
	return New(key)
}

// New builds a Vault from a raw 32 byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != keySize {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("key must be %d bytes, got %d", keySize, len(key))}
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &ConfigurationError{Reason: "init cipher", Err: err}
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, &ConfigurationError{Reason: "init gcm", Err: err}
	}
	return &Vault{aead: aead, random: rand.Reader}, nil
}

// GenerateKey returns a fresh random key in the hex form NewFromHex accepts.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Encrypt seals plaintext under a fresh random IV.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(v.random, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	sealed := v.aead.Seal(nil, iv, []byte(plaintext), nil)
	split := len(sealed) - tagSize
	ciphertext, tag := sealed[:split], sealed[split:]
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt opens a value produced by Encrypt.
func (v *Vault) Decrypt(opaque string) (string, error) {
	parts := strings.Split(strings.TrimSpace(opaque), ":")
	if len(parts) != 3 {
		return "", &DecryptionError{Reason: fmt.Sprintf("expected 3 segments, got %d", len(parts))}
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", &DecryptionError{Reason: "iv is not valid hex", Err: err}
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", &DecryptionError{Reason: "auth tag is not valid hex", Err: err}
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", &DecryptionError{Reason: "ciphertext is not valid hex", Err: err}
	}
	if len(iv) != ivSize {
		return "", &DecryptionError{Reason: fmt.Sprintf("iv must be %d bytes, got %d", ivSize, len(iv))}
	}
	if len(tag) != tagSize {
		return "", &DecryptionError{Reason: fmt.Sprintf("auth tag must be %d bytes, got %d", tagSize, len(tag))}
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := v.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed", Err: err}
	}
	return string(plaintext), nil
}
