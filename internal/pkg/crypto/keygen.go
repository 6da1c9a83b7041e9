// Package crypto provides hashing and key utilities for the artifact store.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of derived signing keys in bytes.
const KeySize = 32

// Key generation errors
var (
	// ErrEmptySecret indicates no secret material was provided.
	ErrEmptySecret = errors.New("secret must not be empty")
)

// GenerateMasterKey generates a random 32-byte master key.
// Returns the key as a 64-character hex string.
func GenerateMasterKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate master key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// DeriveKey derives a purpose-bound 32-byte key from a secret using HKDF-SHA256.
// The same secret and info always produce the same key, so every instance
// sharing the secret can verify the others' signatures.
func DeriveKey(secret []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}

	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
