package storage

import (
	"crypto/rand"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

const (
	saltFileName = "kb.salt"
	saltLength   = 16

	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32 // AES-256
)

// DeriveKey stretches password into a 32-byte AES key with Argon2id.
func DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// loadOrCreateSalt returns the salt stored in dataDir, generating and
// persisting a new one for a fresh database.
func loadOrCreateSalt(dataDir string) ([]byte, error) {
	path := filepath.Join(dataDir, saltFileName)
	salt, err := os.ReadFile(path)
	switch {
	case err == nil && len(salt) == saltLength:
		return salt, nil
	case err == nil:
		return nil, fmt.Errorf("encryption salt %s has %d bytes, expected %d", path, len(salt), saltLength)
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("failed to read encryption salt: %w", err)
	}

	salt = make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate encryption salt: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("failed to save encryption salt: %w", err)
	}
	log.Printf("[storage] generated new encryption salt in %s", dataDir)
	return salt, nil
}
