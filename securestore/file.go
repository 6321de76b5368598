package securestore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/argon2"
)

const saltFile = ".salt"

// FileStore implements Store on the local file system with per-record
// encryption at rest. The encryption key is derived from a store
// passphrase with Argon2id; each record is sealed with AES-256-GCM under
// a fresh nonce. Files are written atomically (tmp + rename) with 0600
// permissions.
type FileStore struct {
	baseDir string
	aead    cipher.AEAD
	log     *slog.Logger
}

// NewFileStore opens (or initializes) an encrypted file store in baseDir.
// The Argon2id salt is generated on first use and persisted alongside the
// records; the passphrase must be stable across restarts or previously
// stored records become unreadable.
func NewFileStore(baseDir string, passphrase []byte, log *slog.Logger) (*FileStore, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("file store passphrase must not be empty")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	salt, err := loadOrCreateSalt(filepath.Join(baseDir, saltFile))
	if err != nil {
		return nil, err
	}

	// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
	key := argon2.IDKey(passphrase, salt, 1, 64*1024, 4, 32)

	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &FileStore{
		baseDir: baseDir,
		aead:    aead,
		log:     log,
	}, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != 16 {
			return nil, fmt.Errorf("store salt file %s is malformed", path)
		}
		return salt, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read store salt: %w", err)
	}

	salt = make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate store salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist store salt: %w", err)
	}
	return salt, nil
}

// Get implements Store. A record that exists but fails to decrypt is
// reported as ErrCorrupt wrapped with the cause.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.recordPath(key)
	if err != nil {
		return nil, err
	}

	sealed, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	nonceSize := s.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, fmt.Errorf("%w: record %s is truncated", ErrCorrupt, key)
	}

	plaintext, err := s.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: record %s failed authentication: %v", ErrCorrupt, key, err)
	}

	s.log.Debug("fetched record from file store",
		slog.String("key", key),
		slog.Int("size", len(plaintext)))
	return plaintext, nil
}

// Set implements Store.
func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	path, err := s.recordPath(key)
	if err != nil {
		return err
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	// The key doubles as additional data so a record cannot be renamed
	// into another namespace on disk.
	sealed := s.aead.Seal(nonce, nonce, value, []byte(key))

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit record: %w", err)
	}

	s.log.Debug("stored record in file store",
		slog.String("key", key),
		slog.Int("size", len(value)))
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	path, err := s.recordPath(key)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

func (s *FileStore) recordPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "/\\") || strings.HasPrefix(key, ".") {
		return "", fmt.Errorf("invalid record key: %q", key)
	}
	return filepath.Join(s.baseDir, key), nil
}
