// Package keystore owns the device identity: generation and durable
// storage of the device's RSA keypair together with the attributes the
// instance bound it to. A device holds at most one credentials record;
// the record exists iff the device is enrolled.
//
// The private key is kept in the secure (encrypted) store. A separate
// presence sentinel lives in the plain state store: some secure stores
// survive an app reinstall while plain state does not, so a missing
// sentinel with surviving key material indicates a reinstall and forces
// a clean re-enrollment.
package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sidusio/homecall/securestore"
)

const (
	credentialsTag = "io.sidus.homecall.credentials"
	sentinelTag    = "io.sidus.homecall.hasCredentials"

	keyBits = 2048
)

// ErrNotEnrolled is returned when no credentials record exists. It is
// the only failure mode Load exposes for absent, corrupted or
// reinstall-orphaned records; in the latter two cases the store has
// already been cleared by the time the error is returned.
var ErrNotEnrolled = errors.New("device is not enrolled")

// Credentials is the device identity record, written once at enrollment
// and read on every token mint.
type Credentials struct {
	DeviceID    string `json:"deviceId"`
	PrivateKey  string `json:"privateKey"` // PKCS#8 PEM, never leaves the device
	InstanceURL string `json:"instanceUrl"`
	Audience    string `json:"audience"`
}

func (c *Credentials) valid() bool {
	return c.DeviceID != "" && c.PrivateKey != "" && c.InstanceURL != "" && c.Audience != ""
}

// RSAKey parses the stored private key.
func (c *Credentials) RSAKey() (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(c.PrivateKey))
	if block == nil {
		return nil, errors.New("failed to decode private key PEM")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return key, nil
}

// KeyStore persists the credentials record and its presence sentinel.
type KeyStore struct {
	secrets securestore.Store
	state   securestore.Store
	log     *slog.Logger
}

// New creates a KeyStore over the given secure and plain state stores.
func New(secrets, state securestore.Store, log *slog.Logger) *KeyStore {
	return &KeyStore{
		secrets: secrets,
		state:   state,
		log:     log,
	}
}

// GenerateAndStore generates a fresh RSA-2048 keypair, persists the
// credentials record and returns the public key in PEM (SPKI) form for
// transmission to the instance. Any prior record is overwritten.
func (k *KeyStore) GenerateAndStore(ctx context.Context, deviceID, instanceURL, audience string) (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return "", fmt.Errorf("failed to generate keypair: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})

	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	credentials := Credentials{
		DeviceID:    deviceID,
		PrivateKey:  string(keyPEM),
		InstanceURL: instanceURL,
		Audience:    audience,
	}
	record, err := json.Marshal(credentials)
	if err != nil {
		return "", fmt.Errorf("failed to serialize credentials: %w", err)
	}

	if err := k.secrets.Set(ctx, credentialsTag, record); err != nil {
		return "", fmt.Errorf("failed to persist credentials: %w", err)
	}
	if err := k.state.Set(ctx, sentinelTag, []byte("true")); err != nil {
		// Roll back so the sentinel check cannot wipe a half-written
		// identity on the next load.
		_ = k.secrets.Delete(ctx, credentialsTag)
		return "", fmt.Errorf("failed to persist credentials sentinel: %w", err)
	}

	k.log.Info("generated device keypair", slog.String("device_id", deviceID))
	return string(pubPEM), nil
}

// Load returns the credentials record. Absent records, schema-invalid
// records and records orphaned by a reinstall are all normalized to
// ErrNotEnrolled; corruption and orphaning clear the store first so the
// device returns to a clean un-enrolled state.
func (k *KeyStore) Load(ctx context.Context) (*Credentials, error) {
	sentinel, err := k.state.Get(ctx, sentinelTag)
	if err != nil || string(sentinel) != "true" {
		if err != nil && !errors.Is(err, securestore.ErrNotFound) {
			return nil, fmt.Errorf("failed to read credentials sentinel: %w", err)
		}
		// Key material may have survived a reinstall; wipe it.
		if err := k.Clear(ctx); err != nil {
			return nil, err
		}
		return nil, ErrNotEnrolled
	}

	record, err := k.secrets.Get(ctx, credentialsTag)
	if errors.Is(err, securestore.ErrNotFound) {
		return nil, ErrNotEnrolled
	}
	if errors.Is(err, securestore.ErrCorrupt) {
		k.log.Warn("stored credentials are unreadable, clearing", "err", err)
		if err := k.Clear(ctx); err != nil {
			return nil, err
		}
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var credentials Credentials
	if err := json.Unmarshal(record, &credentials); err != nil || !credentials.valid() {
		k.log.Warn("stored credentials are corrupt, clearing", "err", err)
		if err := k.Clear(ctx); err != nil {
			return nil, err
		}
		return nil, ErrNotEnrolled
	}

	return &credentials, nil
}

// Clear deletes the credentials record and the sentinel. Idempotent.
func (k *KeyStore) Clear(ctx context.Context) error {
	if err := k.state.Delete(ctx, sentinelTag); err != nil {
		return fmt.Errorf("failed to delete credentials sentinel: %w", err)
	}
	if err := k.secrets.Delete(ctx, credentialsTag); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}

// IsEnrolled reports whether Load would succeed. It never returns an
// error; storage failures count as not enrolled.
func (k *KeyStore) IsEnrolled(ctx context.Context) bool {
	_, err := k.Load(ctx)
	return err == nil
}

// Decrypt decrypts push-message content that the instance encrypted to
// the device's public key (RSA-OAEP with SHA-256).
func (k *KeyStore) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	credentials, err := k.Load(ctx)
	if err != nil {
		return nil, err
	}
	key, err := credentials.RSAKey()
	if err != nil {
		return nil, err
	}

	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt content: %w", err)
	}
	return plaintext, nil
}
