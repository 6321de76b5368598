package keystore

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidusio/homecall/securestore"
)

func newTestKeyStore(t *testing.T) (*KeyStore, *securestore.MemoryStore, *securestore.MemoryStore) {
	t.Helper()
	secrets := securestore.NewMemoryStore()
	state := securestore.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(secrets, state, logger), secrets, state
}

func TestGenerateAndStore_RoundTrip(t *testing.T) {
	keys, _, _ := newTestKeyStore(t)
	ctx := context.Background()

	publicKeyPEM, err := keys.GenerateAndStore(ctx, "d1", "https://x/api", "aud1")
	require.NoError(t, err)

	// The returned public key must be a parseable SPKI PEM.
	block, _ := pem.Decode([]byte(publicKeyPEM))
	require.NotNil(t, block)
	assert.Equal(t, "PUBLIC KEY", block.Type)
	_, err = x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)

	credentials, err := keys.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d1", credentials.DeviceID)
	assert.Equal(t, "https://x/api", credentials.InstanceURL)
	assert.Equal(t, "aud1", credentials.Audience)

	key, err := credentials.RSAKey()
	require.NoError(t, err)
	assert.Equal(t, 2048, key.N.BitLen())
}

func TestGenerateAndStore_OverwritesPrior(t *testing.T) {
	keys, _, _ := newTestKeyStore(t)
	ctx := context.Background()

	_, err := keys.GenerateAndStore(ctx, "d1", "https://one/api", "aud1")
	require.NoError(t, err)
	_, err = keys.GenerateAndStore(ctx, "d2", "https://two/api", "aud2")
	require.NoError(t, err)

	credentials, err := keys.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "d2", credentials.DeviceID)
	assert.Equal(t, "https://two/api", credentials.InstanceURL)
}

func TestLoad_NotEnrolled(t *testing.T) {
	keys, _, _ := newTestKeyStore(t)

	_, err := keys.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotEnrolled)
	assert.False(t, keys.IsEnrolled(context.Background()))
}

func TestLoad_CorruptRecordClearsStore(t *testing.T) {
	keys, secrets, state := newTestKeyStore(t)
	ctx := context.Background()

	_, err := keys.GenerateAndStore(ctx, "d1", "https://x/api", "aud1")
	require.NoError(t, err)

	// Clobber the stored record with something that is valid JSON but
	// fails schema validation.
	require.NoError(t, secrets.Set(ctx, "io.sidus.homecall.credentials", []byte(`{"deviceId":""}`)))

	_, err = keys.Load(ctx)
	assert.ErrorIs(t, err, ErrNotEnrolled)

	// Both the record and the sentinel must be gone.
	_, err = secrets.Get(ctx, "io.sidus.homecall.credentials")
	assert.ErrorIs(t, err, securestore.ErrNotFound)
	_, err = state.Get(ctx, "io.sidus.homecall.hasCredentials")
	assert.ErrorIs(t, err, securestore.ErrNotFound)
}

func TestLoad_UnparseableRecordClearsStore(t *testing.T) {
	keys, secrets, _ := newTestKeyStore(t)
	ctx := context.Background()

	_, err := keys.GenerateAndStore(ctx, "d1", "https://x/api", "aud1")
	require.NoError(t, err)
	require.NoError(t, secrets.Set(ctx, "io.sidus.homecall.credentials", []byte("not json")))

	_, err = keys.Load(ctx)
	assert.ErrorIs(t, err, ErrNotEnrolled)
	assert.False(t, keys.IsEnrolled(ctx))
}

func TestLoad_UndecryptableRecordClearsStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	state := securestore.NewMemoryStore()

	secrets, err := securestore.NewFileStore(dir, []byte("first-passphrase"), logger)
	require.NoError(t, err)
	keys := New(secrets, state, logger)
	_, err = keys.GenerateAndStore(ctx, "d1", "https://x/api", "aud1")
	require.NoError(t, err)

	// Re-open the secret store under a different passphrase: the record
	// survives on disk but no longer decrypts. Load must wipe both the
	// record and the sentinel, not leave the half-state behind.
	reopened, err := securestore.NewFileStore(dir, []byte("second-passphrase"), logger)
	require.NoError(t, err)
	keys = New(reopened, state, logger)

	_, err = keys.Load(ctx)
	assert.ErrorIs(t, err, ErrNotEnrolled)

	_, err = state.Get(ctx, "io.sidus.homecall.hasCredentials")
	assert.ErrorIs(t, err, securestore.ErrNotFound)
	_, err = reopened.Get(ctx, "io.sidus.homecall.credentials")
	assert.ErrorIs(t, err, securestore.ErrNotFound)
}

func TestLoad_MissingSentinelWipesSurvivingKey(t *testing.T) {
	keys, secrets, state := newTestKeyStore(t)
	ctx := context.Background()

	_, err := keys.GenerateAndStore(ctx, "d1", "https://x/api", "aud1")
	require.NoError(t, err)

	// Simulate a reinstall: plain state is gone, secure store survived.
	require.NoError(t, state.Delete(ctx, "io.sidus.homecall.hasCredentials"))

	_, err = keys.Load(ctx)
	assert.ErrorIs(t, err, ErrNotEnrolled)

	// The surviving key material must have been wiped.
	_, err = secrets.Get(ctx, "io.sidus.homecall.credentials")
	assert.ErrorIs(t, err, securestore.ErrNotFound)
}

func TestClear_Idempotent(t *testing.T) {
	keys, _, _ := newTestKeyStore(t)
	ctx := context.Background()

	_, err := keys.GenerateAndStore(ctx, "d1", "https://x/api", "aud1")
	require.NoError(t, err)

	require.NoError(t, keys.Clear(ctx))
	require.NoError(t, keys.Clear(ctx))
	assert.False(t, keys.IsEnrolled(ctx))
}

func TestDecrypt_RoundTrip(t *testing.T) {
	keys, _, _ := newTestKeyStore(t)
	ctx := context.Background()

	publicKeyPEM, err := keys.GenerateAndStore(ctx, "d1", "https://x/api", "aud1")
	require.NoError(t, err)

	block, _ := pem.Decode([]byte(publicKeyPEM))
	require.NotNil(t, block)
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	require.NoError(t, err)
	publicKey := parsed.(*rsa.PublicKey)

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, publicKey, []byte("incoming call"), nil)
	require.NoError(t, err)

	plaintext, err := keys.Decrypt(ctx, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "incoming call", string(plaintext))
}

func TestDecrypt_NotEnrolled(t *testing.T) {
	keys, _, _ := newTestKeyStore(t)

	_, err := keys.Decrypt(context.Background(), []byte("ciphertext"))
	assert.ErrorIs(t, err, ErrNotEnrolled)
}
