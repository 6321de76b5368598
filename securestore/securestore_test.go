package securestore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFileStore_RoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), []byte("test-passphrase"), testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	err = store.Set(ctx, "io.sidus.homecall.credentials", []byte(`{"deviceId":"d1"}`))
	require.NoError(t, err)

	value, err := store.Get(ctx, "io.sidus.homecall.credentials")
	require.NoError(t, err)
	assert.Equal(t, `{"deviceId":"d1"}`, string(value))
}

func TestFileStore_GetMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), []byte("test-passphrase"), testLogger())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "io.sidus.homecall.credentials")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_Overwrite(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), []byte("test-passphrase"), testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "record", []byte("first")))
	require.NoError(t, store.Set(ctx, "record", []byte("second")))

	value, err := store.Get(ctx, "record")
	require.NoError(t, err)
	assert.Equal(t, "second", string(value))
}

func TestFileStore_DeleteIdempotent(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), []byte("test-passphrase"), testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "record", []byte("value")))
	require.NoError(t, store.Delete(ctx, "record"))
	require.NoError(t, store.Delete(ctx, "record"))

	_, err = store.Get(ctx, "record")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStore_WrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir, []byte("correct-passphrase"), testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "record", []byte("value")))

	// Re-open with a different passphrase; the record must fail
	// authentication and surface as corrupt, not as absent or as
	// plaintext.
	reopened, err := NewFileStore(dir, []byte("wrong-passphrase"), testLogger())
	require.NoError(t, err)

	_, err = reopened.Get(ctx, "record")
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestFileStore_TruncatedRecord(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir, []byte("test-passphrase"), testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "record", []byte("value")))

	// Clobber the sealed file with fewer bytes than a nonce.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "record"), []byte{1, 2, 3}, 0600))

	_, err = store.Get(ctx, "record")
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFileStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := NewFileStore(dir, []byte("test-passphrase"), testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "record", []byte("value")))

	reopened, err := NewFileStore(dir, []byte("test-passphrase"), testLogger())
	require.NoError(t, err)

	value, err := reopened.Get(ctx, "record")
	require.NoError(t, err)
	assert.Equal(t, "value", string(value))
}

func TestFileStore_RejectsBadKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), []byte("test-passphrase"), testLogger())
	require.NoError(t, err)

	ctx := context.Background()
	for _, key := range []string{"", "../escape", "a/b", ".hidden"} {
		assert.Error(t, store.Set(ctx, key, []byte("value")), "key %q", key)
	}
}

func TestFileStore_EmptyPassphrase(t *testing.T) {
	_, err := NewFileStore(t.TempDir(), nil, testLogger())
	assert.Error(t, err)
}

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "record", []byte("value")))

	value, err := store.Get(ctx, "record")
	require.NoError(t, err)
	assert.Equal(t, "value", string(value))

	require.NoError(t, store.Delete(ctx, "record"))
	_, err = store.Get(ctx, "record")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFactory_Schemes(t *testing.T) {
	factory := NewFactory(testLogger())
	factory.Passphrase = []byte("test-passphrase")

	store, err := factory.StoreFor("mem://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = factory.StoreFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = factory.StoreFor("s3://bucket/path")
	assert.Error(t, err)

	_, err = factory.StoreFor("vault://vault.example.com:8200/onlymount")
	assert.Error(t, err)

	store, err = factory.StoreFor("vault://vault.example.com:8200/secret/homecall")
	require.NoError(t, err)
	assert.IsType(t, &VaultStore{}, store)
}
