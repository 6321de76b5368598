package securestore

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
)

// Factory creates stores from location URIs.
type Factory struct {
	log *slog.Logger

	// Passphrase seeds the at-rest encryption of file-backed stores.
	Passphrase []byte

	// VaultToken authenticates vault-backed stores. Optional; the Vault
	// client's environment configuration applies when empty.
	VaultToken string
}

// NewFactory creates a factory instance that can create storage backends.
func NewFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// StoreFor creates a store from a location URI.
//
// Supported schemes:
//   - file:///var/lib/homecall - encrypted local file system storage
//   - vault://vault.example.com:8200/secret/homecall - Vault KV v2
//   - mem:// - in-memory storage
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *Factory) StoreFor(locationURI string) (Store, error) {
	u, err := url.Parse(locationURI)
	if err != nil {
		return nil, fmt.Errorf("invalid store location URI: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "file":
		return f.createFileStore(u)
	case "vault":
		return f.createVaultStore(u)
	case "mem":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported store scheme: %s", u.Scheme)
	}
}

func (f *Factory) createFileStore(u *url.URL) (Store, error) {
	dir := u.Path
	if u.Host != "" {
		// Tolerate file://relative/dir by joining host and path.
		dir = u.Host + u.Path
	}
	if dir == "" {
		return nil, fmt.Errorf("file store URI is missing a directory")
	}
	return NewFileStore(dir, f.Passphrase, f.log.With("store", "file"))
}

func (f *Factory) createVaultStore(u *url.URL) (Store, error) {
	parts := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return nil, fmt.Errorf("vault store URI must be vault://addr/mount/path, got %s", u)
	}

	scheme := "https"
	if u.Query().Get("insecure") == "true" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	return NewVaultStore(address, parts[0], parts[1], f.VaultToken, f.log.With("store", "vault"))
}
