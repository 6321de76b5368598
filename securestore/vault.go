package securestore

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultStore implements Store backed by HashiCorp Vault's KV v2 engine.
// Intended for kiosk-style deployments where the device delegates secret
// storage to an operator-run Vault rather than local disk.
type VaultStore struct {
	client    *api.Client
	mountPath string
	dataPath  string
	log       *slog.Logger
}

// NewVaultStore creates a Vault-backed store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path prefix within the mount (e.g. "homecall/device-1")
//   - token: Vault token; when empty the client library's environment
//     configuration (VAULT_TOKEN et al) applies
//   - log: structured logger
func NewVaultStore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultStore{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}, nil
}

// Get implements Store.
func (s *VaultStore) Get(ctx context.Context, key string) ([]byte, error) {
	path := s.recordPath(key)

	secret, err := s.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		s.log.Error("failed to read from Vault",
			slog.String("path", path),
			"err", err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrNotFound
	}

	// KV v2 wraps the payload in a "data" envelope.
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: record %s has no data envelope", ErrCorrupt, key)
	}
	encoded, ok := data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: record %s has no value field", ErrCorrupt, key)
	}

	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: record %s is not valid base64: %v", ErrCorrupt, key, err)
	}
	return value, nil
}

// Set implements Store.
func (s *VaultStore) Set(ctx context.Context, key string, value []byte) error {
	path := s.recordPath(key)

	_, err := s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
		"data": map[string]interface{}{
			"value": base64.StdEncoding.EncodeToString(value),
		},
	})
	if err != nil {
		s.log.Error("failed to write to Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Delete implements Store. The record's version history is removed with
// the metadata endpoint so a cleared identity cannot be recovered.
func (s *VaultStore) Delete(ctx context.Context, key string) error {
	path := fmt.Sprintf("%s/metadata/%s/%s", s.mountPath, s.dataPath, key)

	_, err := s.client.Logical().DeleteWithContext(ctx, path)
	if err != nil {
		s.log.Error("failed to delete from Vault",
			slog.String("path", path),
			"err", err)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *VaultStore) recordPath(key string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.mountPath, s.dataPath, key)
}
