// Package securestore provides namespaced key/value storage for the
// small set of records the device keeps: its credentials, the reinstall
// sentinel and the cached device settings. Backends are selected by
// location URI:
//
//   - file://<dir>  - local file system, encrypted at rest
//   - vault://<addr>/<mount>/<path> - HashiCorp Vault KV v2
//   - mem://        - in-memory, for tests
//
// Records are addressed by dotted namespace tags (for example
// "io.sidus.homecall.credentials"). A backend stores each record
// independently; there is no listing or iteration.
package securestore

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get when no record exists under the key.
	ErrNotFound = errors.New("record not found")

	// ErrCorrupt is returned by Get when a record exists but cannot be
	// read back intact (truncation, failed authentication, malformed
	// encoding). Callers are expected to wipe the record.
	ErrCorrupt = errors.New("record corrupt")

	// ErrStoreUnavailable is returned when a backend is not accessible.
	ErrStoreUnavailable = errors.New("secure store unavailable")
)

// Store is the narrow storage contract the rest of the agent depends on.
type Store interface {
	// Get returns the record stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores the record under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the record under key. Deleting an absent record is
	// not an error.
	Delete(ctx context.Context, key string) error
}
