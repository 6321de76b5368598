// Package settings caches the instance-owned device configuration so it
// survives restarts and is available to the content bridge without a
// network round trip.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sidusio/homecall/api"
	"github.com/sidusio/homecall/securestore"
)

const settingsTag = "io.sidus.homecall.deviceSettings"

// ErrNoSettings is returned when no settings have been cached yet.
var ErrNoSettings = errors.New("no device settings stored")

// Cache persists the most recently received DeviceSettings.
type Cache struct {
	store securestore.Store
}

// NewCache creates a settings cache over the given state store.
func NewCache(store securestore.Store) *Cache {
	return &Cache{store: store}
}

// Put replaces the cached settings.
func (c *Cache) Put(ctx context.Context, settings *api.DeviceSettings) error {
	record, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to serialize device settings: %w", err)
	}
	if err := c.store.Set(ctx, settingsTag, record); err != nil {
		return fmt.Errorf("failed to store device settings: %w", err)
	}
	return nil
}

// Get returns the cached settings, or ErrNoSettings.
func (c *Cache) Get(ctx context.Context) (*api.DeviceSettings, error) {
	record, err := c.store.Get(ctx, settingsTag)
	if errors.Is(err, securestore.ErrNotFound) {
		return nil, ErrNoSettings
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read device settings: %w", err)
	}

	var settings api.DeviceSettings
	if err := json.Unmarshal(record, &settings); err != nil {
		return nil, fmt.Errorf("failed to parse device settings: %w", err)
	}
	return &settings, nil
}

// Clear removes the cached settings. Idempotent.
func (c *Cache) Clear(ctx context.Context) error {
	return c.store.Delete(ctx, settingsTag)
}
