// Package enrollment implements the one-time handshake that exchanges a
// shared secret and a freshly generated public key for a durable device
// identity. The exchange is atomic: either the device ends up fully
// enrolled with identity and settings committed, or it is left exactly
// as if enrollment never started.
package enrollment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sidusio/homecall/api"
	"github.com/sidusio/homecall/api/clients"
	"github.com/sidusio/homecall/keystore"
	"github.com/sidusio/homecall/settings"
)

var (
	// ErrInvalidPayload is returned for scanned payloads missing a
	// required field.
	ErrInvalidPayload = errors.New("invalid enrollment payload")

	// ErrEnrollmentRejected is returned when the instance refused the
	// key or secret. The identity has been left clean.
	ErrEnrollmentRejected = errors.New("enrollment rejected by instance")

	// ErrEnrollmentInProgress is returned when Enroll is invoked while a
	// previous call is still running. Invocation is single-flight; there
	// is no queueing.
	ErrEnrollmentInProgress = errors.New("enrollment already in progress")
)

// NotificationConfig is the optional push-messaging configuration block
// some instances embed in the scanned code. The agent does not interpret
// it; it is handed to the push transport as-is.
type NotificationConfig struct {
	Name          string `json:"name"`
	APIKey        string `json:"apiKey"`
	AppID         string `json:"appId"`
	SenderID      string `json:"messagingSenderId"`
	ProjectID     string `json:"projectId"`
	StorageBucket string `json:"storageBucket"`
	DatabaseURL   string `json:"databaseURL"`
}

// Payload is the structured enrollment input delivered out-of-band in a
// scanned code.
type Payload struct {
	DeviceID      string              `json:"deviceId"`
	EnrollmentKey string              `json:"enrollmentKey"`
	InstanceURL   string              `json:"instanceUrl"`
	Audience      string              `json:"audience"`
	Notifications *NotificationConfig `json:"firebaseConfig,omitempty"`
}

// ParsePayload decodes and validates a scanned enrollment payload. Any
// payload missing a required string field is rejected before use.
func ParsePayload(data []byte) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if payload.DeviceID == "" || payload.EnrollmentKey == "" ||
		payload.InstanceURL == "" || payload.Audience == "" {
		return nil, fmt.Errorf("%w: missing required field", ErrInvalidPayload)
	}
	return &payload, nil
}

// ClientFactory builds a device client for the instance URL named in the
// enrollment payload. Replaced in tests.
type ClientFactory func(instanceURL string) clients.DeviceClient

// Enroller runs the enrollment exchange. Single pass, no internal
// retries; retry policy belongs to the caller.
type Enroller struct {
	keys      *keystore.KeyStore
	settings  *settings.Cache
	newClient ClientFactory
	log       *slog.Logger

	mu      sync.Mutex
	running bool
}

// NewEnroller creates an Enroller. newClient may be nil, in which case
// the plain HTTP device client is used.
func NewEnroller(keys *keystore.KeyStore, settingsCache *settings.Cache, newClient ClientFactory, log *slog.Logger) *Enroller {
	if newClient == nil {
		newClient = func(instanceURL string) clients.DeviceClient {
			return clients.NewHTTPDeviceClient(instanceURL)
		}
	}
	return &Enroller{
		keys:      keys,
		settings:  settingsCache,
		newClient: newClient,
		log:       log,
	}
}

// Enroll performs the handshake: generate a keypair, submit the public
// key with the enrollment secret, and commit the returned settings. On
// any failure the keystore is cleared so no half-enrolled state
// survives.
func (e *Enroller) Enroll(ctx context.Context, payload *Payload) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrEnrollmentInProgress
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	publicKey, err := e.keys.GenerateAndStore(ctx, payload.DeviceID, payload.InstanceURL, payload.Audience)
	if err != nil {
		return fmt.Errorf("failed to set up credentials: %w", err)
	}

	err = e.submit(ctx, payload, publicKey)
	if err != nil {
		e.log.Warn("enrollment failed, clearing credentials", "err", err)
		if clearErr := e.keys.Clear(ctx); clearErr != nil {
			e.log.Error("failed to clear credentials after failed enrollment", "err", clearErr)
		}
		return err
	}

	e.log.Info("device enrolled",
		slog.String("device_id", payload.DeviceID),
		slog.String("instance_url", payload.InstanceURL))
	return nil
}

func (e *Enroller) submit(ctx context.Context, payload *Payload, publicKey string) error {
	client := e.newClient(payload.InstanceURL)

	resp, err := client.Enroll(ctx, &api.EnrollRequest{
		PublicKey:     publicKey,
		EnrollmentKey: payload.EnrollmentKey,
	})
	if err != nil {
		if errors.Is(err, clients.ErrRejected) {
			return fmt.Errorf("%w: %v", ErrEnrollmentRejected, err)
		}
		return fmt.Errorf("failed to submit enrollment: %w", err)
	}

	// Enrollment is identity plus settings or nothing; a well-formed
	// transport response without settings still fails the exchange.
	if resp.Settings == nil {
		return fmt.Errorf("%w: response carried no device settings", ErrEnrollmentRejected)
	}

	if err := e.settings.Put(ctx, resp.Settings); err != nil {
		return fmt.Errorf("failed to store device settings: %w", err)
	}
	return nil
}
