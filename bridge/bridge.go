// Package bridge delivers identity and session state into the embedded
// rendering surface. The surface is remotely-sourced content and is
// treated as untrusted: the bridge only ever pushes data through a
// narrow write/dispatch interface and accepts nothing back except
// diagnostic log messages, which are logged and never interpreted.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// tokenStorageKey is the surface-local storage key page scripts read
	// the bearer token from.
	tokenStorageKey = "homecallDeviceToken"

	// contextStorageKey holds the read-only host-app context object.
	contextStorageKey = "homecallAppData"

	// eventStaleness is the age at which a session event is considered
	// stale signaling data. Events strictly older are dropped; an event
	// aged exactly eventStaleness is still dispatched.
	eventStaleness = 20 * time.Second

	// reloadCheckInterval is how often Run evaluates the reload policy.
	reloadCheckInterval = 30 * time.Minute

	// reloadMinInterval is the minimum time between surface reloads.
	reloadMinInterval = 6 * time.Hour

	// The maintenance window: reloads happen only while the local hour
	// is within [windowStartHour, windowEndHour].
	windowStartHour = 1
	windowEndHour   = 4
)

// Surface is the device's only handle on the rendering surface. The
// interface is deliberately narrow: values and events go in, nothing
// comes back. Granting the surface a call-back-in capability would
// break the trust boundary.
type Surface interface {
	// Write stores a value in the surface's local storage.
	Write(key, value string) error

	// DispatchEvent dispatches a named event carrying payload into the
	// surface's event system.
	DispatchEvent(name, payload string) error

	// Reload reloads the surface content.
	Reload() error
}

// SessionEvent is a tagged, timestamped unit of asynchronous information
// delivered from the push channel, e.g. an inbound call signal.
type SessionEvent struct {
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// AppContext describes the host app to the surface. Injected once per
// surface instance, read-only from the surface's point of view.
type AppContext struct {
	DeviceID   string `json:"deviceId"`
	AppVersion string `json:"appVersion"`
	Platform   string `json:"platform"`
	SessionID  string `json:"sessionId"`
}

// Bridge pushes identity, context and events into a Surface and applies
// the bounded-reload policy for long-lived embedded sessions.
type Bridge struct {
	surface Surface
	log     *slog.Logger

	// now is the clock used for staleness and reload decisions.
	now func() time.Time

	mu          sync.Mutex
	lastReload  time.Time
	lastToken   string
	lastContext string
}

// New creates a Bridge over the given surface. The reload clock starts
// at construction time, so a freshly created bridge will not reload the
// surface before reloadMinInterval has passed.
func New(surface Surface, log *slog.Logger) *Bridge {
	return newWithClock(surface, log, time.Now)
}

func newWithClock(surface Surface, log *slog.Logger, now func() time.Time) *Bridge {
	return &Bridge{
		surface:    surface,
		log:        log,
		now:        now,
		lastReload: now(),
	}
}

// InjectIdentity writes the current bearer token into the surface's
// local storage. Re-invoked whenever the token or the surface instance
// changes.
func (b *Bridge) InjectIdentity(token, deviceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.surface.Write(tokenStorageKey, token); err != nil {
		return fmt.Errorf("failed to inject token: %w", err)
	}
	b.lastToken = token
	b.log.Debug("injected bearer token", slog.String("device_id", deviceID))
	return nil
}

// InjectContext writes the host-app context object into the surface.
// Invoked once per surface instance on first successful load.
func (b *Bridge) InjectContext(appContext AppContext) error {
	encoded, err := json.Marshal(appContext)
	if err != nil {
		return fmt.Errorf("failed to encode app context: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.surface.Write(contextStorageKey, string(encoded)); err != nil {
		return fmt.Errorf("failed to inject app context: %w", err)
	}
	b.lastContext = string(encoded)
	return nil
}

// RelayEvent dispatches the event into the surface unless it is stale.
// A stale inbound-call signal must not be replayed after the surface
// reloads, so events strictly older than eventStaleness are dropped
// silently.
func (b *Bridge) RelayEvent(event SessionEvent) error {
	age := b.now().Sub(event.Timestamp)
	if age > eventStaleness {
		b.log.Debug("dropping stale session event",
			slog.String("kind", event.Kind),
			slog.Duration("age", age))
		return nil
	}

	if err := b.surface.DispatchEvent(event.Kind, event.Payload); err != nil {
		return fmt.Errorf("failed to dispatch event: %w", err)
	}
	b.log.Debug("relayed session event", slog.String("kind", event.Kind))
	return nil
}

// SurfaceLog records a diagnostic message posted out of the surface.
// Messages are logged verbatim and never interpreted as commands; this
// is the only channel back out of the surface.
func (b *Bridge) SurfaceLog(message string) {
	b.log.Info("surface log", slog.String("message", message))
}

// ScheduledReload reloads the surface iff more than reloadMinInterval
// has passed since the last reload and the local hour is inside the
// maintenance window. Bounds resource growth of a long-lived embedded
// session without disrupting active use.
func (b *Bridge) ScheduledReload() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if now.Sub(b.lastReload) < reloadMinInterval {
		return nil
	}
	hour := now.Hour()
	if hour < windowStartHour || hour > windowEndHour {
		return nil
	}

	if err := b.surface.Reload(); err != nil {
		return fmt.Errorf("failed to reload surface: %w", err)
	}
	b.lastReload = now

	// The reloaded content starts from scratch; restore the injected
	// state it depends on.
	if b.lastContext != "" {
		if err := b.surface.Write(contextStorageKey, b.lastContext); err != nil {
			b.log.Error("failed to re-inject app context after reload", "err", err)
		}
	}
	if b.lastToken != "" {
		if err := b.surface.Write(tokenStorageKey, b.lastToken); err != nil {
			b.log.Error("failed to re-inject token after reload", "err", err)
		}
	}

	b.log.Info("reloaded rendering surface")
	return nil
}

// Run evaluates the reload policy every reloadCheckInterval until ctx is
// cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(reloadCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := b.ScheduledReload(); err != nil {
				b.log.Error("scheduled surface reload failed", "err", err)
			}
		}
	}
}
