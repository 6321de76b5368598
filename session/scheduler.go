// Package session keeps a valid bearer token and fresh settings
// available while the device is enrolled. The reactive renewal loops of
// the original UI are expressed as one explicit scheduler with a
// start/stop lifecycle tied to enrollment state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/sidusio/homecall/api"
	"github.com/sidusio/homecall/api/clients"
	"github.com/sidusio/homecall/keystore"
	"github.com/sidusio/homecall/settings"
	"github.com/sidusio/homecall/token"
)

// RenewInterval is the token renewal period. Well under the one-hour
// token lifetime, so a transient single-cycle failure cannot expire the
// session.
const RenewInterval = time.Minute

// ErrNoSession is returned when an authenticated call is requested while
// no token is available.
var ErrNoSession = errors.New("no active session token")

// Listener is notified after each successful renewal cycle with the
// fresh token and the current cached settings (nil when none are
// cached yet).
type Listener func(tok *token.Token, deviceSettings *api.DeviceSettings)

// Scheduler drives periodic token renewal and settings refresh.
type Scheduler struct {
	keys      *keystore.KeyStore
	minter    *token.Minter
	settings  *settings.Cache
	newClient func(instanceURL string) clients.DeviceClient
	log       *slog.Logger

	interval time.Duration
	running  atomic.Bool

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	current   *token.Token
	listeners []Listener
}

// NewScheduler creates a stopped scheduler. newClient may be nil, in
// which case the plain HTTP device client is used.
func NewScheduler(keys *keystore.KeyStore, minter *token.Minter, settingsCache *settings.Cache, newClient func(string) clients.DeviceClient, log *slog.Logger) *Scheduler {
	if newClient == nil {
		newClient = func(instanceURL string) clients.DeviceClient {
			return clients.NewHTTPDeviceClient(instanceURL)
		}
	}
	return &Scheduler{
		keys:      keys,
		minter:    minter,
		settings:  settingsCache,
		newClient: newClient,
		log:       log,
		interval:  RenewInterval,
	}
}

// OnRenew registers a listener for renewal results. Must be called
// before Start.
func (s *Scheduler) OnRenew(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// Start begins the renewal loop: one immediate renewal (fire-and-forget,
// the caller is not blocked on it) followed by periodic renewals every
// RenewInterval. Starting a running scheduler is a no-op.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		defer close(done)

		s.renew(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.renew(ctx)
			}
		}
	}()

	s.log.Info("session scheduler started")
}

// Stop cancels the renewal loop and discards the current token. It
// returns once the loop has exited: no orphaned timer keeps minting
// tokens for a cleared identity, and no stale identity remains exposed.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	s.teardown()

	if done != nil {
		<-done
	}
	s.log.Info("session scheduler stopped")
}

// teardown cancels the loop and discards the current token without
// waiting for the loop to exit, so the renewal goroutine can invoke it
// on itself when enrollment ends mid-flight.
func (s *Scheduler) teardown() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.done = nil
	s.current = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Current returns the live token, or nil when none is available (never
// enrolled, scheduler stopped, or first renewal still pending).
func (s *Scheduler) Current() *token.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// renew mints a fresh token and reloads the cached settings. Transient
// failures are logged and retried next cycle with the previous
// still-valid token in effect until its own expiry. Enrollment ending
// is not transient: the loop stops and the current token is discarded
// immediately, so a cleared identity is never served.
func (s *Scheduler) renew(ctx context.Context) {
	credentials, err := s.keys.Load(ctx)
	if err != nil {
		if errors.Is(err, keystore.ErrNotEnrolled) {
			s.log.Warn("device no longer enrolled, stopping session")
			s.teardown()
		} else {
			s.log.Error("renewal failed to load credentials", "err", err)
		}
		return
	}

	tok, err := s.minter.Mint(credentials)
	if err != nil {
		s.log.Error("token mint failed, keeping previous token", "err", err)
		return
	}

	deviceSettings, err := s.settings.Get(ctx)
	if err != nil && !errors.Is(err, settings.ErrNoSettings) {
		s.log.Error("failed to refresh device settings", "err", err)
	}

	s.mu.Lock()
	if !s.running.Load() {
		// Stop raced with this cycle; do not resurrect a token for a
		// torn-down session.
		s.mu.Unlock()
		return
	}
	s.current = tok
	listeners := make([]Listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	for _, listener := range listeners {
		listener(tok, deviceSettings)
	}

	s.log.Debug("session token renewed",
		slog.String("device_id", tok.DeviceID),
		slog.Time("expires_at", tok.ExpiresAt))
}

// SubmitNotificationToken pushes the push-messaging token to the
// instance, authenticated with the current bearer token. Transient
// failures are the caller's to retry on the next token refresh.
func (s *Scheduler) SubmitNotificationToken(ctx context.Context, notificationToken string) error {
	tok := s.Current()
	if tok == nil {
		return ErrNoSession
	}

	client := s.newClient(tok.InstanceURL)
	err := client.UpdateNotificationToken(ctx, tok.Raw, &api.UpdateNotificationTokenRequest{
		NotificationToken: notificationToken,
	})
	if err != nil {
		return fmt.Errorf("failed to submit notification token: %w", err)
	}

	s.log.Info("notification token submitted")
	return nil
}
