package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/sidusio/homecall/api"
	"github.com/sidusio/homecall/bridge"
	"github.com/sidusio/homecall/enrollment"
	"github.com/sidusio/homecall/httpserver"
	"github.com/sidusio/homecall/keystore"
	"github.com/sidusio/homecall/messaging"
	"github.com/sidusio/homecall/securestore"
	"github.com/sidusio/homecall/session"
	"github.com/sidusio/homecall/settings"
	"github.com/sidusio/homecall/token"
)

const appVersion = "0.3.0"

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:    "secrets-store-uri",
		Value:   "file:///var/lib/homecall/secrets",
		Usage:   "location of the secure store holding the device credentials",
		EnvVars: []string{"HOMECALL_SECRETS_STORE_URI"},
	},
	&cli.StringFlag{
		Name:    "state-store-uri",
		Value:   "file:///var/lib/homecall/state",
		Usage:   "location of the state store holding the reinstall sentinel and cached settings",
		EnvVars: []string{"HOMECALL_STATE_STORE_URI"},
	},
	&cli.StringFlag{
		Name:    "store-passphrase",
		Usage:   "passphrase for at-rest encryption of file-backed stores",
		EnvVars: []string{"HOMECALL_STORE_PASSPHRASE"},
	},
	&cli.StringFlag{
		Name:    "vault-token",
		Usage:   "token for vault-backed stores",
		EnvVars: []string{"HOMECALL_VAULT_TOKEN"},
	},
	&cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8480",
		Usage:   "address for the local status and surface API",
		EnvVars: []string{"HOMECALL_LISTEN_ADDR"},
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "homecall-agent",
		Usage: "Enroll this device with a homecall instance and keep its session alive",
		Flags: flags,
		Commands: []*cli.Command{
			{
				Name:      "enroll",
				Usage:     "enroll using a scanned payload file ('-' for stdin)",
				ArgsUsage: "<payload-file>",
				Action:    runEnroll,
			},
			{
				Name:   "run",
				Usage:  "run the agent: renew tokens, bridge events, serve the local API",
				Action: runAgent,
			},
			{
				Name:   "status",
				Usage:  "print enrollment status",
				Action: runStatus,
			},
			{
				Name:   "reset",
				Usage:  "clear the device identity and cached settings",
				Action: runReset,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func setupLogger(cCtx *cli.Context) *slog.Logger {
	level := slog.LevelInfo
	if cCtx.Bool("log-debug") {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cCtx.Bool("log-json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler).With("service", "homecall-agent", "version", appVersion)
}

type stores struct {
	keys          *keystore.KeyStore
	settingsCache *settings.Cache
}

func openStores(cCtx *cli.Context, logger *slog.Logger) (*stores, error) {
	factory := securestore.NewFactory(logger)
	factory.Passphrase = []byte(cCtx.String("store-passphrase"))
	factory.VaultToken = cCtx.String("vault-token")

	secretsStore, err := factory.StoreFor(cCtx.String("secrets-store-uri"))
	if err != nil {
		return nil, fmt.Errorf("failed to open secrets store: %w", err)
	}
	stateStore, err := factory.StoreFor(cCtx.String("state-store-uri"))
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	return &stores{
		keys:          keystore.New(secretsStore, stateStore, logger.With("component", "keystore")),
		settingsCache: settings.NewCache(stateStore),
	}, nil
}

func runEnroll(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)

	payloadPath := cCtx.Args().First()
	if payloadPath == "" {
		return errors.New("usage: homecall-agent enroll <payload-file>")
	}

	var payloadData []byte
	var err error
	if payloadPath == "-" {
		payloadData, err = io.ReadAll(os.Stdin)
	} else {
		payloadData, err = os.ReadFile(payloadPath)
	}
	if err != nil {
		return fmt.Errorf("failed to read enrollment payload: %w", err)
	}

	payload, err := enrollment.ParsePayload(payloadData)
	if err != nil {
		return err
	}

	st, err := openStores(cCtx, logger)
	if err != nil {
		return err
	}

	enroller := enrollment.NewEnroller(st.keys, st.settingsCache, nil, logger.With("component", "enrollment"))

	ctx, cancel := context.WithTimeout(cCtx.Context, 60*time.Second)
	defer cancel()

	if err := enroller.Enroll(ctx, payload); err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	fmt.Printf("enrolled as device %s with %s\n", payload.DeviceID, payload.InstanceURL)
	return nil
}

func runStatus(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)

	st, err := openStores(cCtx, logger)
	if err != nil {
		return err
	}

	credentials, err := st.keys.Load(cCtx.Context)
	if errors.Is(err, keystore.ErrNotEnrolled) {
		fmt.Println("not enrolled")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Printf("enrolled as device %s with %s\n", credentials.DeviceID, credentials.InstanceURL)
	return nil
}

func runReset(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)

	st, err := openStores(cCtx, logger)
	if err != nil {
		return err
	}

	if err := st.keys.Clear(cCtx.Context); err != nil {
		return err
	}
	if err := st.settingsCache.Clear(cCtx.Context); err != nil {
		return err
	}

	fmt.Println("device identity cleared")
	return nil
}

func runAgent(cCtx *cli.Context) error {
	logger := setupLogger(cCtx)

	st, err := openStores(cCtx, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cCtx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Bridge and its script transport
	scriptFeed := httpserver.NewScriptFeed(logger.With("component", "scripts"))
	surface := bridge.NewScriptSurface(scriptFeed.Inject)
	contentBridge := bridge.New(surface, logger.With("component", "bridge"))

	// Session scheduler
	minter := &token.Minter{}
	scheduler := session.NewScheduler(st.keys, minter, st.settingsCache, nil, logger.With("component", "session"))
	scheduler.OnRenew(func(tok *token.Token, deviceSettings *api.DeviceSettings) {
		if err := contentBridge.InjectIdentity(tok.Raw, tok.DeviceID); err != nil {
			logger.Error("failed to inject identity", "err", err)
		}
	})

	// Event broker
	broker, err := messaging.NewBroker(logger.With("component", "messaging"))
	if err != nil {
		return fmt.Errorf("failed to create broker: %w", err)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Error("failed to close broker", "err", err)
		}
	}()

	// Local HTTP API
	server, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String("listen-addr"),
		EnablePprof:              cCtx.Bool("pprof"),
		Log:                      logger.With("component", "httpserver"),
		DrainDuration:            time.Duration(cCtx.Int64("drain-seconds")) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
	}, httpserver.NewHandler(
		st.keys,
		scheduler,
		contentBridge,
		scriptFeed,
		logger.With("component", "handler"),
	))
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	if st.keys.IsEnrolled(ctx) {
		scheduler.Start()
		defer scheduler.Stop()
	} else {
		logger.Warn("device is not enrolled; run 'homecall-agent enroll' first")
	}

	// The surface host reads the context object when it connects to the
	// script stream; queue it up front.
	if err := contentBridge.InjectContext(bridge.AppContext{
		DeviceID:   currentDeviceID(ctx, st.keys),
		AppVersion: appVersion,
		Platform:   runtime.GOOS,
		SessionID:  uuid.New().String(),
	}); err != nil {
		logger.Error("failed to inject app context", "err", err)
	}

	server.RunInBackground()
	defer server.Shutdown()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		err := broker.Run(ctx)
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		err := contentBridge.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	eg.Go(func() error {
		<-broker.Started()
		err := broker.SubscribeEvents(ctx, func(event bridge.SessionEvent) error {
			relayDecrypted(ctx, st.keys, contentBridge, event, logger)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			return err
		}
		return nil
	})

	logger.Info("agent running")
	if err := eg.Wait(); err != nil {
		return fmt.Errorf("agent exited: %w", err)
	}
	return nil
}

// relayDecrypted decrypts an encryptedContent field in the event payload
// with the device key, then hands the event to the bridge. Events that
// are not encrypted pass through unchanged; undecryptable events are
// dropped rather than surfacing ciphertext to the rendering surface.
func relayDecrypted(ctx context.Context, keys *keystore.KeyStore, contentBridge *bridge.Bridge, event bridge.SessionEvent, logger *slog.Logger) {
	var envelope map[string]any
	if err := json.Unmarshal([]byte(event.Payload), &envelope); err == nil {
		if encoded, ok := envelope["encryptedContent"].(string); ok && encoded != "" {
			ciphertext, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				logger.Warn("event carried malformed encrypted content, dropping", "err", err)
				return
			}
			plaintext, err := keys.Decrypt(ctx, ciphertext)
			if err != nil {
				logger.Warn("failed to decrypt event content, dropping", "err", err)
				return
			}
			envelope["encryptedContent"] = string(plaintext)
			rewrapped, err := json.Marshal(envelope)
			if err != nil {
				logger.Warn("failed to re-encode event payload, dropping", "err", err)
				return
			}
			event.Payload = string(rewrapped)
		}
	}

	if err := contentBridge.RelayEvent(event); err != nil {
		logger.Error("failed to relay session event", "err", err)
	}
}

func currentDeviceID(ctx context.Context, keys *keystore.KeyStore) string {
	credentials, err := keys.Load(ctx)
	if err != nil {
		return ""
	}
	return credentials.DeviceID
}
