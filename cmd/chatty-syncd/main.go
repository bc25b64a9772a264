// Copyright 2026 The Chatty Authors
// SPDX-License-Identifier: Apache-2.0

// Chatty-syncd keeps every configured chat account connected to its
// homeserver: it restores persisted accounts, bootstraps their sessions
// (discovery, login, key publication), and runs the incremental sync
// loop per account until shutdown.
//
// Configuration comes from a YAML file (--config or $CHATTY_CONFIG) or
// falls back to built-in defaults rooted at --data-dir. SIGHUP signals
// restored network connectivity and makes every disconnected account
// retry immediately; SIGINT/SIGTERM shut down after flushing state.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/droidian/chatty-sub001/account"
	"github.com/droidian/chatty-sub001/e2ee"
	"github.com/droidian/chatty-sub001/keyring"
	"github.com/droidian/chatty-sub001/lib/config"
	"github.com/droidian/chatty-sub001/lib/ref"
	"github.com/droidian/chatty-sub001/lib/secret"
	"github.com/droidian/chatty-sub001/messaging"
	"github.com/droidian/chatty-sub001/service"
	"github.com/droidian/chatty-sub001/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		dataDir    string
		logLevel   string
	)
	pflag.StringVar(&configPath, "config", "", "configuration file (defaults to $"+config.EnvVar+")")
	pflag.StringVar(&dataDir, "data-dir", "", "state directory when no config file is given")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	cfg, err := loadConfig(configPath, dataDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Paths.Data, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	store, err := storage.Open(storage.Config{
		Path:     cfg.Paths.Database,
		PoolSize: cfg.Matrix.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	credentialStore, err := keyring.OpenFileStore(cfg.Paths.Keyring)
	if err != nil {
		return fmt.Errorf("opening keyring: %w", err)
	}
	defer credentialStore.Close()

	resolver, err := messaging.NewResolver(messaging.ResolverConfig{
		DefaultBaseURL: cfg.Matrix.DefaultHomeserver,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating resolver: %w", err)
	}

	svc, err := service.New(service.Config{
		Resolver: resolver,
		NewTransport: func(homeserverURL string) (account.Transport, error) {
			client, err := messaging.NewClient(messaging.ClientConfig{
				HomeserverURL: homeserverURL,
				Logger:        logger,
			})
			if err != nil {
				return nil, err
			}
			return client, nil
		},
		Keyring:     credentialStore,
		Store:       store,
		Encryption:  e2ee.NewLocalProvider(),
		Authorizer:  terminalAuthorizer{},
		Logger:      logger,
		Debounce:    cfg.Debounce(),
		SyncTimeout: time.Duration(cfg.Matrix.SyncTimeoutMS) * time.Millisecond,
		MaxBackoff:  cfg.MaxBackoff(),
		AutoLogin:   *cfg.Matrix.AutoLogin,
	})
	if err != nil {
		return fmt.Errorf("creating service: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Load(ctx); err != nil {
		return err
	}
	logger.Info("sync daemon running",
		"environment", cfg.Environment,
		"data", cfg.Paths.Data,
		"accounts", len(svc.Accounts()))

	// SIGHUP means the network is back; retry every disconnected
	// account immediately instead of waiting out its backoff.
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)
	go func() {
		for range hangup {
			svc.SetConnectivity(true)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	signal.Stop(hangup)
	close(hangup)
	svc.Shutdown()
	return nil
}

// loadConfig loads the YAML config when a path is given (flag or env
// var) and otherwise builds the default config rooted at the data
// directory.
func loadConfig(configPath, dataDir string) (*config.Config, error) {
	if configPath != "" || os.Getenv(config.EnvVar) != "" {
		return config.Load(configPath)
	}
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("no --config, --data-dir, or home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share", "chatty")
	}
	return config.Default(dataDir), nil
}

// terminalAuthorizer collects a replacement password on the controlling
// terminal when a stored password is rejected.
type terminalAuthorizer struct{}

func (terminalAuthorizer) RequestPassword(ctx context.Context, userID ref.UserID) (*secret.Buffer, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("password for %s rejected and no terminal to ask on", userID)
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", userID)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	defer secret.Zero(raw)
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty password for %s", userID)
	}
	return secret.NewFromBytes(raw)
}
