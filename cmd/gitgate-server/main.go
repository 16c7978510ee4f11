// The gitgate-server binary serves the identity and access API over the
// backend selected by GITGATE_STORE.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gitgate/gitgate"
	"github.com/gitgate/gitgate/server"
	"github.com/gitgate/gitgate/store"
	"github.com/joho/godotenv"
	"github.com/tyler-smith/go-bip39"
)

const shutdownTimeout = 10 * time.Second

func main() {
	godotenv.Load()
	logger := newLogger(os.Getenv("GITGATE_LOG_LEVEL"))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	settings, err := settingsFromEnv()
	if err != nil {
		return err
	}
	svc, closeSvc, err := buildService(ctx, settings)
	if err != nil {
		return err
	}
	defer closeSvc()
	logger.Info("using backing store", "store", svc.String())

	if err := bootstrapAdmin(ctx, svc, settings, logger); err != nil {
		return err
	}

	srv, err := server.New(svc, settings, logger)
	if err != nil {
		return err
	}
	addr := envDefault("GITGATE_ADDR", ":8080")

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(addr)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func settingsFromEnv() (gitgate.Settings, error) {
	settings := gitgate.DefaultSettings()
	settings.Path = os.Getenv("GITGATE_STORE_PATH")
	settings.Project = os.Getenv("GITGATE_DATASTORE_PROJECT")
	settings.Database = os.Getenv("GITGATE_DATASTORE_DATABASE")
	if v := os.Getenv("GITGATE_BCRYPT_COST"); v != "" {
		cost, err := strconv.Atoi(v)
		if err != nil {
			return settings, fmt.Errorf("parsing GITGATE_BCRYPT_COST: %w", err)
		}
		settings.BcryptCost = cost
	}
	return settings, nil
}

// buildService constructs the backend named by GITGATE_STORE. The returned
// func releases whatever the backend holds open.
func buildService(ctx context.Context, settings gitgate.Settings) (gitgate.Service, func(), error) {
	noop := func() {}
	switch storeType := os.Getenv("GITGATE_STORE"); storeType {
	case "", "memory":
		svc, err := store.NewMemoryService(settings)
		return svc, noop, err
	case "file":
		if settings.Path == "" {
			settings.Path = "gitgate.json"
		}
		svc, err := store.NewFileService(settings)
		return svc, noop, err
	case "bolt":
		if settings.Path == "" {
			settings.Path = "gitgate.db"
		}
		svc, err := store.NewBoltService(settings)
		if err != nil {
			return nil, noop, err
		}
		return svc, func() { svc.Close() }, nil
	case "directory":
		svc, err := store.NewDirectoryService(ctx, settings)
		if err != nil {
			return nil, noop, err
		}
		return svc, func() { svc.Close() }, nil
	default:
		return nil, noop, fmt.Errorf("unknown GITGATE_STORE %q", storeType)
	}
}

// bootstrapAdmin seeds an admin account when the store is empty, with a
// generated passphrase printed exactly once. Without it a fresh server would
// be unreachable: every administrative route needs an admin.
func bootstrapAdmin(ctx context.Context, svc gitgate.Service, settings gitgate.Settings, logger *slog.Logger) error {
	names, err := svc.Usernames(ctx)
	if err != nil {
		return fmt.Errorf("checking for existing accounts: %w", err)
	}
	if len(names) > 0 {
		return nil
	}

	passphrase, err := generatePassphrase()
	if err != nil {
		return fmt.Errorf("generating admin passphrase: %w", err)
	}
	cost, err := settings.Cost()
	if err != nil {
		return err
	}
	hash, err := gitgate.HashCredential(passphrase, cost)
	if err != nil {
		return err
	}
	if err := svc.UpdateUser(ctx, &gitgate.User{Username: "admin", Credential: hash, Admin: true}); err != nil {
		return fmt.Errorf("creating admin account: %w", err)
	}

	logger.Info("created initial admin account", "username", "admin")
	fmt.Printf("Initial admin account created.\n")
	fmt.Printf("  username: admin\n")
	fmt.Printf("  password: %s\n", passphrase)
	fmt.Printf("This password is shown only once. Change it or store it safely.\n")
	return nil
}

// generatePassphrase draws six wordlist words from fresh entropy.
func generatePassphrase() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", err
	}
	words := strings.Fields(mnemonic)
	return strings.Join(words[:6], "-"), nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
