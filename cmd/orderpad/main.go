// Package main runs the offline-first sync core as a standalone daemon
// for a single POS device: it loads the persisted queue, starts the
// background scheduler and replays queued requests while online.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kyawswar/orderpad/internal/access"
	"github.com/kyawswar/orderpad/internal/audit"
	"github.com/kyawswar/orderpad/internal/config"
	"github.com/kyawswar/orderpad/internal/crypto"
	"github.com/kyawswar/orderpad/internal/httpexec"
	"github.com/kyawswar/orderpad/internal/logging"
	"github.com/kyawswar/orderpad/internal/service"
	"github.com/kyawswar/orderpad/internal/store"
	"github.com/kyawswar/orderpad/internal/sync/conflict"
	"github.com/kyawswar/orderpad/internal/sync/engine"
	"github.com/kyawswar/orderpad/internal/sync/queue"
	"github.com/kyawswar/orderpad/internal/sync/scheduler"
	"github.com/kyawswar/orderpad/internal/validate"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Init(os.Stderr, "info")
		logging.Error("failed to load configuration", err, nil)
		os.Exit(1)
	}

	logging.Init(os.Stdout, cfg.Logging.Level)
	logging.Info("orderpad sync core starting", map[string]interface{}{
		"version":  Version,
		"data_dir": cfg.DataDir,
	})

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logging.Error("failed to create data directory", err, nil)
		os.Exit(1)
	}

	kv, err := store.Open(cfg.DataDir)
	if err != nil {
		logging.Error("failed to open store", err, nil)
		os.Exit(1)
	}
	defer kv.Close()

	auditLog := audit.New(kv, cfg.Security.AuditLogCapacity, cfg.Security.EnableAuditLog)

	var provider *crypto.Provider
	if cfg.Security.EnableEncryption {
		keyring, err := crypto.NewFileKeyring(cfg.DataDir)
		if err != nil {
			logging.Error("failed to open keyring", err, nil)
			os.Exit(1)
		}
		provider, err = crypto.NewProvider(keyring)
		if err != nil {
			logging.Error("failed to initialize encryption", err, nil)
			os.Exit(1)
		}
	}

	sessions := access.NewTokenSessionProvider([]byte(cfg.Access.JWTSecret))
	if token := os.Getenv("AUTH_TOKEN"); token != "" {
		sessions.SetToken(token)
	}
	controller := access.NewController(sessions, auditLog, cfg.Access.CacheTTL, cfg.Access.SweepInterval)

	exec := httpexec.NewClient(cfg.HTTP.BaseURL, cfg.HTTP.Timeout, sessions)

	manager := queue.NewManager(kv, auditLog, queue.Config{
		Capacity:   cfg.Queue.MaxQueueSize,
		MaxAge:     cfg.MaxQueueAge(),
		MaxRetries: cfg.Retry.MaxRetries,
		RateLimit: queue.NewRateLimiter(cfg.RateLimit.Enabled,
			cfg.RateLimit.MaxRequestsPerMinute, cfg.RateLimit.MaxRequestsPerHour),
	})
	if _, err := manager.Load(); err != nil {
		logging.Error("failed to reload queue from store", err, nil)
		os.Exit(1)
	}

	resolver := conflict.NewResolver(conflict.NewHTTPVersionLookup(exec), kv, auditLog)

	eng := engine.New(manager, resolver, exec, controller, provider, auditLog, engine.Config{
		BatchSize: cfg.Queue.BatchSize,
		BaseDelay: cfg.Retry.RetryBaseDelay,
		MaxDelay:  cfg.Retry.RetryMaxDelay,
	})

	svc := service.New(validate.New(), controller, manager, eng, resolver, provider, auditLog, exec, service.Options{
		EnableEncryption:  cfg.Security.EnableEncryption,
		EnableCompression: cfg.Security.EnableCompression,
		MaxRetries:        cfg.Retry.MaxRetries,
		ConflictOverrides: cfg.Conflict.Overrides,
		SyncOnEnqueue:     true,
	})
	defer svc.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(eng, manager, scheduler.Config{
		SyncInterval:    cfg.Queue.SyncInterval,
		CleanupInterval: cfg.Queue.CleanupInterval,
	})
	sched.Start(ctx)

	// Assume connectivity at startup; the first failed pass flips the
	// engine offline via the caller's network observer.
	eng.SetOnline(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logging.Info("shutting down", map[string]interface{}{
		"signal": sig.String(),
	})

	cancel()
	sched.Stop()
}
