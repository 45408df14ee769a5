// Package main is the entry point for the quotagate admission daemon. It
// loads the policy file, wires the engine to its persistence and alert
// channels, and streams engine events to the log until terminated.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/j-veylop/quotagate/internal/alert"
	"github.com/j-veylop/quotagate/internal/config"
	"github.com/j-veylop/quotagate/internal/engine"
	"github.com/j-veylop/quotagate/internal/logger"
	"github.com/j-veylop/quotagate/internal/models"
	"github.com/j-veylop/quotagate/internal/policy"
	"github.com/j-veylop/quotagate/internal/store"
	"github.com/j-veylop/quotagate/internal/version"
)

func main() {
	// Handle version flag
	if len(os.Args) > 1 && (os.Args[1] == "-v" || os.Args[1] == "--version") {
		fmt.Println(version.Info())
		os.Exit(0)
	}

	// Handle help flag
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		printUsage()
		os.Exit(0)
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run contains the main application logic, separated for cleaner error handling.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// An invalid policy file is fatal at startup; later reloads that fail
	// validation keep the previous policy in effect.
	pol, err := policy.New(cfg.PolicyPath)
	if err != nil {
		return fmt.Errorf("failed to load policy: %w", err)
	}
	defer func() {
		if closeErr := pol.Close(); closeErr != nil {
			logger.Error("failed to close policy watcher", "error", closeErr)
		}
	}()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("failed to close database", "error", closeErr)
		}
	}()

	eng, err := engine.New(pol.Current(), engine.Options{
		Store:            db,
		DispatchInterval: cfg.DispatchInterval,
		SnapshotInterval: cfg.SnapshotInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}
	eng.SetAlertCooldown(cfg.AlertCooldown)

	eng.AddAlertChannel(alert.DashboardChannel{Sink: func(a alert.Alert) {
		logger.Info("alert", "provider", a.Provider, "level", a.Level.String(), "body", a.Body)
	}}, models.LevelNormal)
	eng.AddAlertChannel(alert.DesktopChannel{}, models.LevelWarning)
	if cfg.WebhookURL != "" {
		eng.AddAlertChannel(alert.WebhookChannel{URL: cfg.WebhookURL}, models.LevelCritical)
	}
	if cfg.EmailTo != "" {
		// The email channel needs a mail transport from an embedding host.
		logger.Warn("ALERT_EMAIL_TO is set but the daemon has no mail transport, ignoring")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start(ctx)
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			logger.Error("failed to close engine", "error", closeErr)
		}
	}()

	prune := time.NewTicker(time.Hour)
	defer prune.Stop()

	logger.Info("quotagate started",
		"policy", cfg.PolicyPath,
		"database", cfg.DatabasePath,
		"providers", len(pol.Current().Providers))

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil

		case ev := <-eng.Events():
			logEvent(ev)

		case pev := <-pol.Events():
			handlePolicyEvent(eng, pev)

		case <-prune.C:
			if err := db.PruneBefore(time.Now().Add(-cfg.Retention)); err != nil {
				logger.Error("failed to prune history", "error", err)
			}
		}
	}
}

// handlePolicyEvent applies reloaded alert configuration. Structural changes
// to the provider list need a restart.
func handlePolicyEvent(eng *engine.Engine, ev policy.Event) {
	switch ev.Type {
	case policy.EventPolicyLoaded:
		// Initial load is consumed at startup.

	case policy.EventPolicyChanged:
		logger.Info("policy reloaded", "providers", len(ev.Policy.Providers))
		for name, cfg := range ev.Policy.Alerts {
			if err := eng.SetAlertConfig(cfg); err != nil {
				logger.Warn("alert config not applied, restart to add providers",
					"provider", name, "error", err)
			}
		}

	case policy.EventError:
		logger.Error("policy reload failed, previous policy stays in effect", "error", ev.Error)
	}
}

func logEvent(ev engine.Event) {
	switch e := ev.(type) {
	case engine.RequestDispatchedEvent:
		logger.Debug("request dispatched",
			"id", e.Request.ID, "provider", e.Request.Provider, "attempt", e.Request.Attempt)
	case engine.RequestCompletedEvent:
		logger.Debug("request completed", "id", e.Request.ID, "outcome", e.Outcome.String())
	case engine.RequestFailedEvent:
		logger.Warn("request failed",
			"id", e.Request.ID, "provider", e.Request.Provider, "reason", e.Reason)
	case engine.ThresholdChangedEvent:
		logger.Info("threshold changed",
			"provider", e.Transition.Provider,
			"from", e.Transition.From.String(),
			"to", e.Transition.To.String(),
			"percent", fmt.Sprintf("%.1f", e.Transition.Percentage))
	case engine.RateLimitDetectedEvent:
		logger.Warn("rate limit detected",
			"provider", e.Event.Provider, "status", e.Event.HTTPStatus,
			"attempt", e.Event.Attempt, "retryAfter", e.Event.RetryAfter)
	case engine.RateLimitResolvedEvent:
		logger.Info("rate limit resolved", "provider", e.Event.Provider, "id", e.Event.ID)
	case engine.ConsumerPausedEvent:
		logger.Warn("consumer paused",
			"project", e.Record.ProjectID, "provider", e.Record.Provider, "trigger", e.Record.Trigger)
	case engine.ConsumerResumedEvent:
		logger.Info("consumer resumed",
			"project", e.Record.ProjectID, "provider", e.Record.Provider)
	case engine.AlertSentEvent:
		logger.Info("alert sent", "provider", e.Alert.Provider, "channels", e.Channels)
	case engine.ErrorEvent:
		logger.Error("engine error", "scope", e.Scope, "error", e.Error)
	}
}

// printUsage prints the command-line usage information.
func printUsage() {
	fmt.Println(`quotagate - rate limit and quota admission engine for LLM providers

Usage:
  quotagate [flags]

Flags:
  -h, --help      Show this help message
  -v, --version   Show version information

Environment Variables:
  DATABASE_PATH      SQLite database path
  POLICY_PATH        Policy JSON file path
  DISPATCH_INTERVAL  Queue re-scan interval (default: 250ms)
  SNAPSHOT_INTERVAL  Quota snapshot interval (default: 30s)
  ALERT_COOLDOWN     Duplicate alert suppression window (default: 60s)
  RETENTION          History retention period (default: 168h)
  ALERT_WEBHOOK_URL  Webhook endpoint for critical alerts

Configuration:
  The daemon looks for .env files in the following locations:
  - Current directory
  - ~/.config/quotagate/.env
  - ~/.quotagate/.env

The policy file is watched; edits apply without a restart. Changes to the
provider list itself require a restart.

For more information, visit: https://github.com/j-veylop/quotagate`)
}
