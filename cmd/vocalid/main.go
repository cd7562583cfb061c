// Command vocalid is the speaker identity server: it extracts voiceprints
// for diarized segments, proposes identities, clusters unknown voices and
// serves the human correction API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/vocalid/internal/app"
	"github.com/MrWong99/vocalid/internal/config"
	"github.com/MrWong99/vocalid/internal/observe"
	"github.com/MrWong99/vocalid/internal/reconcile"
	"github.com/MrWong99/vocalid/internal/resilience"
)

// version is stamped at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watch := flag.Bool("watch", false, "reload the config file on change (log level applies live)")
	reconcileRun := flag.String("reconcile", "", "run one reconciliation pass over this run ID, print the report and exit")
	dryRun := flag.Bool("dry-run", false, "with -reconcile: report what the pass would do without writing")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocalid: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocalid: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	slog.Info("vocalid starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "vocalid",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Embedding model ───────────────────────────────────────────────────────
	model, err := config.NewRegistry().CreateModel(cfg.Model)
	if err != nil {
		slog.Error("failed to create embedding model", "kind", cfg.Model.Kind, "err", err)
		return 1
	}
	if cfg.Model.Kind == "http" {
		// The embedding server is a remote dependency; a circuit breaker keeps
		// a dead backend from stalling every confirmation request.
		model = resilience.NewModelFallback(model, cfg.Model.Kind, resilience.FallbackConfig{})
	}

	// ── Config watcher (optional) ─────────────────────────────────────────────
	if *watch {
		watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
			diff := config.Diff(old, new)
			if diff.LogLevelChanged {
				level.Set(slogLevel(diff.NewLogLevel))
				slog.Info("log level changed", "log_level", diff.NewLogLevel)
			}
			if diff.IdentifyChanged || diff.ClusterChanged || diff.ReconcileChanged {
				slog.Warn("identify/cluster/reconcile settings changed on disk; restart to apply")
			}
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		defer watcher.Stop()
		slog.Info("config watcher running", "path", *configPath)
	}

	application, err := app.New(ctx, cfg, model)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── One-shot reconcile mode ───────────────────────────────────────────────
	if *reconcileRun != "" {
		code := runReconcile(ctx, application, cfg, *reconcileRun, *dryRun)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := application.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
			return 1
		}
		return code
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── One-shot reconcile ────────────────────────────────────────────────────────

// runReconcile performs a single reconciliation pass and prints the report.
// A pass that exceeds the failure rate budget exits non-zero so cron jobs
// and CI notice.
func runReconcile(ctx context.Context, application *app.App, cfg *config.Config, runID string, dryRun bool) int {
	report, err := application.Reconcile(ctx, runID, reconcile.Options{
		Limit:          cfg.Reconcile.Limit,
		OnlyAssigned:   cfg.Reconcile.OnlyAssigned,
		Repair:         cfg.Reconcile.Repair,
		DryRun:         dryRun,
		MaxFailureRate: cfg.Reconcile.MaxFailureRate,
	})
	if err != nil && !errors.Is(err, reconcile.ErrPartialFailure) {
		slog.Error("reconcile failed", "run_id", runID, "err", err)
		return 1
	}

	mode := "reconcile"
	if dryRun {
		mode = "reconcile (dry run)"
	}
	fmt.Printf("%s %s: processed=%d extracted=%d repaired=%d skipped=%d failed=%d\n",
		mode, runID, report.Processed, report.Extracted, report.Repaired, report.Skipped, report.Failed)
	for _, f := range report.Failures {
		fmt.Printf("  %s: %v\n", f.SegmentID, f.Err)
	}
	if err != nil {
		slog.Error("reconcile exceeded failure budget", "run_id", runID, "failed", report.Failed)
		return 1
	}
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         vocalid — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Model", cfg.Model.Kind+" / "+fmt.Sprintf("%dd", cfg.Model.Dimensions))
	if cfg.Store.PostgresDSN != "" {
		printRow("Store", "postgres")
	} else {
		printRow("Store", "in-memory")
	}
	printRow("Identify", fmt.Sprintf("%s ≥ %.2f", cfg.Identify.Scope, cfg.Identify.Threshold))
	printRow("Cluster", fmt.Sprintf("size %d, dist %.2f", cfg.Cluster.MinClusterSize, cfg.Cluster.MaxIntraDistance))
	printRow("Media bases", fmt.Sprintf("%d", len(cfg.Media.SearchBases)))
	if cfg.Server.TLS != nil {
		printRow("TLS", "enabled")
	} else {
		printRow("TLS", "(disabled)")
	}
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(kind, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
