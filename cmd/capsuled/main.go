// capsuled runs the capsule runtime: it discovers capsule manifests
// under a module root, keeps the registry fresh, and serves executions
// through the orchestrator until interrupted.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/karen-labs/capsule-core/pkg/audit"
	"github.com/karen-labs/capsule-core/pkg/breaker"
	"github.com/karen-labs/capsule-core/pkg/config"
	"github.com/karen-labs/capsule-core/pkg/manifest"
	"github.com/karen-labs/capsule-core/pkg/observability"
	"github.com/karen-labs/capsule-core/pkg/orchestrator"
	"github.com/karen-labs/capsule-core/pkg/pipeline"
	"github.com/karen-labs/capsule-core/pkg/policy"
	"github.com/karen-labs/capsule-core/pkg/registry"
)

const rescanInterval = 30 * time.Second

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; no argument starts the daemon.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runDaemon(stderr)
	}

	switch args[1] {
	case "serve":
		return runDaemon(stderr)
	case "list":
		return runList(args[2:], stdout, stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: capsuled [command]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Run the capsule runtime (default)")
	fmt.Fprintln(w, "  list               Discover and print capsule manifests")
	fmt.Fprintln(w, "  validate <file>    Validate a single manifest document")
	fmt.Fprintln(w, "  help               Show this help")
}

func runDaemon(stderr io.Writer) int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	obsCfg := observability.DefaultConfig()
	obsCfg.Enabled = cfg.OTelEnabled
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	provider, err := observability.New(ctx, obsCfg)
	if err != nil {
		fmt.Fprintf(stderr, "observability init failed: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown", "error", err)
		}
	}()

	metrics, err := observability.NewMetrics(provider.Meter())
	if err != nil {
		fmt.Fprintf(stderr, "metrics init failed: %v\n", err)
		return 1
	}

	reg := registry.New(registry.WithObserver(metrics))
	if _, err := reg.Discover(cfg.CapsuleRoot); err != nil {
		logger.Error("initial discovery failed", "root", cfg.CapsuleRoot, "error", err)
		return 1
	}
	logDiscovery(logger, reg)

	gate, err := policy.NewGate()
	if err != nil {
		logger.Error("policy gate init failed", "error", err)
		return 1
	}
	signer := audit.NewSigner(audit.StaticSecret(cfg.AuditSecret))
	pipe := pipeline.New(gate, signer)

	orch := orchestrator.New(reg, pipe, orchestrator.Config{
		Breaker: breaker.Config{
			Threshold: cfg.BreakerThreshold,
			Cooldown:  cfg.BreakerCooldown,
		},
		RateLimit: rate.Limit(cfg.RateLimit),
		RateBurst: cfg.RateBurst,
	}, orchestrator.WithMetrics(metrics))

	logger.Info("capsule runtime started",
		"root", cfg.CapsuleRoot,
		"breaker_threshold", cfg.BreakerThreshold,
		"breaker_cooldown", cfg.BreakerCooldown.String(),
	)

	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return 0
		case <-ticker.C:
			if _, err := reg.Discover(cfg.CapsuleRoot); err != nil {
				logger.Warn("re-discovery failed", "error", err)
				continue
			}
			logDiscovery(logger, reg)
			for id, state := range orch.BreakerStates() {
				if state != breaker.StateClosed {
					logger.Warn("breaker not closed", "capsule_id", id, "state", state.String())
				}
			}
		}
	}
}

func runList(args []string, stdout, stderr io.Writer) int {
	root := config.Load().CapsuleRoot
	if len(args) > 0 {
		root = args[0]
	}

	reg := registry.New()
	if _, err := reg.Discover(root); err != nil {
		fmt.Fprintf(stderr, "discovery failed: %v\n", err)
		return 1
	}

	manifests := reg.Manifests()
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	for _, m := range manifests {
		fmt.Fprintf(stdout, "%-40s %-10s %-16s roles=%v\n", m.ID, m.Version, m.Type, m.RequiredRoles)
	}
	for id, err := range reg.LoadErrors() {
		fmt.Fprintf(stderr, "SKIPPED %s: %v\n", id, err)
	}
	return 0
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprintln(stderr, "Usage: capsuled validate <manifest-file>")
		return 2
	}
	m, err := manifest.ParseFile(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "INVALID: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "OK %s %s (%s)\n", m.ID, m.Version, m.Type)
	return 0
}

func logDiscovery(logger *slog.Logger, reg *registry.Registry) {
	loadErrs := reg.LoadErrors()
	logger.Info("discovery complete",
		"registered", len(reg.Manifests()),
		"failed", len(loadErrs),
	)
	for id, err := range loadErrs {
		logger.Warn("capsule skipped", "capsule_id", id, "error", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
