// Command dak operates the autonomy kernel: create streams, run single
// ticks, poll as a worker, inspect streams, and build or verify
// determinism receipts.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/vaos-labs/dak/pkg/config"
	"github.com/vaos-labs/dak/pkg/runtime"
	"github.com/vaos-labs/dak/pkg/store"

	_ "github.com/lib/pq" // Postgres driver
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "create":
		return runCreateCmd(args[2:], stdout, stderr)
	case "tick":
		return runTickCmd(args[2:], stdout, stderr)
	case "run", "worker":
		return runWorkerCmd(args[2:], stdout, stderr)
	case "inspect":
		return runInspectCmd(args[2:], stdout, stderr)
	case "receipt":
		return runReceiptCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: dak <command> [flags]

Commands:
  create    Create a new autonomy stream
  tick      Run a single tick against one stream
  run       Poll and tick due streams until interrupted
  inspect   Print a stream's status, recent events and snapshot
  receipt   Run a tick and emit a determinism receipt
  verify    Verify a determinism receipt against store state`)
}

// setupLogging installs a JSON slog handler at the configured level.
func setupLogging(cfg *config.Config, stderr io.Writer) {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level})))
}

// openStore builds the configured store backend.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.NewMemoryStore(), nil
	case config.BackendSQLite:
		return store.OpenSQLite(ctx, cfg.DatabaseURL)
	case config.BackendPG:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		st := store.NewSQLStore(db)
		if err := st.Init(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return st, nil
	case config.BackendRedis:
		return store.OpenRedis(ctx, cfg.RedisAddr, os.Getenv("DAK_REDIS_PASSWORD"), cfg.RedisDB)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

// buildRuntime loads config, opens the store and wires a runtime. The
// caller must Close the returned store.
func buildRuntime(ctx context.Context, stderr io.Writer) (*runtime.Runtime, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	setupLogging(cfg, stderr)

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	rt, err := runtime.New(runtime.Options{
		Store:            st,
		WorkerID:         cfg.WorkerID,
		LeaseTTL:         cfg.LeaseTTL,
		TickBudget:       cfg.TickBudget,
		TickDelay:        cfg.TickDelay,
		SnapshotInterval: cfg.SnapshotInterval,
		MaxRetries:       cfg.MaxRetries,
		Transition:       phaseTransition,
		SigningSecret:    cfg.SigningSecret,
	})
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return rt, cfg, nil
}
