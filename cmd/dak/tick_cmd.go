package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/vaos-labs/dak/pkg/runtime"
)

// runTickCmd implements `dak tick`: a single tick against one stream.
//
// Exit codes:
//
//	0 = tick ran (any outcome, including no-ops)
//	1 = tick failed hard
//	2 = usage or runtime error
func runTickCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("tick", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id     string
		tickID string
	)
	cmd.StringVar(&id, "id", "", "Stream id (REQUIRED)")
	cmd.StringVar(&tickID, "tick-id", "", "Idempotency key (default: random)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}
	if tickID == "" {
		tickID = uuid.NewString()
	}

	ctx := context.Background()
	rt, _, err := buildRuntime(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Store.Close() }()

	res, err := rt.RunTick(ctx, id, tickID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: tick: %v\n", err)
		return 1
	}

	data, _ := json.MarshalIndent(res, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

// runWorkerCmd implements `dak run`: poll due streams until SIGINT or
// SIGTERM.
func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, cfg, err := buildRuntime(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Store.Close() }()

	worker := runtime.NewWorker(rt, runtime.WorkerOptions{
		PollInterval: cfg.PollInterval,
		BatchLimit:   cfg.BatchLimit,
	})

	_, _ = fmt.Fprintf(stdout, "Worker %s polling every %s (batch %d)\n",
		rt.Engine.WorkerID(), cfg.PollInterval, cfg.BatchLimit)

	if err := worker.Run(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: worker: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "Worker stopped")
	return 0
}
