package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/vaos-labs/dak/pkg/contracts"
)

// runCreateCmd implements `dak create`.
func runCreateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("create", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id           string
		workflowType string
		ownerID      string
		stateJSON    string
		maxRetries   int
	)
	cmd.StringVar(&id, "id", "", "Stream id (REQUIRED)")
	cmd.StringVar(&workflowType, "workflow", "factory", "Workflow type")
	cmd.StringVar(&ownerID, "owner", "", "Owner id")
	cmd.StringVar(&stateJSON, "state", "{}", "Initial state as JSON")
	cmd.IntVar(&maxRetries, "max-retries", 0, "Per-stream retry budget (0 = engine default)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	var state map[string]any
	if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --state is not valid JSON: %v\n", err)
		return 2
	}

	ctx := context.Background()
	rt, _, err := buildRuntime(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Store.Close() }()

	err = rt.Store.CreateStream(ctx, &contracts.Stream{
		ID:           id,
		WorkflowType: workflowType,
		OwnerID:      ownerID,
		Status:       contracts.StreamPending,
		CurrentState: state,
		NextTickAt:   time.Now().UTC(),
		MaxRetries:   maxRetries,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: create stream: %v\n", err)
		return 1
	}

	_, _ = fmt.Fprintf(stdout, "Stream %s created\n", id)
	return 0
}

// runInspectCmd implements `dak inspect`.
func runInspectCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("inspect", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var id string
	cmd.StringVar(&id, "id", "", "Stream id (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	ctx := context.Background()
	rt, _, err := buildRuntime(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Store.Close() }()

	view, err := rt.InspectStream(ctx, id)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: inspect: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(view, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: encode view: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}
