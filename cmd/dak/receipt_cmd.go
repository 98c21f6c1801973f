package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"

	"github.com/vaos-labs/dak/pkg/contracts"
)

// runReceiptCmd implements `dak receipt`: run one tick, then write the
// determinism receipt attesting it.
func runReceiptCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("receipt", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id      string
		tickID  string
		outFile string
	)
	cmd.StringVar(&id, "id", "", "Stream id (REQUIRED)")
	cmd.StringVar(&tickID, "tick-id", "", "Idempotency key (default: random)")
	cmd.StringVar(&outFile, "out", "", "Write receipt JSON to file instead of stdout")

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

	exec, err := rt.RunTickWithReceipt(ctx, id, tickID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: tick: %v\n", err)
		return 1
	}

	data, err := json.MarshalIndent(exec.Receipt, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: encode receipt: %v\n", err)
		return 2
	}

	if outFile != "" {
		if err := os.WriteFile(outFile, data, 0o600); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: write receipt: %v\n", err)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Tick %s: %s; receipt written to %s\n",
			tickID, exec.Result.Outcome, outFile)
		return 0
	}

	_, _ = fmt.Fprintln(stdout, string(data))
	return 0
}

// runVerifyCmd implements `dak verify`.
//
// Exit codes:
//
//	0 = receipt valid
//	1 = receipt invalid
//	2 = usage or runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var receiptFile string
	cmd.StringVar(&receiptFile, "receipt", "", "Path to receipt JSON (REQUIRED)")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if receiptFile == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --receipt is required")
		return 2
	}

	data, err := os.ReadFile(receiptFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read receipt: %v\n", err)
		return 2
	}
	var receipt contracts.DeterminismReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: parse receipt: %v\n", err)
		return 2
	}

	ctx := context.Background()
	rt, _, err := buildRuntime(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = rt.Store.Close() }()

	res, err := rt.VerifyStreamReceipt(ctx, &receipt, receipt.StreamID, receipt.TickID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: verify: %v\n", err)
		return 2
	}

	if res.Valid {
		_, _ = fmt.Fprintf(stdout, "Receipt valid: stream %s tick %s\n", receipt.StreamID, receipt.TickID)
		return 0
	}
	_, _ = fmt.Fprintf(stdout, "Receipt INVALID: stream %s tick %s\n", receipt.StreamID, receipt.TickID)
	for _, issue := range res.Issues {
		_, _ = fmt.Fprintf(stdout, "  - %s\n", issue)
	}
	return 1
}
