package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaos-labs/dak/pkg/contracts"
)

func TestRun_NoArgsPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"dak"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "Usage")
}

func TestRun_UnknownCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"dak", "frobnicate"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "frobnicate")
}

func TestRun_Help(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"dak", "help"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "receipt")
}

func TestCreateCmd_RequiresID(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"dak", "create"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "--id")
}

func TestCreateCmd_RejectsBadStateJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"dak", "create", "--id", "s1", "--state", "{not json"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr.String(), "JSON")
}

func TestVerifyCmd_RequiresReceipt(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"dak", "verify"}, &stdout, &stderr)
	assert.Equal(t, 2, code)
}

// End-to-end over sqlite: create, tick to completion, emit a receipt,
// verify it through a fresh process-equivalent invocation.
func TestCommands_EndToEndSQLite(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DAK_CONFIG_FILE", "")
	t.Setenv("DAK_STORE_BACKEND", "sqlite")
	t.Setenv("DAK_DATABASE_URL", filepath.Join(dir, "dak.db"))
	t.Setenv("DAK_LOG_LEVEL", "ERROR")
	t.Setenv("DAK_SIGNING_SECRET", "cli-secret")

	var stdout, stderr bytes.Buffer
	code := Run([]string{"dak", "create", "--id", "s1", "--state", `{"phase":"ideas"}`}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	receiptPath := filepath.Join(dir, "receipt.json")
	stdout.Reset()
	stderr.Reset()
	code = Run([]string{"dak", "receipt", "--id", "s1", "--tick-id", "tick-1", "--out", receiptPath}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "processed")

	stdout.Reset()
	stderr.Reset()
	code = Run([]string{"dak", "verify", "--receipt", receiptPath}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())
	assert.Contains(t, stdout.String(), "Receipt valid")

	stdout.Reset()
	stderr.Reset()
	code = Run([]string{"dak", "inspect", "--id", "s1"}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	var view struct {
		Stream contracts.Stream `json:"stream"`
	}
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &view))
	assert.Equal(t, "s1", view.Stream.ID)
	assert.Equal(t, "draft", view.Stream.CurrentState["phase"])
}

func TestPhaseTransition_AdvancesAndCompletes(t *testing.T) {
	ctx := context.Background()

	res, err := phaseTransition(ctx, contracts.TransitionInput{State: map[string]any{"phase": "ideas"}})
	require.NoError(t, err)
	assert.Equal(t, "draft", res.State["phase"])
	assert.False(t, res.Completed)

	res, err = phaseTransition(ctx, contracts.TransitionInput{State: map[string]any{"phase": "review"}})
	require.NoError(t, err)
	assert.Equal(t, "done", res.State["phase"])
	assert.True(t, res.Completed)
}
