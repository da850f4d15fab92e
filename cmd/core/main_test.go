package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studysync/offlinecore/internal/app"
	"github.com/studysync/offlinecore/internal/config"
	"github.com/studysync/offlinecore/internal/reachability"
)

func offlineOpen(t *testing.T) {
	t.Helper()
	orig := openFunc
	openFunc = func(ctx context.Context, cfg *config.Config) (*app.App, error) {
		return app.Open(ctx, cfg, app.WithProber(reachability.ProberFunc(func(ctx context.Context) error {
			return errors.New("offline")
		})))
	}
	t.Cleanup(func() { openFunc = orig })
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func commonArgs(t *testing.T) []string {
	dir := t.TempDir()
	return []string{"--env-file", filepath.Join(dir, "missing.env"), "--data-dir", dir}
}

func TestVersion(t *testing.T) {
	assert.NotEmpty(t, Version)
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, Version)
}

func TestRootCmd_subcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"status", "sync", "drain", "enqueue", "cleanup", "clear", "run"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestSyncCmd_requiresOwner(t *testing.T) {
	_, err := execute(t, append([]string{"sync"}, commonArgs(t)...)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner")
}

func TestEnqueueAndStatus(t *testing.T) {
	offlineOpen(t)
	args := commonArgs(t)

	out, err := execute(t, append([]string{"enqueue", "--owner", "u1", "--type", "submit_answer",
		"--payload", `{"answer":"B"}`}, args...)...)
	require.NoError(t, err)
	var action map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &action))
	assert.Equal(t, "submit_answer", action["action_type"])
	assert.NotEmpty(t, action["idempotency_key"])

	out, err = execute(t, append([]string{"status", "--owner", "u1"}, args...)...)
	require.NoError(t, err)
	var report app.StatusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.False(t, report.Online)
	assert.True(t, report.OfflineAvailable)
	assert.Equal(t, 1, report.Scheduler.PendingItems)
}

func TestEnqueue_rejectsBadPayload(t *testing.T) {
	offlineOpen(t)
	_, err := execute(t, append([]string{"enqueue", "--owner", "u1", "--type", "submit_answer",
		"--payload", `{not json`}, commonArgs(t)...)...)
	assert.Error(t, err)
}

func TestDrain_refusedOffline(t *testing.T) {
	offlineOpen(t)
	_, err := execute(t, append([]string{"drain", "--owner", "u1"}, commonArgs(t)...)...)
	assert.Error(t, err)
}

func TestCleanupAndClear(t *testing.T) {
	offlineOpen(t)
	args := commonArgs(t)

	out, err := execute(t, append([]string{"cleanup"}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "synced_cleaned")

	out, err = execute(t, append([]string{"clear", "--owner", "u1"}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, `"cleared": "u1"`)

	out, err = execute(t, append([]string{"clear"}, args...)...)
	require.NoError(t, err)
	assert.Contains(t, out, `"cleared": "all"`)
}
