package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/inventory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const localInventory = `
hosts:
  - name: self
    type: local
  - name: web-1
    hostname: 10.0.0.1
    os_type: ubuntu
groups:
  - name: locals
    members: [self]
`

func writeInventory(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(localInventory), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func resetRunFlags() {
	runGroup, runPattern, runOSType = "", "", ""
	runHosts = nil
	runDryRun = false
}

func TestRunDryRunTouchesNoHost(t *testing.T) {
	resetRunFlags()
	t.Cleanup(resetRunFlags)

	// web-1 has no credential and an unroutable address; a dry run still
	// reports it as success.
	out, err := execute(t, "run", "-i", writeInventory(t), "--history", "memory",
		"--dry-run", "-o", "json", "--", "rm", "-rf", "/tmp/x")
	require.NoError(t, err)

	var exec domain.CommandExecution
	require.NoError(t, sonic.UnmarshalString(out, &exec))
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	require.Len(t, exec.Results, 2)
	for _, r := range exec.Results {
		assert.Equal(t, domain.ResultSuccess, r.Status, r.ConnectionName)
		assert.Equal(t, "dry run: rm -rf /tmp/x\n", r.Stdout)
	}
}

func TestRunLocalHostJSON(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("local executor test uses sh")
	}
	resetRunFlags()
	t.Cleanup(resetRunFlags)

	out, err := execute(t, "run", "-i", writeInventory(t), "--history", "memory",
		"--group", "locals", "-o", "json", "--", "echo", "hello")
	require.NoError(t, err)

	var exec domain.CommandExecution
	require.NoError(t, sonic.UnmarshalString(out, &exec))
	assert.Equal(t, domain.ExecutionCompleted, exec.Status)
	require.Len(t, exec.Results, 1)
	assert.Equal(t, "self", exec.Results[0].ConnectionName)
	assert.Equal(t, domain.ResultSuccess, exec.Results[0].Status)
	assert.Equal(t, "hello\n", exec.Results[0].Stdout)
}

func TestRunFailingCommandExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("local executor test uses sh")
	}
	resetRunFlags()
	t.Cleanup(resetRunFlags)

	out, err := execute(t, "run", "-i", writeInventory(t), "--history", "memory",
		"--hosts", "self", "-o", "text", "--", "exit 3")
	assert.Equal(t, exitCode(2), err)
	assert.Contains(t, out, "[self] error exit=3")
	assert.Contains(t, out, "1 error")
}

func TestHistoryPersistsAcrossRuns(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("local executor test uses sh")
	}
	resetRunFlags()
	t.Cleanup(resetRunFlags)
	db := filepath.Join(t.TempDir(), "history.sqlite")

	_, err := execute(t, "run", "-i", writeInventory(t), "--history", db,
		"--pattern", "sel*", "--name", "greet", "-o", "json", "--", "echo hi")
	require.NoError(t, err)

	out, err := execute(t, "history", "--history", db)
	require.NoError(t, err)
	assert.Contains(t, out, "greet")
	assert.Contains(t, out, string(domain.ExecutionCompleted))
}

func TestBuildFilter(t *testing.T) {
	inv, err := inventory.Load(writeInventory(t))
	require.NoError(t, err)
	t.Cleanup(resetRunFlags)

	resetRunFlags()
	f, err := buildFilter(inv)
	require.NoError(t, err)
	assert.Equal(t, domain.FilterAll, f.Type)

	runHosts = []string{"web-1", "self"}
	f, err = buildFilter(inv)
	require.NoError(t, err)
	assert.Equal(t, domain.FilterSelection, f.Type)
	assert.Len(t, f.ConnectionIDs, 2)

	runPattern = "web-*"
	_, err = buildFilter(inv)
	assert.Error(t, err)

	resetRunFlags()
	runGroup = "nope"
	_, err = buildFilter(inv)
	assert.Error(t, err)

	resetRunFlags()
	runHosts = []string{"ghost"}
	_, err = buildFilter(inv)
	assert.Error(t, err)
}
