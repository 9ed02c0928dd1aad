package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxcompliance/internal/retention"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("ENV", "development")
	t.Setenv("STORE", "memory")

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "none.env")}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, path := range [][]string{
		{"cleanup"}, {"sweep"}, {"policies"},
		{"topics", "ensure"}, {"topics", "describe"}, {"topics", "lag"},
		{"stream", "verify"},
	} {
		cmd, _, err := root.Find(path)
		require.NoError(t, err, path)
		assert.Equal(t, path[len(path)-1], cmd.Name())
	}

	cleanup, _, _ := root.Find([]string{"cleanup"})
	assert.NotNil(t, cleanup.Flags().Lookup("dry-run"))
	assert.NotNil(t, cleanup.Flags().Lookup("interval"))
}

func TestPolicies(t *testing.T) {
	t.Setenv("RETENTION_YEARS_DEA_AUDIT", "5")
	out, err := run(t, "policies")
	require.NoError(t, err)

	assert.Contains(t, out, "CLASS")
	assert.Regexp(t, `dea_audit\s+5\s+DEA 21 CFR 1304.04`, out)
	assert.Contains(t, out, "hipaa_audit")
}

func TestCleanupDryRun(t *testing.T) {
	out, err := run(t, "cleanup", "--dry-run")
	require.NoError(t, err)

	var report retention.CleanupReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.DryRun)
	assert.True(t, report.Succeeded())
}

func TestCleanupRejectsDryRunWithInterval(t *testing.T) {
	_, err := run(t, "cleanup", "--dry-run", "--interval", "1h")
	assert.Error(t, err)
}

func TestSweep(t *testing.T) {
	out, err := run(t, "sweep", "--table", "general")
	require.NoError(t, err)
	assert.Contains(t, out, `"table": "general"`)
	assert.Contains(t, out, `"checked": 0`)

	_, err = run(t, "sweep", "--table", "orders")
	assert.ErrorContains(t, err, "unknown table")
}

func TestInvalidConfiguration(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("STORE", "memory")
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "none.env"), "policies"})
	assert.ErrorContains(t, root.Execute(), "STORE=memory")
}
