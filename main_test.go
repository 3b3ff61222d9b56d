package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shakram02/mcp-db-gateway/internal/config"
	"github.com/shakram02/mcp-db-gateway/internal/connmgr"
	"github.com/shakram02/mcp-db-gateway/internal/gateway"
	"github.com/shakram02/mcp-db-gateway/internal/janitor"
	"github.com/shakram02/mcp-db-gateway/internal/registry"
	"github.com/shakram02/mcp-db-gateway/internal/requestlog"
	"github.com/shakram02/mcp-db-gateway/internal/schema"
)

func writeStore(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".db.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNewApp(t *testing.T) {
	dbPath := createMathDB(t)
	store := writeStore(t, fmt.Sprintf("math:\n  driver: sqlite\n  path: %s\n", dbPath))

	a, err := newApp(store, config.DefaultSettings())
	require.NoError(t, err)
	defer a.conns.Close()

	assert.Equal(t, store, a.configPath)
	assert.Equal(t, []string{"math"}, a.reg.Names())

	resp := a.gw.Handle(context.Background(), gateway.Request{Kind: gateway.KindRunQuery, Database: "math", SQL: "SELECT COUNT(*) AS n FROM users"})
	require.Nil(t, resp.Error)
}

func TestNewApp_InvalidStoreIsFatal(t *testing.T) {
	store := writeStore(t, "math:\n  host: 5432\n")
	_, err := newApp(store, config.DefaultSettings())
	assert.Error(t, err)

	_, err = newApp(filepath.Join(t.TempDir(), "missing.yaml"), config.DefaultSettings())
	assert.Error(t, err)
}

func TestTestConnections(t *testing.T) {
	reg, err := registry.New(
		registry.Entry{Name: "math", Driver: registry.DriverSQLite, Path: createMathDB(t)},
		registry.Entry{Name: "gone", Driver: registry.DriverSQLite, Path: filepath.Join(t.TempDir(), "missing", "gone.db")},
	)
	require.NoError(t, err)
	conns := connmgr.New(reg, connmgr.Config{ConnectTimeout: 2 * time.Second})
	defer conns.Close()
	gw := gateway.New(reg, conns, schema.New(conns, 0, time.Second), requestlog.Discard, gateway.DefaultLimits())

	var out bytes.Buffer
	err = testConnections(context.Background(), &out, gw)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Contains(t, out.String(), "FAILED")
	assert.Contains(t, out.String(), "1/2 databases reachable")

	out.Reset()
	printDatabases(context.Background(), &out, reg, gw)
	assert.Contains(t, out.String(), "NAME")
	assert.Contains(t, out.String(), "unreachable")
}

func TestRunMaintenance(t *testing.T) {
	j := janitor.New()
	var sweeps, reaps int
	require.NoError(t, j.Add("schema-sweep", "@every 1h", func() { sweeps++ }))
	require.NoError(t, j.Add("idle-connections", "@every 1h", func() { reaps++ }))

	ran := runMaintenance(j)
	assert.Equal(t, []string{"idle-connections", "schema-sweep"}, ran)
	assert.Equal(t, 1, sweeps)
	assert.Equal(t, 1, reaps)
}

func TestApplyFlagOverrides(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--max-rows", "10", "--schema-ttl", "0s"}))

	s := config.DefaultSettings()
	opts := &options{maxRows: 10}
	applyFlagOverrides(cmd, opts, &s)
	assert.Equal(t, 10, s.MaxRows)
	assert.Equal(t, time.Duration(0), s.SchemaTTL)
	assert.Equal(t, 30*time.Second, s.QueryTimeout, "unset flags keep the environment value")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "mcp-db-gateway "+version)
}
