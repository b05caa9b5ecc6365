// ///////////////////////////////////////////////////////////////////////////
//
// # DATEFIX - Temporal Remediation Engine
//
// Copyright (C) 2023 - 2026, pgEdge (https://www.pgedge.com/)
//
// This software is released under the PostgreSQL License:
// https://opensource.org/license/postgresql
//
// ///////////////////////////////////////////////////////////////////////////

package cli

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pgedge/datefix/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	app := SetupCLI()
	var out bytes.Buffer
	app.Writer = &out
	app.ErrWriter = &out
	err := app.Run(append([]string{"datefix"}, args...))
	return out.String(), err
}

func useConfig(t *testing.T, cfg *config.Config) {
	t.Helper()
	prev := config.Cfg
	config.Cfg = cfg
	t.Cleanup(func() { config.Cfg = prev })
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "datefix.yaml")

	out, err := runApp(t, "config", "init", "--path", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote config file")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, defaultConfigYAML, string(data))

	_, err = runApp(t, "config", "init", "--path", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--force")

	_, err = runApp(t, "config", "init", "--path", path, "--force")
	require.NoError(t, err)

	out, err = runApp(t, "config", "init", "--stdout")
	require.NoError(t, err)
	assert.Contains(t, out, "remediation:")
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg, err := config.Parse([]byte(defaultConfigYAML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 1000, cfg.Remediation.BatchSize)
	assert.Equal(t, "2099-12-31 23:59:59", cfg.Remediation.FarFuture)
	assert.True(t, cfg.Triggers.IsEnabled())
}

func sqliteConfig(t *testing.T) (*config.Config, *sql.DB) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Database.Driver = "sqlite"
	cfg.Database.DBName = filepath.Join(dir, "app.db")
	cfg.Audit.Dir = filepath.Join(dir, "audit")
	cfg.TaskStore.Path = filepath.Join(dir, "tasks.db")
	useConfig(t, cfg)

	conn, err := sql.Open("sqlite3", cfg.Database.DBName)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = conn.Exec(`
		CREATE TABLE users (id INTEGER PRIMARY KEY, birth_date DATE, created_at DATETIME);
		CREATE TABLE sessions (id INTEGER PRIMARY KEY, ends_at DATETIME);
		INSERT INTO users VALUES (1, NULL, '2020-01-01 00:00:00');
		INSERT INTO sessions VALUES (1, NULL);`)
	require.NoError(t, err)
	return cfg, conn
}

func scanText(t *testing.T, conn *sql.DB, query string) string {
	t.Helper()
	var v sql.NullString
	require.NoError(t, conn.QueryRow(query).Scan(&v))
	return v.String
}

func TestRemediateCommand(t *testing.T) {
	cfg, conn := sqliteConfig(t)
	reports := filepath.Join(t.TempDir(), "reports")

	out, err := runApp(t, "remediate", "--quiet", "--skip-tables", "sessions",
		"--generate-report", "--report-dir", reports, "--batch-size", "10")
	require.NoError(t, err)
	assert.Contains(t, out, "1 planned, 1 applied, 0 failed")

	assert.Equal(t, "1971-01-01", scanText(t, conn, `SELECT CAST(birth_date AS TEXT) FROM users WHERE id = 1`))
	assert.Empty(t, scanText(t, conn, `SELECT CAST(ends_at AS TEXT) FROM sessions WHERE id = 1`))

	audits, err := filepath.Glob(filepath.Join(cfg.Audit.Dir, "corrections_*.csv"))
	require.NoError(t, err)
	assert.Len(t, audits, 1)
	logs, err := filepath.Glob(filepath.Join(cfg.Audit.Dir, "datefix_*.log"))
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	jsonReports, err := filepath.Glob(filepath.Join(reports, "*", "remediation_report_*.json"))
	require.NoError(t, err)
	assert.Len(t, jsonReports, 1)

	out, err = runApp(t, "task", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "REMEDIATE")
	assert.Contains(t, out, "COMPLETED")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	taskID := strings.Fields(lines[1])[0]

	out, err = runApp(t, "task", "status", taskID)
	require.NoError(t, err)
	assert.Contains(t, out, taskID)

	_, err = runApp(t, "task", "status")
	assert.Error(t, err)
}

func TestRemediateDryRunCommand(t *testing.T) {
	_, conn := sqliteConfig(t)

	out, err := runApp(t, "remediate", "--quiet", "--dry-run", "--tables", "users")
	require.NoError(t, err)
	assert.Contains(t, out, "DRY_RUN")
	assert.Empty(t, scanText(t, conn, `SELECT CAST(birth_date AS TEXT) FROM users WHERE id = 1`))
}

func TestTriggerCommands(t *testing.T) {
	_, conn := sqliteConfig(t)
	count := func() string {
		return scanText(t, conn, `SELECT count(*) FROM sqlite_master WHERE type = 'trigger'`)
	}

	_, err := runApp(t, "triggers", "sync", "--quiet")
	require.NoError(t, err)
	assert.Equal(t, "4", count())

	_, err = conn.Exec(`INSERT INTO sessions (id, ends_at) VALUES (2, '0000-00-00 00:00:00')`)
	require.NoError(t, err)
	assert.Equal(t, "2099-12-31 23:59:59", scanText(t, conn, `SELECT CAST(ends_at AS TEXT) FROM sessions WHERE id = 2`))

	_, err = runApp(t, "triggers", "teardown", "--quiet", "--tables", "sessions")
	require.NoError(t, err)
	assert.Equal(t, "2", count())
}

func TestRemediateRejectsBadFlags(t *testing.T) {
	sqliteConfig(t)

	_, err := runApp(t, "remediate", "--quiet", "--concurrency-factor", "9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "concurrency factor")

	_, err = runApp(t, "remediate", "--quiet", "--schedule", "--every", "soon")
	require.Error(t, err)

	_, err = runApp(t, "remediate", "extra")
	require.Error(t, err)
}

func TestResolveListFromFile(t *testing.T) {
	sqliteConfig(t)
	listFile := filepath.Join(t.TempDir(), "skip.txt")
	require.NoError(t, os.WriteFile(listFile, []byte("users\n"), 0o644))

	out, err := runApp(t, "remediate", "--quiet", "--skip-triggers", "--skip-file", listFile)
	require.NoError(t, err)
	assert.Contains(t, out, "tables: 1 discovered")
}
