package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/config"
	"github.com/codefionn/tunnelstat/tunnelstat-srv/stats"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	content := strings.Join([]string{
		"# comment",
		"",
		"TUNNELSTAT_TEST_PLAIN=value",
		`TUNNELSTAT_TEST_QUOTED="quoted value"`,
		"export TUNNELSTAT_TEST_EXPORTED='single'",
		"TUNNELSTAT_TEST_EQUALS=a=b",
		"not a pair",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	for _, key := range []string{"TUNNELSTAT_TEST_PLAIN", "TUNNELSTAT_TEST_QUOTED", "TUNNELSTAT_TEST_EXPORTED", "TUNNELSTAT_TEST_EQUALS"} {
		t.Setenv(key, "")
	}

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "value", os.Getenv("TUNNELSTAT_TEST_PLAIN"))
	assert.Equal(t, "quoted value", os.Getenv("TUNNELSTAT_TEST_QUOTED"))
	assert.Equal(t, "single", os.Getenv("TUNNELSTAT_TEST_EXPORTED"))
	assert.Equal(t, "a=b", os.Getenv("TUNNELSTAT_TEST_EQUALS"))
}

func TestLoadEnvFileMissing(t *testing.T) {
	assert.Error(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestLoadConfigFlagOverrides(t *testing.T) {
	dir := t.TempDir()
	opts := &cliOptions{
		configPath: filepath.Join(dir, "config.json"),
		port:       9191,
		portSet:    true,
		hours:      6,
		hoursSet:   true,
		format:     config.FormatJSON,
		formatSet:  true,
		db:         filepath.Join(dir, "stats.db"),
		dbSet:      true,
	}
	require.NoError(t, os.WriteFile(opts.configPath, []byte(`{"listen-address": "127.0.0.1:7000"}`), 0o600))

	cfg, err := loadConfig(opts)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9191", cfg.ListenAddress)
	assert.Equal(t, 6, cfg.Report.Hours)
	assert.Equal(t, config.FormatJSON, cfg.Report.Format)
	assert.Equal(t, config.BackendSQLite, cfg.Statistics.Backend)
	assert.Equal(t, opts.db, cfg.Statistics.SQLitePath)
}

func TestLoadConfigRejectsInvalidOverride(t *testing.T) {
	opts := &cliOptions{configPath: "", hours: 0, hoursSet: true}
	_, err := loadConfig(opts)
	assert.Error(t, err)
}

func TestRunStats(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "proxy_stats.db")
	seed, err := stats.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, seed.Record(ctx, stats.ConnectionRecord{Timestamp: now, TargetHost: "example.com", TargetPort: 443}))
	}
	require.NoError(t, seed.Record(ctx, stats.ConnectionRecord{Timestamp: now, TargetHost: "api.github.com", TargetPort: 443}))
	require.NoError(t, seed.Record(ctx, stats.ConnectionRecord{Timestamp: now.Add(-48 * time.Hour), TargetHost: "old.example.org", TargetPort: 443}))
	require.NoError(t, seed.Close())

	cfg := config.Default()
	cfg.Statistics.SQLitePath = dbPath
	cfg.Report.Format = config.FormatPlain

	var out bytes.Buffer
	require.NoError(t, runStats(cfg, &out))

	text := out.String()
	assert.True(t, strings.HasPrefix(text, "Proxy Statistics (Last 24 hours)\n"))
	assert.Less(t, strings.Index(text, "example.com"), strings.Index(text, "api.github.com"))
	assert.NotContains(t, text, "old.example.org")
	assert.Regexp(t, `TOTAL\s+4\n`, text)
}

func TestRunStatsEmptyStore(t *testing.T) {
	cfg := config.Default()
	cfg.Statistics.SQLitePath = filepath.Join(t.TempDir(), "empty.db")

	var out bytes.Buffer
	require.NoError(t, runStats(cfg, &out))
	assert.Equal(t, "No data yet.\n", out.String())
}

func TestRunStatsUnknownFormat(t *testing.T) {
	cfg := config.Default()
	cfg.Statistics.Enabled = false
	cfg.Report.Format = "xml"

	var out bytes.Buffer
	assert.Error(t, runStats(cfg, &out))
	assert.Empty(t, out.String())
}
