package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigHCL(t *testing.T) {
	content := `
listen-address = "localhost:8000"
connect-timeout-seconds = 5
idle-timeout-seconds = 120

statistics = {
  enabled = true
  backend = "sqlite"
  sqlite-path = "/tmp/tunnelstat-test.db"
}

upstream = {
  type = "socks5"
  address = "127.0.0.1:1080"
}

report = {
  format = "plain"
  hours = 12
}

logging = {
  level = "trace"
  file = "/tmp/tunnelstat.log"
}
`
	path := createTempConfigFile(t, t.TempDir(), "basic.hcl", content)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "localhost:8000", cfg.ListenAddress)
	assert.Equal(t, 5, cfg.ConnectTimeoutSeconds)
	assert.Equal(t, 120, cfg.IdleTimeoutSeconds)
	assert.Equal(t, StatisticsConfig{
		Enabled:    true,
		Backend:    BackendSQLite,
		SQLitePath: "/tmp/tunnelstat-test.db",
	}, cfg.Statistics)
	require.NotNil(t, cfg.Upstream)
	assert.Equal(t, UpstreamTypeSOCKS5, cfg.Upstream.Type)
	assert.Equal(t, "127.0.0.1:1080", cfg.Upstream.Address)
	assert.Equal(t, FormatPlain, cfg.Report.Format)
	assert.Equal(t, 12, cfg.Report.Hours)
	assert.Equal(t, "trace", cfg.Logging.Level)
	assert.Equal(t, "/tmp/tunnelstat.log", cfg.Logging.File)
}

func TestLoadConfigHCLSecret(t *testing.T) {
	t.Setenv("TEST_TUNNELSTAT_HCL_DSN", "postgres://stats@localhost/stats")
	content := `
statistics = {
  backend = "postgres"
  postgres-dsn = { "_secret" = "TEST_TUNNELSTAT_HCL_DSN" }
}
`
	path := createTempConfigFile(t, t.TempDir(), "secret.hcl", content)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://stats@localhost/stats", cfg.Statistics.PostgresDSN)
}

func TestLoadConfigHCLErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"syntax error", `listen-address = `, "failed to parse HCL config"},
		{"blocks are not attributes", "statistics {\n  backend = \"dummy\"\n}\n", "failed to read HCL attributes"},
		{"variable reference", `listen-address = var.addr`, "failed to evaluate listen-address"},
		{"validation still applies", `listen-address = "10.0.0.1:8080"`, "loopback"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := createTempConfigFile(t, t.TempDir(), "bad.hcl", tt.content)
			_, err := LoadConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
