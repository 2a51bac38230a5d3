package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/logger"
)

// Statistics backends
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendDummy    = "dummy"
)

// Report formats
const (
	FormatTable = "table"
	FormatPlain = "plain"
	FormatJSON  = "json"
)

// UpstreamType defines how outbound tunnel connections are made.
type UpstreamType string

const (
	UpstreamTypeSOCKS5 UpstreamType = "socks5"
)

const defaultListenAddress = "127.0.0.1:8080"

// StatisticsConfig selects where connection records are stored.
type StatisticsConfig struct {
	Enabled     bool
	Backend     string // sqlite, postgres or dummy
	SQLitePath  string
	PostgresDSN string
}

// UpstreamConfig routes target connections through another proxy.
type UpstreamConfig struct {
	Type     UpstreamType
	Address  string
	Username *string
	Password *string
}

// ReportConfig controls the --stats output.
type ReportConfig struct {
	Format string
	Hours  int
}

// LoggingConfig controls log verbosity and destination.
type LoggingConfig struct {
	Level      string
	File       string // empty logs to stdout
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Config represents the main configuration structure for the tunnel proxy.
type Config struct {
	ListenAddress string // loopback host:port the proxy binds to
	// ConnectTimeoutSeconds bounds the outbound dial; 0 keeps the platform default.
	ConnectTimeoutSeconds int
	// IdleTimeoutSeconds closes a tunnel with no traffic in a direction; 0 disables it.
	IdleTimeoutSeconds   int
	ShutdownGraceSeconds int
	Statistics           StatisticsConfig
	Upstream             *UpstreamConfig
	Report               ReportConfig
	Logging              LoggingConfig
}

// Default returns the configuration used when nothing else is specified.
func Default() *Config {
	return &Config{
		ListenAddress:        defaultListenAddress,
		ShutdownGraceSeconds: 5,
		Statistics: StatisticsConfig{
			Enabled:    true,
			Backend:    BackendSQLite,
			SQLitePath: DefaultSQLitePath(),
		},
		Report: ReportConfig{
			Format: FormatTable,
			Hours:  24,
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// DefaultSQLitePath returns ~/.tunnelstat/proxy_stats.db, or a relative
// path when the home directory cannot be determined.
func DefaultSQLitePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "proxy_stats.db"
	}
	return filepath.Join(home, ".tunnelstat", "proxy_stats.db")
}

// LoadConfig loads configuration from the specified file path.
// Defaults are applied first, then environment variables, then the file.
func LoadConfig(configPath string) (*Config, error) {
	cfg := Default()

	loadConfigFromEnv(cfg)

	if configPath != "" {
		var data map[string]any
		var err error

		ext := filepath.Ext(configPath)
		switch strings.ToLower(ext) {
		case ".json":
			data, err = readJSONConfig(configPath)
		case ".hcl":
			data, err = readHCLConfig(configPath)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}
		if err != nil {
			return nil, err
		}

		if err := applyConfigMap(data, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func cleanConfigPath(configPath string) (string, error) {
	cleanPath := filepath.Clean(configPath)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return "", fmt.Errorf("invalid config file path: %w", err)
		}
		cleanPath = absPath
	}
	return cleanPath, nil
}

func readJSONConfig(configPath string) (map[string]any, error) {
	cleanPath, err := cleanConfigPath(configPath)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			logger.Error("Error closing config file: %v", closeErr)
		}
	}()

	// Decode into a map first so hyphenated keys can be mapped by hand
	var data map[string]any
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode JSON config: %w", err)
	}
	return data, nil
}

// Validate checks the configuration for values the proxy cannot run with.
func (c *Config) Validate() error {
	var errs []error

	host, port, err := net.SplitHostPort(c.ListenAddress)
	if err != nil {
		errs = append(errs, fmt.Errorf("invalid listen-address %q: %w", c.ListenAddress, err))
	} else {
		if !isLoopbackHost(host) {
			errs = append(errs, fmt.Errorf("listen-address %q must be a loopback address", c.ListenAddress))
		}
		if p, err := strconv.Atoi(port); err != nil || p < 0 || p > 65535 {
			errs = append(errs, fmt.Errorf("invalid listen port %q", port))
		}
	}

	if c.ConnectTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("connect-timeout-seconds must not be negative"))
	}
	if c.IdleTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("idle-timeout-seconds must not be negative"))
	}
	if c.ShutdownGraceSeconds < 0 {
		errs = append(errs, fmt.Errorf("shutdown-grace-seconds must not be negative"))
	}

	switch c.Statistics.Backend {
	case BackendSQLite, BackendDummy:
	case BackendPostgres:
		if c.Statistics.Enabled && c.Statistics.PostgresDSN == "" {
			errs = append(errs, fmt.Errorf("postgres-dsn is required for postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported stats backend: %s", c.Statistics.Backend))
	}

	switch c.Report.Format {
	case FormatTable, FormatPlain, FormatJSON:
	default:
		errs = append(errs, fmt.Errorf("unsupported report format: %s", c.Report.Format))
	}
	if c.Report.Hours <= 0 {
		errs = append(errs, fmt.Errorf("report hours must be positive"))
	}

	if c.Upstream != nil {
		if c.Upstream.Type != UpstreamTypeSOCKS5 {
			errs = append(errs, fmt.Errorf("unsupported upstream type: %s", c.Upstream.Type))
		}
		if c.Upstream.Address == "" {
			errs = append(errs, fmt.Errorf("upstream address is required"))
		}
	}

	return errors.Join(errs...)
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// SetPort replaces the port of the listen address, keeping its host.
func (c *Config) SetPort(port int) {
	host, _, err := net.SplitHostPort(c.ListenAddress)
	if err != nil || host == "" {
		host = "127.0.0.1"
	}
	c.ListenAddress = net.JoinHostPort(host, strconv.Itoa(port))
}

// ConnectTimeout returns the dial timeout; zero means no explicit timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSeconds) * time.Second
}

// IdleTimeout returns the per-direction idle timeout; zero disables it.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

// ShutdownGrace returns how long shutdown waits for active tunnels.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

// ReportWindow returns the trailing window used by the stats report.
func (c *Config) ReportWindow() time.Duration {
	return time.Duration(c.Report.Hours) * time.Hour
}
