package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

const envPrefix = "TUNNELSTAT_"

func loadConfigFromEnv(cfg *Config) {
	if addr := os.Getenv(envPrefix + "LISTENADDRESS"); addr != "" {
		cfg.ListenAddress = addr
	}

	if portStr := os.Getenv(envPrefix + "PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.SetPort(port)
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Invalid format for %sPORT: %s\n", envPrefix, portStr)
		}
	}

	envInt(envPrefix+"CONNECTTIMEOUTSECONDS", &cfg.ConnectTimeoutSeconds)
	envInt(envPrefix+"IDLETIMEOUTSECONDS", &cfg.IdleTimeoutSeconds)
	envInt(envPrefix+"SHUTDOWNGRACESECONDS", &cfg.ShutdownGraceSeconds)

	if enabled := os.Getenv(envPrefix + "STATS_ENABLED"); enabled != "" {
		cfg.Statistics.Enabled = strings.EqualFold(enabled, "true") || enabled == "1"
	}
	if backend := os.Getenv(envPrefix + "STATS_BACKEND"); backend != "" {
		cfg.Statistics.Backend = strings.ToLower(backend)
	}
	if path := os.Getenv(envPrefix + "STATS_SQLITEPATH"); path != "" {
		cfg.Statistics.SQLitePath = path
	}
	if dsn := os.Getenv(envPrefix + "STATS_POSTGRESDSN"); dsn != "" {
		cfg.Statistics.PostgresDSN = dsn
	}

	// TUNNELSTAT_UPSTREAM=host:port routes tunnels through a SOCKS5 proxy
	if upstream := os.Getenv(envPrefix + "UPSTREAM"); upstream != "" {
		cfg.Upstream = &UpstreamConfig{
			Type:    UpstreamTypeSOCKS5,
			Address: upstream,
		}
		if user := os.Getenv(envPrefix + "UPSTREAM_USERNAME"); user != "" {
			cfg.Upstream.Username = &user
		}
		if pass := os.Getenv(envPrefix + "UPSTREAM_PASSWORD"); pass != "" {
			cfg.Upstream.Password = &pass
		}
	}

	if format := os.Getenv(envPrefix + "REPORT_FORMAT"); format != "" {
		cfg.Report.Format = strings.ToLower(format)
	}
	envInt(envPrefix+"REPORT_HOURS", &cfg.Report.Hours)

	if level := os.Getenv(envPrefix + "LOGLEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if file := os.Getenv(envPrefix + "LOGFILE"); file != "" {
		cfg.Logging.File = file
	}
}

func envInt(name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Invalid format for %s: %s\n", name, raw)
		return
	}
	*dst = v
}
