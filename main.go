package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/config"
	"github.com/codefionn/tunnelstat/tunnelstat-srv/logger"
	"github.com/codefionn/tunnelstat/tunnelstat-srv/proxy"
	"github.com/codefionn/tunnelstat/tunnelstat-srv/report"
	"github.com/codefionn/tunnelstat/tunnelstat-srv/stats"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var version string

const (
	defaultConfigPath = "config.json"
	statsQueryTimeout = 30 * time.Second
)

// cliOptions are flag values that override the loaded configuration. They
// are re-applied after every SIGHUP reload.
type cliOptions struct {
	start      bool
	stats      bool
	configPath string
	envfile    string
	debug      bool

	port   int
	hours  int
	format string
	db     string

	portSet   bool
	hoursSet  bool
	formatSet bool
	dbSet     bool
}

func main() {
	opts := parseFlags()

	if !opts.start && !opts.stats {
		flag.Usage()
		return
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}
	logFile := setupLogging(cfg, opts)
	if logFile != nil {
		defer logFile.Close()
	}

	if opts.stats {
		if err := runStats(cfg, os.Stdout); err != nil {
			logger.Error("%v", err)
			os.Exit(1)
		}
		return
	}

	runProxy(cfg, opts)
}

// parseFlags handles CLI flags, the version flag and the env file.
func parseFlags() *cliOptions {
	opts := &cliOptions{}
	versionFlag := flag.BoolP("version", "v", false, "Print version and exit")
	flag.BoolVar(&opts.start, "start", false, "Start the tunnel proxy")
	flag.BoolVar(&opts.stats, "stats", false, "Print per-host connection counts and exit")
	flag.IntVar(&opts.port, "port", 8080, "Proxy listen port")
	flag.IntVar(&opts.hours, "hours", 24, "Stats: report the last N hours")
	flag.StringVar(&opts.format, "format", config.FormatTable, "Stats: output format (table, plain or json)")
	flag.StringVar(&opts.configPath, "config", defaultConfigPath, "Path to configuration file (supports .json and .hcl formats)")
	flag.StringVar(&opts.db, "db", "", "Path to the SQLite statistics database")
	flag.StringVar(&opts.envfile, "envfile", "", "Path to env file to load environment variables")
	flag.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	if *versionFlag {
		if version == "" {
			version = "dev"
		}
		fmt.Println("tunnelstat version:", version)
		os.Exit(0)
	}

	opts.portSet = flag.CommandLine.Changed("port")
	opts.hoursSet = flag.CommandLine.Changed("hours")
	opts.formatSet = flag.CommandLine.Changed("format")
	opts.dbSet = flag.CommandLine.Changed("db")

	if opts.envfile != "" {
		if err := loadEnvFile(opts.envfile); err != nil {
			logger.Fatal("Failed to load envfile: %v", err)
		}
		logger.Debug("Loaded environment variables from %s", opts.envfile)
	}

	return opts
}

// loadConfig loads the config file, falling back to defaults and the
// environment when the default config file does not exist, then applies flag
// overrides.
func loadConfig(opts *cliOptions) (*config.Config, error) {
	path := opts.configPath
	if path == defaultConfigPath && !flag.CommandLine.Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	if opts.portSet {
		cfg.SetPort(opts.port)
	}
	if opts.hoursSet {
		cfg.Report.Hours = opts.hours
	}
	if opts.formatSet {
		cfg.Report.Format = opts.format
	}
	if opts.dbSet {
		cfg.Statistics.Enabled = true
		cfg.Statistics.Backend = config.BackendSQLite
		cfg.Statistics.SQLitePath = opts.db
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setupLogging applies the configured level and destination. The stats
// command logs to stderr so its report stays machine-readable.
func setupLogging(cfg *config.Config, opts *cliOptions) io.Closer {
	if opts.debug {
		logger.SetLevel(logger.DEBUG)
	} else {
		logger.SetLevel(logger.GetLevelFromString(cfg.Logging.Level))
	}

	if cfg.Logging.File != "" {
		return logger.UseFile(logger.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
	}
	if opts.stats {
		logger.SetOutput(os.Stderr)
	}
	return nil
}

// runStats prints the per-host counts for the configured window.
func runStats(cfg *config.Config, out io.Writer) error {
	formatter, err := report.NewFormatter(cfg.Report.Format)
	if err != nil {
		return err
	}

	store, err := stats.NewStore(&cfg.Statistics)
	if err != nil {
		return fmt.Errorf("failed to open statistics store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("Error closing statistics store: %v", closeErr)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), statsQueryTimeout)
	defer cancel()

	counts, err := store.GetStats(ctx, cfg.ReportWindow())
	if err != nil {
		return fmt.Errorf("failed to query statistics: %w", err)
	}
	return formatter.Render(out, report.Report{Hours: cfg.Report.Hours, Counts: counts})
}

// instance is one running listener with the store it records to.
type instance struct {
	cfg    *config.Config
	server *proxy.Server
	store  stats.Store
	cancel context.CancelFunc
	done   chan error
}

func startInstance(cfg *config.Config) (*instance, error) {
	store, err := stats.NewStore(&cfg.Statistics)
	if err != nil {
		return nil, fmt.Errorf("failed to open statistics store: %w", err)
	}
	dialer, err := proxy.NewDialer(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &instance{
		cfg:    cfg,
		server: proxy.NewServer(cfg, store, dialer),
		store:  store,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() {
		inst.done <- inst.server.ListenAndServe(ctx)
	}()
	return inst, nil
}

// stopAccepting closes the listener and waits for the accept loop to exit.
func (inst *instance) stopAccepting() {
	inst.cancel()
	if err := <-inst.done; err != nil {
		logger.Error("Proxy server error: %v", err)
	}
}

// retire waits up to the grace period for active tunnels, force-closes the
// rest and releases the store.
func (inst *instance) retire() {
	grace := inst.cfg.ShutdownGrace()
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	if err := inst.server.Wait(ctx); err != nil {
		logger.Warn("Closing %d tunnels still active after %v", inst.server.ActiveTunnels(), grace)
	}
	if err := inst.server.Close(); err != nil {
		logger.Error("Error closing tunnels: %v", err)
	}

	// handlers unwind quickly once their sockets are closed
	closeCtx, cancelClose := context.WithTimeout(context.Background(), time.Second)
	defer cancelClose()
	_ = inst.server.Wait(closeCtx)

	if err := inst.store.Close(); err != nil {
		logger.Error("Error closing statistics store: %v", err)
	}
}

// runProxy starts and manages the proxy server, including signal handling and reloads.
func runProxy(cfg *config.Config, opts *cliOptions) {
	logger.Info("Starting tunnelstat proxy on %s", cfg.ListenAddress)
	if cfg.Statistics.Enabled {
		logger.Debug("Recording connections to %s backend", cfg.Statistics.Backend)
	} else {
		logger.Info("Statistics disabled; connections are not recorded")
	}
	if cfg.Upstream != nil {
		logger.Info("Routing tunnels through %s proxy %s", cfg.Upstream.Type, cfg.Upstream.Address)
	}

	current, err := startInstance(cfg)
	if err != nil {
		logger.Fatal("Failed to start proxy: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	// retiring instances drain in the background until shutdown
	var retiring errgroup.Group

	for {
		select {
		case err := <-current.done:
			// accept loop ended without a shutdown signal
			current.retire()
			_ = retiring.Wait()
			if err != nil {
				logger.Fatal("Proxy server error: %v", err)
			}
			return
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("Received SIGHUP: reloading configuration...")
				newCfg, err := loadConfig(opts)
				if err != nil {
					logger.Error("Failed to reload config: %v (keeping current config)", err)
					continue
				}
				if !config.HasChanged(current.cfg, newCfg) {
					logger.Info("Config unchanged after reload; not restarting proxy.")
					continue
				}
				if !config.NeedsRestart(current.cfg, newCfg) {
					if !opts.debug {
						logger.SetLevel(logger.GetLevelFromString(newCfg.Logging.Level))
					}
					current.cfg = newCfg
					logger.Info("Applied configuration changes without restarting the listener.")
					continue
				}

				logger.Info("Config changed. Restarting proxy...")
				old := current
				old.stopAccepting()
				next, err := startInstance(newCfg)
				if err != nil {
					logger.Error("Failed to start proxy with new configuration: %v", err)
					old.retire()
					_ = retiring.Wait()
					os.Exit(1)
				}
				retiring.Go(func() error {
					old.retire()
					return nil
				})
				current = next
				logger.Info("Proxy restarted on %s; %d tunnels draining from previous listener.",
					newCfg.ListenAddress, old.server.ActiveTunnels())

			case syscall.SIGINT, syscall.SIGTERM:
				logger.Info("Received signal %v, shutting down proxy server...", sig)
				current.stopAccepting()
				current.retire()
				_ = retiring.Wait()
				logger.Info("Proxy server shutdown complete")
				return
			}
		}
	}
}

// loadEnvFile reads a .env-style file and sets environment variables
func loadEnvFile(path string) error {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		absPath, err := filepath.Abs(cleanPath)
		if err != nil {
			return fmt.Errorf("invalid file path: %w", err)
		}
		cleanPath = absPath
	}
	f, err := os.Open(cleanPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			logger.Error("Error closing env file: %v", closeErr)
		}
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if setErr := os.Setenv(key, val); setErr != nil {
			logger.Error("Error setting environment variable %s: %v", key, setErr)
		}
	}
	return scanner.Err()
}
