package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AbdulRehman2040/speed-test-api/internal/config"
	"github.com/AbdulRehman2040/speed-test-api/internal/measure"
	"github.com/AbdulRehman2040/speed-test-api/internal/metrics"
	"github.com/AbdulRehman2040/speed-test-api/internal/store"
)

// dotenvPath is loaded before environment overrides are applied.
const dotenvPath = ".env"

var (
	// Global flags
	cfgPath   string
	dbPath    string
	logLevel  string
	logFormat string
	quiet     bool
	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore   *store.Store
	globalRunner  *measure.Runner
	globalMetrics *metrics.Recorder
)

// initializeComponents initializes the history store, metrics and the
// measurement runner
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	// History is optional; without a database path reports are not kept.
	if globalCfg.Server.DBPath != "" {
		st, err := store.New(globalCfg.Server.DBPath, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize store: %w", err)
		}
		globalStore = st
	}

	globalMetrics = metrics.New()

	runner, err := measure.NewRunnerFromConfig(globalCfg, logger, globalMetrics)
	if err != nil {
		return fmt.Errorf("failed to build measurement runner: %w", err)
	}
	globalRunner = runner

	logger.Debug("components initialized successfully", "history", globalStore != nil)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component initialization
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
		"show":    true,
	}
	return skipInitCmds[cmdName]
}

// closeRunner releases resources held by the measurement probes
func closeRunner() {
	if globalRunner != nil {
		if err := globalRunner.Close(); err != nil {
			logger.Error("failed to close measurement runner", "error", err)
		}
		globalRunner = nil
	}
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "speedtest",
		Short: "Network speed, latency and location measurement service",
		Long: `speedtest measures download and upload throughput, latency and the
public address and coarse location of the network it runs in. Measurements
run against configurable external endpoints with failover, either once from
the command line or on demand over HTTP.`,
		Example: `  speedtest serve --listen 0.0.0.0:8080
  speedtest measure
  speedtest measure --save
  speedtest history --limit 10
  speedtest config show`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Initialize logging
			setupLogging()

			// Skip config loading for commands that don't need it
			if shouldSkipConfig(cmd.Name()) {
				return nil
			}

			// Load config
			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					logger.Debug("config file not found, using defaults", "error", err)
				}
			}

			if cfgPath != "" {
				var err error
				globalCfg, err = config.Load(cfgPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			} else {
				globalCfg = config.DefaultConfig()
			}

			if err := globalCfg.ApplyEnv(dotenvPath); err != nil {
				return fmt.Errorf("failed to apply environment: %w", err)
			}

			// Override with command-line flags if provided
			if dbPath != "" {
				globalCfg.Server.DBPath = dbPath
			}

			if err := globalCfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			if !quiet {
				logger.Debug("config loaded", "path", cfgPath, "db_path", globalCfg.Server.DBPath)
			}

			// Initialize components after config is loaded
			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}

			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeRunner()
			closeStore()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&dbPath, "db-path", "", "override history database path")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "only log errors")

	// Add subcommands
	cmd.AddCommand(
		newServeCmd(),
		newMeasureCmd(),
		newHistoryCmd(),
		newConfigCmd(),
	)

	return cmd
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	if quiet {
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
