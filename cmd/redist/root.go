package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/BadgerOps/redist/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgPath     string
	logLevel    string
	logFormat   string
	stateDBPath string
	quiet       bool
	globalCfg   *config.Config
	logger      *slog.Logger
)

// ErrUsage marks invalid flag combinations.
var ErrUsage = errors.New("usage")

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "redist",
		Short: "Download, verify and flatten redistributable archives from a JSON manifest",
		Long: `redist reads a redistrib JSON manifest, fetches every archive it lists
(or finds copies already on disk), checks their size and sha256, extracts them
and merges each platform's trees into a single flattened output directory.

The manifest is named either directly with --url (an http(s) URL or a local
file) or by product and release label with --product and --label.`,
		Example: `  redist --product cuda --label 12.0.0
  redist --url https://example.com/redist/redistrib_12.0.0.json --os linux --arch x86_64
  redist --url ./redistrib_12.0.0.json --no-download --output /srv/cuda
  redist --product cudnn --label 8.9.0 --component libcudnn --variant cuda12
  redist history --state-db state.db`,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(cmd.ErrOrStderr())

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}
			return loadConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return pipelineRun(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().StringVar(&stateDBPath, "state-db", "", "record runs in this SQLite database (overrides state.db_path)")
	cmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress report output")

	opts.bind(cmd)

	cmd.AddCommand(
		newHistoryCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)

	return cmd
}

// loadConfig loads the config file and applies persistent flag overrides
func loadConfig() error {
	path := cfgPath
	if path == "" {
		found, err := config.FindConfigFile()
		if err != nil {
			logger.Debug("config file not found, using defaults", "error", err)
		}
		path = found
	}

	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		globalCfg = cfg
	} else {
		globalCfg = config.DefaultConfig()
	}

	if stateDBPath != "" {
		globalCfg.State.DBPath = stateDBPath
	}

	logger.Debug("config loaded", "path", path, "domain", globalCfg.Domain, "output_dir", globalCfg.OutputDir)
	return nil
}

// setupLogging initializes the slog logger based on flags
func setupLogging(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}

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

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
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

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "redist %s\n", version)
		},
	}
}
