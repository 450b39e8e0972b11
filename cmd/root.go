package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/reportbridge/reportd/internal/config"
	"github.com/reportbridge/reportd/internal/logger"
)

var (
	// CLI flags
	cfgFile    string
	logLevel   string
	logFormat  string
	logOutput  string
	socketPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "reportd",
	Short: "reportd - local report generation server",
	Long: `reportd renders report templates on behalf of client processes on the
same host. Clients connect to a Unix domain socket, send one length-prefixed
JSON request and receive one JSON response describing the generated file.

Run "reportd serve" to start the server and "reportd request" to submit a
report from the command line.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"Config file path (default: $XDG_CONFIG_HOME/reportd/config.yaml if present)")

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn, error (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format: json, text (default: from config or env)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "",
		"Log output: stdout, stderr, or file path (default: from config or env)")

	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "",
		"Server socket path (default: from config or env)")

	rootCmd.AddCommand(serveCmd, requestCmd, versionCmd)
}

// overrides collects the persistent flags that override configuration values
func overrides() config.OverrideOptions {
	return config.OverrideOptions{
		SocketPath: socketPath,
		LogLevel:   logLevel,
		LogFormat:  logFormat,
		LogOutput:  logOutput,
	}
}

// loadConfig loads the configuration file and environment, then applies CLI overrides
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	cfg.ApplyOverrides(overrides())
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// initLogger creates the process logger from the logging configuration
func initLogger(cfg config.LoggingConfig) (*logger.Logger, error) {
	log, err := logger.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}

// reloadPath returns the config file the reloader should watch, or "" when
// the configuration did not come from a file.
func reloadPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	path, err := config.GetDefaultConfigPath()
	if err != nil {
		return ""
	}
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
