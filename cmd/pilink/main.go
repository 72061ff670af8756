package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codefionn/pilink/internal/config"
	"github.com/codefionn/pilink/internal/logger"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

var (
	configFile  string
	serverURL   string
	authToken   string
	logLevel    string
	metricsAddr string
	cpuProfile  string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "pilink",
	Short: "Terminal client for a remote coding agent session",
	Long: `pilink connects to an agent server over a websocket and streams the
session to the terminal. Prompts typed while the connection is down are kept
in a local outbox and delivered once it comes back.

Use 'pilink help <command>' for more information on a specific command.

If no subcommand is specified, starts an interactive chat.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd, args)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "pilink version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
	},
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	defer func() {
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (default "+config.GetConfigPath()+")")
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "Agent server websocket URL")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "", "Auth token sent as the token query parameter")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error, none)")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics and /debug/pprof on this address")
	rootCmd.PersistentFlags().StringVar(&cpuProfile, "cpuprofile", "", "Write a CPU profile of the chat session to this file")

	rootCmd.AddCommand(chatCmd, outboxCmd, versionCmd)
}

func configPath() string {
	if configFile != "" {
		return configFile
	}
	return config.GetConfigPath()
}

// loadConfig reads the config file and layers environment variables and
// command line flags on top, in that order.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()
	applyFlags(cmd, cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.ServerURL = strings.TrimSpace(serverURL)
	}
	if flags.Changed("token") {
		cfg.AuthToken = authToken
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr = metricsAddr
	}
}

func initLogger(cfg *config.Config) error {
	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("pilink %s starting, server %s", version, cfg.ServerURL)
	return nil
}
