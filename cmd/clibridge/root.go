package main

import (
	"fmt"
	"os"

	"github.com/keepmind9/clibridge/internal/core"
	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "clibridge",
	Short: "clibridge drives interactive AI CLI sessions for MCP clients and chat bots",
	Long: `clibridge runs interactive Gemini CLI sessions inside pseudo-terminals and
exposes them as asynchronous tasks: to MCP clients over stdio (serve) and to
IM platforms such as Telegram, Discord, Feishu and DingTalk (relay).

Each message becomes a task. Callers poll the task until the assistant
finishes, fails, or stops at an interactive prompt that needs an answer.`,
	SilenceUsage: true,
}

// Execute executes the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"Configuration file path (default: ./config.yaml, ~/.config/clibridge/config.yaml, /etc/clibridge/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves and loads the configuration. Without a config file
// the built-in defaults are used and the returned path is empty.
func loadConfig() (*core.Config, string, error) {
	path, err := core.FindConfig(configFile)
	if err != nil {
		return nil, "", err
	}
	cfg, err := core.LoadConfig(path)
	if err != nil {
		return nil, path, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, path, nil
}

// initLogging configures the global logger from cfg.
func initLogging(cfg *core.Config, path string) error {
	if err := logger.InitLogger(cfg.LoggerConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.WithFields(logrus.Fields{
		"config_file": path,
		"log_level":   cfg.Logging.Level,
		"version":     Version,
	}).Info("logger-initialized")
	return nil
}
