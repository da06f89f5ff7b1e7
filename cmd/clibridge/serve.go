package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/keepmind9/clibridge/internal/mcp"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve assistant sessions to an MCP client over stdio",
	Long: `Run the MCP server on stdin/stdout. Register the command with your MCP
client, for example:

  clibridge serve --config ~/.config/clibridge/config.yaml

Stdout carries JSON-RPC only; logs go to the configured log file and,
when logging.enable_stderr is set, to stderr.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		if err := initLogging(cfg, path); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.shutdown()

		server := mcp.NewServer(cmd.InOrStdin(), cmd.OutOrStdout(), rt.engine, Version)
		if err := server.Run(ctx); err != nil {
			return err
		}
		logger.Info("serve-stopped")
		return nil
	},
}
