package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/keepmind9/clibridge/internal/logger"
	"github.com/keepmind9/clibridge/internal/relay"
	"github.com/spf13/cobra"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay chat messages from IM bots to assistant sessions",
	Long: `Start the configured IM bots and map chat messages onto sessions.

Chat commands: help, slist, suse <id>, status, whoami, reply <text>,
and for admins snew <id> [work_dir] and sclose <id>. Any other message is
sent to the user's current session and the result is posted back.

Only one relay may run per lock file (relay.lock_file).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, path, err := loadConfig()
		if err != nil {
			return err
		}
		if err := initLogging(cfg, path); err != nil {
			return err
		}

		bots, err := relay.NewBots(cfg)
		if err != nil {
			return err
		}
		opts, err := relay.OptionsFromConfig(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx, cfg)
		if err != nil {
			return err
		}
		defer rt.shutdown()

		fmt.Fprintf(cmd.ErrOrStderr(), "clibridge relay running with %d bot(s), press Ctrl+C to stop\n", len(bots))
		if err := relay.New(cfg, rt.engine, bots, opts).Run(ctx); err != nil {
			return err
		}
		logger.Info("relay-command-stopped")
		return nil
	},
}
