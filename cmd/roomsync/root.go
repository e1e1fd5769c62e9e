package main

import (
	"github.com/roomsync/roomsync/internal/config"
	"github.com/roomsync/roomsync/pkg/logger"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	LogLevel string
	LogJSON  bool

	cfg *config.Config
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "roomsync",
		Short:         "Realtime chat room client and reference room server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = opts.LogLevel
			}
			if cmd.Flags().Changed("log-json") {
				cfg.Log.JSON = opts.LogJSON
			}
			logger.Configure(cfg.Log.Level, !cfg.Log.JSON)
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&opts.LogJSON, "log-json", false, "emit JSON logs")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newChatCommand(opts))
	cmd.AddCommand(newTokenCommand(opts))

	return cmd
}
