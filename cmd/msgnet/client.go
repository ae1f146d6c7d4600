package main

import (
	"context"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/Zereker/msgnet"
)

func clientCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "client",
		Short: "Send lines from stdin and print each reply",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			ctx, cancel := signalContext(logger)
			defer cancel()

			c, err := msgnet.Dial(ctx, cfg.Server.Addr,
				msgnet.MessageMaxSize(cfg.Server.MaxMessageSize),
				msgnet.BufferSizeOption(cfg.Server.ReadBufferSize),
				msgnet.LoggerOption(logger),
			)
			if err != nil {
				return err
			}
			defer c.Close()

			// A signal closes the connection, which ends Interactive.
			stop := context.AfterFunc(ctx, func() { _ = c.Close() })
			defer stop()

			prompt := isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
			err = c.Interactive(os.Stdin, cmd.OutOrStdout(), prompt)
			if ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
}
