package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/Zereker/msgnet"
	"github.com/Zereker/msgnet/internal/config"
)

func benchCmd() *cobra.Command {
	var (
		count  int
		size   int
		conns  int
		rps    float64
		verify bool
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Pipeline requests to a server and report throughput and latency",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, func(cfg *config.Config) {
				flags := cmd.Flags()
				if flags.Changed("count") {
					cfg.Bench.Count = count
				}
				if flags.Changed("size") {
					cfg.Bench.Size = size
				}
				if flags.Changed("connections") {
					cfg.Bench.Connections = conns
				}
				if flags.Changed("rate") {
					cfg.Bench.Rate = rps
				}
				if flags.Changed("verify") {
					cfg.Bench.Verify = verify
				}
			})
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Log)

			ctx, cancel := signalContext(logger)
			defer cancel()

			bo := msgnet.BenchOptions{
				Count:  cfg.Bench.Count,
				Size:   cfg.Bench.Size,
				Verify: cfg.Bench.Verify,
				Rate:   rate.Limit(cfg.Bench.Rate),
			}
			logger.Info("benchmark started",
				"addr", cfg.Server.Addr,
				"connections", cfg.Bench.Connections,
				"count", bo.Count,
				"size", bo.Size)

			res, err := msgnet.RunBench(ctx, cfg.Server.Addr, cfg.Bench.Connections, bo,
				msgnet.MessageMaxSize(cfg.Server.MaxMessageSize),
				msgnet.BufferSizeOption(cfg.Server.ReadBufferSize),
				msgnet.LoggerOption(logger),
			)
			if err != nil {
				return err
			}

			_, err = fmt.Fprint(cmd.OutOrStdout(), res)
			return err
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 10000, "Requests per connection")
	cmd.Flags().IntVarP(&size, "size", "s", 64, "Payload size in bytes")
	cmd.Flags().IntVarP(&conns, "connections", "c", 1, "Concurrent connections")
	cmd.Flags().Float64Var(&rps, "rate", 0, "Requests per second per connection (0 = unpaced)")
	cmd.Flags().BoolVar(&verify, "verify", false, "Check that every reply echoes its request")
	return cmd
}
