// epochstake serves the epoch-gated staking engine over HTTP.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/epochstake/internal/config"
	"github.com/mbd888/epochstake/internal/logging"
	"github.com/mbd888/epochstake/internal/server"
	"github.com/mbd888/epochstake/internal/staking"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	root := &cobra.Command{
		Use:          "epochstake",
		Short:        "Serve the epoch-gated staking API",
		Long:         "Reads configuration from the environment (and .env) and serves the staking API until SIGINT or SIGTERM.",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			logger.Info("starting epochstake",
				"version", Version,
				"commit", Commit,
				"env", cfg.Env,
				"on_chain", cfg.OnChain(),
			)

			server.Version = Version
			srv, err := server.New(cfg, server.WithLogger(logger))
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Load and validate configuration, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			schedule, err := staking.ParseSchedule(cfg.RateSchedule)
			if err != nil {
				return fmt.Errorf("RATE_SCHEDULE: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "env:          %s\n", cfg.Env)
			fmt.Fprintf(out, "storage:      %s\n", storageMode(cfg))
			fmt.Fprintf(out, "tokens:       %s\n", tokenMode(cfg))
			fmt.Fprintf(out, "epoch length: %s\n", cfg.EpochLength)
			fmt.Fprintf(out, "schedule:     %s\n", schedule)
			return nil
		},
	})

	if err := root.Execute(); err != nil {
		logging.New("info", "text").Error("epochstake exited", "error", err)
		os.Exit(1)
	}
}

func storageMode(cfg *config.Config) string {
	if cfg.DatabaseURL == "" {
		return "memory"
	}
	return "postgres"
}

func tokenMode(cfg *config.Config) string {
	if cfg.OnChain() {
		return fmt.Sprintf("erc20 (chain %d)", cfg.ChainID)
	}
	return "in-process"
}
