package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"sbom-orchestrator/config"
	"sbom-orchestrator/core/logging"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "sbom-orchestrator",
		Short: "Manifest generation orchestrator",
		Long: `Runs the manifest generation engine: the event API, the generation
initializer, the leader-elected scheduler and the per-generator controllers.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.NewViper(configFile)
			if err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			logging.Configure(logging.ProfileRuntime, logging.Config{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg); err != nil {
				log.Error().Err(err).Msg("Server failed")
				return err
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (YAML); SBOM_* environment variables override it")
	cmd.SetContext(context.Background())
	return cmd
}
