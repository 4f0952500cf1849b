package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/flightincorporated47/metasys-connector-backend/internal/logging"
	"github.com/flightincorporated47/metasys-connector-backend/pkg/connector"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "metasys-connector",
	Short:         "Tiered Metasys point poller with change detection and batched publishing",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the connector using the provided config",
	Long: `Start polling, change detection and publishing.

SIGINT and SIGTERM stop the connector after a final flush.
SIGHUP reloads the config file and swaps in the new poll plan.`,
	RunE: runConnector,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "./data/config.yaml", "Path to connector configuration file")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runConnector(cmd *cobra.Command, _ []string) error {
	cfg, err := connector.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	rt, err := connector.NewRuntime(cfg, connector.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("build runtime: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go watchReload(ctx, rt, logger)

	logger.Info().Str("config", configPath).Msg("metasys connector starting")
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("metasys connector stopped")
	return nil
}

// watchReload re-reads the config on SIGHUP. A config that fails to load or
// plan is logged and the running plan is kept.
func watchReload(ctx context.Context, rt *connector.Runtime, logger zerolog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := connector.LoadConfig(configPath)
			if err != nil {
				logger.Error().Err(err).Str("config", configPath).Msg("reload failed, keeping current plan")
				continue
			}
			if err := rt.Reload(cfg); err != nil {
				logger.Error().Err(err).Msg("reload failed, keeping current plan")
			}
		}
	}
}
