// Package commands implements the evgen command line.
package commands

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/latticeforge/evgen/pkg/config"
	"github.com/latticeforge/evgen/pkg/spmd"
	"github.com/latticeforge/evgen/pkg/telemetry"
)

const (
	defaultConfigPath = "input"
	defaultEvents     = 1
	shutdownTimeout   = 10 * time.Second
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	return &cobra.Command{
		Use:   "evgen [config-path] [events]",
		Short: "evgen - lattice initial-state event generator",
		Long: `evgen generates heavy-ion collision events on a lattice.

Each worker derives its own random seed, then repeats the attempt, evolve and
finalize sequence for the requested number of events. Workers either run as
goroutines of one process (parallel.mode: local) or as one process each under
an MPI-style launcher (parallel.mode: process). Every process-mode launch needs
a run id of its own; a barrier directory left behind by an earlier launch with
the same id is refused.

The configuration path defaults to "input" and the event count to 1.`,
		Example: `  # Run one event with ./input
  evgen

  # Run 10 events per worker with a YAML configuration
  evgen run.yaml 10

  # Four processes under Open MPI sharing one run id
  EVGEN_RUN_ID=au-au-01 mpirun -n 4 evgen run.yaml 25`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, events, err := parseArgs(args)
			if err != nil {
				return err
			}
			return run(cmd.Context(), path, events, version)
		},
	}
}

// parseArgs applies the positional argument defaults.
func parseArgs(args []string) (string, int, error) {
	path := defaultConfigPath
	events := defaultEvents

	if len(args) > 0 {
		path = args[0]
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return "", 0, fmt.Errorf("invalid event count %q: %w", args[1], err)
		}
		if n < 1 {
			return "", 0, fmt.Errorf("event count must be at least 1, got %d", n)
		}
		events = n
	}
	return path, events, nil
}

func run(ctx context.Context, path string, events int, version string) (err error) {
	cfg, err := config.Load(path, events)
	if err != nil {
		return err
	}

	tcfg := telemetry.FromRunConfig(cfg.Telemetry, version)
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		tcfg.Logging.Level = level
	}

	tel, err := telemetry.NewTelemetry(tcfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if err := tel.Start(); err != nil {
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if serr := tel.Shutdown(sctx); serr != nil {
			log.Warn().Err(serr).Msg("Telemetry shutdown incomplete")
		}
	}()

	tel.Logger.Log().Info().
		Str("config", cfg.Source).
		Int("events", cfg.Events).
		Str("kernel", cfg.Kernel.Kind).
		Msg("Configuration loaded")

	return spmd.Run(ctx, cfg, tel, spmd.Options{})
}
