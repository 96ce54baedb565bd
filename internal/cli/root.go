// Package cli holds the fleetctl commands.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/netly/fleet/internal/app"
	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/netly/fleet/internal/infrastructure/progress"
	"github.com/spf13/cobra"
)

const configFlag = "config"

// NewRootCmd builds fleetctl with all its subcommands.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Plan and apply software rollouts across a fleet of servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	cmd.PersistentFlags().StringP(configFlag, "c", "", "path to the config file (default: config/config.yaml when present)")

	cmd.AddCommand(
		newPlanCmd(),
		newApplyCmd(),
		newServeCmd(),
		newServerCmd(),
		newCacheCmd(),
		newKeygenCmd(),
		newVersionCmd(version),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString(configFlag)
	if path == "" {
		path = defaultConfigPath()
	}
	return config.Load(path)
}

// bootstrap loads config, builds the logger and wires the control plane. Operator output goes to
// the command's stdout and stderr.
func bootstrap(ctx context.Context, cmd *cobra.Command) (*app.App, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sink := progress.NewConsole(cmd.OutOrStdout(), cmd.ErrOrStderr())
	a, err := app.New(ctx, cfg, log, sink)
	if err != nil {
		_ = log.Sync()
		return nil, nil, err
	}
	return a, func() {
		if err := a.Close(); err != nil {
			log.Warnw("shutdown_close_failed", "error", err)
		}
		_ = log.Sync()
	}, nil
}

func printLines(w io.Writer, lines []string) {
	for _, l := range lines {
		fmt.Fprintln(w, "  "+l)
	}
}
