// Package cli holds the fleet-agent commands.
package cli

import (
	"fmt"

	"github.com/netly/fleet/internal/agent/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const configFlag = "config"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fleet-agent",
		Short:         "Node agent answering the fleet control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.PersistentFlags().String(configFlag, "", "config file (default ./agent.yaml or "+config.DefaultPath+")")

	cmd.AddCommand(
		newRunCmd(version),
		newInstallCmd(),
		newImageCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the agent version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), version)
			},
		},
	)
	return cmd
}

func configPath(cmd *cobra.Command) string {
	path, _ := cmd.Flags().GetString(configFlag)
	return path
}

// setup loads the config and a logger writing to the command's stderr.
func setup(cmd *cobra.Command, level zapcore.Level) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configPath(cmd))
	if err != nil {
		return nil, nil, err
	}
	return cfg, initLogger(cmd.ErrOrStderr(), cfg.LogPath, level), nil
}
