package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/netly/fleet/internal/agent/config"
	"github.com/netly/fleet/internal/agent/executor"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const unitName = "fleet-agent.service"

const unitTemplate = `[Unit]
Description=fleet node agent
After=network-online.target
Wants=network-online.target

[Service]
ExecStart=%s run --config %s
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
`

func newInstallCmd() *cobra.Command {
	var (
		node      string
		natsURL   string
		prefix    string
		unitDir   string
		noSystemd bool
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Write the agent config and systemd unit, then start the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd, zapcore.InfoLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			cfg.Node = node
			if natsURL != "" {
				cfg.NatsURL = natsURL
			}
			if prefix != "" {
				cfg.SubjectPrefix = prefix
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			path := configPath(cmd)
			if path == "" {
				path = config.DefaultPath
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			log.Info("agent config written", zap.String("path", path), zap.String("node", node))

			binary, err := os.Executable()
			if err != nil {
				return fmt.Errorf("failed to locate agent binary: %w", err)
			}
			unitPath := filepath.Join(unitDir, unitName)
			if err := os.MkdirAll(unitDir, 0o755); err != nil {
				return fmt.Errorf("failed to create unit directory: %w", err)
			}
			if err := os.WriteFile(unitPath, []byte(fmt.Sprintf(unitTemplate, binary, path)), 0o644); err != nil {
				return fmt.Errorf("failed to write unit: %w", err)
			}
			log.Info("systemd unit written", zap.String("path", unitPath))

			if !noSystemd {
				if err := executor.NewSystemdManager(cfg.UseSudo).EnableAndStart(cmd.Context(), unitName); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agent installed for node %s\n", node)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&node, "node", "", "node id the control plane addresses this agent by")
	f.StringVar(&natsURL, "nats-url", "", "NATS server url")
	f.StringVar(&prefix, "subject-prefix", "", "NATS subject prefix")
	f.StringVar(&unitDir, "unit-dir", "/etc/systemd/system", "systemd unit directory")
	f.BoolVar(&noSystemd, "no-systemd", false, "write files only, do not enable the unit")
	_ = cmd.MarkFlagRequired("node")
	return cmd
}
