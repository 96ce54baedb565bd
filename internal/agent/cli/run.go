package cli

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/netly/fleet/internal/agent/executor"
	"github.com/netly/fleet/internal/agent/responder"
	"github.com/netly/fleet/internal/agent/stats"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newRunCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to NATS and serve discovery and commands until stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd, zapcore.DebugLevel)
			if err != nil {
				return err
			}
			defer log.Sync()
			if err := cfg.Validate(); err != nil {
				return err
			}

			log.Info("starting fleet agent",
				zap.String("version", version),
				zap.String("node", cfg.Node),
				zap.String("nats", cfg.NatsURL),
			)

			nc, err := nats.Connect(cfg.NatsURL,
				nats.Name("fleet-agent:"+cfg.Node),
				nats.MaxReconnects(-1),
				nats.ReconnectWait(2*time.Second),
				nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
					log.Warn("nats disconnected", zap.Error(err))
				}),
				nats.ReconnectHandler(func(c *nats.Conn) {
					log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
				}),
			)
			if err != nil {
				return fmt.Errorf("failed to connect to nats: %w", err)
			}

			r := responder.New(responder.Config{
				Node:          cfg.Node,
				SubjectPrefix: cfg.SubjectPrefix,
				Version:       version,
				Facts:         stats.NewCollector(),
				Executor:      executor.NewExecutor(cfg.ExecTimeout, cfg.UseSudo),
				Logger:        log,
			})
			if err := r.Start(nc); err != nil {
				nc.Close()
				return err
			}

			<-cmd.Context().Done()
			log.Info("received shutdown signal")
			r.Stop()
			if err := nc.Drain(); err != nil {
				log.Warn("nats drain failed", zap.Error(err))
			}
			log.Info("agent stopped gracefully")
			return nil
		},
	}
}
