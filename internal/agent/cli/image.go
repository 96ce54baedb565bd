package cli

import (
	"fmt"
	"time"

	"github.com/netly/fleet/internal/agent/images"
	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/infrastructure/catalog"
	"github.com/netly/fleet/internal/infrastructure/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

func newImageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "image",
		Short: "Pull images and install or remove the services built from them",
	}
	cmd.AddCommand(newImagePullCmd(), newImageInstallCmd(), newImageRemoveCmd())
	return cmd
}

func newImagePullCmd() *cobra.Command {
	var (
		id      string
		from    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Download an image from the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd, zapcore.InfoLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			fetcher := catalog.NewHTTPCatalog(config.CatalogConfig{BaseURL: from, Timeout: timeout}, logger.FromZap(log).Named("catalog"))
			path, err := images.NewStore(cfg.StateDir, log).Pull(cmd.Context(), fetcher, id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "image id")
	cmd.Flags().StringVar(&from, "from", "", "catalog base url")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "download timeout")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("from")
	return cmd
}

func newImageInstallCmd() *cobra.Command {
	var service, id string
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install a pulled image as a service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd, zapcore.InfoLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			path, err := images.NewStore(cfg.StateDir, log).Install(service, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s from %s at %s\n", service, id, path)
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service name")
	cmd.Flags().StringVar(&id, "id", "", "image id")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func newImageRemoveCmd() *cobra.Command {
	var service string
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove an installed service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup(cmd, zapcore.InfoLevel)
			if err != nil {
				return err
			}
			defer log.Sync()

			if err := images.NewStore(cfg.StateDir, log).Remove(service); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", service)
			return nil
		},
	}
	cmd.Flags().StringVar(&service, "service", "", "service name")
	_ = cmd.MarkFlagRequired("service")
	return cmd
}
