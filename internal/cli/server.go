package cli

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/netly/fleet/internal/core/ports"
	"github.com/spf13/cobra"
)

func newServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the server inventory",
	}
	cmd.AddCommand(newServerAddCmd(), newServerListCmd(), newServerRemoveCmd())
	return cmd
}

func newServerAddCmd() *cobra.Command {
	var (
		input   ports.RegisterServerInput
		keyFile string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if keyFile != "" {
				key, err := os.ReadFile(keyFile)
				if err != nil {
					return fmt.Errorf("failed to read key file: %w", err)
				}
				input.SSHKey = string(key)
			}
			a, done, err := bootstrap(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer done()

			server, err := a.Servers.RegisterServer(cmd.Context(), input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (id %d)\n", server.Hostname, server.ID)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&input.Hostname, "hostname", "", "server hostname, also its node id")
	f.StringVar(&input.Address, "address", "", "IP address")
	f.IntVar(&input.SSHPort, "port", 22, "SSH port")
	f.StringVarP(&input.User, "user", "u", "root", "SSH user")
	f.StringVar(&input.Password, "password", "", "SSH password")
	f.StringVar(&keyFile, "key-file", "", "private key file used instead of a password")
	_ = cmd.MarkFlagRequired("hostname")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func newServerListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, done, err := bootstrap(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer done()

			servers, err := a.Servers.ListServers(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tHOSTNAME\tADDRESS\tAGENT\tSTATUS")
			for _, s := range servers {
				fmt.Fprintf(w, "%d\t%s\t%s:%d\t%t\t%s\n", s.ID, s.Hostname, s.Address, s.SSHPort, s.Setup, s.Status)
			}
			return w.Flush()
		},
	}
}

func newServerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a server from the inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid server id %q", args[0])
			}
			a, done, err := bootstrap(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer done()
			return a.Servers.DeleteServer(cmd.Context(), uint(id))
		},
	}
}
