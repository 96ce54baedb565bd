package cli

import (
	"fmt"

	"github.com/netly/fleet/pkg/utils/keygen"
	"github.com/netly/fleet/pkg/utils/sshkeygen"
	"github.com/spf13/cobra"
)

func newKeygenCmd() *cobra.Command {
	var keyPath string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the SSH key used for agent installs and print a fresh encryption key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if keyPath == "" {
				p, err := sshkeygen.DefaultKeyPath()
				if err != nil {
					return err
				}
				keyPath = p
			}

			created, err := sshkeygen.GenerateEd25519KeyPair(keyPath, keyPath+".pub")
			if err != nil {
				return fmt.Errorf("failed to generate key pair: %w", err)
			}
			if created {
				fmt.Fprintf(out, "ssh key pair written to %s\n", keyPath)
			} else {
				fmt.Fprintf(out, "ssh key pair already exists at %s (skipped)\n", keyPath)
			}

			key, err := keygen.GenerateEncryptionKey()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "security.encryption_key: %s\n", key)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "path", "", "private key path (default ~/.ssh/fleet_ed25519)")
	return cmd
}
