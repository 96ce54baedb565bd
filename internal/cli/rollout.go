package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/netly/fleet/internal/core/services"
	"github.com/netly/fleet/internal/manifest"
	"github.com/spf13/cobra"
)

func newPlanCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show what a rollout manifest would change, without changing anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := manifest.Load(file)
			if err != nil {
				return err
			}
			a, done, err := bootstrap(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer done()

			rollout, err := a.Rollouts.Plan(cmd.Context(), m)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if rollout.Empty() {
				fmt.Fprintln(out, "nothing to do")
				return nil
			}
			fmt.Fprintln(out, "planned changes:")
			printLines(out, rollout.Summary)
			if len(rollout.Idle) > 0 {
				fmt.Fprintf(out, "up to date: %s\n", strings.Join(rollout.Idle, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rollout manifest")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newApplyCmd() *cobra.Command {
	var (
		file string
		yes  bool
	)
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Plan a rollout manifest, confirm, then apply it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := manifest.Load(file)
			if err != nil {
				return err
			}
			a, done, err := bootstrap(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer done()

			confirm := promptConfirm(cmd.InOrStdin(), cmd.OutOrStdout())
			if yes {
				confirm = nil
			}
			rollout, err := a.Rollouts.Apply(cmd.Context(), m, confirm)
			if errors.Is(err, services.ErrRolloutDeclined) {
				fmt.Fprintln(cmd.OutOrStdout(), "aborted, nothing changed")
				return nil
			}
			if err != nil {
				return err
			}
			if rollout.Empty() {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to do")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rollout complete")
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rollout manifest")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "apply without asking for confirmation")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// promptConfirm shows the summary and reads a y/yes answer from in.
func promptConfirm(in io.Reader, out io.Writer) services.ConfirmFunc {
	return func(summary []string) (bool, error) {
		fmt.Fprintln(out, "planned changes:")
		printLines(out, summary)
		fmt.Fprint(out, "apply these changes? [y/N] ")

		answer, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "y", "yes":
			return true, nil
		}
		return false, nil
	}
}
