package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process <run-id>",
	Short: "Run one invocation of a run by hand",
	Long: `Call the process endpoint for a run, the same way a continuation does.
Requires --internal-secret. With --drain, keep invoking until the run
reports no more work.`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Re-continue runs whose continuation was lost",
	Args:  cobra.NoArgs,
	RunE:  runRecover,
}

var (
	processDrain bool
	processLimit int
)

func init() {
	processCmd.Flags().BoolVar(&processDrain, "drain", false, "invoke repeatedly until the run has no more work")
	processCmd.Flags().IntVar(&processLimit, "max-invocations", 1000, "upper bound on invocations with --drain")
	rootCmd.AddCommand(processCmd, recoverCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	id, err := parseID("run id", args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i := 0; i < processLimit; i++ {
		inv, err := c.Process(cmd.Context(), id)
		if err != nil {
			return err
		}
		if jsonOutput {
			if err := printJSON(out, inv); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "phase=%s iterations=%d elapsed=%dms more=%t\n",
				inv.Phase, inv.Iterations, inv.ElapsedMs, inv.HasMore)
		}
		if inv.Error != "" {
			return fmt.Errorf("invocation failed: %s", inv.Error)
		}
		if inv.SuccessorID != nil && !jsonOutput {
			fmt.Fprintf(out, "next loop continues as run %s\n", *inv.SuccessorID)
		}
		if !processDrain || !inv.HasMore {
			return nil
		}
		if inv.RetryAfterMs > 0 {
			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(time.Duration(inv.RetryAfterMs) * time.Millisecond):
			}
		}
	}
	return fmt.Errorf("run %s still has work after %d invocations", id, processLimit)
}

func runRecover(cmd *cobra.Command, _ []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	resp, err := c.Recover(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Continued %d stalled run(s)\n", resp.Continued)
	for _, id := range resp.RunIDs {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
	}
	return nil
}
