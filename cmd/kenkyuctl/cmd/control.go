package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kenkyu/internal/client"
	"github.com/ashita-ai/kenkyu/internal/model"
)

var pauseCmd = &cobra.Command{
	Use:   "pause <run-id>",
	Short: "Pause a running run after its current step",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRunE((*client.Client).PauseRun, "Paused"),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a paused run from where it stopped",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRunE((*client.Client).ResumeRun, "Resumed"),
}

var stopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Cancel a run; it cannot be resumed",
	Args:  cobra.ExactArgs(1),
	RunE:  controlRunE((*client.Client).StopRun, "Stopped"),
}

var nudgeCmd = &cobra.Command{
	Use:   "nudge <run-id>",
	Short: "Re-issue a continuation for a run that looks stuck",
	Args:  cobra.ExactArgs(1),
	RunE:  runNudge,
}

var deleteHypothesisCmd = &cobra.Command{
	Use:   "delete-hypothesis <hypothesis-id>",
	Short: "Soft-delete a hypothesis so later runs may propose it again",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteHypothesis,
}

func init() {
	rootCmd.AddCommand(pauseCmd, resumeCmd, stopCmd, nudgeCmd, deleteHypothesisCmd)
}

type controlFunc func(*client.Client, context.Context, uuid.UUID) (*model.Run, error)

func controlRunE(fn controlFunc, verb string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := parseID("run id", args[0])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		run, err := fn(c, cmd.Context(), id)
		if client.IsConflict(err) {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), run)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s run %s (now %s)\n", verb, run.ID, run.Status)
		return nil
	}
}

func runNudge(cmd *cobra.Command, args []string) error {
	id, err := parseID("run id", args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	resp, err := c.NudgeRun(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	if resp.Continued {
		fmt.Fprintf(cmd.OutOrStdout(), "Nudged run %s\n", id)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s is %s; nothing to continue\n", id, resp.Run.Status)
	}
	return nil
}

func runDeleteHypothesis(cmd *cobra.Command, args []string) error {
	id, err := parseID("hypothesis id", args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	h, err := c.DeleteHypothesis(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), h)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted hypothesis %s (%s)\n", h.ID, h.DisplayTitle)
	return nil
}
