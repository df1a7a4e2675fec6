package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/kenkyu/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Create and inspect research runs",
}

var runCreateCmd = &cobra.Command{
	Use:   "create <project-id> <topic>",
	Short: "Create a research run",
	Long: `Create a research run for a project. The server schedules the first
invocation immediately; use 'kenkyuctl run watch' to follow it.`,
	Args: cobra.ExactArgs(2),
	RunE: runCreate,
}

var runGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Show a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var runListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List a project's runs, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runList,
}

var runHypothesesCmd = &cobra.Command{
	Use:   "hypotheses <run-id>",
	Short: "List a run's hypotheses",
	Args:  cobra.ExactArgs(1),
	RunE:  runHypotheses,
}

var runWatchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Stream a run's status changes until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runWatch,
}

var (
	createHypotheses      int
	createLoops           int
	createModel           string
	createAttachments     string
	createIdempotency     string
	listLimit             int
	listOffset            int
	hypothesesWithDeleted bool
)

func init() {
	runCreateCmd.Flags().IntVarP(&createHypotheses, "hypotheses", "n", 5, "hypotheses to propose per loop")
	runCreateCmd.Flags().IntVar(&createLoops, "loops", 1, "research loops; each loop starts a successor run")
	runCreateCmd.Flags().StringVar(&createModel, "model", "", "gateway model (default: server default)")
	runCreateCmd.Flags().StringVar(&createAttachments, "attachment-store", "", "attachment store id passed to the gateway")
	runCreateCmd.Flags().StringVar(&createIdempotency, "idempotency-key", "", "makes retries return the same run")

	runListCmd.Flags().IntVar(&listLimit, "limit", 20, "page size")
	runListCmd.Flags().IntVar(&listOffset, "offset", 0, "page offset")

	runHypothesesCmd.Flags().BoolVar(&hypothesesWithDeleted, "include-deleted", false, "include soft-deleted hypotheses")

	runCmd.AddCommand(runCreateCmd, runGetCmd, runListCmd, runHypothesesCmd, runWatchCmd)
	rootCmd.AddCommand(runCmd)
}

func parseID(name, s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%s %q is not a UUID", name, s)
	}
	return id, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	projectID, err := parseID("project id", args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	run, err := c.CreateRun(cmd.Context(), model.CreateRunRequest{
		ProjectID:         projectID,
		Topic:             args[1],
		HypothesisCount:   createHypotheses,
		LoopCount:         createLoops,
		Model:             createModel,
		AttachmentStoreID: createAttachments,
	}, createIdempotency)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), run)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created run %s (%s)\n", run.ID, run.Status)
	return nil
}

func runGet(cmd *cobra.Command, args []string) error {
	id, err := parseID("run id", args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	run, err := c.GetRun(cmd.Context(), id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), run)
	}
	printRun(cmd.OutOrStdout(), run)
	return nil
}

func printRun(w io.Writer, run *model.Run) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", run.ID)
	fmt.Fprintf(tw, "Project:\t%s\n", run.ProjectID)
	fmt.Fprintf(tw, "Topic:\t%s\n", run.Config.Topic)
	fmt.Fprintf(tw, "Status:\t%s\n", run.Status)
	fmt.Fprintf(tw, "Phase:\t%s (step %d)\n", run.CurrentPhase, run.CurrentStep)
	fmt.Fprintf(tw, "Loop:\t%d/%d\n", run.CurrentLoop(), run.TotalLoops())
	if f := run.Progress.Fanout; f != nil && f.Total > 0 {
		fmt.Fprintf(tw, "Fan-out:\t%d/%d done, %d failed\n", f.Completed, f.Total, f.Failed)
	}
	if run.PreviousRunID != nil {
		fmt.Fprintf(tw, "Previous:\t%s\n", *run.PreviousRunID)
	}
	if run.ErrorMessage != nil {
		fmt.Fprintf(tw, "Error:\t%s\n", *run.ErrorMessage)
	}
	if run.Result != nil {
		fmt.Fprintf(tw, "Result:\t%d entries, %d failed\n", len(run.Result.Entries), len(run.Result.Failed))
		fmt.Fprintf(tw, "Digest:\t%s\n", run.Result.Digest)
	}
	fmt.Fprintf(tw, "Created:\t%s\n", run.CreatedAt.Format(time.RFC3339))
	_ = tw.Flush()
}

func runList(cmd *cobra.Command, args []string) error {
	projectID, err := parseID("project id", args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	list, err := c.ListProjectRuns(cmd.Context(), projectID, listLimit, listOffset)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), list.Runs)
	}

	out := cmd.OutOrStdout()
	if len(list.Runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tPHASE\tLOOP\tCREATED\tTOPIC")
	for _, r := range list.Runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			r.ID, r.Status, r.CurrentPhase, r.CurrentLoop(), r.TotalLoops(),
			r.CreatedAt.Format(time.RFC3339), shorten(r.Config.Topic, 48))
	}
	_ = tw.Flush()
	if list.HasMore {
		fmt.Fprintf(out, "\nShowing %d of %d. Next page: --offset %d\n", len(list.Runs), list.Total, listOffset+len(list.Runs))
	}
	return nil
}

func runHypotheses(cmd *cobra.Command, args []string) error {
	id, err := parseID("run id", args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	hyps, err := c.ListHypotheses(cmd.Context(), id, hypothesesWithDeleted)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), hyps)
	}

	out := cmd.OutOrStdout()
	if len(hyps) == 0 {
		fmt.Fprintln(out, "No hypotheses yet.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tID\tSTATUS\tTITLE")
	for _, h := range hyps {
		status := string(h.Status)
		if h.DeletedAt != nil {
			status += " (deleted)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", h.Index, h.ID, status, shorten(h.DisplayTitle, 60))
	}
	_ = tw.Flush()
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	id, err := parseID("run id", args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var last model.RunEvent
	err = c.WatchRun(cmd.Context(), id, func(ev model.RunEvent) error {
		last = ev
		if jsonOutput {
			return printJSON(out, ev)
		}
		line := fmt.Sprintf("%s  %-9s %s", ev.At.Format(time.TimeOnly), ev.Status, ev.Phase)
		if ev.Error != "" {
			line += "  " + ev.Error
		}
		fmt.Fprintln(out, line)
		return nil
	})
	if err != nil {
		return err
	}
	if last.Status == model.RunStatusError {
		return fmt.Errorf("run %s failed: %s", id, last.Error)
	}
	return nil
}

func shorten(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
