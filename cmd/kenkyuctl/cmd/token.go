package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kenkyu/internal/model"
)

var tokenCmd = &cobra.Command{
	Use:   "token <subject> <project-id>",
	Short: "Mint a project-scoped token",
	Long: `Mint a short-lived token for subject that can only see one project.
The role may not exceed the caller's own.`,
	Args: cobra.ExactArgs(2),
	RunE: runToken,
}

var (
	tokenRole string
	tokenTTL  time.Duration
)

func init() {
	tokenCmd.Flags().StringVar(&tokenRole, "role", "viewer", "viewer or operator")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 5*time.Minute, "token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	projectID, err := parseID("project id", args[1])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	resp, err := c.IssueScopedToken(cmd.Context(), model.ScopedTokenRequest{
		Subject:   args[0],
		Role:      tokenRole,
		ProjectID: projectID,
		ExpiresIn: int(tokenTTL.Seconds()),
	})
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), resp)
	}
	fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
	return nil
}
