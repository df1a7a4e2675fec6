package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		h, err := c.Health(cmd.Context())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), h)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s (version %s, store %s, lock %s, continuation %s, up %ds)\n",
			h.Status, h.Version, h.Store, h.LockBackend, h.Continuation, h.Uptime)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
