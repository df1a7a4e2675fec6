// Package cmd implements the kenkyuctl commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kenkyu/internal/client"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Global flags
	serverURL      string
	token          string
	internalSecret string
	jsonOutput     bool
	timeout        time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "kenkyuctl",
	Short: "Operate kenkyu research runs",
	Long: `kenkyuctl talks to a kenkyu server: it creates research runs, inspects
their hypotheses and results, and pauses, resumes, stops or nudges them.

Credentials come from flags or the KENKYU_URL, KENKYU_TOKEN and
KENKYU_INTERNAL_SECRET environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Interrupts cancel in-flight requests.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("KENKYU_URL", "http://localhost:8080"), "kenkyu server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("KENKYU_TOKEN"), "bearer token")
	rootCmd.PersistentFlags().StringVar(&internalSecret, "internal-secret", os.Getenv("KENKYU_INTERNAL_SECRET"), "secret for process and recover")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print raw JSON")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "per-request timeout")

	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("kenkyuctl {{.Version}}\n")
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// newClient builds an API client from the global flags.
func newClient() (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:        serverURL,
		Token:          token,
		InternalSecret: internalSecret,
		Timeout:        timeout,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
