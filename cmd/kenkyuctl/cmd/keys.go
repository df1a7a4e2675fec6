package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kenkyu/internal/auth"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen [dir]",
	Short: "Generate the Ed25519 key pair the server signs tokens with",
	Long: `Write jwt_private.pem and jwt_public.pem into dir (default: data).
Point KENKYU_JWT_PRIVATE_KEY and KENKYU_JWT_PUBLIC_KEY at them. Without
persistent keys the server generates ephemeral ones on every start, which
invalidates all issued tokens.

Existing key files are never overwritten.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKeygen,
}

var mintCmd = &cobra.Command{
	Use:   "mint <subject>",
	Short: "Sign a token offline with the server's key pair",
	Long: `Sign a token for subject with the key pair from 'kenkyuctl keygen'.
Use it to bootstrap the first operator or admin token; narrower tokens can
then be requested from the server with 'kenkyuctl token'.`,
	Args: cobra.ExactArgs(1),
	RunE: runMint,
}

var (
	mintRole    string
	mintTTL     time.Duration
	mintPrivKey string
	mintPubKey  string
)

func init() {
	mintCmd.Flags().StringVar(&mintRole, "role", string(auth.RoleOperator), "viewer, operator or admin")
	mintCmd.Flags().DurationVar(&mintTTL, "ttl", 24*time.Hour, "token lifetime")
	mintCmd.Flags().StringVar(&mintPrivKey, "private-key", envOr("KENKYU_JWT_PRIVATE_KEY", "data/jwt_private.pem"), "private key PEM")
	mintCmd.Flags().StringVar(&mintPubKey, "public-key", envOr("KENKYU_JWT_PUBLIC_KEY", "data/jwt_public.pem"), "public key PEM")
	rootCmd.AddCommand(keygenCmd, mintCmd)
}

func runKeygen(cmd *cobra.Command, args []string) error {
	dir := "data"
	if len(args) > 0 {
		dir = args[0]
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	priv := filepath.Join(dir, "jwt_private.pem")
	pub := filepath.Join(dir, "jwt_public.pem")
	if err := auth.WriteKeyPair(priv, pub); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Wrote %s\n", priv)
	fmt.Fprintf(out, "Wrote %s\n", pub)
	fmt.Fprintln(out, "\nSet in the server environment:")
	fmt.Fprintf(out, "  KENKYU_JWT_PRIVATE_KEY=%s\n", priv)
	fmt.Fprintf(out, "  KENKYU_JWT_PUBLIC_KEY=%s\n", pub)
	return nil
}

func runMint(cmd *cobra.Command, args []string) error {
	if mintPrivKey == "" || mintPubKey == "" {
		return fmt.Errorf("--private-key and --public-key are required")
	}
	mgr, err := auth.NewJWTManager(mintPrivKey, mintPubKey, mintTTL)
	if err != nil {
		return err
	}
	tok, expiresAt, err := mgr.IssueToken(args[0], auth.Role(mintRole))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"token":      tok,
			"subject":    args[0],
			"role":       mintRole,
			"expires_at": expiresAt,
		})
	}
	fmt.Fprintln(cmd.OutOrStdout(), tok)
	return nil
}
