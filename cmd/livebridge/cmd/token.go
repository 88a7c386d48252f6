package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/livebridge/internal/realtime"
)

var tokenCmd = &cobra.Command{
	Use:   "token <room> <identity>",
	Short: "Mint a receive-only realtime room token",
	Long: `Mint a receive-only access token for a realtime room using the
configured realtime.api_key and realtime.api_secret. The token is printed
to stdout followed by its expiry on stderr.`,
	Args: cobra.ExactArgs(2),
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().Duration("ttl", 0, "Token lifetime (default: realtime.token_ttl)")
	mustBindPFlag("realtime.token_ttl", tokenCmd.Flags().Lookup("ttl"))
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	issuer := realtime.NewIssuer(cfg.Realtime)
	token, err := issuer.ViewerToken(args[0], args[1])
	if err != nil {
		return fmt.Errorf("minting token: %w", err)
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	if expiry, ok, err := realtime.TokenExpiry(token); err == nil && ok {
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiry.Local().Format(time.RFC3339))
	}
	return nil
}
