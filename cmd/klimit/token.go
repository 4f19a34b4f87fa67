package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/klimit/internal/admin"
	"github.com/goodtune/klimit/internal/config"
	"github.com/spf13/cobra"
)

var (
	tokenSubject string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint a control API token",
	Long: `Mint a bearer token for a control API client such as the lock screen. The
token is signed with admin.secret and expires after --ttl, or after
admin.token_expiration when --ttl is not given.`,
	Example: `  klimit -c config.yaml token --subject lockscreen
  klimit token --subject parent-phone --ttl 24h`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Client name recorded in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime")
	tokenCmd.MarkFlagRequired("subject")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	auth, err := admin.NewAuthenticator(cfg.Admin.Secret)
	if err != nil {
		return err
	}

	ttl := tokenTTL
	if ttl <= 0 {
		ttl = config.Duration(cfg.Admin.TokenExpiration, admin.DefaultTokenExpiration)
	}
	token, expiresAt, err := auth.IssueToken(tokenSubject, ttl)
	if err != nil {
		return err
	}

	if !cfg.Admin.Enabled {
		_, _ = color.New(color.FgYellow).Fprintln(os.Stderr, "Warning: the control API is disabled (admin.enabled = false)")
	}
	fmt.Println(token)
	_, _ = color.New(color.FgCyan).Fprintf(os.Stderr, "Expires %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
