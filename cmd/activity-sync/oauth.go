package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"activity-sync/internal/config"
	"activity-sync/internal/sources/gmail"
)

var oauthListenAddr string

var oauthCmd = &cobra.Command{
	Use:   "oauth",
	Short: "Interactive provider authorization",
}

var oauthGmailCmd = &cobra.Command{
	Use:   "gmail",
	Short: "Authorize mailbox access and store the refresh token",
	Long: `Opens the Google consent flow for the OAuth client in
providers.gmail.credentials_path and writes the resulting token to
providers.gmail.token_path.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		setupLogging(cfg.Logging)

		g := cfg.Providers.Gmail
		if g.CredentialsPath == "" {
			return errors.New("providers.gmail.credentials_path is required")
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return gmail.OAuthFlow(ctx, g.CredentialsPath, g.TokenPath, oauthListenAddr)
	},
}

func init() {
	oauthGmailCmd.Flags().StringVar(&oauthListenAddr, "listen", "127.0.0.1:8085", "Address for the OAuth callback listener")
	oauthCmd.AddCommand(oauthGmailCmd)
	rootCmd.AddCommand(oauthCmd)
}
