package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/ostdata-archive/internal/api/auth"
	"github.com/cuongbtq/ostdata-archive/internal/config"
	"github.com/spf13/cobra"
)

var (
	tokenAdmin bool
	tokenTTL   time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token USER_ID",
	Short: "Issue a bearer token for the job API",
	Long:  "Signs a token with auth.jwt_secret for USER_ID. Intended for operators and integration tests.",
	Args:  cobra.ExactArgs(1),
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "Grant administrator rights")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "Token lifetime")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth jwt_secret is required")
	}

	token, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.AdminClaim).IssueToken(args[0], tokenAdmin, tokenTTL)
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
