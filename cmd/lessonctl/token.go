package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"semaphore/lessons/internal/auth"
)

// tokenCmd mints tokens for local development against a key pair the
// identity service would normally hold.
func tokenCmd() *cobra.Command {
	var keyPath, issuer, userID, userType string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:    "token",
		Short:  "Sign a development bearer token",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			pemData, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("reading key: %w", err)
			}
			key, err := auth.ParseRSAPrivateKey(string(pemData))
			if err != nil {
				return err
			}
			token, err := auth.SignToken(key, issuer, ttl, auth.Claims{UserID: userID, UserType: userType})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "RSA private key (PEM)")
	cmd.Flags().StringVar(&issuer, "issuer", "semaphore-auth-identity", "Token issuer")
	cmd.Flags().StringVar(&userID, "user", "", "User id")
	cmd.Flags().StringVar(&userType, "type", "teacher", "User type: teacher, student, admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
