package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/editor-sessions/internal/auth"
	"github.com/MarcoPoloResearchLab/editor-sessions/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var errMissingUserID = errors.New("--user-id is required")

func newTokenCommand() *cobra.Command {
	var (
		userID      string
		email       string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a TAuth session token for a remote editing client",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return errMissingUserID
			}
			secret := strings.TrimSpace(viper.GetString(config.KeyTAuthSigningSecret))
			if secret == "" {
				return fmt.Errorf("%s is required", config.KeyTAuthSigningSecret)
			}
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(secret),
				Issuer:        viper.GetString(config.KeyTAuthIssuer),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(userID, email, displayName)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "Canonical user id the token identifies")
	cmd.Flags().StringVar(&email, "email", "", "Email claim")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Display name claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to the issuer default)")
	return cmd
}
