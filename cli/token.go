package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"mediaforge/models"
	"mediaforge/routes"
	"mediaforge/utils"
)

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var subject string
	var scopes []string
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token for the mutating API routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not set; the API accepts unauthenticated requests")
			}
			if ttl <= 0 {
				return fmt.Errorf("--ttl must be positive, got %v", ttl)
			}

			now := time.Now()
			token, err := utils.CreateToken(&models.AccessClaims{
				Issuer:    cfg.Auth.Issuer,
				Subject:   subject,
				IssuedAt:  now.Unix(),
				ExpiresAt: now.Add(ttl).Unix(),
				Scopes:    scopes,
			}, tokenConfig(cfg))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "cli", "Token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "Granted scopes (serial, convert, delete, credentials); empty grants all")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(routes.Version())
		},
	}
}
