package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/HerbHall/courierkeys/internal/auth"
	"github.com/HerbHall/courierkeys/internal/config"
)

type tokenOptions struct {
	subject     string
	role        string
	restaurants []string
	ttl         time.Duration
}

// newTokenCmd mints an access token signed with auth.jwt_secret. Operators
// hand these to the services that call the vault API.
func newTokenCmd(configPath *string) *cobra.Command {
	opts := &tokenOptions{}
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer access token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.LoadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			secret := v.GetString("auth.jwt_secret")
			if secret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			ttl := opts.ttl
			if ttl <= 0 {
				ttl = v.GetDuration("auth.access_token_ttl")
			}
			role := auth.Role(opts.role)
			if role != auth.RoleAdmin && len(opts.restaurants) == 0 {
				return errors.New("--restaurant is required for non-admin roles")
			}

			tokens := auth.NewTokenService([]byte(secret), v.GetString("auth.issuer"), ttl)
			token, err := tokens.IssueAccessToken(opts.subject, role, opts.restaurants)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.subject, "subject", "", "token subject, recorded as the audit actor")
	f.StringVar(&opts.role, "role", string(auth.RoleOperator), "admin, operator or viewer")
	f.StringSliceVar(&opts.restaurants, "restaurant", nil, "restaurant ids the token may access (repeatable)")
	f.DurationVar(&opts.ttl, "ttl", 0, "token lifetime (default auth.access_token_ttl)")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
