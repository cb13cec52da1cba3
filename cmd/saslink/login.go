package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/saslink/internal/oauth"
	"pkt.systems/saslink/schema"
)

func newLoginCmd(cfgPath *string) *cobra.Command {
	var profileName string
	var logout bool
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authorize against a REST profile and cache the token",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnv(cmd.Context(), *cfgPath, envOptions{
				authorizer: oauth.PromptAuthorizer{In: cmd.InOrStdin(), Out: cmd.ErrOrStderr(), Open: oauth.OpenBrowser},
			})
			if err != nil {
				return err
			}
			profile, err := env.host.Profile(profileName)
			if err != nil {
				return err
			}
			if profile.Connection != schema.TransportREST {
				return fmt.Errorf("profile %s uses %s; login applies to rest profiles", profile.Name, profile.Connection)
			}
			if logout {
				if err := env.host.Logout(string(profile.Name)); err != nil {
					return err
				}
				if err := env.tokens.Delete(profile.Name); err != nil {
					return err
				}
				env.logger.Info("token removed", "profile", profile.Name)
				return nil
			}
			defer env.close(cmd.Context())
			if err := env.host.Login(cmd.Context(), string(profile.Name)); err != nil {
				return err
			}
			env.logger.Info("login ok", "profile", profile.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&profileName, "profile", "p", "", "rest profile (default: default_profile)")
	cmd.Flags().BoolVar(&logout, "logout", false, "remove the cached token instead")
	return cmd
}
