package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/gophsync/internal/remote"
	"github.com/and161185/gophsync/internal/session"
)

// newLoginCmd builds `login`, or `register` when register is set. Register
// logs in afterwards so the new account is usable right away.
func newLoginCmd(c *cli, register bool) *cobra.Command {
	var username, password string
	use, short := "login", "Obtain a token and store it in the token file"
	if register {
		use, short = "register", "Create an account and log in"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" || password == "" {
				return errors.New("username and password are required")
			}
			ctx, cancel := withTimeout(cmd.Context())
			defer cancel()

			rc := remote.New(c.cfg.ServerURL, &http.Client{Timeout: remoteTimeout})
			if register {
				if err := rc.Register(ctx, username, password); err != nil {
					return fmt.Errorf("register: %w", err)
				}
			}
			tok, err := rc.Login(ctx, username, password)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			s := session.New(c.cfg.TokenFile)
			s.SetToken(tok)
			if err := s.Save(); err != nil {
				return fmt.Errorf("save token: %w", err)
			}
			c.log.Info("logged in", zap.String("user", username), zap.Time("expires", s.ExpiresAt()))
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	return cmd
}

func newLogoutCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return session.New(c.cfg.TokenFile).Clear()
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "syncd %s (%s)\n", version, buildDate)
			return nil
		},
	}
}
