package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/agent-racer/interactive/pkg/auth"
)

func authCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the stored session token",
	}
	cmd.AddCommand(loginCmd(opts), refreshCmd(opts), statusCmd(opts), logoutCmd(opts))
	return cmd
}

func loginCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in with a short code",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := newLogger(os.Stderr, opts.verbose)
			mgr := newAuthManager(cfg, logger)
			store := auth.NewFileStore(cfg.Auth.TokenDir)

			sc, err := mgr.BeginShortCode(cmd.Context(), "", cfg.Auth.Scopes)
			if err != nil {
				return err
			}
			fmt.Printf("Approve code %s on %s (expires in %s)\n", sc.Code, cfg.Auth.BaseURL, sc.ExpiresIn)

			tok, err := mgr.WaitForShortCode(cmd.Context(), sc.Handle, cfg.Auth.LoginTimeout)
			if errors.Is(err, auth.ErrDenied) {
				return fmt.Errorf("login denied")
			}
			if err != nil {
				return err
			}
			if err := store.Save(tok); err != nil {
				return err
			}
			fmt.Printf("Logged in. Token stored in %s\n", store.Path())
			return nil
		},
	}
}

func refreshCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Renew the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store := auth.NewFileStore(cfg.Auth.TokenDir)
			tok, err := loadToken(store)
			if err != nil {
				return err
			}

			fresh, err := newAuthManager(cfg, newLogger(os.Stderr, opts.verbose)).Refresh(cmd.Context(), tok)
			if errors.Is(err, auth.ErrExpired) {
				return fmt.Errorf("%w; run `interactive auth login`", err)
			}
			if err != nil {
				return err
			}
			if err := store.Save(fresh); err != nil {
				return err
			}
			fmt.Printf("Token refreshed, expires %s\n", fresh.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func statusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			store := auth.NewFileStore(cfg.Auth.TokenDir)
			tok, ok, err := store.Load()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Println("Not logged in.")
				return nil
			}

			state := "valid"
			if auth.IsStale(tok, time.Now(), cfg.Session.StaleMargin) {
				state = "stale"
			}
			fmt.Printf("Token: %s\n", store.Path())
			fmt.Printf("  expires: %s (%s)\n", tok.ExpiresAt.Format(time.RFC3339), state)
			fmt.Printf("  refresh: %v\n", tok.RefreshToken != "")
			return nil
		},
	}
}

func logoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the stored token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := auth.NewFileStore(cfg.Auth.TokenDir).Clear(); err != nil {
				return err
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}

func loadToken(store *auth.FileStore) (auth.Token, error) {
	tok, ok, err := store.Load()
	if err != nil {
		return auth.Token{}, err
	}
	if !ok {
		return auth.Token{}, fmt.Errorf("no stored token at %s; run `interactive auth login`", store.Path())
	}
	return tok, nil
}
