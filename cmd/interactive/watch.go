package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agent-racer/interactive/internal/tui/app"
	"github.com/agent-racer/interactive/pkg/auth"
	"github.com/agent-racer/interactive/pkg/interactive"
	"github.com/agent-racer/interactive/pkg/protocol"
)

func watchCmd(opts *rootOptions) *cobra.Command {
	var (
		group   string
		scene   string
		ready   bool
		logFile string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Open a session and watch it live",
		Long: `watch connects with the stored token, moves new participants into a
group on the chosen scene, goes ready and shows the session in a dashboard.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return errors.New("watch needs a terminal")
			}
			cfg, err := opts.load()
			if err != nil {
				return err
			}

			var logOut io.Writer = io.Discard
			if logFile != "" {
				f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
				if err != nil {
					return fmt.Errorf("opening log file: %w", err)
				}
				defer f.Close()
				logOut = f
			}
			logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

			level, err := interactive.ParseDebugLevel(cfg.Session.DebugLevel)
			if err != nil {
				return err
			}
			throttles, err := cfg.Session.Throttle()
			if err != nil {
				return err
			}

			store := auth.NewFileStore(cfg.Auth.TokenDir)
			tok, err := loadToken(store)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			sess, err := interactive.Open(ctx, interactive.Config{
				Endpoint:    cfg.Session.Endpoint,
				VersionID:   cfg.Session.VersionID,
				ShareCode:   cfg.Session.ShareCode,
				Token:       tok,
				Auth:        newAuthManager(cfg, logger),
				StaleMargin: cfg.Session.StaleMargin,
				OnTokenRefresh: func(t auth.Token) {
					if err := store.Save(t); err != nil {
						logger.Warn("saving refreshed token", "error", err)
					}
				},
				GoInteractive: cfg.Session.GoInteractive,
				Throttles:     throttles,
				Cascade:       cfg.Session.CascadePolicy(),
				CallTimeout:   cfg.Session.CallTimeout,
				Logger:        logger,
				DebugLevel:    level,
			})
			if err != nil {
				return err
			}
			defer sess.Close()

			if err := prepare(ctx, sess, group, scene, ready && !cfg.Session.GoInteractive); err != nil {
				return err
			}

			m := app.New(sess, app.Options{CallTimeout: cfg.Session.CallTimeout, Group: group})
			if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
				return fmt.Errorf("running dashboard: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&group, "group", "g", "racers", "Group to create for the session (empty to skip)")
	cmd.Flags().StringVarP(&scene, "scene", "s", "track", "Scene the group shows")
	cmd.Flags().BoolVar(&ready, "ready", true, "Go ready once the group exists")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Append session logs to this file")
	return cmd
}

// prepare creates the host's group and goes ready. An existing group is
// reused.
func prepare(ctx context.Context, sess *interactive.Session, group, scene string, ready bool) error {
	if group != "" {
		err := sess.CreateGroup(ctx, group, scene)
		var perr *protocol.Error
		if errors.As(err, &perr) && perr.Code == protocol.CodeGroupExists {
			err = sess.GroupSetScene(ctx, group, scene)
		}
		if err != nil {
			return fmt.Errorf("creating group %s: %w", group, err)
		}
	}
	if ready {
		if err := sess.SetReady(ctx, true); err != nil {
			return fmt.Errorf("going ready: %w", err)
		}
	}
	return nil
}
