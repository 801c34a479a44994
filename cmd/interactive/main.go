package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agent-racer/interactive/internal/config"
	"github.com/agent-racer/interactive/pkg/auth"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "interactive",
		Short: "Client runtime and mock service for interactive sessions",
		Long: `interactive connects a host program to an interactive session service.

  auth   log in with a short code and manage the stored token
  serve  run a local mock service with a simulated audience
  watch  open a session and show scenes, participants and input live`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "interactive.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log debug output")

	rootCmd.AddCommand(
		authCmd(opts),
		serveCmd(opts),
		watchCmd(opts),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func (o *rootOptions) load() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		options.Level = slog.LevelDebug
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, options))
	}
	return slog.New(slog.NewJSONHandler(w, options))
}

func newAuthManager(cfg *config.Config, logger *slog.Logger) *auth.Manager {
	return auth.NewManager(auth.Config{
		BaseURL:      cfg.Auth.BaseURL,
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		PollInterval: cfg.Auth.PollInterval,
		Logger:       logger,
	})
}
