package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agent-racer/interactive/internal/mock"
	"github.com/agent-racer/interactive/internal/ws"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var (
		port       int
		host       string
		noAudience bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a mock interactive service with a simulated audience",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			if host != "" {
				cfg.Server.Host = host
			}
			logger := newLogger(os.Stderr, opts.verbose)

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			identity := ws.NewIdentity(cfg.Server.TokenTTL, cfg.Server.ApproveAfter)
			svc := ws.NewService(ws.Options{
				VersionID: cfg.Server.VersionID,
				Identity:  identity,
				MaxConns:  cfg.Server.MaxConns,
				Cascade:   cfg.Session.CascadePolicy(),
				Registry:  reg,
			})
			if err := mock.SeedWorld(svc); err != nil {
				return err
			}
			server := ws.NewServer(svc, identity, cfg.Server.AllowedOrigins)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return ws.ListenAndServe(ctx, cfg.Server.Host, cfg.Server.Port, server.Routes())
			})
			if !noAudience {
				gen := mock.NewGenerator(svc, cfg.Audience)
				g.Go(func() error {
					err := gen.Run(ctx)
					s := gen.Stats()
					logger.Info("audience stopped", "joined", s.Joined, "left", s.Left, "inputs", s.Inputs, "refused", s.Refused)
					return err
				})
			}

			logger.Info("mock service starting",
				"host", cfg.Server.Host,
				"port", cfg.Server.Port,
				"version", cfg.Server.VersionID,
				"audience", !noAudience,
			)
			err = g.Wait()
			svc.Broadcaster().Close()
			logger.Info("mock service stopped")
			return err
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override server port")
	cmd.Flags().StringVar(&host, "host", "", "Override listen address")
	cmd.Flags().BoolVar(&noAudience, "no-audience", false, "Do not simulate participants")
	return cmd
}
