// Command balancer runs the load balancer: it redirects browsers to a
// reachable chat server and relays private messages between servers.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-relay/internal/balancer"
	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/registry"
	"github.com/Tyrowin/gochat-relay/internal/server"
	"github.com/Tyrowin/gochat-relay/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		port      string
		threshold int
		logLevel  string
		logFormat string
	)

	cmd := &cobra.Command{
		Use:   "balancer",
		Short: "GoChat load balancer and private message relay",
		Long: `Assigns browsers to chat servers round-robin and relays private
messages (login@server text) between chat servers.

Settings are read from BALANCER_* environment variables; flags override them.

Examples:
  # Start on the default port 8000
  balancer

  # Start on port 9000 with readable logs
  balancer --port 9000 --log-format console`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadBalancer()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("port") {
				cfg.Port = port
			}
			if flags.Changed("failure-threshold") {
				cfg.FailureThreshold = threshold
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("log-format") {
				cfg.Log.Format = logFormat
			}
			cfg.Sanitize()

			return run(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on (default :8000)")
	cmd.Flags().IntVar(&threshold, "failure-threshold", 0, "Probe failures tolerated before a server is evicted (default 4)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Log format: json or console")
	return cmd
}

func run(ctx context.Context, cfg *config.Balancer) error {
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	reg := registry.New(cfg.FailureThreshold, log)
	svc := balancer.NewService(reg, balancer.NewSelector(), balancer.NewHTTPProber(cfg.ProbeTimeout), balancer.Options{
		ProbeTimeout:   cfg.ProbeTimeout,
		RedirectScheme: cfg.RedirectScheme,
		Link:           transport.DefaultOptions(),
		SelectTimeout:  cfg.SelectTimeout,
	}, log)

	httpServer := server.CreateServer(cfg.Port, svc.Routes())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Port).Msg("starting load balancer; open it in a browser to be sent to a chat server")
		return server.StartServer(httpServer, log)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log); err != nil {
			return err
		}
		return svc.Shutdown(cfg.ShutdownTimeout)
	})

	return g.Wait()
}
