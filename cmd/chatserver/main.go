// Command chatserver runs one chat server instance. Start as many as needed;
// each announces itself to the balancer.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/gochat-relay/internal/config"
	"github.com/Tyrowin/gochat-relay/internal/logging"
	"github.com/Tyrowin/gochat-relay/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		balancerURL string
		origins     string
		logLevel    string
		logFormat   string
	)

	cmd := &cobra.Command{
		Use:   "chatserver [host port]",
		Short: "GoChat chat server instance",
		Long: `Hosts chat sessions and relays private messages through the balancer.

Settings are read from CHAT_* environment variables; flags and arguments
override them. Without a port a random one between 8001 and 10000 is used.

Examples:
  # Start on a random port
  chatserver

  # Start on a specific host and port
  chatserver localhost 8001`,
		Args:         cobra.MatchAll(cobra.MaximumNArgs(2), exactlyZeroOrTwo),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadChatServer()
			if err != nil {
				return err
			}
			if len(args) == 2 {
				cfg.Host, cfg.Port = args[0], args[1]
			}
			flags := cmd.Flags()
			if flags.Changed("balancer") {
				cfg.BalancerURL = balancerURL
			}
			if flags.Changed("allowed-origins") {
				cfg.AllowedOrigins = config.ParseOrigins(origins)
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

	cmd.Flags().StringVarP(&balancerURL, "balancer", "b", "", "Balancer link URL (default ws://localhost:8000/link)")
	cmd.Flags().StringVar(&origins, "allowed-origins", "", "Comma-separated browser origins allowed to connect")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "Log format: json or console")
	return cmd
}

func exactlyZeroOrTwo(_ *cobra.Command, args []string) error {
	if len(args) == 1 {
		return fmt.Errorf("expected both host and port, got only %q", args[0])
	}
	return nil
}

func run(ctx context.Context, cfg *config.ChatServer) error {
	log := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	inst := server.NewInstance(*cfg, log)
	httpServer := server.CreateServer(cfg.ListenAddr(), inst.Routes())

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().
			Str("address", inst.PublicAddress()).
			Str("balancer", cfg.BalancerHTTPURL()).
			Msg("chat server started; open the application through the balancer")
		return server.StartServer(httpServer, log)
	})

	g.Go(func() error {
		return inst.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		return server.ShutdownServer(httpServer, cfg.ShutdownTimeout, log)
	})

	return g.Wait()
}
