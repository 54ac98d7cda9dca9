package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pzverkov/sshcore/internal/constants"
	"github.com/pzverkov/sshcore/pkg/auth"
	"github.com/pzverkov/sshcore/pkg/config"
	"github.com/pzverkov/sshcore/pkg/crypto"
	"github.com/pzverkov/sshcore/pkg/gate"
	"github.com/pzverkov/sshcore/pkg/metrics"
	"github.com/pzverkov/sshcore/pkg/transport"
)

func serveCmd(flags *globalFlags) *cobra.Command {
	var (
		listen        string
		hostKeys      []string
		metricsListen string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SSH server",
		Long: `Accept SSH connections, run the key exchange and user authentication,
and host the gate service for authenticated users.`,
		Example: `  # Generate a host key and serve with a password file
  sshcore keygen -f ./ssh_host_ed25519_key
  sshcore hashpw --users-file users.yaml alice
  sshcore serve -c sshcore.yaml --host-key ./ssh_host_ed25519_key`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if len(hostKeys) > 0 {
				cfg.Server.HostKeys = hostKeys
			}
			if cmd.Flags().Changed("metrics-listen") {
				cfg.Metrics.Listen = metricsListen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Override server.listen")
	cmd.Flags().StringSliceVar(&hostKeys, "host-key", nil, "Override server.host_keys (repeatable)")
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "Override metrics.listen; empty disables the endpoint")
	return cmd
}

type server struct {
	methods  *auth.MethodRegistry
	required []string
	banner   string
	attempts int
	obs      *observability
}

func runServer(ctx context.Context, cfg *config.Config) error {
	obs, err := setupObservability(cfg, os.Stderr, "sshcore")
	if err != nil {
		return err
	}

	lc, err := cfg.ListenerConfig()
	if err != nil {
		return err
	}
	lc.Transport.Logger = obs.logger
	lc.Transport.Observer = obs.observer
	lc.RateLimitObserver = metrics.NewRateLimitObserver(obs.collector, obs.logger)

	srv, err := newServer(cfg, obs)
	if err != nil {
		return err
	}

	ln, err := transport.Listen("tcp", cfg.Server.Listen, lc)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}
	obs.logger.Info("listening", metrics.Fields{
		"addr":    ln.Addr().String(),
		"methods": srv.methods.Names(),
		"version": getVersion(),
		"fips":    crypto.FIPSMode(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ln.Serve(gctx, srv.handle)
	})

	if cfg.Metrics.Listen != "" {
		ms := metrics.NewServer(metrics.ServerConfig{
			Collector:     obs.collector,
			Version:       getVersion(),
			EnableMetrics: true,
			EnableHealth:  true,
		})
		ms.AddHealthCheck("listener", metrics.ListenerCheck(ln.Closed))
		ms.AddHealthCheck("self-test", selfTestCheck)
		g.Go(func() error {
			return ms.ListenAndServe(gctx, cfg.Metrics.Listen)
		})
		obs.logger.Info("metrics endpoint", metrics.Fields{"addr": cfg.Metrics.Listen})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	obs.logger.Info("server stopped")
	return err
}

func selfTestCheck() error {
	if !crypto.POSTPassed() {
		return fmt.Errorf("crypto self-test failed: %v", crypto.RunPOST().Errors)
	}
	return nil
}

func newServer(cfg *config.Config, obs *observability) (*server, error) {
	methods, err := cfg.Server.AuthMethods()
	if err != nil {
		return nil, err
	}
	banner, err := cfg.Server.BannerText()
	if err != nil {
		return nil, err
	}
	return &server{
		methods:  methods,
		required: cfg.Server.RequiredMethods,
		banner:   banner,
		attempts: cfg.Server.MaxAuthAttempts,
		obs:      obs,
	}, nil
}

// handle serves one connection: user authentication, then the gate.
func (s *server) handle(ctx context.Context, t *transport.Transport) {
	defer t.Close()
	started := time.Now()
	logger := t.Logger()

	conn := gate.New()
	userauth, err := auth.NewServer(auth.ServerConfig{
		Methods:     s.methods,
		Required:    s.required,
		Banner:      s.banner,
		Services:    map[string]transport.Service{conn.Name(): conn},
		MaxAttempts: s.attempts,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("auth setup failed", metrics.Fields{"error": err.Error()})
		t.Disconnect(constants.DisconnectByApplication, "server misconfigured")
		return
	}

	host := transport.NewServiceHost(t, map[string]transport.Service{userauth.Name(): userauth})
	go func() {
		select {
		case <-ctx.Done():
			t.Disconnect(constants.DisconnectByApplication, "server shutting down")
		case <-t.Done():
		}
	}()
	if err := host.Serve(t.Context()); err != nil {
		logger.Debug("service host stopped", metrics.Fields{"error": err.Error()})
	}

	stats := t.Stats()
	logger.Info("session ended", metrics.Fields{
		"user":     userauth.User(),
		"duration": time.Since(started).Round(time.Millisecond).String(),
		"sent":     humanize.IBytes(stats.BytesSent),
		"received": humanize.IBytes(stats.BytesReceived),
		"refused":  conn.Refused(),
		"rekeys":   stats.KexRounds,
	})
}
