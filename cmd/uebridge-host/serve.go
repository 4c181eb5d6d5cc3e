package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"uebridge/client"
	"uebridge/config"
	"uebridge/logging"
	"uebridge/middleware"
	"uebridge/registry"
	"uebridge/server"
	"uebridge/server/demo"
)

var (
	configPath string
	overrides  config.HostConfig
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:          "uebridge-host",
	Short:        "Serve the demo object model over the uebridge protocol",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		applyFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			return err
		}
		logger, err := logging.New(cfg.Log)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, logger)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "YAML config file")
	f.StringVar(&overrides.Listen, "listen", "", "TCP listen address")
	f.StringVar(&overrides.HTTP, "http", "", "address serving /metrics, /healthz and the WebSocket endpoint")
	f.StringVar(&overrides.Advertise, "advertise", "", "address published in the registry")
	f.Float64Var(&overrides.RateLimit, "rate-limit", 0, "requests per second, 0 = unlimited")
	f.StringVar(&logLevel, "log-level", "info", "debug|info|warn|error")
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("listen") {
		cfg.Host.Listen = overrides.Listen
	}
	if f.Changed("http") {
		cfg.Host.HTTP = overrides.HTTP
	}
	if f.Changed("advertise") {
		cfg.Host.Advertise = overrides.Advertise
	}
	if f.Changed("rate-limit") {
		cfg.Host.RateLimit = overrides.RateLimit
	}
	if f.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
}

// newServer builds the host: demo classes, middleware and optional registry.
func newServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*server.Server, registry.Registry, error) {
	model := server.NewObjectModel(logger)
	if err := demo.Register(model); err != nil {
		return nil, nil, err
	}

	opts := []server.Option{server.WithLogger(logger)}
	var reg registry.Registry
	if cfg.Registry.Enabled() {
		var err error
		if reg, err = client.NewRegistry(ctx, cfg.Registry, logger); err != nil {
			return nil, nil, err
		}
		opts = append(opts, server.WithRegistry(reg, cfg.Registry.Service, cfg.Host.Advertise))
	}

	svr := server.NewServer(model, opts...)
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.Host.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.Host.RateLimit, cfg.Host.RateBurst))
	}
	if cfg.Host.RequestTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.Host.RequestTimeout))
	}
	return svr, reg, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	svr, reg, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if cl, ok := reg.(interface{ Close() error }); ok {
		defer cl.Close()
	}

	l, err := net.Listen("tcp", cfg.Host.Listen)
	if err != nil {
		return err
	}
	errc := make(chan error, 2)
	go func() { errc <- svr.Serve(l) }()
	logger.Info("engine host listening", zap.Stringer("addr", l.Addr()))

	var hs *http.Server
	if cfg.Host.HTTP != "" {
		hs = &http.Server{Addr: cfg.Host.HTTP, Handler: newRouter(svr, cfg.Host.WebSocketPath, logger)}
		go func() {
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
		logger.Info("http listening", zap.String("addr", hs.Addr), zap.String("ws_path", cfg.Host.WebSocketPath))
	}

	select {
	case <-ctx.Done():
	case err = <-errc:
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Host.ShutdownGrace)
	defer cancel()
	if hs != nil {
		hs.Shutdown(shutdownCtx)
	}
	return errors.Join(err, svr.Shutdown(cfg.Host.ShutdownGrace))
}
