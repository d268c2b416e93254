package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"sitegateway/internal/config"
	"sitegateway/internal/metrics"
	"sitegateway/internal/ratelimit"
	"sitegateway/internal/server"
	"sitegateway/internal/servicetoken"
	"sitegateway/internal/tokenstore"
	"sitegateway/internal/upstream"
	"sitegateway/internal/util"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			util.InitLogger(cfg.LogLevel, cfg.Env)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", config.ConfigPath, "path to the YAML config file")
	return cmd
}

// gateway bundles the handler with the resources it must release on exit.
type gateway struct {
	handler http.Handler
	closers []io.Closer
}

func (g *gateway) Close() {
	for _, c := range g.closers {
		if err := c.Close(); err != nil {
			slog.Warn("close resource", "err", err)
		}
	}
}

func buildGateway(cfg config.FileConfig) (*gateway, error) {
	g := &gateway{}
	var m *metrics.Metrics
	if cfg.MetricsOn() {
		m = metrics.New()
	}

	var signer upstream.TokenSigner
	if cfg.ServiceTokenKeyPath != "" {
		s, err := servicetoken.NewSigner(servicetoken.Options{
			PrivateKeyPath: cfg.ServiceTokenKeyPath,
			KeyID:          cfg.ServiceTokenKeyID,
			Issuer:         cfg.ServiceTokenIssuer,
			Audience:       cfg.ServiceTokenAudience,
		})
		if err != nil {
			return nil, err
		}
		signer = s
	}

	client, err := upstream.NewClient(upstream.Config{
		BaseURL: cfg.UpstreamURL,
		Timeout: cfg.UpstreamTimeoutDuration(),
		Breaker: upstream.BreakerConfig{
			Disabled:     cfg.BreakerDisabled,
			MinRequests:  cfg.BreakerMinRequests,
			FailureRatio: cfg.BreakerFailureRatio,
			Interval:     cfg.BreakerIntervalDuration(),
			OpenTimeout:  cfg.BreakerOpenTimeoutDuration(),
		},
		Signer:  signer,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trustedProxyCidrs: %w", err)
	}

	srvCfg := server.Config{
		Upstream:                   client,
		Cookies:                    tokenstore.Policy{Secure: cfg.SecureCookies(), Domain: cfg.CookieDomain},
		StaticDir:                  cfg.StaticDir,
		Metrics:                    m,
		TrustedProxies:             trusted,
		LoginRateLimitPerMinute:    cfg.LoginRateLimitPerMinute,
		RegisterRateLimitPerMinute: cfg.RegisterRateLimitPerMinute,
		RefreshRateLimitPerMinute:  cfg.RefreshRateLimitPerMinute,
		MaxProxyBodyBytes:          cfg.MaxProxyBodyBytes,
	}
	if cfg.RedisAddr != "" {
		rdb, err := ratelimit.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return nil, err
		}
		g.closers = append(g.closers, rdb)
		srvCfg.Redis = rdb
	} else {
		slog.Warn("redisAddr not set, rate limiting disabled")
	}

	srv, err := server.New(srvCfg)
	if err != nil {
		g.Close()
		return nil, err
	}
	g.handler = srv.Router()
	return g, nil
}

func run(ctx context.Context, cfg config.FileConfig) error {
	gw, err := buildGateway(cfg)
	if err != nil {
		return err
	}
	defer gw.Close()

	addr := ":" + cfg.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr, "upstream", cfg.UpstreamURL, "env", cfg.Env)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		slog.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
