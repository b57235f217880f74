// Command worldlinkd runs a worldlink server with a few demonstration
// opcodes: echo, chat broadcast and server time.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/localrivet/worldlink/auth"
	"github.com/localrivet/worldlink/config"
	"github.com/localrivet/worldlink/logx"
	"github.com/localrivet/worldlink/metrics"
	"github.com/localrivet/worldlink/server"
	"github.com/localrivet/worldlink/session"
	"github.com/localrivet/worldlink/transport"
	"github.com/localrivet/worldlink/transport/udp"
	"github.com/localrivet/worldlink/transport/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worldlinkd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a TOML configuration file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	logger, err := logx.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	if cfg.Metrics.Enabled {
		stopMetrics := serveMetrics(cfg.Metrics.ListenAddr, reg, logger)
		defer stopMetrics()
	}

	handshaker, err := newHandshaker(ctx, cfg.Auth)
	if err != nil {
		return err
	}

	srv := server.New(
		server.WithConfig(cfg),
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithHandshaker(handshaker),
		server.WithOnSessionConnected(func(s *session.Session) {
			logger.Info("player joined", "session", s.ID(), "endpoint", s.Key(), "subject", s.PeerID())
		}),
		server.WithOnSessionClosed(func(s *session.Session, reason error) {
			logger.Info("player left", "session", s.ID(), "reason", session.ReasonLabel(reason))
		}),
	)
	registerDemoHandlers(srv, logger)

	conns, err := listen(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("worldlinkd starting",
		"listen_addr", cfg.ListenAddr,
		"mtu", cfg.MTU,
		"workers", cfg.Workers,
		"auth", cfg.Auth.Mode,
	)
	return srv.Serve(ctx, conns...)
}

func loadConfig(path string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if err := config.ApplyEnv(&cfg, config.EnvPrefix, os.Environ()); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newHandshaker(ctx context.Context, a config.Auth) (auth.Handshaker, error) {
	rules := auth.ClaimRules{Issuer: a.Issuer, Audience: a.Audience, ClockSkew: 30 * time.Second}
	switch a.Mode {
	case config.AuthHMAC:
		v, err := auth.NewHMACValidator([]byte(a.HMACSecret), rules)
		if err != nil {
			return nil, err
		}
		return auth.NewTokenHandshaker(v), nil
	case config.AuthJWKS:
		v, err := auth.NewJWKSValidator(ctx, auth.JWKSConfig{URL: a.JWKSURL, ClaimRules: rules}, nil)
		if err != nil {
			return nil, err
		}
		return auth.NewTokenHandshaker(v), nil
	default:
		return auth.AcceptAll{}, nil
	}
}

func listen(ctx context.Context, cfg config.Config, logger logx.Logger) ([]transport.PacketConn, error) {
	conn, err := udp.Listen(ctx, cfg.ListenAddr,
		udp.WithReadBuffer(cfg.Socket.ReadBuffer),
		udp.WithWriteBuffer(cfg.Socket.WriteBuffer),
	)
	if err != nil {
		return nil, err
	}
	if size, err := udp.ReadBufferSize(conn); err == nil && size < cfg.Socket.ReadBuffer {
		logger.Warn("kernel clamped the receive buffer", "requested", cfg.Socket.ReadBuffer, "effective", size)
	}
	conns := []transport.PacketConn{conn}

	if cfg.WebSocket.Enabled {
		l, err := ws.Listen(ctx, cfg.WebSocket.ListenAddr,
			ws.WithLogger(logger), ws.WithWriteTimeout(cfg.WebSocket.WriteTimeout))
		if err != nil {
			conn.Close()
			return nil, err
		}
		conns = append(conns, l)
	}
	return conns, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, logger logx.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	hs := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics listening", "address", addr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hs.Shutdown(ctx)
	}
}
