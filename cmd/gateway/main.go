// The gateway binary: a multi-tenant WebSocket edge in front of the
// subject-based backbone. One process per node; nodes coordinate only
// through Redis and the backbone.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/agentwire/gateway/internal/auth"
	"github.com/agentwire/gateway/internal/backbone"
	"github.com/agentwire/gateway/internal/config"
	"github.com/agentwire/gateway/internal/metrics"
	"github.com/agentwire/gateway/internal/presence"
	"github.com/agentwire/gateway/internal/registry"
	"github.com/agentwire/gateway/internal/router"
	"github.com/agentwire/gateway/internal/store"
	"github.com/agentwire/gateway/internal/tenant"
	"github.com/agentwire/gateway/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (optional, env overrides apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelDebug
	if cfg.IsProduction() {
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})).
		With("node_id", cfg.Server.NodeID)
	slog.SetDefault(logger)

	logger.Info("gateway starting", "port", cfg.Server.Port, "env", cfg.Server.Env)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(promReg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Registry.Addr,
		Password: cfg.Registry.Password,
		DB:       cfg.Registry.DB,
	})
	defer rdb.Close()

	reg := registry.New(rdb, cfg.Registry.KeyPrefix, cfg.Registry.ConnectionTTL, cfg.Registry.WriteTimeout, logger)
	if err := reg.Ping(context.Background()); err != nil {
		logger.Error("registry unreachable", "addr", cfg.Registry.Addr, "error", err)
		os.Exit(1)
	}

	db, err := store.New(cfg.Store.URL, cfg.Store.ServiceKey, logger)
	if err != nil {
		logger.Error("store init failed", "error", err)
		os.Exit(1)
	}

	oracle, err := tenant.NewOracle(db, rdb, cfg.Registry.KeyPrefix, logger)
	if err != nil {
		logger.Error("tenant oracle init failed", "error", err)
		os.Exit(1)
	}
	defer oracle.Close()
	oracle.SetConnectionGauge(reg.CountTenant)

	bus, err := backbone.Connect(cfg.Backbone, m, logger)
	if err != nil {
		logger.Error("backbone connect failed", "url", cfg.Backbone.URL, "error", err)
		os.Exit(1)
	}
	defer bus.Close()

	rt := router.New(bus, m, logger)
	bus.OnReconnect(rt.Resubscribe)

	monitor := presence.NewMonitor(reg, bus, db, cfg.Presence, m, logger)
	if err := monitor.Start(); err != nil {
		logger.Error("heartbeat monitor start failed", "error", err)
		os.Exit(1)
	}
	defer monitor.Stop()

	challenges := auth.NewChallengeStore(rdb, cfg.Registry.KeyPrefix, cfg.Auth.ChallengeTTL)
	tokens := auth.NewTokenVerifier(auth.TokenConfig{
		Secret:       []byte(cfg.Auth.TokenSecret),
		JWKSURL:      cfg.Auth.JWKSURL,
		AllowedAlgs:  cfg.Auth.AllowedAlgs,
		Issuer:       cfg.Auth.Issuer,
		Audience:     cfg.Auth.Audience,
		JWKSCacheTTL: cfg.Auth.JWKSCacheTTL,
	}, logger)
	verifier := auth.NewVerifier(db, challenges, tokens, logger)

	edge := ws.NewServer(cfg, verifier, challenges, oracle, reg, rt, monitor, bus, m, logger)

	r := mux.NewRouter()
	edge.Routes(r)
	r.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	server := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}

	// Clear this node's registry rows so peers stop routing to it
	// immediately instead of waiting for the heartbeat sweep.
	principals, err := reg.QueryNode(shutdownCtx, cfg.Server.NodeID)
	if err != nil {
		logger.Warn("node row scan failed", "error", err)
	}
	for _, p := range principals {
		if err := reg.Unregister(shutdownCtx, p); err != nil {
			logger.Warn("node row cleanup failed", "principal", p, "error", err)
		}
	}

	logger.Info("gateway stopped")
}
