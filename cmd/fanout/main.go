// Command fanout serves the websocket endpoint that relays pipeline bus
// events (prices, alerts, data-ready) to subscribed clients.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fxpipeline/config"
	"fxpipeline/internal/cache"
	"fxpipeline/internal/fanout"
	"fxpipeline/internal/logger"
	"fxpipeline/internal/metrics"
)

const (
	exitOK     = 0
	exitConfig = 1
	exitDeps   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Service: "fanout"})
	log.Info().
		Str("addr", cfg.FanoutAddr).
		Int("max_clients", cfg.FanoutMaxClients).
		Msg("fanout starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- metrics & health ----
	prom := metrics.New(nil)
	health := metrics.NewHealthStatus()
	health.StoreOK = true // this binary has no store dependency
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, log)
	metricsSrv.Start()

	// ---- cache & bus ----
	initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
	defer initCancel()
	bus, err := cache.New(initCtx, cfg.CacheAddr, cfg.CachePassword, log)
	if err != nil {
		log.Error().Err(err).Msg("cache init failed")
		return exitDeps
	}
	defer bus.Close()
	health.CheckCache(initCtx, bus.Client())
	health.StartLivenessChecker(ctx, nil, bus.Client(), 15*time.Second)

	// ---- hub, relay, server ----
	hub := fanout.NewHub(cfg, bus, prom, log)
	messages := bus.Subscribe(ctx,
		cache.ChannelPriceUpdates,
		cache.ChannelVolatilityAlerts,
		cache.ChannelCorrelationAlerts,
		cache.ChannelDataReady,
	)
	go hub.Relay(ctx, messages)

	srv := fanout.NewServer(cfg.FanoutAddr, hub, log)
	srv.Start()

	// ---- wait for shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("fanout shutdown")
	}
	metricsSrv.Stop(stopCtx)

	log.Info().Msg("fanout stopped")
	return exitOK
}
