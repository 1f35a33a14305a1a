// Command engine runs the scheduled ingestion and analytics pipeline: the
// hourly candle fetch with metric derivation and the daily correlation
// analysis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fxpipeline/config"
	"fxpipeline/internal/broker"
	"fxpipeline/internal/cache"
	"fxpipeline/internal/jobs"
	"fxpipeline/internal/logger"
	"fxpipeline/internal/metrics"
	"fxpipeline/internal/scheduler"
	"fxpipeline/internal/store/postgres"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 dependency failure.
const (
	exitOK     = 0
	exitConfig = 1
	exitDeps   = 2
)

const shutdownGrace = 60 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Service: "engine"})
	log.Info().
		Str("broker_env", cfg.BrokerEnv).
		Int("pairs", len(cfg.TrackedPairs)).
		Msg("engine starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- metrics & health ----
	prom := metrics.New(nil)
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, log)

	// ---- store ----
	initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
	defer initCancel()
	store, err := postgres.Open(initCtx, cfg.StoreDSN, log)
	if err != nil {
		log.Error().Err(err).Msg("store init failed")
		return exitDeps
	}
	defer store.Close()
	health.CheckStore(initCtx, store.DB().DB)

	metricsSrv.Handle("/jobs", metrics.JobRunsHandler(store, jobs.HourlyJobName, jobs.DailyJobName))
	metricsSrv.Start()

	// ---- cache & bus ----
	bus, err := cache.New(initCtx, cfg.CacheAddr, cfg.CachePassword, log)
	if err != nil {
		log.Error().Err(err).Msg("cache init failed")
		return exitDeps
	}
	defer bus.Close()
	health.CheckCache(initCtx, bus.Client())

	health.StartLivenessChecker(ctx, store.DB().DB, bus.Client(), 15*time.Second)

	// ---- broker client ----
	brk := broker.New(broker.Options{
		BaseURL:  cfg.BrokerBaseURL(),
		Token:    cfg.BrokerToken,
		Tracked:  cfg.PairNames(),
		Requests: cfg.RateLimitRequests,
		Window:   cfg.RateLimitWindow,
		Metrics:  prom,
		Log:      log,
	})

	// ---- jobs & schedule ----
	deps := &jobs.Deps{
		Broker:  brk,
		Store:   store,
		Bus:     bus,
		Cfg:     cfg,
		Metrics: prom,
		Health:  health,
		Log:     log,
	}

	sched := scheduler.New(prom, log)
	if cfg.HourlyJobEnabled {
		if err := sched.Add(jobs.NewHourlyJob(deps), scheduler.HourlySpec, scheduler.HourlyGrace); err != nil {
			log.Error().Err(err).Msg("schedule hourly job")
			return exitDeps
		}
	} else {
		log.Warn().Msg("hourly job disabled")
	}
	if cfg.DailyJobEnabled {
		if err := sched.Add(jobs.NewDailyCorrelationJob(deps), scheduler.DailySpec, scheduler.DailyGrace); err != nil {
			log.Error().Err(err).Msg("schedule daily job")
			return exitDeps
		}
	} else {
		log.Warn().Msg("daily job disabled")
	}

	sched.Start(ctx)

	// ---- wait for shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	sched.Stop(shutdownGrace)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	metricsSrv.Stop(stopCtx)

	log.Info().Msg("engine stopped")
	return exitOK
}
