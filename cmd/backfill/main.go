// Command backfill seeds candle history: it fetches up to -count candles per
// tracked instrument in one shot and upserts them, so the scheduled jobs have
// full metric windows from their first run.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"fxpipeline/config"
	"fxpipeline/internal/broker"
	"fxpipeline/internal/logger"
	"fxpipeline/internal/model"
	"fxpipeline/internal/store/postgres"
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
	var (
		count    = flag.Int("count", 500, "candles to fetch per instrument (max 5000)")
		granStr  = flag.String("granularity", "H1", "candle granularity")
		pairsCSV = flag.String("pairs", "", "comma-separated instrument override")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfig
	}
	gran := model.Granularity(*granStr)
	if !gran.Valid() {
		fmt.Fprintf(os.Stderr, "invalid granularity %q\n", *granStr)
		return exitConfig
	}

	pairs := cfg.PairNames()
	if *pairsCSV != "" {
		pairs = pairs[:0]
		for _, p := range strings.Split(*pairsCSV, ",") {
			if p = strings.TrimSpace(p); p == "" {
				continue
			}
			if !cfg.Tracked(p) {
				fmt.Fprintf(os.Stderr, "pair %s is not in the tracked universe\n", p)
				return exitConfig
			}
			pairs = append(pairs, p)
		}
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Service: "backfill"})
	log.Info().
		Int("count", *count).
		Str("granularity", string(gran)).
		Int("pairs", len(pairs)).
		Msg("backfill starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	initCtx, initCancel := context.WithTimeout(ctx, 15*time.Second)
	defer initCancel()
	store, err := postgres.Open(initCtx, cfg.StoreDSN, log)
	if err != nil {
		log.Error().Err(err).Msg("store init failed")
		return exitDeps
	}
	defer store.Close()

	brk := broker.New(broker.Options{
		BaseURL:  cfg.BrokerBaseURL(),
		Token:    cfg.BrokerToken,
		Tracked:  cfg.PairNames(),
		Requests: cfg.RateLimitRequests,
		Window:   cfg.RateLimitWindow,
		Log:      log,
	})

	var (
		mu      sync.Mutex
		failed  []string
		written int
	)
	sem := make(chan struct{}, cfg.JobWorkers)
	var wg sync.WaitGroup
	for _, pair := range pairs {
		wg.Add(1)
		go func(pair string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			candles, err := brk.FetchCandles(ctx, pair, gran, *count, broker.SidesMBA)
			if err != nil {
				log.Warn().Str("instrument", pair).Err(err).Msg("fetch failed")
				mu.Lock()
				failed = append(failed, pair)
				mu.Unlock()
				return
			}
			n, err := store.UpsertCandles(ctx, candles)
			if err != nil {
				log.Warn().Str("instrument", pair).Err(err).Msg("upsert failed")
				mu.Lock()
				failed = append(failed, pair)
				mu.Unlock()
				return
			}
			log.Info().Str("instrument", pair).Int("candles", n).Msg("backfilled")
			mu.Lock()
			written += n
			mu.Unlock()
		}(pair)
	}
	wg.Wait()

	if len(failed) > 0 {
		log.Error().
			Strs("failed", failed).
			Int("written", written).
			Msg("backfill incomplete")
		return exitDeps
	}
	log.Info().Int("written", written).Msg("backfill complete")
	return exitOK
}
