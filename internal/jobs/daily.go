package jobs

import (
	"context"
	"fmt"
	"math"
	"time"

	"fxpipeline/internal/analytics"
	"fxpipeline/internal/cache"
	"fxpipeline/internal/model"
)

// DailyJobName tags the audit rows and metrics of the daily run.
const DailyJobName = "daily_correlation_analysis"

// correlationDepth is the close-series length fed into Pearson.
const correlationDepth = 100

// DailyCorrelationJob computes the pairwise correlation matrix over the
// correlatable universe (FX and metals), persists the snapshot, and derives
// the ranked best-pairs set.
type DailyCorrelationJob struct {
	deps *Deps
}

// NewDailyCorrelationJob builds the daily job.
func NewDailyCorrelationJob(deps *Deps) *DailyCorrelationJob {
	return &DailyCorrelationJob{deps: deps}
}

// Name implements Job.
func (j *DailyCorrelationJob) Name() string { return DailyJobName }

// Run implements Job.
func (j *DailyCorrelationJob) Run(ctx context.Context, now time.Time) error {
	return j.deps.audited(ctx, DailyJobName, now, func(ctx context.Context) (int, error) {
		return j.run(ctx, now)
	})
}

func (j *DailyCorrelationJob) run(ctx context.Context, now time.Time) (int, error) {
	d := j.deps
	log := d.Log.With().Str("component", "jobs").Str("job", DailyJobName).Logger()

	universe := d.Cfg.CorrelationPairs()
	if len(universe) < 2 {
		log.Warn().Int("correlatable", len(universe)).Msg("universe too small for correlation")
		return 0, nil
	}

	series := make(map[string][]model.Close, len(universe))
	names := make([]string, 0, len(universe))
	for _, inst := range universe {
		closes, err := d.Store.RecentCloses(ctx, inst.Name, model.H1, correlationDepth)
		if err != nil {
			return 0, fmt.Errorf("load closes for %s: %w", inst.Name, err)
		}
		series[inst.Name] = closes
		names = append(names, inst.Name)
	}

	entries, skipped := analytics.Matrix(series, names, correlationDepth, now)
	if d.Metrics != nil {
		d.Metrics.PairsSkipped.Add(float64(skipped))
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("no pair had sufficient shared coverage (%d skipped)", skipped)
	}

	records, err := d.Store.InsertCorrelations(ctx, entries)
	if err != nil {
		return 0, fmt.Errorf("persist correlations: %w", err)
	}
	if d.Metrics != nil {
		d.Metrics.CorrelationsCalc.Add(float64(records))
	}

	ranked := analytics.RankBestPairs(entries)
	if err := d.Store.AppendBestPairs(ctx, ranked); err != nil {
		return records, fmt.Errorf("persist best pairs: %w", err)
	}
	records += len(ranked)

	// Durable writes done; cache and bus are best effort.
	if err := d.Bus.PutJSON(ctx, cache.CorrelationMatrixKey,
		cache.CorrelationMatrix{Time: now, Entries: entries}, d.Cfg.CacheTTLCorrelation); err != nil {
		log.Warn().Err(err).Msg("matrix cache write failed")
	}
	byCategory := make(map[string][]model.BestPairEntry)
	for _, e := range ranked {
		byCategory[string(e.Category)] = append(byCategory[string(e.Category)], e)
	}
	for category, group := range byCategory {
		if err := d.Bus.PutJSON(ctx, cache.BestPairsCategoryKey(category),
			cache.BestPairs{Time: now, Entries: group}, d.Cfg.CacheTTLCorrelation); err != nil {
			log.Warn().Str("category", category).Err(err).Msg("best pairs cache write failed")
		}
	}
	if err := d.Bus.PutJSON(ctx, cache.BestPairsAllKey,
		cache.BestPairs{Time: now, Entries: ranked}, d.Cfg.CacheTTLCorrelation); err != nil {
		log.Warn().Err(err).Msg("best pairs cache write failed")
	}

	for i := range ranked {
		e := &ranked[i]
		if math.Abs(e.Correlation) < d.Cfg.CorrelationThreshold {
			continue
		}
		severity := analytics.CorrelationSeverity(e.Correlation)
		alert := cache.CorrelationAlert{
			Pair1:       e.Pair1,
			Pair2:       e.Pair2,
			Correlation: e.Correlation,
			Threshold:   d.Cfg.CorrelationThreshold,
			Severity:    severity,
			Message: fmt.Sprintf("%s/%s correlation %.4f beyond threshold %.2f",
				e.Pair1, e.Pair2, e.Correlation, d.Cfg.CorrelationThreshold),
			Timestamp: now,
		}
		if err := d.Bus.Publish(ctx, cache.ChannelCorrelationAlerts, alert); err != nil {
			log.Warn().Str("pair", e.String()).Err(err).Msg("correlation alert publish failed")
		} else if d.Metrics != nil {
			d.Metrics.AlertsPublished.WithLabelValues(cache.ChannelCorrelationAlerts, string(severity)).Inc()
		}
	}

	if err := d.Bus.Publish(ctx, cache.ChannelDataReady, cache.DataReady{
		DataType:  cache.DataTypeCorrelations,
		Count:     records,
		Timestamp: now,
	}); err != nil {
		log.Warn().Err(err).Msg("data_ready publish failed")
	}

	log.Info().
		Int("pairs", len(entries)).
		Int("skipped", skipped).
		Int("ranked", len(ranked)).
		Msg("correlation snapshot complete")
	return records, nil
}
