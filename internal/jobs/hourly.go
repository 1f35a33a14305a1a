package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"fxpipeline/internal/analytics"
	"fxpipeline/internal/broker"
	"fxpipeline/internal/cache"
	"fxpipeline/internal/model"
)

// HourlyJobName tags the audit rows and metrics of the hourly run.
const HourlyJobName = "hourly_fetch_and_metrics"

const (
	// fetchCount covers the just-closed candle plus the forming one.
	fetchCount = 2
	// historyDepth is enough for the longest metric window plus slack.
	historyDepth = 300
	// failureRatio: above this share of failed instruments the run fails.
	failureRatio = 0.3
)

// HourlyJob fetches the latest candles for every tracked instrument, derives
// volatility metrics, and pushes prices and alerts onto the bus.
type HourlyJob struct {
	deps *Deps
}

// NewHourlyJob builds the hourly job.
func NewHourlyJob(deps *Deps) *HourlyJob {
	return &HourlyJob{deps: deps}
}

// Name implements Job.
func (j *HourlyJob) Name() string { return HourlyJobName }

// instrumentResult is one instrument's outcome from the worker pool.
type instrumentResult struct {
	inst    model.Instrument
	latest  *model.Candle // newest complete candle
	metric  model.VolatilityMetric
	written int
	err     error
}

// Run implements Job. Instruments are processed by a bounded worker pool;
// one instrument failing does not abort the others. The run fails only when
// more than failureRatio of the universe failed.
func (j *HourlyJob) Run(ctx context.Context, now time.Time) error {
	return j.deps.audited(ctx, HourlyJobName, now, func(ctx context.Context) (int, error) {
		return j.run(ctx, now)
	})
}

func (j *HourlyJob) run(ctx context.Context, now time.Time) (int, error) {
	d := j.deps
	log := d.Log.With().Str("component", "jobs").Str("job", HourlyJobName).Logger()
	universe := d.Cfg.TrackedPairs

	results := make([]instrumentResult, len(universe))
	sem := make(chan struct{}, d.Cfg.JobWorkers)
	var wg sync.WaitGroup

	for i, inst := range universe {
		wg.Add(1)
		go func(i int, inst model.Instrument) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = j.processInstrument(ctx, inst)
		}(i, inst)
	}
	wg.Wait()

	var (
		failed    int
		records   int
		metricSet []model.VolatilityMetric
	)
	for i := range results {
		r := &results[i]
		if r.err != nil {
			failed++
			log.Warn().Str("instrument", r.inst.Name).Err(r.err).Msg("instrument failed")
			continue
		}
		records += r.written
		if !r.metric.Empty() {
			metricSet = append(metricSet, r.metric)
		}
	}

	written, err := d.Store.UpsertVolatility(ctx, metricSet)
	if err != nil {
		return records, fmt.Errorf("persist metrics: %w", err)
	}
	records += written
	if d.Metrics != nil {
		d.Metrics.MetricsDerived.Add(float64(written))
	}

	// Bus and cache are best effort from here on; the durable writes are done.
	for i := range results {
		r := &results[i]
		if r.err != nil || r.latest == nil {
			continue
		}
		j.publishInstrument(ctx, r, now)
	}

	if err := d.Bus.Publish(ctx, cache.ChannelDataReady, cache.DataReady{
		DataType:  cache.DataTypePrices,
		Count:     records,
		Timestamp: now,
	}); err != nil {
		log.Warn().Err(err).Msg("data_ready publish failed")
	}

	if failed > 0 && float64(failed) > failureRatio*float64(len(universe)) {
		return records, fmt.Errorf("%d of %d instruments failed", failed, len(universe))
	}
	return records, nil
}

func (j *HourlyJob) processInstrument(ctx context.Context, inst model.Instrument) instrumentResult {
	d := j.deps
	out := instrumentResult{inst: inst}

	candles, err := d.Broker.FetchCandles(ctx, inst.Name, model.H1, fetchCount, broker.SidesMBA)
	if err != nil {
		if d.Metrics != nil {
			d.Metrics.BrokerRequests.WithLabelValues("error").Inc()
		}
		out.err = fmt.Errorf("fetch: %w", err)
		return out
	}
	if d.Metrics != nil {
		d.Metrics.BrokerRequests.WithLabelValues("ok").Inc()
	}

	n, err := d.Store.UpsertCandles(ctx, candles)
	if err != nil {
		out.err = fmt.Errorf("persist candles: %w", err)
		return out
	}
	out.written = n
	if d.Metrics != nil {
		d.Metrics.CandlesIngested.Add(float64(n))
	}

	history, err := d.Store.RecentCandles(ctx, inst.Name, model.H1, historyDepth)
	if err != nil {
		out.err = fmt.Errorf("load history: %w", err)
		return out
	}
	// RecentCandles is newest first; analytics wants oldest first.
	reverse(history)
	out.metric = analytics.DeriveMetrics(inst, history)

	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Complete && history[i].Mid != nil {
			out.latest = &history[i]
			break
		}
	}
	return out
}

// publishInstrument caches the latest price and metrics and emits the
// price_updates and volatility_alerts events for one instrument. The price
// update is published only when the mid close moved since the cached quote.
func (j *HourlyJob) publishInstrument(ctx context.Context, r *instrumentResult, now time.Time) {
	d := j.deps
	log := d.Log.With().Str("component", "jobs").Str("job", HourlyJobName).Logger()
	c := r.latest

	update := cache.PriceUpdate{
		Instrument: r.inst.Name,
		Price: cache.PricePoint{
			Mid:  c.Mid.Close,
			Time: c.Time,
		},
		Timestamp: now,
	}
	if c.Bid != nil {
		update.Price.Bid = decimal.NewNullDecimal(c.Bid.Close)
	}
	if c.Ask != nil {
		update.Price.Ask = decimal.NewNullDecimal(c.Ask.Close)
	}

	var prev cache.PriceUpdate
	seen, err := d.Bus.GetJSON(ctx, cache.PriceKey(r.inst.Name), &prev)
	if err != nil {
		log.Warn().Str("instrument", r.inst.Name).Err(err).Msg("price cache read failed")
		seen = false
	}

	if err := d.Bus.PutJSON(ctx, cache.PriceKey(r.inst.Name), update, d.Cfg.CacheTTLPrices); err != nil {
		log.Warn().Str("instrument", r.inst.Name).Err(err).Msg("price cache write failed")
	}
	if !r.metric.Empty() {
		if err := d.Bus.PutJSON(ctx, cache.MetricsKey(r.inst.Name), r.metric, d.Cfg.CacheTTLMetrics); err != nil {
			log.Warn().Str("instrument", r.inst.Name).Err(err).Msg("metrics cache write failed")
		}
	}
	if !seen || !prev.Price.Mid.Equal(update.Price.Mid) {
		if err := d.Bus.Publish(ctx, cache.ChannelPriceUpdates, update); err != nil {
			log.Warn().Str("instrument", r.inst.Name).Err(err).Msg("price publish failed")
		}
	}

	if r.metric.HV20.Valid {
		hv := r.metric.HV20.Decimal.InexactFloat64()
		if hv >= d.Cfg.VolatilityThreshold {
			severity := analytics.VolatilitySeverity(hv, d.Cfg.VolatilityThreshold)
			alert := cache.VolatilityAlert{
				Instrument: r.inst.Name,
				Volatility: r.metric.HV20.Decimal,
				Threshold:  d.Cfg.VolatilityThreshold,
				Severity:   severity,
				Message: fmt.Sprintf("%s hv20 %s%% above threshold %.2f%%",
					r.inst.Name, r.metric.HV20.Decimal.StringFixed(2), d.Cfg.VolatilityThreshold),
				Timestamp: now,
			}
			if err := d.Bus.Publish(ctx, cache.ChannelVolatilityAlerts, alert); err != nil {
				log.Warn().Str("instrument", r.inst.Name).Err(err).Msg("volatility alert publish failed")
			} else if d.Metrics != nil {
				d.Metrics.AlertsPublished.WithLabelValues(cache.ChannelVolatilityAlerts, string(severity)).Inc()
			}
		}
	}
}

func reverse(candles []model.Candle) {
	for i, j := 0, len(candles)-1; i < j; i, j = i+1, j-1 {
		candles[i], candles[j] = candles[j], candles[i]
	}
}
