// Package jobs implements the scheduled pipeline work: the hourly ingest and
// metrics derivation, and the daily correlation analysis. Jobs are idempotent
// over the same input window; re-running one updates rows in place rather
// than duplicating them.
package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"fxpipeline/internal/broker"
	"fxpipeline/config"
	"fxpipeline/internal/metrics"
	"fxpipeline/internal/model"
)

// Job is one schedulable unit of work. now is the logical run time: the
// scheduler passes the nominal tick time, which may trail wall clock within
// the misfire grace window.
type Job interface {
	Name() string
	Run(ctx context.Context, now time.Time) error
}

// Fetcher is the broker surface jobs depend on.
type Fetcher interface {
	FetchCandles(ctx context.Context, instrument string, granularity model.Granularity, count int, sides broker.Sides) ([]model.Candle, error)
}

// Store is the persistence surface jobs depend on.
type Store interface {
	UpsertCandles(ctx context.Context, candles []model.Candle) (int, error)
	RecentCandles(ctx context.Context, instrument string, gran model.Granularity, limit int) ([]model.Candle, error)
	RecentCloses(ctx context.Context, instrument string, gran model.Granularity, limit int) ([]model.Close, error)
	UpsertVolatility(ctx context.Context, metrics []model.VolatilityMetric) (int, error)
	InsertCorrelations(ctx context.Context, entries []model.CorrelationEntry) (int, error)
	AppendBestPairs(ctx context.Context, entries []model.BestPairEntry) error
	BeginJob(ctx context.Context, name string, start time.Time) (int64, error)
	EndJob(ctx context.Context, id int64, status model.JobStatus, errMsg string, records int, end time.Time) error
}

// Bus is the cache and pub/sub surface jobs depend on. Cache and publish
// failures degrade a run, they do not fail it; durable writes already
// happened by the time the bus is touched.
type Bus interface {
	PutJSON(ctx context.Context, key string, v interface{}, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, out interface{}) (bool, error)
	Publish(ctx context.Context, channel string, v interface{}) error
}

// Deps bundles the shared dependencies of all jobs.
type Deps struct {
	Broker  Fetcher
	Store   Store
	Bus     Bus
	Cfg     *config.Config
	Metrics *metrics.Metrics
	Health  *metrics.HealthStatus
	Log     zerolog.Logger
}

// audited wraps a job body with the job_runs lifecycle: open the row, run,
// finalize with status and record count, and feed the run metrics.
func (d *Deps) audited(ctx context.Context, name string, now time.Time, body func(ctx context.Context) (int, error)) error {
	log := d.Log.With().Str("component", "jobs").Str("job", name).Logger()
	start := time.Now()

	id, err := d.Store.BeginJob(ctx, name, start)
	if err != nil {
		log.Error().Err(err).Msg("cannot open job audit row")
		return err
	}

	records, runErr := body(ctx)

	status := model.JobSuccess
	errMsg := ""
	if runErr != nil {
		status = model.JobFailed
		errMsg = runErr.Error()
	}
	end := time.Now()
	if err := d.Store.EndJob(ctx, id, status, errMsg, records, end); err != nil {
		log.Error().Err(err).Msg("cannot finalize job audit row")
	}

	if d.Metrics != nil {
		d.Metrics.JobRunsTotal.WithLabelValues(name, string(status)).Inc()
		d.Metrics.JobDuration.WithLabelValues(name).Observe(end.Sub(start).Seconds())
	}
	if d.Health != nil {
		d.Health.SetLastJob(name, string(status), end)
	}

	evt := log.Info()
	if runErr != nil {
		evt = log.Error().Err(runErr)
	}
	evt.Str("status", string(status)).
		Int("records", records).
		Dur("duration", end.Sub(start)).
		Time("logical_now", now).
		Msg("job finished")
	return runErr
}
