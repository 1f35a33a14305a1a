// Package postgres is the durable store for candles, derived metrics,
// correlation snapshots, and the job audit trail.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"fxpipeline/internal/model"
)

// Error kinds surfaced to jobs.
var (
	ErrUnavailable = errors.New("store unavailable")
	ErrInvariant   = errors.New("store invariant violated")
)

const pricePlaces = 5

// Store wraps a Postgres connection pool.
type Store struct {
	db  *sqlx.DB
	log zerolog.Logger
}

// Open connects, pings, and applies the schema.
func Open(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open: %v", ErrUnavailable, err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping: %v", ErrUnavailable, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: schema: %v", ErrUnavailable, err)
	}

	s := &Store{db: db, log: log.With().Str("component", "store").Logger()}
	s.log.Info().Msg("store opened")
	return s, nil
}

// NewWithDB wraps an existing pool; used by tests.
func NewWithDB(db *sqlx.DB, log zerolog.Logger) *Store {
	return &Store{db: db, log: log.With().Str("component", "store").Logger()}
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sqlx.DB { return s.db }

// Close closes the pool.
func (s *Store) Close() error { return s.db.Close() }

// ── candles ──

const upsertCandleSQL = `
INSERT INTO candles (
	instrument, time, granularity,
	open_bid, high_bid, low_bid, close_bid,
	open_ask, high_ask, low_ask, close_ask,
	open_mid, high_mid, low_mid, close_mid,
	volume, complete, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,now())
ON CONFLICT (instrument, time, granularity) DO UPDATE SET
	open_bid = EXCLUDED.open_bid, high_bid = EXCLUDED.high_bid,
	low_bid = EXCLUDED.low_bid, close_bid = EXCLUDED.close_bid,
	open_ask = EXCLUDED.open_ask, high_ask = EXCLUDED.high_ask,
	low_ask = EXCLUDED.low_ask, close_ask = EXCLUDED.close_ask,
	open_mid = EXCLUDED.open_mid, high_mid = EXCLUDED.high_mid,
	low_mid = EXCLUDED.low_mid, close_mid = EXCLUDED.close_mid,
	volume = EXCLUDED.volume, complete = EXCLUDED.complete,
	updated_at = now()`

// UpsertCandles writes a batch in one transaction. Re-running the same batch
// updates rows in place; the row count reported is the batch size.
func (s *Store) UpsertCandles(ctx context.Context, candles []model.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	for i := range candles {
		if err := candles[i].Validate(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvariant, err)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	stmt, err := tx.PreparexContext(ctx, upsertCandleSQL)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("%w: prepare: %v", ErrUnavailable, err)
	}
	defer stmt.Close()

	for i := range candles {
		c := &candles[i]
		args := make([]interface{}, 0, 17)
		args = append(args, c.Instrument, c.Time.UTC(), string(c.Granularity))
		args = append(args, sideArgs(c.Bid)...)
		args = append(args, sideArgs(c.Ask)...)
		args = append(args, sideArgs(c.Mid)...)
		args = append(args, c.Volume, c.Complete)
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("%w: upsert candle %s: %v", ErrUnavailable, c.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return len(candles), nil
}

// sideArgs renders one OHLC side as four args, nulls when the side is absent.
// Prices are rounded to storage precision here, at the persistence edge.
func sideArgs(p *model.OHLC) []interface{} {
	if p == nil {
		return []interface{}{nil, nil, nil, nil}
	}
	return []interface{}{
		p.Open.RoundBank(pricePlaces),
		p.High.RoundBank(pricePlaces),
		p.Low.RoundBank(pricePlaces),
		p.Close.RoundBank(pricePlaces),
	}
}

type candleRow struct {
	Instrument  string              `db:"instrument"`
	Time        time.Time           `db:"time"`
	Granularity string              `db:"granularity"`
	OpenBid     decimal.NullDecimal `db:"open_bid"`
	HighBid     decimal.NullDecimal `db:"high_bid"`
	LowBid      decimal.NullDecimal `db:"low_bid"`
	CloseBid    decimal.NullDecimal `db:"close_bid"`
	OpenAsk     decimal.NullDecimal `db:"open_ask"`
	HighAsk     decimal.NullDecimal `db:"high_ask"`
	LowAsk      decimal.NullDecimal `db:"low_ask"`
	CloseAsk    decimal.NullDecimal `db:"close_ask"`
	OpenMid     decimal.NullDecimal `db:"open_mid"`
	HighMid     decimal.NullDecimal `db:"high_mid"`
	LowMid      decimal.NullDecimal `db:"low_mid"`
	CloseMid    decimal.NullDecimal `db:"close_mid"`
	Volume      int64               `db:"volume"`
	Complete    bool                `db:"complete"`
	CreatedAt   time.Time           `db:"created_at"`
	UpdatedAt   time.Time           `db:"updated_at"`
}

func rowSide(o, h, l, c decimal.NullDecimal) *model.OHLC {
	if !o.Valid {
		return nil
	}
	return &model.OHLC{Open: o.Decimal, High: h.Decimal, Low: l.Decimal, Close: c.Decimal}
}

func (r *candleRow) toModel() model.Candle {
	return model.Candle{
		Instrument:  r.Instrument,
		Granularity: model.Granularity(r.Granularity),
		Time:        r.Time.UTC(),
		Bid:         rowSide(r.OpenBid, r.HighBid, r.LowBid, r.CloseBid),
		Ask:         rowSide(r.OpenAsk, r.HighAsk, r.LowAsk, r.CloseAsk),
		Mid:         rowSide(r.OpenMid, r.HighMid, r.LowMid, r.CloseMid),
		Volume:      r.Volume,
		Complete:    r.Complete,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// RecentCandles returns up to limit candles, newest first.
func (s *Store) RecentCandles(ctx context.Context, instrument string, gran model.Granularity, limit int) ([]model.Candle, error) {
	var rows []candleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM candles
		WHERE instrument = $1 AND granularity = $2
		ORDER BY time DESC
		LIMIT $3`, instrument, string(gran), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent candles: %v", ErrUnavailable, err)
	}
	out := make([]model.Candle, len(rows))
	for i := range rows {
		out[i] = rows[i].toModel()
	}
	return out, nil
}

// RecentCloses returns up to limit complete mid closes, oldest first, ready
// for the correlation pipeline.
func (s *Store) RecentCloses(ctx context.Context, instrument string, gran model.Granularity, limit int) ([]model.Close, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT time, close_mid FROM (
			SELECT time, close_mid FROM candles
			WHERE instrument = $1 AND granularity = $2
			  AND complete AND close_mid IS NOT NULL
			ORDER BY time DESC
			LIMIT $3
		) recent ORDER BY time ASC`, instrument, string(gran), limit)
	if err != nil {
		return nil, fmt.Errorf("%w: recent closes: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []model.Close
	for rows.Next() {
		var (
			ts    time.Time
			price decimal.Decimal
		)
		if err := rows.Scan(&ts, &price); err != nil {
			return nil, fmt.Errorf("%w: scan close: %v", ErrUnavailable, err)
		}
		out = append(out, model.Close{Time: ts.UTC(), Price: price})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: recent closes: %v", ErrUnavailable, err)
	}
	return out, nil
}

// ── volatility metrics ──

const upsertMetricSQL = `
INSERT INTO volatility (
	instrument, time, asset_class,
	hv20, hv50, sma15, sma30, sma50,
	bb_upper, bb_middle, bb_lower, atr, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,now())
ON CONFLICT (instrument, time) DO UPDATE SET
	asset_class = EXCLUDED.asset_class,
	hv20 = EXCLUDED.hv20, hv50 = EXCLUDED.hv50,
	sma15 = EXCLUDED.sma15, sma30 = EXCLUDED.sma30, sma50 = EXCLUDED.sma50,
	bb_upper = EXCLUDED.bb_upper, bb_middle = EXCLUDED.bb_middle,
	bb_lower = EXCLUDED.bb_lower, atr = EXCLUDED.atr,
	updated_at = now()`

// UpsertVolatility writes a metric batch in one transaction. Metrics with no
// derivable fields are skipped.
func (s *Store) UpsertVolatility(ctx context.Context, metrics []model.VolatilityMetric) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	stmt, err := tx.PreparexContext(ctx, upsertMetricSQL)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("%w: prepare: %v", ErrUnavailable, err)
	}
	defer stmt.Close()

	written := 0
	for i := range metrics {
		m := &metrics[i]
		if m.Empty() {
			continue
		}
		_, err := stmt.ExecContext(ctx,
			m.Instrument, m.Time.UTC(), string(m.AssetClass),
			m.HV20, m.HV50, m.SMA15, m.SMA30, m.SMA50,
			m.BBUpper, m.BBMiddle, m.BBLower, m.ATR)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("%w: upsert metric %s: %v", ErrUnavailable, m.Instrument, err)
		}
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return written, nil
}

// ── correlations ──

// InsertCorrelations writes a correlation snapshot in one transaction. Rows
// violating the canonical pair ordering are rejected before anything is
// written. Re-running the same snapshot is a no-op per row.
func (s *Store) InsertCorrelations(ctx context.Context, entries []model.CorrelationEntry) (int, error) {
	for i := range entries {
		if !entries[i].Canonical() {
			return 0, fmt.Errorf("%w: pair %s/%s not canonically ordered",
				ErrInvariant, entries[i].Pair1, entries[i].Pair2)
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO correlation (pair1, pair2, time, correlation, window_size)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (pair1, pair2, time) DO UPDATE SET
			correlation = EXCLUDED.correlation,
			window_size = EXCLUDED.window_size`)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("%w: prepare: %v", ErrUnavailable, err)
	}
	defer stmt.Close()

	for i := range entries {
		e := &entries[i]
		if _, err := stmt.ExecContext(ctx, e.Pair1, e.Pair2, e.Time.UTC(), e.Correlation, e.WindowSize); err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("%w: insert correlation %s/%s: %v", ErrUnavailable, e.Pair1, e.Pair2, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return len(entries), nil
}

// AppendBestPairs appends one ranked snapshot. Snapshots are never updated in
// place; each run adds a fresh set tagged by its timestamp.
func (s *Store) AppendBestPairs(ctx context.Context, entries []model.BestPairEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrUnavailable, err)
	}
	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO best_pairs (time, pair1, pair2, correlation, category, rank, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("%w: prepare: %v", ErrUnavailable, err)
	}
	defer stmt.Close()

	for i := range entries {
		e := &entries[i]
		if _, err := stmt.ExecContext(ctx, e.Time.UTC(), e.Pair1, e.Pair2, e.Correlation, string(e.Category), e.Rank, e.Reason); err != nil {
			tx.Rollback()
			return fmt.Errorf("%w: append best pair %s: %v", ErrUnavailable, e.String(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrUnavailable, err)
	}
	return nil
}

// ── job audit trail ──

// BeginJob opens an audit row with status running and returns its id.
func (s *Store) BeginJob(ctx context.Context, name string, start time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO job_log (job_name, start_time, status)
		VALUES ($1,$2,$3) RETURNING id`,
		name, start.UTC(), string(model.JobRunning)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("%w: begin job: %v", ErrUnavailable, err)
	}
	return id, nil
}

// EndJob finalizes an audit row.
func (s *Store) EndJob(ctx context.Context, id int64, status model.JobStatus, errMsg string, records int, end time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE job_log SET
			end_time = $2,
			duration_seconds = EXTRACT(EPOCH FROM ($2 - start_time)),
			status = $3,
			error_message = $4,
			records_processed = $5
		WHERE id = $1`,
		id, end.UTC(), string(status), errMsg, records)
	if err != nil {
		return fmt.Errorf("%w: end job: %v", ErrUnavailable, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: job run %d not found", ErrInvariant, id)
	}
	return nil
}

// RecentJobRuns returns the latest audit rows for one job, newest first.
func (s *Store) RecentJobRuns(ctx context.Context, name string, limit int) ([]model.JobRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_name, start_time, end_time, duration_seconds, status, error_message, records_processed
		FROM job_log WHERE job_name = $1
		ORDER BY start_time DESC LIMIT $2`, name, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: job runs: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []model.JobRun
	for rows.Next() {
		var (
			run model.JobRun
			end sql.NullTime
		)
		if err := rows.Scan(&run.ID, &run.JobName, &run.StartTime, &end,
			&run.DurationSeconds, &run.Status, &run.ErrorMessage, &run.RecordsProcessed); err != nil {
			return nil, fmt.Errorf("%w: scan job run: %v", ErrUnavailable, err)
		}
		if end.Valid {
			t := end.Time.UTC()
			run.EndTime = &t
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: job runs: %v", ErrUnavailable, err)
	}
	return out, nil
}
