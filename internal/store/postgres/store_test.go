package postgres

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fxpipeline/internal/model"
)

func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWithDB(sqlx.NewDb(db, "sqlmock"), zerolog.Nop()), mock
}

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func sampleCandle(ts time.Time) model.Candle {
	return model.Candle{
		Instrument:  "EUR_USD",
		Granularity: model.H1,
		Time:        ts,
		Bid:         &model.OHLC{Open: d("1.08231"), High: d("1.08402"), Low: d("1.08199"), Close: d("1.08377")},
		Ask:         &model.OHLC{Open: d("1.08245"), High: d("1.08416"), Low: d("1.08213"), Close: d("1.08391")},
		Mid:         &model.OHLC{Open: d("1.08238"), High: d("1.08409"), Low: d("1.08206"), Close: d("1.08384")},
		Volume:      4210,
		Complete:    true,
	}
}

func TestUpsertCandlesBatchesInOneTransaction(t *testing.T) {
	s, mock := mockStore(t)
	ts := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)
	batch := []model.Candle{sampleCandle(ts), sampleCandle(ts.Add(time.Hour))}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO candles")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.UpsertCandles(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertCandlesRejectsInvalidBeforeWriting(t *testing.T) {
	s, mock := mockStore(t)
	bad := sampleCandle(time.Now().UTC())
	bad.Mid.Low = d("9.99999") // low above high

	_, err := s.UpsertCandles(context.Background(), []model.Candle{bad})
	assert.ErrorIs(t, err, ErrInvariant)
	assert.NoError(t, mock.ExpectationsWereMet()) // nothing reached the db
}

func TestUpsertCandlesRollsBackOnExecError(t *testing.T) {
	s, mock := mockStore(t)
	ts := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO candles")
	prep.ExpectExec().WillReturnError(assert.AnError)
	mock.ExpectRollback()

	_, err := s.UpsertCandles(context.Background(), []model.Candle{sampleCandle(ts)})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertVolatilitySkipsEmptyMetrics(t *testing.T) {
	s, mock := mockStore(t)
	ts := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)
	full := model.VolatilityMetric{
		Instrument: "EUR_USD",
		AssetClass: model.ClassFX,
		Time:       ts,
		HV20:       decimal.NullDecimal{Decimal: d("7.123456"), Valid: true},
		SMA15:      decimal.NullDecimal{Decimal: d("1.08311"), Valid: true},
	}
	empty := model.VolatilityMetric{Instrument: "GBP_USD", AssetClass: model.ClassFX, Time: ts}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO volatility")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.UpsertVolatility(context.Background(), []model.VolatilityMetric{full, empty})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertCorrelationsEnforcesCanonicalOrdering(t *testing.T) {
	s, mock := mockStore(t)
	ts := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	entries := []model.CorrelationEntry{
		{Pair1: "EUR_USD", Pair2: "GBP_USD", Time: ts, Correlation: 0.8, WindowSize: 100},
		{Pair1: "USD_JPY", Pair2: "EUR_USD", Time: ts, Correlation: 0.5, WindowSize: 100},
	}

	_, err := s.InsertCorrelations(context.Background(), entries)
	assert.ErrorIs(t, err, ErrInvariant)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertCorrelationsWritesSnapshot(t *testing.T) {
	s, mock := mockStore(t)
	ts := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	entries := []model.CorrelationEntry{
		{Pair1: "EUR_USD", Pair2: "GBP_USD", Time: ts, Correlation: 0.8, WindowSize: 100},
		{Pair1: "AUD_USD", Pair2: "NZD_USD", Time: ts, Correlation: 0.9, WindowSize: 100},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO correlation")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := s.InsertCorrelations(context.Background(), entries)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendBestPairs(t *testing.T) {
	s, mock := mockStore(t)
	ts := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	entries := []model.BestPairEntry{
		{Time: ts, Pair1: "EUR_USD", Pair2: "USD_CHF", Correlation: -0.93, Category: model.CategoryHedging, Rank: 1, Reason: "strong inverse"},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO best_pairs")
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.AppendBestPairs(context.Background(), entries))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecentClosesOldestFirst(t *testing.T) {
	s, mock := mockStore(t)
	t0 := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"time", "close_mid"}).
		AddRow(t0, "1.08311").
		AddRow(t0.Add(time.Hour), "1.08384")
	mock.ExpectQuery("SELECT time, close_mid FROM").
		WithArgs("EUR_USD", "H1", 100).
		WillReturnRows(rows)

	closes, err := s.RecentCloses(context.Background(), "EUR_USD", model.H1, 100)
	require.NoError(t, err)
	require.Len(t, closes, 2)
	assert.True(t, closes[0].Time.Before(closes[1].Time))
	assert.Equal(t, "1.08311", closes[0].Price.String())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJobAuditLifecycle(t *testing.T) {
	s, mock := mockStore(t)
	start := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)
	end := start.Add(42 * time.Second)

	mock.ExpectQuery("INSERT INTO job_log").
		WithArgs("hourly_fetch_and_metrics", start, "running").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("UPDATE job_log SET").
		WithArgs(int64(7), end, "success", "", 20).
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := s.BeginJob(context.Background(), "hourly_fetch_and_metrics", start)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	require.NoError(t, s.EndJob(context.Background(), id, model.JobSuccess, "", 20, end))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEndJobMissingRowIsInvariant(t *testing.T) {
	s, mock := mockStore(t)
	end := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE job_log SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.EndJob(context.Background(), 999, model.JobFailed, "boom", 0, end)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestRecentJobRunsNewestFirst(t *testing.T) {
	s, mock := mockStore(t)
	t0 := time.Date(2025, 6, 2, 13, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	end1 := t1.Add(30 * time.Second)

	rows := sqlmock.NewRows([]string{"id", "job_name", "start_time", "end_time",
		"duration_seconds", "status", "error_message", "records_processed"}).
		AddRow(int64(8), "hourly_fetch_and_metrics", t1, end1, 30.0, "success", "", 40).
		AddRow(int64(7), "hourly_fetch_and_metrics", t0, nil, 0.0, "running", "", 0)
	mock.ExpectQuery("SELECT id, job_name, start_time").
		WithArgs("hourly_fetch_and_metrics", 20).
		WillReturnRows(rows)

	runs, err := s.RecentJobRuns(context.Background(), "hourly_fetch_and_metrics", 20)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(8), runs[0].ID)
	require.NotNil(t, runs[0].EndTime)
	assert.Equal(t, model.JobSuccess, runs[0].Status)
	assert.Nil(t, runs[1].EndTime)
	assert.Equal(t, model.JobRunning, runs[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
