package postgres

// Schema is applied on open; every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS candles (
	instrument   TEXT        NOT NULL,
	time         TIMESTAMPTZ NOT NULL,
	granularity  TEXT        NOT NULL,
	open_bid     NUMERIC(18,5),
	high_bid     NUMERIC(18,5),
	low_bid      NUMERIC(18,5),
	close_bid    NUMERIC(18,5),
	open_ask     NUMERIC(18,5),
	high_ask     NUMERIC(18,5),
	low_ask      NUMERIC(18,5),
	close_ask    NUMERIC(18,5),
	open_mid     NUMERIC(18,5),
	high_mid     NUMERIC(18,5),
	low_mid      NUMERIC(18,5),
	close_mid    NUMERIC(18,5),
	volume       BIGINT      NOT NULL DEFAULT 0,
	complete     BOOLEAN     NOT NULL DEFAULT TRUE,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (instrument, time, granularity)
);
CREATE INDEX IF NOT EXISTS idx_candles_instrument_time ON candles (instrument, granularity, time DESC);

CREATE TABLE IF NOT EXISTS volatility (
	instrument   TEXT        NOT NULL,
	asset_class  TEXT        NOT NULL,
	time         TIMESTAMPTZ NOT NULL,
	hv20         NUMERIC(18,6),
	hv50         NUMERIC(18,6),
	sma15        NUMERIC(18,5),
	sma30        NUMERIC(18,5),
	sma50        NUMERIC(18,5),
	bb_upper     NUMERIC(18,5),
	bb_middle    NUMERIC(18,5),
	bb_lower     NUMERIC(18,5),
	atr          NUMERIC(18,5),
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (instrument, time)
);

CREATE TABLE IF NOT EXISTS correlation (
	pair1        TEXT             NOT NULL,
	pair2        TEXT             NOT NULL,
	time         TIMESTAMPTZ      NOT NULL,
	correlation  DOUBLE PRECISION NOT NULL,
	window_size  INTEGER          NOT NULL,
	created_at   TIMESTAMPTZ      NOT NULL DEFAULT now(),
	PRIMARY KEY (pair1, pair2, time),
	CHECK (pair1 < pair2)
);

CREATE TABLE IF NOT EXISTS best_pairs (
	id           BIGSERIAL        PRIMARY KEY,
	time         TIMESTAMPTZ      NOT NULL,
	pair1        TEXT             NOT NULL,
	pair2        TEXT             NOT NULL,
	correlation  DOUBLE PRECISION NOT NULL,
	category     TEXT             NOT NULL,
	rank         INTEGER          NOT NULL,
	reason       TEXT             NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ      NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_best_pairs_time ON best_pairs (time DESC);

CREATE TABLE IF NOT EXISTS job_log (
	id                BIGSERIAL        PRIMARY KEY,
	job_name          TEXT             NOT NULL,
	start_time        TIMESTAMPTZ      NOT NULL,
	end_time          TIMESTAMPTZ,
	duration_seconds  DOUBLE PRECISION NOT NULL DEFAULT 0,
	status            TEXT             NOT NULL,
	error_message     TEXT             NOT NULL DEFAULT '',
	records_processed INTEGER          NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_job_log_name_start ON job_log (job_name, start_time DESC);
`
