package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// SQLSTATE raised by PostgreSQL on a unique constraint violation
const uniqueViolation = "23505"

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS cdrs (
		cust_id BIGINT NOT NULL,
		id TEXT NOT NULL,
		caller_id TEXT NOT NULL DEFAULT '',
		seq BIGINT NOT NULL,
		added_dt TIMESTAMP,
		start_time TIMESTAMP,
		end_time TIMESTAMP,
		CONSTRAINT cdrs_cust_id_id_seq_key UNIQUE (cust_id, id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_cdrs_start_time ON cdrs(start_time);
	CREATE INDEX IF NOT EXISTS idx_cdrs_added_dt ON cdrs(added_dt);
	CREATE INDEX IF NOT EXISTS idx_cdrs_cust_start ON cdrs(cust_id, start_time);
`

// Timestamps arrive as upstream text; empty strings are stored as NULL.
const insertSQL = `
	INSERT INTO cdrs (cust_id, id, caller_id, seq, added_dt, start_time, end_time)
	VALUES ($1, $2, $3, $4,
		CAST(NULLIF($5::text, '') AS timestamp),
		CAST(NULLIF($6::text, '') AS timestamp),
		CAST(NULLIF($7::text, '') AS timestamp))
`

const cdrColumns = `
	cust_id, id, caller_id, seq,
	COALESCE(to_char(added_dt, 'YYYY-MM-DD"T"HH24:MI:SS'), ''),
	COALESCE(to_char(start_time, 'YYYY-MM-DD"T"HH24:MI:SS'), ''),
	COALESCE(to_char(end_time, 'YYYY-MM-DD"T"HH24:MI:SS'), '')
`

const (
	detailsSQL = `SELECT` + cdrColumns + `FROM cdrs ORDER BY start_time DESC`
	logsSQL    = `SELECT` + cdrColumns + `FROM cdrs ORDER BY added_dt DESC`
	summarySQL = `
	SELECT id, COALESCE(to_char(DATE(start_time), 'YYYY-MM-DD'), '') AS call_date, COUNT(*) AS cdr_count
	FROM cdrs
	WHERE cust_id = $1
	GROUP BY id, DATE(start_time)
	ORDER BY DATE(start_time) DESC NULLS LAST
`
)

// PgxPool adapts a pgxpool.Pool to the Pool interface
type PgxPool struct {
	pool *pgxpool.Pool
}

// NewPgxPool creates a bounded pgx connection pool and verifies it with a ping.
// The pool size comes from pool_max_conns in the DSN.
func NewPgxPool(ctx context.Context, dsn string) (*PgxPool, error) {
	pgConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PostgreSQL DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create PostgreSQL connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	return &PgxPool{pool: pool}, nil
}

// Acquire leases a connection, blocking until one is free or ctx is done
func (p *PgxPool) Acquire(ctx context.Context) (Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close tears the pool down; it waits for leased connections to be released
func (p *PgxPool) Close() {
	p.pool.Close()
}

// PostgresStore implements the Datastore and Reader interfaces on PostgreSQL
type PostgresStore struct {
	pool           Pool
	acquireTimeout time.Duration
	logger         *zap.Logger
}

// NewPostgresStore creates a new PostgresStore. A zero acquireTimeout waits
// for a connection until the caller's context is done.
func NewPostgresStore(pool Pool, acquireTimeout time.Duration, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		pool:           pool,
		acquireTimeout: acquireTimeout,
		logger:         logger,
	}
}

// EnsureSchema creates the cdrs table and its indexes if they do not exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create cdrs table: %w", err)
	}

	s.logger.Info("Database schema initialized")
	return nil
}

// Persist inserts every record of the batch on a single leased connection.
// Records are written in order and committed one by one; duplicates and
// failing records are counted and skipped. It returns ErrPoolAcquisition
// when nothing was written, and ErrBatchInterrupted with the partial result
// when ctx ends mid-batch.
func (s *PostgresStore) Persist(ctx context.Context, batch []CDR) (PersistResult, error) {
	var result PersistResult

	conn, err := s.acquire(ctx)
	if err != nil {
		return result, err
	}
	defer conn.Release()

	for i, record := range batch {
		if ctx.Err() != nil {
			return result, interrupted(ctx, len(batch)-i)
		}

		err := s.insert(ctx, conn, record)
		switch {
		case err == nil:
			result.Inserted = append(result.Inserted, record)
		case ctx.Err() != nil:
			return result, interrupted(ctx, len(batch)-i)
		case errors.Is(err, ErrDuplicateRecord):
			result.Duplicates++
			s.logger.Debug("Skipping already stored record", zap.String("key", record.Key()))
		default:
			result.Failed++
			s.logger.Error("Failure inserting record",
				zap.String("key", record.Key()),
				zap.Int("index", i),
				zap.Error(err))
		}
	}

	return result, nil
}

func interrupted(ctx context.Context, remaining int) error {
	return fmt.Errorf("%w: %d records not written: %v", ErrBatchInterrupted, remaining, ctx.Err())
}

func (s *PostgresStore) insert(ctx context.Context, conn Conn, record CDR) error {
	if err := record.Validate(); err != nil {
		return err
	}

	_, err := conn.Exec(ctx, insertSQL,
		record.CustID,
		record.ID,
		record.CallerID,
		record.Seq,
		record.AddedDt,
		record.StartTime,
		record.EndTime,
	)
	if err != nil {
		return classifyInsertError(err)
	}
	return nil
}

func classifyInsertError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateRecord, pgErr.ConstraintName)
	}
	return fmt.Errorf("%w: %v", ErrRecordPersist, err)
}

// Details returns every stored CDR, most recent call first
func (s *PostgresStore) Details(ctx context.Context) ([]CDR, error) {
	return s.queryCDRs(ctx, detailsSQL)
}

// Logs returns every stored CDR, most recently added first
func (s *PostgresStore) Logs(ctx context.Context) ([]CDR, error) {
	return s.queryCDRs(ctx, logsSQL)
}

// Summary counts a customer's CDRs per call id and calendar day
func (s *PostgresStore) Summary(ctx context.Context, custID int64) ([]SummaryRow, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, summarySQL, custID)
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	defer rows.Close()

	summary := []SummaryRow{}
	for rows.Next() {
		var row SummaryRow
		if err := rows.Scan(&row.ID, &row.CallDate, &row.CDRCount); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		summary = append(summary, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read summary rows: %w", err)
	}

	return summary, nil
}

// Ping checks that a connection can be leased and used
func (s *PostgresStore) Ping(ctx context.Context) error {
	conn, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT 1"); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}
	return nil
}

func (s *PostgresStore) queryCDRs(ctx context.Context, query string) ([]CDR, error) {
	conn, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query cdrs: %w", err)
	}
	defer rows.Close()

	records := []CDR{}
	for rows.Next() {
		var r CDR
		if err := rows.Scan(&r.CustID, &r.ID, &r.CallerID, &r.Seq, &r.AddedDt, &r.StartTime, &r.EndTime); err != nil {
			return nil, fmt.Errorf("failed to scan cdr row: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read cdr rows: %w", err)
	}

	return records, nil
}

func (s *PostgresStore) acquire(ctx context.Context) (Conn, error) {
	acquireCtx := ctx
	if s.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, s.acquireTimeout)
		defer cancel()
	}

	conn, err := s.pool.Acquire(acquireCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoolAcquisition, err)
	}
	return conn, nil
}
