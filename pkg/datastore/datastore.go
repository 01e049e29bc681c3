package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrDuplicateRecord marks an insert rejected by the (cust_id, id, seq)
	// uniqueness constraint. It is expected on re-delivery and never
	// surfaced to callers of Persist.
	ErrDuplicateRecord = errors.New("duplicate record")

	// ErrRecordPersist marks any other per-record insert failure.
	ErrRecordPersist = errors.New("record persist failed")

	// ErrPoolAcquisition marks a failure to lease a connection from the pool.
	ErrPoolAcquisition = errors.New("connection pool acquisition failed")

	// ErrBatchInterrupted marks a batch cut short because its context ended.
	// Records written before that point stay written.
	ErrBatchInterrupted = errors.New("batch interrupted")
)

// CDR represents a call detail record as delivered by the upstream service
type CDR struct {
	CustID    int64  `json:"cust_id" db:"cust_id"`
	ID        string `json:"id" db:"id"`
	CallerID  string `json:"caller_id" db:"caller_id"`
	Seq       int64  `json:"seq" db:"seq"`
	AddedDt   string `json:"added_dt" db:"added_dt"`
	StartTime string `json:"start_time" db:"start_time"`
	EndTime   string `json:"end_time" db:"end_time"`
}

// Key identifies a stored record by its uniqueness triple
func (c CDR) Key() string {
	return fmt.Sprintf("cdr:%d:%s:%d", c.CustID, c.ID, c.Seq)
}

// Validate rejects records that cannot form a valid identity
func (c CDR) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: record has empty id", ErrRecordPersist)
	}
	return nil
}

// SummaryRow is one (id, day) bucket of the per-customer summary
type SummaryRow struct {
	ID       string `json:"id"`
	CallDate string `json:"call_date"`
	CDRCount int64  `json:"cdr_count"`
}

// PersistResult is the outcome of persisting one batch
type PersistResult struct {
	Inserted   []CDR
	Duplicates int
	Failed     int
}

// Datastore interface defines methods for storing CDR batches
type Datastore interface {
	Persist(ctx context.Context, batch []CDR) (PersistResult, error)
}

// Reader interface defines the read-only queries served to downstream consumers
type Reader interface {
	Details(ctx context.Context) ([]CDR, error)
	Summary(ctx context.Context, custID int64) ([]SummaryRow, error)
	Logs(ctx context.Context) ([]CDR, error)
	Ping(ctx context.Context) error
}

// Conn is a connection leased from a Pool. Release must be called exactly
// once when the holder is done with it.
type Conn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Release()
}

// Pool hands out connections to the storage backend
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
}
