package datastore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeDB emulates the cdrs table closely enough for the sink: it enforces
// the uniqueness triple and rejects unparseable timestamps the way
// PostgreSQL would.
type fakeDB struct {
	mu       sync.Mutex
	rows     map[string]CDR
	order    []string
	execErr  error
	queryErr error
	result   [][]any
	lastSQL  string
	lastArgs []any
}

func newFakeDB() *fakeDB {
	return &fakeDB{rows: make(map[string]CDR)}
}

func (db *fakeDB) count() int {
	db.mu.Lock()
	defer db.mu.Unlock()
	return len(db.rows)
}

func (db *fakeDB) exec(sql string, args []any) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	db.lastSQL = sql
	db.lastArgs = args

	if db.execErr != nil {
		return db.execErr
	}
	if sql != insertSQL {
		return nil
	}

	record := CDR{
		CustID:    args[0].(int64),
		ID:        args[1].(string),
		CallerID:  args[2].(string),
		Seq:       args[3].(int64),
		AddedDt:   args[4].(string),
		StartTime: args[5].(string),
		EndTime:   args[6].(string),
	}
	for _, ts := range []string{record.AddedDt, record.StartTime, record.EndTime} {
		if !validTimestamp(ts) {
			return &pgconn.PgError{Code: "22007", Message: fmt.Sprintf("invalid input syntax for type timestamp: %q", ts)}
		}
	}

	key := record.Key()
	if _, exists := db.rows[key]; exists {
		return &pgconn.PgError{
			Code:           uniqueViolation,
			Message:        "duplicate key value violates unique constraint",
			ConstraintName: "cdrs_cust_id_id_seq_key",
		}
	}
	db.rows[key] = record
	db.order = append(db.order, key)
	return nil
}

func validTimestamp(ts string) bool {
	if ts == "" {
		return true
	}
	for _, layout := range []string{"2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if _, err := time.Parse(layout, ts); err == nil {
			return true
		}
	}
	return false
}

// fakePool is a bounded pool that records every lease and release
type fakePool struct {
	db    *fakeDB
	slots chan struct{}

	mu         sync.Mutex
	nextID     int
	leased     map[int]bool
	acquired   int
	released   int
	doubleFree int
	maxInUse   int
	acquireErr error
	execGate   chan struct{}
	execHook   func()
}

func newFakePool(db *fakeDB, size int) *fakePool {
	return &fakePool{
		db:     db,
		slots:  make(chan struct{}, size),
		leased: make(map[int]bool),
	}
}

func (p *fakePool) Acquire(ctx context.Context) (Conn, error) {
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	p.leased[p.nextID] = true
	p.acquired++
	if len(p.leased) > p.maxInUse {
		p.maxInUse = len(p.leased)
	}

	return &fakeConn{id: p.nextID, pool: p}, nil
}

func (p *fakePool) release(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.leased[id] {
		p.doubleFree++
		return
	}
	delete(p.leased, id)
	p.released++
	<-p.slots
}

func (p *fakePool) stats() (acquired, released, doubleFree, inUse, maxInUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired, p.released, p.doubleFree, len(p.leased), p.maxInUse
}

type fakeConn struct {
	id   int
	pool *fakePool
}

func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if gate := c.pool.execGate; gate != nil {
		<-gate
	}
	if hook := c.pool.execHook; hook != nil {
		hook()
	}
	// pgx fails fast on a done context
	if err := ctx.Err(); err != nil {
		return pgconn.CommandTag{}, err
	}
	if err := c.pool.db.exec(sql, args); err != nil {
		return pgconn.CommandTag{}, err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	db := c.pool.db
	db.mu.Lock()
	defer db.mu.Unlock()

	db.lastSQL = sql
	db.lastArgs = args
	if db.queryErr != nil {
		return nil, db.queryErr
	}
	return &fakeRows{values: db.result, index: -1}, nil
}

func (c *fakeConn) Release() {
	c.pool.release(c.id)
}

// fakeRows serves canned rows of int64 and string columns
type fakeRows struct {
	values [][]any
	index  int
	err    error
	closed bool
}

func (r *fakeRows) Close()                                       { r.closed = true }
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.index++
	return r.index < len(r.values)
}

func (r *fakeRows) Values() ([]any, error) {
	return r.values[r.index], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.values[r.index]
	if len(dest) != len(row) {
		return fmt.Errorf("expected %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		switch target := d.(type) {
		case *int64:
			v, ok := row[i].(int64)
			if !ok {
				return errors.New("column is not int64")
			}
			*target = v
		case *string:
			v, ok := row[i].(string)
			if !ok {
				return errors.New("column is not string")
			}
			*target = v
		default:
			return fmt.Errorf("unsupported destination %T", d)
		}
	}
	return nil
}
