package replica

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeConn records every statement it receives. Tests inject failures
// through the exported-looking fields.
type fakeConn struct {
	name string

	mu       sync.Mutex
	execs    []string
	queries  []string
	batches  int
	txs      []*fakeTx
	closed   bool
	lastCtx  context.Context
	rows     [][]any
	rowsErr  error
	queryErr error
	execErr  error
	beginErr error
	closeErr error
	// rejectWhileBusy makes the connection refuse statements while rows
	// are open, as pgx does.
	rejectWhileBusy bool
	openRows        int
}

var errConnBusy = errors.New("conn busy")

func newFakeConn(name string) *fakeConn { return &fakeConn{name: name} }

func (c *fakeConn) Exec(ctx context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCtx = ctx
	if c.rejectWhileBusy && c.openRows > 0 {
		return pgconn.CommandTag{}, errConnBusy
	}
	if c.execErr != nil {
		return pgconn.CommandTag{}, c.execErr
	}
	c.execs = append(c.execs, sql)
	return pgconn.NewCommandTag("UPDATE 1"), nil
}

func (c *fakeConn) Query(ctx context.Context, sql string, _ ...any) (pgx.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCtx = ctx
	if c.rejectWhileBusy && c.openRows > 0 {
		return nil, errConnBusy
	}
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	c.queries = append(c.queries, sql)
	c.openRows++
	return &fakeRows{data: c.rows, conn: c, err: c.rowsErr}, nil
}

func (c *fakeConn) releaseRows() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openRows--
}

func (c *fakeConn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := c.Query(ctx, sql, args...)
	return &singleRow{rows: rows, err: err}
}

func (c *fakeConn) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastCtx = ctx
	c.batches++
	for _, q := range b.QueuedQueries {
		c.execs = append(c.execs, q.SQL)
	}
	return &fakeBatchResults{n: b.Len(), err: c.execErr}
}

func (c *fakeConn) Begin(context.Context) (pgx.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.beginErr != nil {
		return nil, c.beginErr
	}
	tx := &fakeTx{conn: c}
	c.txs = append(c.txs, tx)
	return tx, nil
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return c.closeErr
}

func (c *fakeConn) Execs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execs...)
}

func (c *fakeConn) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// lastTx returns the most recently begun transaction.
func (c *fakeConn) lastTx() *fakeTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.txs) == 0 {
		return nil
	}
	return c.txs[len(c.txs)-1]
}

type fakeTx struct {
	pgx.Tx
	conn       *fakeConn
	committed  bool
	rolledBack bool
	commitErr  error
}

func (t *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return t.conn.Exec(ctx, sql, args...)
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return t.conn.Query(ctx, sql, args...)
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return t.conn.QueryRow(ctx, sql, args...)
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	return t.conn.SendBatch(ctx, b)
}

func (t *fakeTx) Commit(context.Context) error {
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(context.Context) error {
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

type fakeRows struct {
	pgx.Rows
	conn   *fakeConn
	data   [][]any
	i      int
	closed bool
	err    error
}

func (r *fakeRows) Next() bool {
	if r.closed || r.i >= len(r.data) {
		return false
	}
	r.i++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.i-1]
	if len(dest) != len(row) {
		return fmt.Errorf("scan: want %d destinations, got %d", len(row), len(dest))
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(row[i]))
	}
	return nil
}

func (r *fakeRows) Close() {
	if r.closed {
		return
	}
	r.closed = true
	if r.conn != nil {
		r.conn.releaseRows()
	}
}

func (r *fakeRows) Err() error { return r.err }

func (r *fakeRows) CommandTag() pgconn.CommandTag {
	return pgconn.NewCommandTag(fmt.Sprintf("SELECT %d", r.i))
}

type fakeBatchResults struct {
	pgx.BatchResults
	n, i   int
	err    error
	closed bool
}

func (b *fakeBatchResults) Exec() (pgconn.CommandTag, error) {
	if b.err != nil {
		return pgconn.CommandTag{}, b.err
	}
	if b.i >= b.n {
		return pgconn.CommandTag{}, errors.New("no more results")
	}
	b.i++
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (b *fakeBatchResults) Close() error {
	b.closed = true
	return nil
}

// fakeProvider opens a new fakeConn per call and keeps them for inspection.
type fakeProvider struct {
	mu               sync.Mutex
	replicaAvailable bool
	mainErr          error
	replicaErr       error
	// configure runs on every connection before it is handed out.
	configureMain    func(*fakeConn)
	configureReplica func(*fakeConn)
	mains            []*fakeConn
	replicas         []*fakeConn
}

func newFakeProvider() *fakeProvider { return &fakeProvider{replicaAvailable: true} }

func (p *fakeProvider) IsReplicaAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replicaAvailable
}

func (p *fakeProvider) MainConnection(context.Context) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mainErr != nil {
		return nil, p.mainErr
	}
	c := newFakeConn("main")
	if p.configureMain != nil {
		p.configureMain(c)
	}
	p.mains = append(p.mains, c)
	return c, nil
}

func (p *fakeProvider) ReplicaConnection(context.Context) (Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.replicaErr != nil {
		return nil, p.replicaErr
	}
	c := newFakeConn("replica")
	if p.configureReplica != nil {
		p.configureReplica(c)
	}
	p.replicas = append(p.replicas, c)
	return c, nil
}

func (p *fakeProvider) main() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.mains) == 0 {
		return nil
	}
	return p.mains[len(p.mains)-1]
}

func (p *fakeProvider) replica() *fakeConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replicas) == 0 {
		return nil
	}
	return p.replicas[len(p.replicas)-1]
}

// fakeConsistency answers IsConsistent with a fixed verdict and counts writes.
type fakeConsistency struct {
	mu         sync.Mutex
	consistent bool
	checkErr   error
	writeErr   error
	writes     int
	checks     int
}

func (f *fakeConsistency) Write(context.Context, Conn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes++
	return nil
}

func (f *fakeConsistency) IsConsistent(context.Context, Conn) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checks++
	return f.consistent, f.checkErr
}

func (f *fakeConsistency) Writes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// walConsistency queries the connection on every write, like the WAL
// position lookup does.
type walConsistency struct {
	fakeConsistency
}

func (w *walConsistency) Write(ctx context.Context, conn Conn) error {
	if _, err := conn.Exec(ctx, "SELECT pg_current_wal_lsn()"); err != nil {
		return err
	}
	return w.fakeConsistency.Write(ctx, conn)
}
