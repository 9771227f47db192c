package replica

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Statement runs SQL through its DualConnection. Settings made on it are
// held back and applied once the target database of a call is known.
type Statement struct {
	mu           sync.Mutex
	conn         *DualConnection
	queryTimeout time.Duration
	maxRows      int64
	batch        *pgx.Batch
	last         *RouteDecision
	closed       bool

	openMu sync.Mutex
	open   map[*boundedRows]struct{}
}

// SetQueryTimeout bounds every following call. Zero means no bound.
func (s *Statement) SetQueryTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryTimeout = d
}

func (s *Statement) QueryTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryTimeout
}

// SetMaxRows limits how many rows Query yields. Zero means no limit.
func (s *Statement) SetMaxRows(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxRows = n
}

func (s *Statement) MaxRows() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxRows
}

// Query runs sql on the database picked by the router.
func (s *Statement) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	rows, d, err := s.conn.query(ctx, sql, args...)
	if d.Reason != "" {
		s.last = &d
	}
	if err != nil {
		cancel()
		return nil, err
	}
	wrapped := &boundedRows{Rows: rows, max: s.maxRows}
	wrapped.onClose = func() {
		cancel()
		s.untrack(wrapped)
	}
	s.track(wrapped)
	return wrapped, nil
}

// QueryRow is Query for at most one row.
func (s *Statement) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := s.Query(ctx, sql, args...)
	return &singleRow{rows: rows, err: err}
}

// Exec runs sql on main.
func (s *Statement) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pgconn.CommandTag{}, ErrClosed
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	tag, d, err := s.conn.exec(ctx, sql, args...)
	if d.Reason != "" {
		s.last = &d
	}
	return tag, err
}

// AddBatch queues sql for ExecBatch.
func (s *Statement) AddBatch(sql string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batch == nil {
		s.batch = &pgx.Batch{}
	}
	s.batch.Queue(sql, args...)
}

func (s *Statement) ClearBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batch = nil
}

// ExecBatch sends the queued statements to main and clears the queue.
func (s *Statement) ExecBatch(ctx context.Context) ([]pgconn.CommandTag, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.batch == nil || s.batch.Len() == 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	b := s.batch
	s.batch = nil
	tags, err := s.conn.SendBatch(ctx, b)
	if d, ok := s.conn.LastDecision(); ok {
		s.last = &d
	}
	return tags, err
}

// LastDecision returns the decision of the most recent call.
func (s *Statement) LastDecision() (RouteDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return RouteDecision{}, false
	}
	return *s.last, true
}

// IsReadOnly reports whether the most recent call ran on the replica.
func (s *Statement) IsReadOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last != nil && !s.last.RunOnMain()
}

// SetCursorName is not supported.
func (s *Statement) SetCursorName(string) error {
	return s.conn.unsupported("statement.set_cursor_name")
}

// Cancel is not supported; cancel the context passed to the call instead.
func (s *Statement) Cancel() error {
	return s.conn.unsupported("statement.cancel")
}

// SetPoolable is not supported.
func (s *Statement) SetPoolable(bool) error {
	return s.conn.unsupported("statement.set_poolable")
}

// Close closes every result set handed out by the statement.
func (s *Statement) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.batch = nil
	s.openMu.Lock()
	open := s.open
	s.open = nil
	s.openMu.Unlock()
	for rows := range open {
		rows.Close()
	}
	return nil
}

func (s *Statement) track(r *boundedRows) {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	if s.open == nil {
		s.open = make(map[*boundedRows]struct{})
	}
	s.open[r] = struct{}{}
}

func (s *Statement) untrack(r *boundedRows) {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	delete(s.open, r)
}

func (s *Statement) openRows() int {
	s.openMu.Lock()
	defer s.openMu.Unlock()
	return len(s.open)
}

func (s *Statement) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Statement) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.queryTimeout > 0 {
		return context.WithTimeout(ctx, s.queryTimeout)
	}
	return context.WithCancel(ctx)
}

// PreparedStatement is a Statement bound to one SQL text.
type PreparedStatement struct {
	stmt Statement
	sql  string
}

func (p *PreparedStatement) SQL() string { return p.sql }

func (p *PreparedStatement) Query(ctx context.Context, args ...any) (pgx.Rows, error) {
	return p.stmt.Query(ctx, p.sql, args...)
}

func (p *PreparedStatement) QueryRow(ctx context.Context, args ...any) pgx.Row {
	return p.stmt.QueryRow(ctx, p.sql, args...)
}

func (p *PreparedStatement) Exec(ctx context.Context, args ...any) (pgconn.CommandTag, error) {
	return p.stmt.Exec(ctx, p.sql, args...)
}

// AddBatch queues the bound SQL with args.
func (p *PreparedStatement) AddBatch(args ...any) { p.stmt.AddBatch(p.sql, args...) }

func (p *PreparedStatement) ExecBatch(ctx context.Context) ([]pgconn.CommandTag, error) {
	return p.stmt.ExecBatch(ctx)
}

func (p *PreparedStatement) SetQueryTimeout(d time.Duration) { p.stmt.SetQueryTimeout(d) }

func (p *PreparedStatement) SetMaxRows(n int64) { p.stmt.SetMaxRows(n) }

func (p *PreparedStatement) LastDecision() (RouteDecision, bool) { return p.stmt.LastDecision() }

func (p *PreparedStatement) IsReadOnly() bool { return p.stmt.IsReadOnly() }

func (p *PreparedStatement) Close() error { return p.stmt.Close() }
