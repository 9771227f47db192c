// Package replica provides a PostgreSQL connection that routes statements
// between a main database and its read replica.
//
// Writes, locks, function calls and anything issued while main is already in
// use go to main. Reads go to the replica as long as the configured
// Consistency reports that it has caught up with the writes made through
// the connection.
package replica

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/db-replica/internal/observability"
)

// DecisionListener observes every routing decision.
type DecisionListener func(ctx context.Context, d RouteDecision)

// Option configures a DualConnection.
type Option func(*DualConnection)

// WithDualCall sets how replica reads are executed. Defaults to ForwardCall.
func WithDualCall(dc DualCall) Option {
	return func(c *DualConnection) {
		if dc != nil {
			c.dualCall = dc
		}
	}
}

// WithCircuitBreaker replaces the process-wide breaker. A nil breaker
// disables breaking.
func WithCircuitBreaker(cb CircuitBreaker) Option {
	return func(c *DualConnection) { c.breaker = cb }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(lg *slog.Logger) Option {
	return func(c *DualConnection) {
		if lg != nil {
			c.logger = lg
		}
	}
}

// WithDecisionListener registers a listener for routing decisions.
func WithDecisionListener(l DecisionListener) Option {
	return func(c *DualConnection) { c.listener = l }
}

// DualConnection is a single logical connection backed by a main database
// and a read replica. It is safe for use by multiple goroutines, but like a
// regular connection it serializes statements.
type DualConnection struct {
	mu       sync.Mutex
	id       string
	state    *connState
	dualCall DualCall
	breaker  CircuitBreaker
	logger   *slog.Logger
	listener DecisionListener
	tracer   trace.Tracer
	last     *RouteDecision
}

// New creates a DualConnection. No physical connection is opened until the
// first statement runs.
func New(provider ConnectionProvider, consistency Consistency, opts ...Option) *DualConnection {
	c := &DualConnection{
		id:       uuid.New().String(),
		dualCall: ForwardCall{},
		breaker:  DefaultCircuitBreaker(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("replica.dual"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("dual_connection_id", c.id))
	if consistency == nil {
		consistency = PermanentInconsistency{}
	}
	c.state = newConnState(provider, consistency, c.logger)
	return c
}

// ID identifies the connection in logs.
func (c *DualConnection) ID() string { return c.id }

// Query runs sql on the database picked by the router.
func (c *DualConnection) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	rows, _, err := c.query(ctx, sql, args...)
	return rows, err
}

// QueryRow is Query for at most one row. Errors are deferred to Scan.
func (c *DualConnection) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	rows, err := c.Query(ctx, sql, args...)
	return &singleRow{rows: rows, err: err}
}

func (c *DualConnection) query(ctx context.Context, sql string, args ...any) (pgx.Rows, RouteDecision, error) {
	ctx, span := c.tracer.Start(ctx, "DualConnection.Query")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.checkOpen(); err != nil {
		return nil, RouteDecision{}, err
	}
	start := time.Now()
	ss, d, err := c.route(ctx, sql)
	if err != nil {
		recordSpanError(span, err)
		return nil, RouteDecision{}, err
	}
	c.decide(ctx, span, d)

	var rows pgx.Rows
	if d.RunOnMain() {
		rows, err = ss.querier().Query(ctx, sql, args...)
	} else {
		mainFn := func(ctx context.Context) (pgx.Rows, error) {
			cause := d
			d = NewWriteDecision(sql, ReasonReplicaUnavailable, &cause, false)
			c.decide(ctx, span, d)
			ws, err := c.state.writeSession(ctx)
			if err != nil {
				return nil, err
			}
			return ws.querier().Query(ctx, sql, args...)
		}
		replicaFn := func(ctx context.Context) (pgx.Rows, error) {
			return ss.querier().Query(ctx, sql, args...)
		}
		rows, err = c.dualCall.CallReplica(ctx, mainFn, replicaFn)
	}
	observability.ObserveStatement(d.Reason.Target(), "query", time.Since(start))
	if err != nil {
		recordSpanError(span, err)
		return nil, d, err
	}
	if d.IsWrite != nil && *d.IsWrite {
		// main stays busy until the rows are closed
		recordCtx := context.WithoutCancel(ctx)
		rows = &writeRows{Rows: rows, record: func() error {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.state.recordWrite(recordCtx)
		}}
	}
	return rows, d, nil
}

// route picks the session for a statement issued through Query.
func (c *DualConnection) route(ctx context.Context, sql string) (*session, RouteDecision, error) {
	if c.breakerOpen() {
		ss, err := c.state.writeSession(ctx)
		return ss, NewRouteDecision(sql, ReasonCircuitBreaker, nil), err
	}
	if IsSelectForUpdate(sql) {
		ss, err := c.state.writeSession(ctx)
		return ss, NewWriteDecision(sql, ReasonLock, nil, true), err
	}
	switch Classify(sql) {
	case SQLWrite:
		ss, err := c.state.writeSession(ctx)
		return ss, NewWriteDecision(sql, ReasonWriteOperation, nil, true), err
	case SQLUnknown:
		ss, err := c.state.writeSession(ctx)
		return ss, NewRouteDecision(sql, ReasonWriteOperation, nil), err
	}
	ss, d, err := c.state.readSession(ctx, sql)
	if err != nil {
		return nil, RouteDecision{}, err
	}
	if d.RunOnMain() {
		d = NewWriteDecision(sql, d.Reason, nil, false)
	} else {
		d.IsWrite = boolPtr(false)
	}
	return ss, d, nil
}

// Explain reports where sql would run, without running it. It opens the
// connections a real call would open.
func (c *DualConnection) Explain(ctx context.Context, sql string) (RouteDecision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.checkOpen(); err != nil {
		return RouteDecision{}, err
	}
	_, d, err := c.route(ctx, sql)
	return d, err
}

// Exec runs sql on main and records the write.
func (c *DualConnection) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	tag, _, err := c.exec(ctx, sql, args...)
	return tag, err
}

func (c *DualConnection) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, RouteDecision, error) {
	ctx, span := c.tracer.Start(ctx, "DualConnection.Exec")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.checkOpen(); err != nil {
		return pgconn.CommandTag{}, RouteDecision{}, err
	}
	start := time.Now()
	ss, err := c.state.writeSession(ctx)
	if err != nil {
		recordSpanError(span, err)
		return pgconn.CommandTag{}, RouteDecision{}, err
	}
	d := c.writeDecision(sql)
	c.decide(ctx, span, d)
	tag, err := ss.querier().Exec(ctx, sql, args...)
	observability.ObserveStatement(d.Reason.Target(), "exec", time.Since(start))
	if err != nil {
		recordSpanError(span, err)
		return tag, d, err
	}
	return tag, d, c.state.recordWrite(ctx)
}

// SendBatch runs every queued statement on main, reads the results and
// records the write. Callers get the command tags in queue order.
func (c *DualConnection) SendBatch(ctx context.Context, b *pgx.Batch) ([]pgconn.CommandTag, error) {
	ctx, span := c.tracer.Start(ctx, "DualConnection.SendBatch")
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.checkOpen(); err != nil {
		return nil, err
	}
	start := time.Now()
	ss, err := c.state.writeSession(ctx)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}
	d := NewWriteDecision("", ReasonWriteOperation, nil, true)
	if c.breakerOpen() {
		d = NewRouteDecision("", ReasonCircuitBreaker, nil)
	}
	c.decide(ctx, span, d)
	br := ss.querier().SendBatch(ctx, b)
	tags := make([]pgconn.CommandTag, 0, b.Len())
	var execErr error
	for i := 0; i < b.Len(); i++ {
		tag, err := br.Exec()
		if err != nil {
			execErr = err
			break
		}
		tags = append(tags, tag)
	}
	closeErr := br.Close()
	observability.ObserveStatement(d.Reason.Target(), "batch", time.Since(start))
	if execErr != nil {
		recordSpanError(span, execErr)
		return tags, execErr
	}
	if closeErr != nil {
		recordSpanError(span, closeErr)
		return tags, closeErr
	}
	return tags, c.state.recordWrite(ctx)
}

// Conn returns the physical main connection. Statements run on it bypass
// consistency tracking.
func (c *DualConnection) Conn(ctx context.Context) (Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.checkOpen(); err != nil {
		return nil, err
	}
	ss, err := c.state.writeSession(ctx)
	if err != nil {
		return nil, err
	}
	c.decide(ctx, nil, NewRouteDecision("", ReasonRWAPICall, nil))
	return ss.conn, nil
}

// NativeSQL returns sql as PostgreSQL would receive it. pgx performs no
// escape translation, so it is returned unchanged.
func (c *DualConnection) NativeSQL(sql string) string { return sql }

// CreateStatement returns a new plain statement.
func (c *DualConnection) CreateStatement() *Statement {
	return &Statement{conn: c}
}

// Prepare returns a statement bound to sql.
func (c *DualConnection) Prepare(sql string) *PreparedStatement {
	return &PreparedStatement{stmt: Statement{conn: c}, sql: sql}
}

// SetAutoCommit switches between auto-commit and manual transactions.
// Turning auto-commit back on commits the open transactions.
func (c *DualConnection) SetAutoCommit(ctx context.Context, autoCommit bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.checkOpen(); err != nil {
		return err
	}
	return c.state.setAutoCommit(ctx, autoCommit)
}

func (c *DualConnection) AutoCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AutoCommit()
}

// Commit commits the open transactions on main and on the replica.
func (c *DualConnection) Commit(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "DualConnection.Commit")
	defer span.End()
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.checkOpen(); err != nil {
		return err
	}
	if err := c.state.commit(ctx); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

// Rollback rolls back the open transactions on main and on the replica.
func (c *DualConnection) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.checkOpen(); err != nil {
		return err
	}
	return c.state.rollback(ctx)
}

// Close releases both physical connections. Closing twice is a no-op.
func (c *DualConnection) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.close(ctx)
}

func (c *DualConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.closed
}

func (c *DualConnection) SetReadOnly(readOnly bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.checkOpen(); err != nil {
		return err
	}
	c.state.setReadOnly(readOnly)
	return nil
}

func (c *DualConnection) ReadOnly() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.readOnly != nil && *c.state.readOnly
}

// SetSchema sets the search_path of both sessions.
func (c *DualConnection) SetSchema(schema string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.checkOpen(); err != nil {
		return err
	}
	c.state.setSchema(schema)
	return nil
}

func (c *DualConnection) Schema() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.schema == nil {
		return ""
	}
	return *c.state.schema
}

// SetTransactionIsolation sets the isolation level of both sessions. Levels
// stricter than read committed pin reads to main.
func (c *DualConnection) SetTransactionIsolation(level pgx.TxIsoLevel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.state.checkOpen(); err != nil {
		return err
	}
	c.state.setIsolation(level)
	return nil
}

// TransactionIsolation returns the configured level, or read committed.
func (c *DualConnection) TransactionIsolation() pgx.TxIsoLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.isolation == nil {
		return pgx.ReadCommitted
	}
	return *c.state.isolation
}

// LastDecision returns the most recent routing decision, if any.
func (c *DualConnection) LastDecision() (RouteDecision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return RouteDecision{}, false
	}
	return *c.last, true
}

// Savepoint is not supported: a savepoint cannot span main and replica.
func (c *DualConnection) Savepoint(context.Context, string) error {
	return c.unsupported("savepoint")
}

func (c *DualConnection) RollbackToSavepoint(context.Context, string) error {
	return c.unsupported("rollback_to_savepoint")
}

func (c *DualConnection) ReleaseSavepoint(context.Context, string) error {
	return c.unsupported("release_savepoint")
}

func (c *DualConnection) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, c.unsupported("copy_from")
}

func (c *DualConnection) Listen(context.Context, string) error {
	return c.unsupported("listen")
}

func (c *DualConnection) unsupported(op string) error {
	err := &UnsupportedOperationError{Op: op}
	if c.breaker != nil {
		c.breaker.Handle(err)
	}
	return err
}

func (c *DualConnection) breakerOpen() bool {
	return c.breaker != nil && c.breaker.State() == BreakerOpen
}

func (c *DualConnection) writeDecision(sql string) RouteDecision {
	if c.breakerOpen() {
		return NewRouteDecision(sql, ReasonCircuitBreaker, nil)
	}
	return NewWriteDecision(sql, ReasonWriteOperation, nil, true)
}

func (c *DualConnection) decide(ctx context.Context, span trace.Span, d RouteDecision) {
	c.last = &d
	observability.ObserveRoute(d.Reason.String(), d.Reason.Target())
	if span != nil {
		span.SetAttributes(
			attribute.String("db.replica.reason", d.Reason.String()),
			attribute.String("db.replica.target", d.Reason.Target()),
		)
	}
	if c.listener != nil {
		c.listener(ctx, d)
		return
	}
	c.logger.DebugContext(ctx, "route decision",
		slog.String("request_id", observability.RequestIDFromContext(ctx)),
		slog.String("reason", d.Reason.String()),
		slog.String("target", d.Reason.Target()))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func boolPtr(b bool) *bool { return &b }
