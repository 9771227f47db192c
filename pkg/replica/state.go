package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

// session is one physical connection together with the transaction the dual
// connection opened on it, if any.
type session struct {
	conn Conn
	tx   pgx.Tx
}

func (s *session) querier() Querier {
	if s.tx != nil {
		return s.tx
	}
	return s.conn
}

// connState owns the read and write sessions of a dual connection and the
// session settings that have to be mirrored onto both of them.
// Callers hold DualConnection.mu.
type connState struct {
	provider    ConnectionProvider
	consistency Consistency
	logger      *slog.Logger

	read        lazyRef[*session]
	write       lazyRef[*session]
	initialized map[*session]struct{}

	autoCommit *bool
	isolation  *pgx.TxIsoLevel
	readOnly   *bool
	schema     *string
	closed     bool
}

func newConnState(provider ConnectionProvider, consistency Consistency, logger *slog.Logger) *connState {
	s := &connState{
		provider:    provider,
		consistency: consistency,
		logger:      logger,
		initialized: make(map[*session]struct{}),
	}
	s.read = newLazyRef(func(ctx context.Context) (*session, error) {
		c, err := provider.ReplicaConnection(ctx)
		if err != nil {
			return nil, fmt.Errorf("op=replica.connect: %w", err)
		}
		if c == nil {
			return nil, fmt.Errorf("op=replica.connect: %w", ErrNoConnection)
		}
		return &session{conn: c}, nil
	})
	s.write = newLazyRef(func(ctx context.Context) (*session, error) {
		c, err := provider.MainConnection(ctx)
		if err != nil {
			return nil, fmt.Errorf("op=main.connect: %w", err)
		}
		if c == nil {
			return nil, fmt.Errorf("op=main.connect: %w", ErrNoConnection)
		}
		return &session{conn: c}, nil
	})
	return s
}

func (s *connState) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// AutoCommit defaults to true.
func (s *connState) AutoCommit() bool { return s.autoCommit == nil || *s.autoCommit }

func (s *connState) setAutoCommit(ctx context.Context, autoCommit bool) error {
	before := s.AutoCommit()
	s.autoCommit = &autoCommit
	if before == autoCommit {
		return nil
	}
	if !before {
		// Leaving manual mode commits whatever is open.
		if err := s.commitSessions(ctx); err != nil {
			return err
		}
		return s.recordCommit(ctx, before)
	}
	return nil
}

func (s *connState) setIsolation(level pgx.TxIsoLevel) {
	s.isolation = &level
	clear(s.initialized)
}

func (s *connState) setReadOnly(readOnly bool) {
	s.readOnly = &readOnly
	clear(s.initialized)
}

func (s *connState) setSchema(schema string) {
	s.schema = &schema
	clear(s.initialized)
}

func (s *connState) highIsolation() bool {
	if s.isolation == nil {
		return false
	}
	switch *s.isolation {
	case pgx.RepeatableRead, pgx.Serializable:
		return true
	default:
		return false
	}
}

// readSession returns the session a read should run on along with the reason
// for that choice. A replica that is not consistent is closed and main is
// used instead.
func (s *connState) readSession(ctx context.Context, sql string) (*session, RouteDecision, error) {
	if s.highIsolation() {
		return s.writeDecision(ctx, NewRouteDecision(sql, ReasonHighTransactionIsolationLevel, nil))
	}
	if s.write.IsInitialized() {
		return s.writeDecision(ctx, NewRouteDecision(sql, ReasonMainConnectionReuse, nil))
	}
	if !s.provider.IsReplicaAvailable() {
		return s.writeDecision(ctx, NewRouteDecision(sql, ReasonReplicaUnavailable, nil))
	}
	rs, err := s.read.Get(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "replica connection failed; using main", slog.Any("error", err))
		return s.writeDecision(ctx, NewRouteDecision(sql, ReasonReplicaUnavailable, nil))
	}
	consistent, err := s.consistency.IsConsistent(ctx, rs.conn)
	if err != nil {
		s.logger.WarnContext(ctx, "replica consistency check failed", slog.Any("error", err))
		consistent = false
	}
	if consistent {
		if err := s.initialize(ctx, rs); err != nil {
			return nil, RouteDecision{}, err
		}
		return rs, NewRouteDecision(sql, ReasonReadOperation, nil), nil
	}
	if err := s.closeRef(ctx, &s.read); err != nil {
		s.logger.DebugContext(ctx, "closing inconsistent replica connection failed", slog.Any("error", err))
	}
	return s.writeDecision(ctx, NewRouteDecision(sql, ReasonReplicaInconsistent, nil))
}

func (s *connState) writeDecision(ctx context.Context, d RouteDecision) (*session, RouteDecision, error) {
	ws, err := s.writeSession(ctx)
	if err != nil {
		return nil, RouteDecision{}, err
	}
	return ws, d, nil
}

// writeSession always returns the session on main. Any open replica session
// is closed: once main is in use, reads follow it.
func (s *connState) writeSession(ctx context.Context) (*session, error) {
	ws, err := s.write.Get(ctx)
	if err != nil {
		return nil, err
	}
	if s.read.IsInitialized() {
		if err := s.closeRef(ctx, &s.read); err != nil {
			s.logger.DebugContext(ctx, "closing replica connection failed", slog.Any("error", err))
		}
	}
	if err := s.initialize(ctx, ws); err != nil {
		return nil, err
	}
	return ws, nil
}

// initialize mirrors the session settings onto ss once, and opens a
// transaction when auto-commit is off.
func (s *connState) initialize(ctx context.Context, ss *session) error {
	if _, ok := s.initialized[ss]; !ok {
		for _, stmt := range s.settingStatements() {
			if _, err := ss.conn.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("op=replica.initialize: %w", err)
			}
		}
		s.initialized[ss] = struct{}{}
	}
	if !s.AutoCommit() && ss.tx == nil {
		tx, err := ss.conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("op=replica.begin: %w", err)
		}
		ss.tx = tx
	}
	return nil
}

func (s *connState) settingStatements() []string {
	var stmts []string
	if s.isolation != nil {
		stmts = append(stmts, "SET SESSION CHARACTERISTICS AS TRANSACTION ISOLATION LEVEL "+isolationSQL(*s.isolation))
	}
	if s.readOnly != nil {
		mode := "READ WRITE"
		if *s.readOnly {
			mode = "READ ONLY"
		}
		stmts = append(stmts, "SET SESSION CHARACTERISTICS AS TRANSACTION "+mode)
	}
	if s.schema != nil {
		stmts = append(stmts, "SET search_path TO "+pgx.Identifier{*s.schema}.Sanitize())
	}
	return stmts
}

func isolationSQL(level pgx.TxIsoLevel) string {
	switch level {
	case pgx.Serializable:
		return "SERIALIZABLE"
	case pgx.RepeatableRead:
		return "REPEATABLE READ"
	case pgx.ReadUncommitted:
		return "READ UNCOMMITTED"
	default:
		return "READ COMMITTED"
	}
}

// recordWrite tells the consistency tracker that main has moved forward.
func (s *connState) recordWrite(ctx context.Context) error {
	ws, ok := s.write.Peek()
	if !ok {
		return nil
	}
	if err := s.consistency.Write(ctx, ws.conn); err != nil {
		return fmt.Errorf("op=replica.record_write: %w", err)
	}
	return nil
}

func (s *connState) recordCommit(ctx context.Context, autoCommit bool) error {
	if autoCommit {
		return nil
	}
	return s.recordWrite(ctx)
}

func (s *connState) commit(ctx context.Context) error {
	if err := s.commitSessions(ctx); err != nil {
		return err
	}
	return s.recordCommit(ctx, s.AutoCommit())
}

func (s *connState) commitSessions(ctx context.Context) error {
	var errs []error
	for _, ref := range []*lazyRef[*session]{&s.write, &s.read} {
		ss, ok := ref.Peek()
		if !ok || ss.tx == nil {
			continue
		}
		if err := ss.tx.Commit(ctx); err != nil {
			errs = append(errs, err)
		}
		ss.tx = nil
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("op=replica.commit: %w", err)
	}
	return nil
}

func (s *connState) rollback(ctx context.Context) error {
	var errs []error
	for _, ref := range []*lazyRef[*session]{&s.write, &s.read} {
		ss, ok := ref.Peek()
		if !ok || ss.tx == nil {
			continue
		}
		if err := ss.tx.Rollback(ctx); err != nil {
			errs = append(errs, err)
		}
		ss.tx = nil
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("op=replica.rollback: %w", err)
	}
	return nil
}

func (s *connState) close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	if s.read.IsInitialized() {
		errs = append(errs, s.closeRef(ctx, &s.read))
	}
	if s.write.IsInitialized() {
		errs = append(errs, s.closeRef(ctx, &s.write))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("op=replica.close: %w", err)
	}
	return nil
}

// closeRef rolls back any open transaction, closes the connection and resets
// the reference even when closing fails.
func (s *connState) closeRef(ctx context.Context, ref *lazyRef[*session]) error {
	ss, ok := ref.Peek()
	if !ok {
		return nil
	}
	defer ref.Reset()
	delete(s.initialized, ss)
	var errs []error
	if ss.tx != nil {
		if err := ss.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			errs = append(errs, err)
		}
		ss.tx = nil
	}
	errs = append(errs, ss.conn.Close(ctx))
	return errors.Join(errs...)
}
