package replica

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// RowsFunc runs a query against one of the databases.
type RowsFunc func(ctx context.Context) (pgx.Rows, error)

// DualCall decides how a replica-routed read is executed. Implementations
// may consult main as well, e.g. to fall back or to compare results.
type DualCall interface {
	CallReplica(ctx context.Context, main, replica RowsFunc) (pgx.Rows, error)
}

// ForwardCall runs reads on the replica only.
type ForwardCall struct{}

func (ForwardCall) CallReplica(ctx context.Context, _, replica RowsFunc) (pgx.Rows, error) {
	return replica(ctx)
}

// FallbackCall runs reads on the replica and retries on main when the replica
// failed before the query reached the server.
type FallbackCall struct {
	Logger *slog.Logger
}

func (f FallbackCall) CallReplica(ctx context.Context, main, replica RowsFunc) (pgx.Rows, error) {
	rows, err := replica(ctx)
	if err == nil || !isConnectionError(err) {
		return rows, err
	}
	lg := f.Logger
	if lg == nil {
		lg = slog.Default()
	}
	lg.WarnContext(ctx, "replica read failed; falling back to main", slog.Any("error", err))
	return main(ctx)
}

func isConnectionError(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr) || errors.Is(err, ErrNoConnection)
}
