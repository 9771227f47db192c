package replica

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the statement surface shared by a connection and a pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Conn is a single physical database session. *pgx.Conn satisfies it.
type Conn interface {
	Querier
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

// ConnectionProvider hands out physical connections to the main database and
// to its read replica. Every call returns a new session owned by the caller.
type ConnectionProvider interface {
	IsReplicaAvailable() bool
	MainConnection(ctx context.Context) (Conn, error)
	ReplicaConnection(ctx context.Context) (Conn, error)
}
