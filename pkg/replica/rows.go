package replica

import (
	"github.com/jackc/pgx/v5"
)

// singleRow adapts pgx.Rows to pgx.Row the same way pgx does for QueryRow.
type singleRow struct {
	rows pgx.Rows
	err  error
}

func (r *singleRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	defer r.rows.Close()
	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			return err
		}
		return pgx.ErrNoRows
	}
	if err := r.rows.Scan(dest...); err != nil {
		return err
	}
	r.rows.Close()
	return r.rows.Err()
}

// boundedRows stops iteration after max rows (when max > 0) and runs
// onClose exactly once.
type boundedRows struct {
	pgx.Rows
	max     int64
	seen    int64
	onClose func()
	closed  bool
}

func (r *boundedRows) Next() bool {
	if r.max > 0 && r.seen >= r.max {
		r.Close()
		return false
	}
	if !r.Rows.Next() {
		r.Close()
		return false
	}
	r.seen++
	return true
}

func (r *boundedRows) Close() {
	r.Rows.Close()
	if r.closed {
		return
	}
	r.closed = true
	if r.onClose != nil {
		r.onClose()
	}
}

// writeRows records the write once the result set is closed without error.
// A failed record is reported by Err.
type writeRows struct {
	pgx.Rows
	record func() error
	err    error
	done   bool
}

func (r *writeRows) Next() bool {
	if r.Rows.Next() {
		return true
	}
	r.Close()
	return false
}

func (r *writeRows) Close() {
	r.Rows.Close()
	if r.done {
		return
	}
	r.done = true
	if r.Rows.Err() == nil {
		r.err = r.record()
	}
}

func (r *writeRows) Err() error {
	if err := r.Rows.Err(); err != nil {
		return err
	}
	return r.err
}
