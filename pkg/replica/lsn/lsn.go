// Package lsn judges replica consistency by comparing PostgreSQL write-ahead
// log positions: the LSN of main after the last write against the LSN the
// replica has replayed.
package lsn

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fairyhunter13/db-replica/pkg/replica"
)

// ErrInvalidLSN is returned for text that is not of the form "X/Y".
var ErrInvalidLSN = errors.New("invalid lsn")

// Parse converts the textual pg_lsn form ("16/B374D848") into a position.
func Parse(s string) (uint64, error) {
	hi, lo, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok || hi == "" || lo == "" {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLSN, s)
	}
	h, err := strconv.ParseUint(hi, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLSN, s)
	}
	l, err := strconv.ParseUint(lo, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLSN, s)
	}
	return h<<32 | l, nil
}

// Format renders a position in pg_lsn text form.
func Format(pos uint64) string {
	return fmt.Sprintf("%X/%X", pos>>32, pos&0xFFFFFFFF)
}

// Less reports whether LSN a precedes LSN b. Unparsable input sorts first.
func Less(a, b string) bool {
	pa, errA := Parse(a)
	pb, errB := Parse(b)
	switch {
	case errA != nil:
		return errB == nil
	case errB != nil:
		return false
	}
	return pa < pb
}

// Cache keeps the LSN of the most recent write on main. Put must never move
// the stored value backwards.
type Cache interface {
	Get(ctx context.Context) (lsn string, ok bool, err error)
	Put(ctx context.Context, lsn string) error
}

const (
	currentLSNQuery = "SELECT pg_current_wal_lsn()::text"
	caughtUpQuery   = "SELECT pg_last_wal_replay_lsn() >= $1::pg_lsn"
)

// Consistency is a replica.Consistency backed by WAL positions.
type Consistency struct {
	cache Cache
}

var _ replica.Consistency = (*Consistency)(nil)

// New creates a Consistency that keeps the last written LSN in cache.
func New(cache Cache) *Consistency {
	return &Consistency{cache: cache}
}

// Write reads the current WAL position of main and remembers it.
func (c *Consistency) Write(ctx context.Context, main replica.Conn) error {
	var pos string
	if err := main.QueryRow(ctx, currentLSNQuery).Scan(&pos); err != nil {
		return fmt.Errorf("op=lsn.write: %w", err)
	}
	if err := c.cache.Put(ctx, pos); err != nil {
		return fmt.Errorf("op=lsn.write: %w", err)
	}
	return nil
}

// Warm records the current position of main so that reads can go to the
// replica before the first write through this process.
func (c *Consistency) Warm(ctx context.Context, main replica.Conn) error {
	return c.Write(ctx, main)
}

// IsConsistent reports whether the replica replayed the last recorded write.
// Without a recorded write the replica is not trusted. A replica that is not
// in recovery (replay LSN is NULL) is main itself and always consistent.
func (c *Consistency) IsConsistent(ctx context.Context, r replica.Conn) (bool, error) {
	last, ok, err := c.cache.Get(ctx)
	if err != nil {
		return false, fmt.Errorf("op=lsn.is_consistent: %w", err)
	}
	if !ok {
		return false, nil
	}
	var caughtUp *bool
	if err := r.QueryRow(ctx, caughtUpQuery, last).Scan(&caughtUp); err != nil {
		return false, fmt.Errorf("op=lsn.is_consistent: %w", err)
	}
	if caughtUp == nil {
		return true, nil
	}
	return *caughtUp, nil
}
