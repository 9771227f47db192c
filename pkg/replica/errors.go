package replica

import (
	"errors"
	"fmt"
)

// Error taxonomy (sentinels)
var (
	ErrClosed       = errors.New("dual connection closed")
	ErrUnsupported  = errors.New("operation not supported by read replica connection")
	ErrNoConnection = errors.New("no connection available")
)

// UnsupportedOperationError reports a call the dual connection cannot route
// safely. It matches ErrUnsupported under errors.Is.
type UnsupportedOperationError struct {
	Op string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("op=%s: %s", e.Op, ErrUnsupported.Error())
}

func (e *UnsupportedOperationError) Unwrap() error { return ErrUnsupported }
