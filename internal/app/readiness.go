package app

import (
	"context"
	"fmt"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// BuildReadinessChecks returns the main and replica checks. The replica check
// is nil when no replica pool is configured.
func BuildReadinessChecks(main, replica Pinger) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	mainCheck := func(ctx context.Context) error {
		if main == nil {
			return fmt.Errorf("main db not configured")
		}
		if err := main.Ping(ctx); err != nil {
			return fmt.Errorf("op=readiness.main: %w", err)
		}
		return nil
	}
	if replica == nil {
		return mainCheck, nil
	}
	replicaCheck := func(ctx context.Context) error {
		if err := replica.Ping(ctx); err != nil {
			return fmt.Errorf("op=readiness.replica: %w", err)
		}
		return nil
	}
	return mainCheck, replicaCheck
}
