package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/db-replica/internal/config"
	"github.com/fairyhunter13/db-replica/pkg/replica"
)

// RouteMismatch is an expectation the router did not meet.
type RouteMismatch struct {
	Expectation config.RouteExpectation
	Got         replica.RouteDecision
	Err         error
}

func (m RouteMismatch) String() string {
	if m.Err != nil {
		return fmt.Sprintf("%s: %v", m.Expectation.Name, m.Err)
	}
	return fmt.Sprintf("%s: want %s/%s, got %s/%s", m.Expectation.Name,
		m.Expectation.Target, m.Expectation.Reason, m.Got.Reason.Target(), m.Got.Reason)
}

// CheckRoutes explains every expectation on its own fresh dual connection and
// returns those whose target, or reason when given, differ.
func CheckRoutes(ctx context.Context, connect func() *replica.DualConnection, exps []config.RouteExpectation) []RouteMismatch {
	var out []RouteMismatch
	for _, e := range exps {
		d, err := explainOnce(ctx, connect, e.SQL)
		switch {
		case err != nil:
			out = append(out, RouteMismatch{Expectation: e, Err: err})
		case d.Reason.Target() != e.Target, e.Reason != "" && d.Reason.String() != e.Reason:
			out = append(out, RouteMismatch{Expectation: e, Got: d})
		}
	}
	return out
}

func explainOnce(ctx context.Context, connect func() *replica.DualConnection, sql string) (replica.RouteDecision, error) {
	dc := connect()
	defer func() {
		if err := dc.Close(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "closing dual connection failed", slog.Any("error", err))
		}
	}()
	return dc.Explain(ctx, sql)
}

// RunRouteCheck loads expectations from path and logs each mismatch. It
// returns the number of mismatches.
func RunRouteCheck(ctx context.Context, path string, connect func() *replica.DualConnection, logger *slog.Logger) (int, error) {
	exps, err := config.LoadRouteExpectations(path)
	if err != nil {
		return 0, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	mismatches := CheckRoutes(ctx, connect, exps)
	for _, m := range mismatches {
		logger.WarnContext(ctx, "route expectation not met", slog.String("detail", m.String()))
	}
	logger.InfoContext(ctx, "route check finished",
		slog.Int("routes", len(exps)), slog.Int("mismatches", len(mismatches)))
	return len(mismatches), nil
}
