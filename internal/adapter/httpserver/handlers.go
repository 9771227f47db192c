package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/db-replica/internal/observability"
	"github.com/fairyhunter13/db-replica/pkg/replica"
)

const headerReplicaTarget = "X-Replica-Target"

// ConnectFunc opens a fresh dual connection. The caller closes it.
type ConnectFunc func() *replica.DualConnection

// Server aggregates handler dependencies.
type Server struct {
	Connect      ConnectFunc
	MainCheck    func(ctx context.Context) error
	ReplicaCheck func(ctx context.Context) error
	// BreakerStats reports the replica failure breaker, when there is one.
	BreakerStats func() map[string]any
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// NewServer constructs an HTTP server with all handlers and checks wired.
// replicaCheck may be nil when no replica is configured.
func NewServer(connect ConnectFunc, mainCheck, replicaCheck func(context.Context) error) *Server {
	return &Server{Connect: connect, MainCheck: mainCheck, ReplicaCheck: replicaCheck}
}

type routeRequest struct {
	SQL string `json:"sql" validate:"required,max=65536"`
}

type routeResponse struct {
	SQLType   string `json:"sql_type"`
	Reason    string `json:"reason"`
	RunOnMain bool   `json:"run_on_main"`
	Target    string `json:"target"`
	IsWrite   *bool  `json:"is_write"`
	Decision  string `json:"decision"`
}

// RouteHandler explains where a fresh dual connection would run the posted
// SQL. Nothing is executed, but the connections needed to decide are opened.
func (s *Server) RouteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a := r.Header.Get("Accept"); a != "" && a != "*/*" && !strings.Contains(a, "application/json") {
			writeError(w, r, fmt.Errorf("%w: not acceptable", ErrInvalidArgument), map[string]any{"accept": a})
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		var req routeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", ErrInvalidArgument), nil)
			return
		}
		req.SQL = strings.TrimSpace(req.SQL)
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			var ve validator.ValidationErrors
			if errors.As(err, &ve) {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", ErrInvalidArgument), verrs)
			return
		}
		if s.Connect == nil {
			writeError(w, r, fmt.Errorf("op=route: %w", replica.ErrNoConnection), nil)
			return
		}

		ctx := r.Context()
		lg := observability.LoggerFromContext(ctx)
		dc := s.Connect()
		defer func() {
			if err := dc.Close(context.WithoutCancel(ctx)); err != nil {
				lg.WarnContext(ctx, "closing dual connection failed", slog.Any("error", err))
			}
		}()
		d, err := dc.Explain(ctx, req.SQL)
		if err != nil {
			writeError(w, r, fmt.Errorf("op=route: %w", err), nil)
			return
		}
		w.Header().Set(headerReplicaTarget, d.Reason.Target())
		writeJSON(w, http.StatusOK, routeResponse{
			SQLType:   replica.Classify(req.SQL).String(),
			Reason:    d.Reason.String(),
			RunOnMain: d.RunOnMain(),
			Target:    d.Reason.Target(),
			IsWrite:   d.IsWrite,
			Decision:  d.String(),
		})
	}
}

type check struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Required bool   `json:"required"`
	Details  string `json:"details,omitempty"`
}

// ReadyzHandler pings main and, when configured, the replica. Only main is
// required: without a replica every statement still runs on main.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		run := func(name string, required bool, fn func(context.Context) error) {
			if fn == nil {
				return
			}
			c := check{Name: name, OK: true, Required: required}
			if err := fn(ctx); err != nil {
				c.OK = false
				c.Details = err.Error()
			}
			checks = append(checks, c)
		}
		if s.MainCheck == nil {
			checks = append(checks, check{Name: "main", Required: true, Details: "not configured"})
		}
		run("main", true, s.MainCheck)
		run("replica", false, s.ReplicaCheck)

		st := http.StatusOK
		for _, c := range checks {
			if c.Required && !c.OK {
				st = http.StatusServiceUnavailable
				break
			}
		}
		body := map[string]any{"checks": checks}
		if s.BreakerStats != nil {
			body["replica_breaker"] = s.BreakerStats()
		}
		writeJSON(w, st, body)
	}
}

// HealthzHandler reports liveness only.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
