package replica

import (
	"fmt"
	"strconv"
)

// Reason explains why a particular database was picked for a call.
type Reason string

const (
	ReasonRWAPICall                     Reason = "RW_API_CALL"
	ReasonROAPICall                     Reason = "RO_API_CALL"
	ReasonLock                          Reason = "LOCK"
	ReasonWriteOperation                Reason = "WRITE_OPERATION"
	ReasonReadOperation                 Reason = "READ_OPERATION"
	ReasonReplicaInconsistent           Reason = "REPLICA_INCONSISTENT"
	ReasonHighTransactionIsolationLevel Reason = "HIGH_TRANSACTION_ISOLATION_LEVEL"
	ReasonMainConnectionReuse           Reason = "MAIN_CONNECTION_REUSE"
	ReasonReplicaUnavailable            Reason = "REPLICA_UNAVAILABLE"
	ReasonCircuitBreaker                Reason = "CIRCUIT_BREAKER"
)

// RunOnMain reports whether the reason implies the main database.
func (r Reason) RunOnMain() bool {
	switch r {
	case ReasonReadOperation, ReasonROAPICall:
		return false
	default:
		return true
	}
}

func (r Reason) String() string { return string(r) }

// Target is the metric/log label of the database a reason routes to.
func (r Reason) Target() string {
	if r.RunOnMain() {
		return "main"
	}
	return "replica"
}

// RouteDecision reveals why, and which database will be used.
//
// SQL and Cause are optional. IsWrite is tri-state: nil when the statement
// could not be classified.
type RouteDecision struct {
	Reason  Reason
	SQL     string
	Cause   *RouteDecision
	IsWrite *bool
}

// NewRouteDecision builds a decision without write classification.
func NewRouteDecision(sql string, reason Reason, cause *RouteDecision) RouteDecision {
	return RouteDecision{Reason: reason, SQL: sql, Cause: cause}
}

// NewWriteDecision builds a decision carrying the statement classification.
func NewWriteDecision(sql string, reason Reason, cause *RouteDecision, isWrite bool) RouteDecision {
	return RouteDecision{Reason: reason, SQL: sql, Cause: cause, IsWrite: &isWrite}
}

// RunOnMain reports whether the statement was run on main.
func (d RouteDecision) RunOnMain() bool { return d.Reason.RunOnMain() }

// Equal compares decisions structurally, including the cause chain.
func (d RouteDecision) Equal(o RouteDecision) bool {
	if d.Reason != o.Reason || d.SQL != o.SQL {
		return false
	}
	if (d.IsWrite == nil) != (o.IsWrite == nil) {
		return false
	}
	if d.IsWrite != nil && *d.IsWrite != *o.IsWrite {
		return false
	}
	if (d.Cause == nil) != (o.Cause == nil) {
		return false
	}
	if d.Cause != nil {
		return d.Cause.Equal(*o.Cause)
	}
	return true
}

func (d RouteDecision) String() string {
	cause := "null"
	if d.Cause != nil {
		cause = d.Cause.String()
	}
	isWrite := "null"
	if d.IsWrite != nil {
		isWrite = strconv.FormatBool(*d.IsWrite)
	}
	return fmt.Sprintf("RouteDecision{reason=%s, sql='%s', cause=%s, isWrite=%s}", d.Reason, d.SQL, cause, isWrite)
}
