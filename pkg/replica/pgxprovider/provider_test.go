package pgxprovider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/db-replica/internal/observability"
	"github.com/fairyhunter13/db-replica/pkg/replica"
)

// stubConn satisfies replica.Conn through the embedded interface; tests only
// compare identities.
type stubConn struct{ replica.Conn }

func failingAcquire(failures int, err error) (acquireFunc, *int) {
	calls := 0
	return func(context.Context) (replica.Conn, error) {
		calls++
		if calls <= failures {
			return nil, err
		}
		return &stubConn{}, nil
	}, &calls
}

func TestNewPool_InvalidDSN(t *testing.T) {
	_, err := NewPool(context.Background(), "://bad", 4)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=pgxprovider.new_pool")
}

func TestProvider_MainRetriesUntilSuccess(t *testing.T) {
	acquire, calls := failingAcquire(2, errors.New("too many clients"))
	p := newProvider(acquire, nil, WithAcquireBackoff(time.Second, time.Millisecond))

	c, err := p.MainConnection(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, 3, *calls)
}

func TestProvider_MainGivesUp(t *testing.T) {
	acquire, calls := failingAcquire(1_000_000, errors.New("connection refused"))
	p := newProvider(acquire, nil, WithAcquireBackoff(30*time.Millisecond, 5*time.Millisecond))

	_, err := p.MainConnection(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=pgxprovider.main")
	assert.Greater(t, *calls, 1)
}

func TestProvider_MainStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	acquire, _ := failingAcquire(1_000_000, context.Canceled)
	p := newProvider(acquire, nil, WithAcquireBackoff(time.Minute, time.Millisecond))

	_, err := p.MainConnection(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProvider_NoPools(t *testing.T) {
	p := New(nil, nil)
	assert.False(t, p.IsReplicaAvailable())
	_, err := p.MainConnection(context.Background())
	assert.ErrorIs(t, err, replica.ErrNoConnection)
	_, err = p.ReplicaConnection(context.Background())
	assert.ErrorIs(t, err, replica.ErrNoConnection)
}

func TestProvider_ReplicaFailuresOpenBreaker(t *testing.T) {
	breaker := observability.NewCircuitBreaker(observability.CircuitBreakerConfig{
		Name: "replica", MaxFailures: 2, Timeout: time.Hour,
	})
	acquire, calls := failingAcquire(2, errors.New("connection refused"))
	p := newProvider(nil, acquire, WithBreaker(breaker))

	assert.True(t, p.IsReplicaAvailable())
	for i := 0; i < 2; i++ {
		_, err := p.ReplicaConnection(context.Background())
		require.Error(t, err)
	}
	assert.Equal(t, 2, *calls, "replica is not retried")
	assert.Equal(t, observability.StateOpen, p.Breaker().GetState())
	assert.False(t, p.IsReplicaAvailable())
}

func TestProvider_ReplicaCancellationDoesNotCount(t *testing.T) {
	breaker := observability.NewCircuitBreaker(observability.CircuitBreakerConfig{MaxFailures: 1})
	acquire, _ := failingAcquire(1, context.DeadlineExceeded)
	p := newProvider(nil, acquire, WithBreaker(breaker))

	_, err := p.ReplicaConnection(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, p.IsReplicaAvailable())

	c, err := p.ReplicaConnection(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestProvider_DrivesDualConnection(t *testing.T) {
	breaker := observability.NewCircuitBreaker(observability.CircuitBreakerConfig{MaxFailures: 1, Timeout: time.Hour})
	replicaAcquire, _ := failingAcquire(1_000_000, errors.New("replica down"))
	mainAcquire, _ := failingAcquire(0, nil)
	p := newProvider(mainAcquire, replicaAcquire, WithBreaker(breaker))

	dc := replica.New(p, replica.PermanentConsistency{}, replica.WithCircuitBreaker(nil))
	d, err := dc.Explain(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, replica.ReasonReplicaUnavailable, d.Reason)

	d, err = dc.Explain(context.Background(), "SELECT 1")
	require.NoError(t, err)
	assert.Equal(t, replica.ReasonMainConnectionReuse, d.Reason)
	assert.False(t, p.IsReplicaAvailable())
}
