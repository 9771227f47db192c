package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/db-replica/internal/config"
)

func TestSetupLogger_DevAndProd(t *testing.T) {
	require.NotNil(t, SetupLogger(config.Config{AppEnv: "dev", OTELServiceName: "svc"}))
	require.NotNil(t, SetupLogger(config.Config{AppEnv: "prod", OTELServiceName: "svc"}))
}

func TestNewLogger_LevelsAndFields(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(&buf, config.Config{AppEnv: "prod", OTELServiceName: "db-replica"})
	lg.Debug("hidden")
	assert.Zero(t, buf.Len(), "debug must be dropped outside dev")

	lg.Info("shown")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "db-replica", rec["service"])
	assert.Equal(t, "prod", rec["env"])

	buf.Reset()
	newLogger(&buf, config.Config{AppEnv: "dev"}).Debug("route decision")
	assert.Contains(t, buf.String(), "route decision")
}

func TestContextWithLoggerAndLoggerFromContext(t *testing.T) {
	lg := slog.Default().With("k", "v")
	base := context.Background()

	ctx := ContextWithLogger(base, lg)
	assert.Same(t, lg, LoggerFromContext(ctx))
	assert.Equal(t, base, ContextWithLogger(base, nil))
	assert.NotNil(t, LoggerFromContext(base))
}

func TestContextWithRequestID(t *testing.T) {
	base := context.Background()
	ctx := ContextWithRequestID(base, "req-123")
	assert.Equal(t, "req-123", RequestIDFromContext(ctx))
	assert.Equal(t, base, ContextWithRequestID(base, ""))
	assert.Empty(t, RequestIDFromContext(base))
}
