package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRoutes(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadRouteExpectations(t *testing.T) {
	p := writeRoutes(t, `
routes:
  - name: plain read
    sql: "  SELECT * FROM users "
    target: Replica
    reason: read_operation
  - sql: UPDATE users SET a = 1
    target: main
`)
	got, err := LoadRouteExpectations(p)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, RouteExpectation{Name: "plain read", SQL: "SELECT * FROM users", Target: "replica", Reason: "READ_OPERATION"}, got[0])
	assert.Equal(t, "route[1]", got[1].Name)
	assert.Empty(t, got[1].Reason)
}

func TestLoadRouteExpectations_Errors(t *testing.T) {
	cases := map[string]string{
		"empty":      "routes: []\n",
		"bad yaml":   "routes: [\n",
		"no sql":     "routes:\n  - target: main\n",
		"bad target": "routes:\n  - sql: SELECT 1\n    target: standby\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadRouteExpectations(writeRoutes(t, body))
			assert.ErrorContains(t, err, "op=config.routes")
		})
	}

	_, err := LoadRouteExpectations(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestRouteExpectationsFixture(t *testing.T) {
	got, err := LoadRouteExpectations("../../configs/routes.yaml")
	require.NoError(t, err)
	assert.NotEmpty(t, got)
}
