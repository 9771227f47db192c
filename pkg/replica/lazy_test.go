package replica

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLazyRef(t *testing.T) {
	calls := 0
	ref := newLazyRef(func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("first attempt fails")
		}
		return calls, nil
	})
	_, ok := ref.Peek()
	assert.False(t, ok)

	_, err := ref.Get(context.Background())
	require.Error(t, err)
	assert.False(t, ref.IsInitialized())

	v, err := ref.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	v, _ = ref.Get(context.Background())
	assert.Equal(t, 2, v, "value is cached")

	ref.Reset()
	assert.False(t, ref.IsInitialized())
	v, _ = ref.Get(context.Background())
	assert.Equal(t, 3, v)
}
