package app

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockPinger struct{ mock.Mock }

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestBuildReadinessChecks(t *testing.T) {
	tests := []struct {
		name       string
		mainErr    error
		replicaErr error
	}{
		{"both healthy", nil, nil},
		{"main down", errors.New("connection refused"), nil},
		{"replica down", nil, errors.New("recovery in progress")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mainPool := &mockPinger{}
			mainPool.On("Ping", mock.Anything).Return(tt.mainErr).Once()
			replicaPool := &mockPinger{}
			replicaPool.On("Ping", mock.Anything).Return(tt.replicaErr).Once()

			mainCheck, replicaCheck := BuildReadinessChecks(mainPool, replicaPool)
			require.NotNil(t, replicaCheck)

			err := mainCheck(context.Background())
			if tt.mainErr != nil {
				assert.ErrorIs(t, err, tt.mainErr)
				assert.Contains(t, err.Error(), "op=readiness.main")
			} else {
				assert.NoError(t, err)
			}
			err = replicaCheck(context.Background())
			if tt.replicaErr != nil {
				assert.ErrorIs(t, err, tt.replicaErr)
				assert.Contains(t, err.Error(), "op=readiness.replica")
			} else {
				assert.NoError(t, err)
			}
			mainPool.AssertExpectations(t)
			replicaPool.AssertExpectations(t)
		})
	}
}

func TestBuildReadinessChecks_NoReplica(t *testing.T) {
	mainCheck, replicaCheck := BuildReadinessChecks(nil, nil)
	assert.Nil(t, replicaCheck)
	assert.Error(t, mainCheck(context.Background()))
}
