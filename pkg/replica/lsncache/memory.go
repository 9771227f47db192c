// Package lsncache provides lsn.Cache backends: process memory, Redis and
// memcached. The shared backends let several processes that write to the
// same main agree on the last write position.
package lsncache

import (
	"context"
	"sync"

	"github.com/fairyhunter13/db-replica/internal/observability"
	"github.com/fairyhunter13/db-replica/pkg/replica/lsn"
)

// Memory keeps the last LSN in process memory.
type Memory struct {
	mu  sync.RWMutex
	lsn string
}

var _ lsn.Cache = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Get(context.Context) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	observability.ObserveLSNCache("memory", "get", nil)
	return m.lsn, m.lsn != "", nil
}

func (m *Memory) Put(_ context.Context, pos string) error {
	if _, err := lsn.Parse(pos); err != nil {
		observability.ObserveLSNCache("memory", "put", err)
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lsn == "" || lsn.Less(m.lsn, pos) {
		m.lsn = pos
	}
	observability.ObserveLSNCache("memory", "put", nil)
	return nil
}
