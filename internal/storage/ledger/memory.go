package ledger

import (
	"context"
	"sync"

	"github.com/vadiminshakov/coinledger/internal/domain"
)

// MemoryBackend keeps trades in process memory. It is not durable and is meant
// for tests and throwaway runs.
type MemoryBackend struct {
	mu     sync.Mutex
	trades []domain.Trade
	// FailAppend, when set, is returned by Append instead of storing.
	FailAppend error
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend(seed ...domain.Trade) *MemoryBackend {
	return &MemoryBackend{trades: append([]domain.Trade(nil), seed...)}
}

func (m *MemoryBackend) Load(context.Context) ([]domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Trade(nil), m.trades...), nil
}

func (m *MemoryBackend) Append(_ context.Context, trades []domain.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppend != nil {
		return m.FailAppend
	}
	m.trades = append(m.trades, trades...)
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}
