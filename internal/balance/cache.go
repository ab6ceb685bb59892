package balance

import (
	"sync"
	"time"

	"github.com/vadiminshakov/coinledger/internal/domain"
)

// snapshotCache holds snapshots of a single ledger version. Observing a newer
// version drops everything cached for the old one.
type snapshotCache struct {
	mu      sync.Mutex
	max     int
	version uint64
	entries map[int64]domain.BalanceSnapshot
}

func newSnapshotCache(max int) *snapshotCache {
	return &snapshotCache{max: max, entries: make(map[int64]domain.BalanceSnapshot, max)}
}

func (c *snapshotCache) get(version uint64, at time.Time) (domain.BalanceSnapshot, bool) {
	if c == nil {
		return domain.BalanceSnapshot{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if version != c.version {
		return domain.BalanceSnapshot{}, false
	}
	snapshot, ok := c.entries[at.UnixMicro()]
	if !ok {
		return domain.BalanceSnapshot{}, false
	}
	return snapshot.Clone(), true
}

func (c *snapshotCache) put(snapshot domain.BalanceSnapshot) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case snapshot.LedgerVersion < c.version:
		// computed from a view that was superseded mid-query
		return
	case snapshot.LedgerVersion > c.version:
		c.version = snapshot.LedgerVersion
		c.entries = make(map[int64]domain.BalanceSnapshot, c.max)
	case len(c.entries) >= c.max:
		c.entries = make(map[int64]domain.BalanceSnapshot, c.max)
	}
	c.entries[snapshot.At.UnixMicro()] = snapshot.Clone()
}

func (c *snapshotCache) size() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
