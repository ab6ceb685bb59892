// Package ledger is the system of record: an append-only, deduplicated,
// time-ordered set of trades backed by a pluggable durable medium.
package ledger

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/coinledger/internal/domain"
	"go.uber.org/zap"
)

// Backend persists accepted trades. Append must be all-or-nothing per call.
type Backend interface {
	// Load returns every persisted trade in any order.
	Load(ctx context.Context) ([]domain.Trade, error)
	// Append durably stores trades whose identity keys are not yet persisted.
	Append(ctx context.Context, trades []domain.Trade) error
	Close() error
}

// MergeResult summarizes one merge.
type MergeResult struct {
	Inserted   int
	Duplicates int
	// Version is the ledger version after the merge.
	Version uint64
	// Trades holds the newly inserted trades in replay order.
	Trades []domain.Trade
}

// View is an immutable ledger state. Queries pin a view for their whole duration,
// so they never observe a half-applied merge.
type View struct {
	version uint64
	trades  []domain.Trade
}

// Version identifies the state; it increases with every merge that inserts.
func (v *View) Version() uint64 {
	return v.version
}

// Len returns the number of trades in the view.
func (v *View) Len() int {
	return len(v.trades)
}

// All returns every trade in replay order. The slice must not be modified.
func (v *View) All() []domain.Trade {
	return v.trades[:len(v.trades):len(v.trades)]
}

// AsOf returns the trades with time <= t in replay order, located by binary search.
// The slice must not be modified.
func (v *View) AsOf(t time.Time) []domain.Trade {
	n := sort.Search(len(v.trades), func(i int) bool {
		return v.trades[i].Time.After(t)
	})
	return v.trades[:n:n]
}

// Ledger owns all accepted trades. Merges are serialized; reads are lock-free
// against the latest published View.
type Ledger struct {
	backend Backend
	l       *zap.Logger

	mu   sync.Mutex // serializes merges
	keys map[string]struct{}
	view atomic.Pointer[View]
}

// Open loads the persisted trades from backend and returns a ready ledger.
func Open(ctx context.Context, backend Backend, l *zap.Logger) (*Ledger, error) {
	if backend == nil {
		return nil, errors.New("ledger backend is required")
	}
	if l == nil {
		l = zap.NewNop()
	}

	persisted, err := backend.Load(ctx)
	if err != nil {
		return nil, domain.NewStorageError("load", err)
	}

	keys := make(map[string]struct{}, len(persisted))
	trades := make([]domain.Trade, 0, len(persisted))
	for _, trade := range persisted {
		if _, seen := keys[trade.ID]; seen {
			continue
		}
		keys[trade.ID] = struct{}{}
		trades = append(trades, trade)
	}
	sortReplayOrder(trades)

	lg := &Ledger{backend: backend, l: l, keys: keys}
	version := uint64(0)
	if len(trades) > 0 {
		version = 1
	}
	lg.view.Store(&View{version: version, trades: trades})

	l.Info("ledger opened", zap.Int("trades", len(trades)))
	return lg, nil
}

// Snapshot returns the current immutable view.
func (lg *Ledger) Snapshot() *View {
	return lg.view.Load()
}

// All returns every trade in replay order.
func (lg *Ledger) All() []domain.Trade {
	return lg.Snapshot().All()
}

// AsOf returns every trade with time <= t in replay order.
func (lg *Ledger) AsOf(t time.Time) []domain.Trade {
	return lg.Snapshot().AsOf(domain.NormalizeInstant(t))
}

// Merge inserts every trade whose identity key is not yet present.
// Trades already in the ledger, or repeated within the batch, are counted as duplicates.
// The merge is atomic: on a StorageError nothing is inserted.
func (lg *Ledger) Merge(ctx context.Context, trades []domain.Trade) (MergeResult, error) {
	lg.mu.Lock()
	defer lg.mu.Unlock()

	current := lg.view.Load()
	result := MergeResult{Version: current.version}

	fresh := make([]domain.Trade, 0, len(trades))
	batchKeys := make(map[string]struct{}, len(trades))
	for _, trade := range trades {
		if trade.ID == "" {
			trade.ID = domain.IdentityKey(trade)
		}
		if _, ok := lg.keys[trade.ID]; ok {
			result.Duplicates++
			continue
		}
		if _, ok := batchKeys[trade.ID]; ok {
			result.Duplicates++
			continue
		}
		batchKeys[trade.ID] = struct{}{}
		fresh = append(fresh, trade)
	}

	if len(fresh) == 0 {
		return result, nil
	}

	if err := ctx.Err(); err != nil {
		return MergeResult{Version: current.version}, err
	}

	sortReplayOrder(fresh)
	if err := lg.backend.Append(ctx, fresh); err != nil {
		lg.l.Error("ledger append failed", zap.Int("trades", len(fresh)), zap.Error(err))
		return MergeResult{Version: current.version}, domain.NewStorageError("append", err)
	}

	for id := range batchKeys {
		lg.keys[id] = struct{}{}
	}
	next := &View{
		version: current.version + 1,
		trades:  mergeSorted(current.trades, fresh),
	}
	lg.view.Store(next)

	result.Inserted = len(fresh)
	result.Version = next.version
	result.Trades = fresh

	lg.l.Info("ledger merged",
		zap.Int("inserted", result.Inserted),
		zap.Int("duplicates", result.Duplicates),
		zap.Uint64("version", result.Version),
	)
	return result, nil
}

// Close closes the backend.
func (lg *Ledger) Close() error {
	return lg.backend.Close()
}

func sortReplayOrder(trades []domain.Trade) {
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].Before(trades[j])
	})
}

// mergeSorted merges two replay-ordered slices into a new slice.
func mergeSorted(a, b []domain.Trade) []domain.Trade {
	out := make([]domain.Trade, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if b[j].Before(a[i]) {
			out = append(out, b[j])
			j++
			continue
		}
		out = append(out, a[i])
		i++
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}
