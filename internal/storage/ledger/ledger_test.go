package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/coinledger/internal/domain"
	"go.uber.org/zap"
)

func mustTrade(t *testing.T, ts, op, market, amount, price, seq string) domain.Trade {
	t.Helper()
	trade, err := domain.NewTrade(domain.RawTrade{
		Time:      ts,
		Operation: op,
		Market:    market,
		Amount:    amount,
		Price:     price,
		Sequence:  seq,
	})
	require.NoError(t, err)
	return trade
}

func batch(t *testing.T, from, n int) []domain.Trade {
	t.Helper()
	trades := make([]domain.Trade, 0, n)
	for i := from; i < from+n; i++ {
		ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(i%17) * time.Hour)
		trades = append(trades, mustTrade(t, ts.Format(time.RFC3339), "BUY", "BTC/USDT", "0.1", "30000", fmt.Sprint(i)))
	}
	return trades
}

func openMemory(t *testing.T) *Ledger {
	t.Helper()
	lg, err := Open(context.Background(), NewMemoryBackend(), zap.NewNop())
	require.NoError(t, err)
	return lg
}

func ids(trades []domain.Trade) []string {
	out := make([]string, 0, len(trades))
	for _, trade := range trades {
		out = append(out, trade.ID)
	}
	return out
}

func TestMerge_Idempotent(t *testing.T) {
	ctx := context.Background()
	b := batch(t, 0, 50)

	once := openMemory(t)
	_, err := once.Merge(ctx, b)
	require.NoError(t, err)

	twice := openMemory(t)
	first, err := twice.Merge(ctx, b)
	require.NoError(t, err)
	second, err := twice.Merge(ctx, b)
	require.NoError(t, err)

	assert.Equal(t, 50, first.Inserted)
	assert.Equal(t, 0, first.Duplicates)
	assert.Equal(t, 0, second.Inserted)
	assert.Equal(t, 50, second.Duplicates)
	assert.Equal(t, first.Version, second.Version, "duplicate-only merge does not bump the version")
	assert.Equal(t, ids(once.All()), ids(twice.All()))
}

func TestMerge_OrderIndependent(t *testing.T) {
	ctx := context.Background()
	a := batch(t, 0, 30)
	b := batch(t, 20, 30) // overlaps a on 20..29

	ab := openMemory(t)
	_, err := ab.Merge(ctx, a)
	require.NoError(t, err)
	res, err := ab.Merge(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 20, res.Inserted)
	assert.Equal(t, 10, res.Duplicates)

	ba := openMemory(t)
	_, err = ba.Merge(ctx, b)
	require.NoError(t, err)
	_, err = ba.Merge(ctx, a)
	require.NoError(t, err)

	assert.Equal(t, 50, len(ab.All()))
	assert.Equal(t, ids(ab.All()), ids(ba.All()))
}

func TestMerge_DuplicatesWithinBatch(t *testing.T) {
	lg := openMemory(t)
	trade := mustTrade(t, "2024-01-01T00:00:00Z", "DEPOSIT", "USDT", "100", "", "")

	res, err := lg.Merge(context.Background(), []domain.Trade{trade, trade, trade})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 2, res.Duplicates)
}

func TestLedger_ReplayOrder(t *testing.T) {
	lg := openMemory(t)
	ctx := context.Background()

	late := mustTrade(t, "2024-01-03T00:00:00Z", "SELL", "BTC/USDT", "1", "31000", "")
	early := mustTrade(t, "2024-01-01T00:00:00Z", "BUY", "BTC/USDT", "1", "30000", "")
	tieA := mustTrade(t, "2024-01-02T00:00:00Z", "DEPOSIT", "USDT", "10", "", "a")
	tieB := mustTrade(t, "2024-01-02T00:00:00Z", "DEPOSIT", "USDT", "10", "", "b")

	_, err := lg.Merge(ctx, []domain.Trade{late, tieB})
	require.NoError(t, err)
	_, err = lg.Merge(ctx, []domain.Trade{tieA, early})
	require.NoError(t, err)

	all := lg.All()
	require.Len(t, all, 4)
	assert.Equal(t, early.ID, all[0].ID)
	assert.Equal(t, late.ID, all[3].ID)
	assert.True(t, all[1].ID < all[2].ID, "equal timestamps ordered by identity key")
	for i := 1; i < len(all); i++ {
		assert.True(t, all[i-1].Before(all[i]))
	}
}

func TestLedger_AsOf(t *testing.T) {
	lg := openMemory(t)
	ctx := context.Background()

	buy := mustTrade(t, "2024-01-01T00:00:00Z", "BUY", "BTC/USDT", "1.5", "30000", "")
	sell := mustTrade(t, "2024-01-02T00:00:00Z", "SELL", "BTC/USDT", "0.5", "32000", "")
	_, err := lg.Merge(ctx, []domain.Trade{sell, buy})
	require.NoError(t, err)

	assert.Empty(t, lg.AsOf(time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC)))
	assert.Equal(t, []string{buy.ID}, ids(lg.AsOf(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))))
	// cutoff is inclusive
	assert.Equal(t, []string{buy.ID, sell.ID}, ids(lg.AsOf(sell.Time)))
	assert.Equal(t, []string{buy.ID}, ids(lg.AsOf(sell.Time.Add(-time.Microsecond))))

	prefix := lg.AsOf(buy.Time)
	prefix = append(prefix, sell)
	assert.Len(t, lg.All(), 2, "appending to a returned prefix must not leak into the ledger")
}

func TestLedger_PinnedViewIsStable(t *testing.T) {
	lg := openMemory(t)
	ctx := context.Background()

	_, err := lg.Merge(ctx, batch(t, 0, 5))
	require.NoError(t, err)

	view := lg.Snapshot()
	before := ids(view.All())

	_, err = lg.Merge(ctx, batch(t, 5, 5))
	require.NoError(t, err)

	assert.Equal(t, before, ids(view.All()))
	assert.Equal(t, 10, lg.Snapshot().Len())
	assert.Greater(t, lg.Snapshot().Version(), view.Version())
}

func TestMerge_StorageFailureIsAtomic(t *testing.T) {
	backend := NewMemoryBackend()
	lg, err := Open(context.Background(), backend, zap.NewNop())
	require.NoError(t, err)

	_, err = lg.Merge(context.Background(), batch(t, 0, 3))
	require.NoError(t, err)
	version := lg.Snapshot().Version()

	backend.FailAppend = errors.New("disk full")
	_, err = lg.Merge(context.Background(), batch(t, 3, 3))
	require.Error(t, err)
	assert.True(t, domain.IsStorageError(err))
	assert.Len(t, lg.All(), 3)
	assert.Equal(t, version, lg.Snapshot().Version())

	// the failed records are not remembered as present
	backend.FailAppend = nil
	res, err := lg.Merge(context.Background(), batch(t, 3, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, res.Inserted)
}

func TestMerge_CancelledContext(t *testing.T) {
	lg := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lg.Merge(ctx, batch(t, 0, 3))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, lg.All())
}

func TestMerge_ConcurrentOverlappingUploads(t *testing.T) {
	lg := openMemory(t)
	ctx := context.Background()

	const workers = 16
	batches := make([][]domain.Trade, workers)
	for w := range batches {
		// every batch overlaps its neighbours
		batches[w] = batch(t, w*10, 40)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			res, err := lg.Merge(ctx, batches[w])
			assert.NoError(t, err)
			mu.Lock()
			inserted += res.Inserted
			mu.Unlock()
		}(w)
	}

	// concurrent readers must only ever see whole batches
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			view := lg.Snapshot()
			all := view.All()
			for j := 1; j < len(all); j++ {
				if all[j].Before(all[j-1]) {
					t.Errorf("view %d out of order", view.Version())
					return
				}
			}
		}
	}()

	wg.Wait()
	<-done

	expected := (workers-1)*10 + 40
	assert.Equal(t, expected, inserted)
	assert.Len(t, lg.All(), expected)
}

func TestOpen_DeduplicatesPersisted(t *testing.T) {
	trade := mustTrade(t, "2024-01-01T00:00:00Z", "DEPOSIT", "BTC", "1", "", "")
	lg, err := Open(context.Background(), NewMemoryBackend(trade, trade), nil)
	require.NoError(t, err)
	assert.Len(t, lg.All(), 1)
	assert.Equal(t, uint64(1), lg.Snapshot().Version())
}
