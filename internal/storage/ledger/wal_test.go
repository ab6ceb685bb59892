package ledger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/coinledger/internal/domain"
	"go.uber.org/zap"
)

func TestWALBackend_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	backend, err := NewWALBackend(dir)
	require.NoError(t, err)
	lg, err := Open(ctx, backend, zap.NewNop())
	require.NoError(t, err)

	first := batch(t, 0, 20)
	_, err = lg.Merge(ctx, first)
	require.NoError(t, err)
	_, err = lg.Merge(ctx, batch(t, 10, 20))
	require.NoError(t, err)
	want := ids(lg.All())
	require.NoError(t, lg.Close())

	backend, err = NewWALBackend(dir)
	require.NoError(t, err)
	reopened, err := Open(ctx, backend, zap.NewNop())
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, want, ids(reopened.All()))

	// re-uploading after restart is still a no-op
	res, err := reopened.Merge(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, len(first), res.Duplicates)
}

func TestWALBackend_PreservesExactDecimals(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	backend, err := NewWALBackend(dir)
	require.NoError(t, err)
	trade := mustTrade(t, "2024-05-05T05:05:05.123456Z", "SELL", "ETH/BTC", "0.000000000000000001", "0.05123456789", "x")
	require.NoError(t, backend.Append(ctx, batchOf(trade)))
	require.NoError(t, backend.Close())

	backend, err = NewWALBackend(dir)
	require.NoError(t, err)
	defer backend.Close()

	loaded, err := backend.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, trade.ID, loaded[0].ID)
	assert.True(t, trade.Amount.Equal(loaded[0].Amount))
	assert.True(t, trade.Price.Equal(loaded[0].Price))
	assert.True(t, trade.Time.Equal(loaded[0].Time))
}

func batchOf(trades ...domain.Trade) []domain.Trade {
	return trades
}
