package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/coinledger/internal/domain"
	"github.com/vadiminshakov/gowal"
)

const (
	DefaultWALDir = "./wal/ledger"

	walSegmentThreshold = 1000
	// the WAL rotates out old segments past this limit; set high enough that
	// ledger history is never dropped
	walMaxSegments    = 1 << 20
	walDirPermissions = 0o755

	tradeBatchKeyPrefix = "trade_batch_"
)

// WALBackend persists each merged batch as a single WAL entry, which makes a
// batch append all-or-nothing.
type WALBackend struct {
	wal *gowal.Wal
	mu  sync.Mutex
}

// NewWALBackend opens (or creates) the ledger WAL under dir.
func NewWALBackend(dir string) (*WALBackend, error) {
	if dir == "" {
		dir = DefaultWALDir
	}
	if err := os.MkdirAll(dir, walDirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure WAL directory %s", dir)
	}

	wal, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "ledger_",
		SegmentThreshold: walSegmentThreshold,
		MaxSegments:      walMaxSegments,
		IsInSyncDiskMode: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "init ledger WAL")
	}

	return &WALBackend{wal: wal}, nil
}

// Load replays every batch entry in the WAL.
func (b *WALBackend) Load(ctx context.Context) ([]domain.Trade, error) {
	if b == nil || b.wal == nil {
		return nil, errors.New("ledger WAL is not initialized")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var trades []domain.Trade
	for msg := range b.wal.Iterator() {
		if !strings.HasPrefix(msg.Key, tradeBatchKeyPrefix) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var batch []storedTrade
		if err := json.Unmarshal(msg.Value, &batch); err != nil {
			return nil, errors.Wrapf(err, "decode trade batch %s", msg.Key)
		}
		for _, stored := range batch {
			trade, err := stored.toTrade()
			if err != nil {
				return nil, err
			}
			trades = append(trades, trade)
		}
	}

	return trades, nil
}

// Append writes trades as one WAL entry.
func (b *WALBackend) Append(ctx context.Context, trades []domain.Trade) error {
	if b == nil || b.wal == nil {
		return errors.New("ledger WAL is not initialized")
	}
	if len(trades) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	batch := make([]storedTrade, 0, len(trades))
	for _, trade := range trades {
		batch = append(batch, newStoredTrade(trade))
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return errors.Wrap(err, "marshal trade batch")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	nextIndex := b.wal.CurrentIndex() + 1
	key := fmt.Sprintf("%s%d", tradeBatchKeyPrefix, nextIndex)
	return b.wal.Write(nextIndex, key, payload)
}

// Close closes the underlying WAL.
func (b *WALBackend) Close() error {
	if b == nil || b.wal == nil {
		return errors.New("ledger WAL is not initialized")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.wal.Close()
}
