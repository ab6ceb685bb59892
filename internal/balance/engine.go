// Package balance reconstructs point-in-time account balances by replaying the ledger.
package balance

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/coinledger/internal/domain"
	"github.com/vadiminshakov/coinledger/internal/storage/ledger"
	"go.uber.org/zap"
)

// the fold checks for cancellation once per this many trades
const cancelCheckInterval = 4096

const defaultCacheSize = 256

type ledgerReader interface {
	Snapshot() *ledger.View
}

// Engine computes balance snapshots from a ledger.
type Engine struct {
	ledger ledgerReader
	cache  *snapshotCache
	l      *zap.Logger
}

// NewEngine creates an engine over lg caching up to cacheSize snapshots per
// ledger version. A cacheSize below zero disables caching, zero picks the default.
func NewEngine(lg ledgerReader, cacheSize int, l *zap.Logger) *Engine {
	if l == nil {
		l = zap.NewNop()
	}
	if cacheSize == 0 {
		cacheSize = defaultCacheSize
	}

	var cache *snapshotCache
	if cacheSize > 0 {
		cache = newSnapshotCache(cacheSize)
	}

	return &Engine{ledger: lg, cache: cache, l: l}
}

// AtString parses ts and returns the snapshot at that instant.
// An unparseable ts yields an error wrapping domain.ErrInvalidTimestamp.
func (e *Engine) AtString(ctx context.Context, ts string) (domain.BalanceSnapshot, error) {
	at, err := domain.ParseInstant(ts)
	if err != nil {
		return domain.BalanceSnapshot{}, err
	}
	return e.At(ctx, at)
}

// At folds every trade with time <= at into per-asset balances. A ledger
// with no trades up to at yields an empty snapshot, not an error. There is
// no lower bound on at: the zero time is a valid instant before all trades.
func (e *Engine) At(ctx context.Context, at time.Time) (domain.BalanceSnapshot, error) {
	at = domain.NormalizeInstant(at)

	view := e.ledger.Snapshot()
	if cached, ok := e.cache.get(view.Version(), at); ok {
		return cached, nil
	}

	prefix := view.AsOf(at)
	balances, err := Replay(ctx, prefix)
	if err != nil {
		return domain.BalanceSnapshot{}, err
	}

	snapshot := domain.BalanceSnapshot{
		At:            at,
		LedgerVersion: view.Version(),
		Trades:        len(prefix),
		Balances:      balances,
	}
	e.cache.put(snapshot)

	e.l.Debug("balance reconstructed",
		zap.Time("at", at),
		zap.Uint64("version", view.Version()),
		zap.Int("trades", len(prefix)),
		zap.Int("assets", len(balances)),
	)
	return snapshot.Clone(), nil
}

// Replay folds trades left to right. trades must be in replay order for the
// result to be reproducible; the arithmetic itself is exact.
func Replay(ctx context.Context, trades []domain.Trade) (map[string]decimal.Decimal, error) {
	balances := make(map[string]decimal.Decimal)
	for i, trade := range trades {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		if err := Apply(balances, trade); err != nil {
			return nil, err
		}
	}
	return balances, nil
}

// Apply adds the effect of one trade to balances.
func Apply(balances map[string]decimal.Decimal, t domain.Trade) error {
	switch t.Operation {
	case domain.OperationBuy:
		credit(balances, t.BaseCoin, t.Amount)
		debit(balances, t.QuoteCoin, t.Notional())
	case domain.OperationSell:
		debit(balances, t.BaseCoin, t.Amount)
		credit(balances, t.QuoteCoin, t.Notional())
	case domain.OperationDeposit, domain.OperationTransferIn:
		credit(balances, t.BaseCoin, t.Amount)
	case domain.OperationWithdrawal, domain.OperationTransferOut, domain.OperationFee:
		debit(balances, t.BaseCoin, t.Amount)
	default:
		return errors.Errorf("trade %s: unknown operation %d", t.ID, t.Operation)
	}
	return nil
}

func credit(balances map[string]decimal.Decimal, asset string, amount decimal.Decimal) {
	balances[asset] = balances[asset].Add(amount)
}

func debit(balances map[string]decimal.Decimal, asset string, amount decimal.Decimal) {
	balances[asset] = balances[asset].Sub(amount)
}
