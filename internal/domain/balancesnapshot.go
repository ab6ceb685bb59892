package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceSnapshot is the derived per-asset balance as of an instant.
// It is never persisted as authoritative state.
type BalanceSnapshot struct {
	// At is the inclusive cutoff of the replayed prefix.
	At time.Time
	// LedgerVersion identifies the ledger state the snapshot was folded from.
	LedgerVersion uint64
	// Trades is the length of the replayed prefix.
	Trades int
	// Balances maps asset to signed balance. Assets without activity are absent.
	Balances map[string]decimal.Decimal
}

// Assets returns the asset symbols in lexical order.
func (s BalanceSnapshot) Assets() []string {
	assets := make([]string, 0, len(s.Balances))
	for asset := range s.Balances {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	return assets
}

// Strings renders balances as decimal strings for transport.
func (s BalanceSnapshot) Strings() map[string]string {
	out := make(map[string]string, len(s.Balances))
	for asset, balance := range s.Balances {
		out[asset] = balance.String()
	}
	return out
}

// Clone returns a copy whose Balances map can be modified independently.
func (s BalanceSnapshot) Clone() BalanceSnapshot {
	balances := make(map[string]decimal.Decimal, len(s.Balances))
	for asset, balance := range s.Balances {
		balances[asset] = balance
	}
	s.Balances = balances
	return s
}
