// Package domain defines the trade ledger data model: validated trade records,
// operations, identity keys and balance snapshots.
package domain

import (
	"fmt"
	"strings"
)

// Market is a base/quote asset pair such as BTC/USDT.
type Market struct {
	// Base asset being bought or sold.
	Base string
	// Quote asset the price is denominated in.
	Quote string
}

// String returns the representation used by exchange exports.
func (m Market) String() string {
	if m.Quote == "" {
		return m.Base
	}
	return fmt.Sprintf("%s/%s", m.Base, m.Quote)
}

// ParseMarket splits "BTC/USDT", "BTC_USDT" or "BTC-USDT" into its assets.
// A value without a separator is treated as a single asset.
func ParseMarket(s string) (Market, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Market{}, nil
	}

	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '/' || r == '_' || r == '-'
	})
	switch len(parts) {
	case 1:
		return Market{Base: NormalizeAsset(parts[0])}, nil
	case 2:
		return Market{Base: NormalizeAsset(parts[0]), Quote: NormalizeAsset(parts[1])}, nil
	default:
		return Market{}, fmt.Errorf("invalid market %q", s)
	}
}

// NormalizeAsset trims and upper-cases an asset symbol.
func NormalizeAsset(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func isValidAsset(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' {
			continue
		}
		return false
	}
	return true
}
