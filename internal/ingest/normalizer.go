// Package ingest turns uploaded batches into validated trades.
package ingest

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/coinledger/internal/domain"
	"go.uber.org/zap"
)

// Row is one raw uploaded record keyed by column name.
type Row map[string]string

// Rejection reports why a row of a batch was not accepted.
type Rejection struct {
	// Row is the 1-based position of the row in its batch.
	Row int
	Err *domain.ValidationError
}

// Reason is the human-readable violated constraint.
func (r Rejection) Reason() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Result is the outcome of normalizing one batch.
type Result struct {
	Accepted []domain.Trade
	Rejected []Rejection
}

// column aliases seen in exchange exports, compared after canonicalColumn
var columnAliases = map[string][]string{
	"time":      {"utctime", "dateutc", "date", "time", "timestamp"},
	"operation": {"operation", "side", "type"},
	"market":    {"market", "pair", "symbol"},
	"base":      {"basecoin", "base", "coin", "asset"},
	"quote":     {"quotecoin", "quote"},
	"amount":    {"buysellamount", "amount", "executed", "quantity", "change"},
	"price":     {"price"},
	"sequence":  {"sequence", "tradeid"},
}

// Normalizer validates raw rows with per-row failure isolation.
type Normalizer struct {
	l *zap.Logger
}

// NewNormalizer creates a Normalizer. A nil logger disables logging.
func NewNormalizer(l *zap.Logger) *Normalizer {
	if l == nil {
		l = zap.NewNop()
	}
	return &Normalizer{l: l}
}

// Normalize validates every row independently. A malformed row is recorded in
// Result.Rejected and never stops processing of the rows after it.
func (n *Normalizer) Normalize(rows []Row) Result {
	result := Result{Accepted: make([]domain.Trade, 0, len(rows))}

	for i, row := range rows {
		trade, err := domain.NewTrade(row.RawTrade())
		if err != nil {
			var verr *domain.ValidationError
			if !errors.As(err, &verr) {
				verr = &domain.ValidationError{Reason: err.Error()}
			}
			n.l.Debug("row rejected", zap.Int("row", i+1), zap.String("reason", verr.Error()))
			result.Rejected = append(result.Rejected, Rejection{Row: i + 1, Err: verr})
			continue
		}
		result.Accepted = append(result.Accepted, trade)
	}

	return result
}

// RawTrade maps the row's columns onto trade fields using known export aliases.
func (r Row) RawTrade() domain.RawTrade {
	canonical := make(map[string]string, len(r))
	for column, value := range r {
		canonical[canonicalColumn(column)] = value
	}

	lookup := func(field string) string {
		for _, alias := range columnAliases[field] {
			if v, ok := canonical[alias]; ok && strings.TrimSpace(v) != "" {
				return v
			}
		}
		return ""
	}

	return domain.RawTrade{
		Time:      lookup("time"),
		Operation: lookup("operation"),
		Market:    lookup("market"),
		BaseCoin:  lookup("base"),
		QuoteCoin: lookup("quote"),
		Amount:    lookup("amount"),
		Price:     lookup("price"),
		Sequence:  lookup("sequence"),
	}
}

// canonicalColumn lower-cases a header and strips everything but letters and digits,
// so "Buy/Sell Amount", "buy_sell_amount" and "BuySellAmount" all match.
func canonicalColumn(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
