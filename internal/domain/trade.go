package domain

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/blake2b"
)

// RawTrade is the unvalidated field set of one uploaded row.
type RawTrade struct {
	Time      string
	Operation string
	Market    string
	BaseCoin  string
	QuoteCoin string
	Amount    string
	Price     string
	Sequence  string
}

// Trade is one validated ledger event. Values are immutable once accepted.
type Trade struct {
	// ID is the identity key used for deduplication.
	ID        string
	Time      time.Time
	Operation Operation
	BaseCoin  string
	// QuoteCoin is empty for single-asset operations.
	QuoteCoin string
	// Amount of BaseCoin moved, never negative.
	Amount decimal.Decimal
	// Price of one BaseCoin in QuoteCoin, zero for single-asset operations.
	Price decimal.Decimal
	// Sequence disambiguates otherwise identical executions when the source supplies it.
	Sequence string
}

// NewTrade validates and normalizes raw into a Trade.
// It returns a *ValidationError naming the first violated constraint.
func NewTrade(raw RawTrade) (Trade, error) {
	if strings.TrimSpace(raw.Time) == "" {
		return Trade{}, invalid("utc_time", "missing")
	}
	ts, err := ParseInstant(raw.Time)
	if err != nil {
		return Trade{}, invalid("utc_time", "unparseable timestamp %q", raw.Time)
	}

	if strings.TrimSpace(raw.Operation) == "" {
		return Trade{}, invalid("operation", "missing")
	}
	op, ok := ParseOperation(raw.Operation)
	if !ok {
		return Trade{}, invalid("operation", "unknown operation %q", raw.Operation)
	}

	market, err := ParseMarket(raw.Market)
	if err != nil {
		return Trade{}, invalid("market", "%v", err)
	}
	if base := NormalizeAsset(raw.BaseCoin); base != "" {
		market.Base = base
	}
	if quote := NormalizeAsset(raw.QuoteCoin); quote != "" {
		market.Quote = quote
	}

	if market.Base == "" {
		return Trade{}, invalid("base_coin", "missing")
	}
	if !isValidAsset(market.Base) {
		return Trade{}, invalid("base_coin", "invalid asset %q", market.Base)
	}

	if strings.TrimSpace(raw.Amount) == "" {
		return Trade{}, invalid("amount", "missing")
	}
	amount, verr := parseDecimal("amount", raw.Amount)
	if verr != nil {
		return Trade{}, verr
	}
	if amount.IsNegative() {
		return Trade{}, invalid("amount", "negative amount %s", amount.String())
	}

	trade := Trade{
		Time:      ts,
		Operation: op,
		BaseCoin:  market.Base,
		Amount:    amount,
		Sequence:  strings.TrimSpace(raw.Sequence),
	}

	if op.IsExchange() {
		if market.Quote == "" {
			return Trade{}, invalid("quote_coin", "missing for %s", op)
		}
		if !isValidAsset(market.Quote) {
			return Trade{}, invalid("quote_coin", "invalid asset %q", market.Quote)
		}
		if market.Quote == market.Base {
			return Trade{}, invalid("quote_coin", "same as base coin %s", market.Base)
		}
		if strings.TrimSpace(raw.Price) == "" {
			return Trade{}, invalid("price", "missing for %s", op)
		}
		price, verr := parseDecimal("price", raw.Price)
		if verr != nil {
			return Trade{}, verr
		}
		if !price.IsPositive() {
			return Trade{}, invalid("price", "must be positive, got %s", price.String())
		}
		trade.QuoteCoin = market.Quote
		trade.Price = price
	}

	trade.ID = IdentityKey(trade)
	return trade, nil
}

const (
	maxDecimalExponent = 64
	maxDecimalDigits   = 64
)

// parseDecimal bounds scale and precision so a value like "1e50000000"
// cannot turn formatting and hashing into an unbounded computation.
func parseDecimal(field, raw string) (decimal.Decimal, *ValidationError) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, invalid(field, "not a decimal %q", raw)
	}
	if exp := d.Exponent(); exp > maxDecimalExponent || exp < -maxDecimalExponent {
		return decimal.Decimal{}, invalid(field, "exponent %d outside +/-%d", exp, maxDecimalExponent)
	}
	if digits := len(strings.TrimPrefix(d.Coefficient().String(), "-")); digits > maxDecimalDigits {
		return decimal.Decimal{}, invalid(field, "%d significant digits exceed %d", digits, maxDecimalDigits)
	}
	return d, nil
}

// IdentityKey fingerprints the defining fields of t. Decimals are rendered in
// canonical form so "1.50" and "1.5" produce the same key.
func IdentityKey(t Trade) string {
	price := ""
	if t.Operation.IsExchange() {
		price = t.Price.String()
	}

	canonical := strings.Join([]string{
		FormatInstant(t.Time),
		t.Operation.String(),
		t.BaseCoin,
		t.QuoteCoin,
		t.Amount.String(),
		price,
		t.Sequence,
	}, "|")

	sum := blake2b.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Market returns the pair of the trade.
func (t Trade) Market() Market {
	return Market{Base: t.BaseCoin, Quote: t.QuoteCoin}
}

// Notional is the quote amount exchanged, zero for single-asset operations.
func (t Trade) Notional() decimal.Decimal {
	if !t.Operation.IsExchange() {
		return decimal.Zero
	}
	return t.Amount.Mul(t.Price)
}

// Before reports whether t precedes other in replay order:
// by time, then by identity key.
func (t Trade) Before(other Trade) bool {
	if !t.Time.Equal(other.Time) {
		return t.Time.Before(other.Time)
	}
	return t.ID < other.ID
}

// String returns a human-readable string representation.
func (t Trade) String() string {
	return fmt.Sprintf("%s %s %s amount: %s price: %s", FormatInstant(t.Time), t.Operation, t.Market().String(), t.Amount.String(), t.Price.String())
}

// tradeJSON keeps the column names of the exchange export the upload client renders.
type tradeJSON struct {
	ID        string `json:"Id"`
	Time      string `json:"UTC_Time"`
	Operation string `json:"Operation"`
	Market    string `json:"Market"`
	BaseCoin  string `json:"Base_Coin"`
	QuoteCoin string `json:"Quote_Coin,omitempty"`
	Amount    string `json:"Buy/Sell Amount"`
	Price     string `json:"Price,omitempty"`
	Sequence  string `json:"Sequence,omitempty"`
}

// MarshalJSON renders decimals as strings to avoid precision loss in clients.
func (t Trade) MarshalJSON() ([]byte, error) {
	out := tradeJSON{
		ID:        t.ID,
		Time:      FormatInstant(t.Time),
		Operation: t.Operation.String(),
		Market:    t.Market().String(),
		BaseCoin:  t.BaseCoin,
		QuoteCoin: t.QuoteCoin,
		Amount:    t.Amount.String(),
		Sequence:  t.Sequence,
	}
	if t.Operation.IsExchange() {
		out.Price = t.Price.String()
	}
	return json.Marshal(out)
}

// UnmarshalJSON re-validates the decoded fields and recomputes the identity key.
func (t *Trade) UnmarshalJSON(data []byte) error {
	var in tradeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	trade, err := NewTrade(RawTrade{
		Time:      in.Time,
		Operation: in.Operation,
		Market:    in.Market,
		BaseCoin:  in.BaseCoin,
		QuoteCoin: in.QuoteCoin,
		Amount:    in.Amount,
		Price:     in.Price,
		Sequence:  in.Sequence,
	})
	if err != nil {
		return err
	}
	*t = trade
	return nil
}
