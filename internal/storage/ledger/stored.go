package ledger

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/coinledger/internal/domain"
)

// storedTrade is the on-disk form of a trade. Decimals are kept as strings
// so no precision is lost between restarts.
type storedTrade struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"utc_time"`
	Operation string    `json:"operation"`
	BaseCoin  string    `json:"base_coin"`
	QuoteCoin string    `json:"quote_coin,omitempty"`
	Amount    string    `json:"amount"`
	Price     string    `json:"price,omitempty"`
	Sequence  string    `json:"sequence,omitempty"`
}

func newStoredTrade(t domain.Trade) storedTrade {
	stored := storedTrade{
		ID:        t.ID,
		Time:      t.Time,
		Operation: t.Operation.String(),
		BaseCoin:  t.BaseCoin,
		QuoteCoin: t.QuoteCoin,
		Amount:    t.Amount.String(),
		Sequence:  t.Sequence,
	}
	if t.Operation.IsExchange() {
		stored.Price = t.Price.String()
	}
	return stored
}

// toTrade reconstructs the trade and checks the stored identity key still matches.
func (s storedTrade) toTrade() (domain.Trade, error) {
	op, ok := domain.ParseOperation(s.Operation)
	if !ok {
		return domain.Trade{}, errors.Errorf("stored trade %s: unknown operation %q", s.ID, s.Operation)
	}

	amount, err := decimal.NewFromString(s.Amount)
	if err != nil {
		return domain.Trade{}, errors.Wrapf(err, "stored trade %s: decode amount", s.ID)
	}

	price := decimal.Zero
	if s.Price != "" {
		price, err = decimal.NewFromString(s.Price)
		if err != nil {
			return domain.Trade{}, errors.Wrapf(err, "stored trade %s: decode price", s.ID)
		}
	}

	trade := domain.Trade{
		Time:      domain.NormalizeInstant(s.Time),
		Operation: op,
		BaseCoin:  s.BaseCoin,
		QuoteCoin: s.QuoteCoin,
		Amount:    amount,
		Price:     price,
		Sequence:  s.Sequence,
	}
	trade.ID = domain.IdentityKey(trade)
	if s.ID != "" && s.ID != trade.ID {
		return domain.Trade{}, errors.Errorf("stored trade %s: identity key mismatch, recomputed %s", s.ID, trade.ID)
	}

	return trade, nil
}
