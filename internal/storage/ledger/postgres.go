package ledger

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/coinledger/internal/domain"
	"github.com/vadiminshakov/coinledger/pkg/retrier"
	"go.uber.org/zap"
)

const (
	postgresStatementTimeout = 30 * time.Second
	postgresPingTimeout      = 5 * time.Second
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS ledger_trades (
    identity_key CHAR(64) PRIMARY KEY,
    utc_time TIMESTAMP WITH TIME ZONE NOT NULL,
    operation VARCHAR(16) NOT NULL,
    base_coin VARCHAR(32) NOT NULL,
    quote_coin VARCHAR(32) NOT NULL DEFAULT '',
    amount NUMERIC NOT NULL CHECK (amount >= 0),
    price NUMERIC CHECK (price IS NULL OR price > 0),
    sequence TEXT NOT NULL DEFAULT '',
    ingested_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS ledger_trades_replay_idx ON ledger_trades (utc_time, identity_key);
`

const postgresInsert = `INSERT INTO ledger_trades(identity_key, utc_time, operation, base_coin, quote_coin, amount, price, sequence)
VALUES($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (identity_key) DO NOTHING`

const postgresSelect = `SELECT identity_key, utc_time, operation, base_coin, quote_coin, amount::TEXT, price::TEXT, sequence
FROM ledger_trades ORDER BY utc_time ASC, identity_key ASC`

// PostgresBackend stores trades in a table keyed by identity key with a
// secondary time index.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend connects to dsn, retrying the initial ping, and ensures the schema.
func NewPostgresBackend(ctx context.Context, dsn string, l *zap.Logger) (*PostgresBackend, error) {
	if l == nil {
		l = zap.NewNop()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	r := retrier.New(
		retrier.WithMaxRetries(5),
		retrier.WithOnRetry(func(attempt int, err error) {
			l.Warn("postgres ping failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
		}),
		retrier.WithRetryIf(func(err error) bool {
			return !isAuthError(err)
		}),
	)
	err = r.Do(ctx, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, postgresPingTimeout)
		defer cancel()
		return db.PingContext(pingCtx)
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	schemaCtx, cancel := context.WithTimeout(ctx, postgresStatementTimeout)
	defer cancel()
	if _, err := db.ExecContext(schemaCtx, postgresSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ensure ledger schema")
	}

	l.Info("connected to postgres and ensured ledger schema")
	return &PostgresBackend{db: db}, nil
}

// Load reads all trades in replay order.
func (b *PostgresBackend) Load(ctx context.Context) ([]domain.Trade, error) {
	queryCtx, cancel := context.WithTimeout(ctx, postgresStatementTimeout)
	defer cancel()

	rows, err := b.db.QueryContext(queryCtx, postgresSelect)
	if err != nil {
		return nil, errors.Wrap(err, "query ledger trades")
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var (
			stored storedTrade
			price  sql.NullString
		)
		if err := rows.Scan(&stored.ID, &stored.Time, &stored.Operation, &stored.BaseCoin, &stored.QuoteCoin, &stored.Amount, &price, &stored.Sequence); err != nil {
			return nil, errors.Wrap(err, "scan ledger trade")
		}
		stored.ID = strings.TrimSpace(stored.ID)
		if price.Valid {
			stored.Price = price.String
		}

		trade, err := stored.toTrade()
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}

	return trades, errors.Wrap(rows.Err(), "iterate ledger trades")
}

// Append inserts trades in a single transaction; conflicting identity keys are skipped.
func (b *PostgresBackend) Append(ctx context.Context, trades []domain.Trade) (err error) {
	if len(trades) == 0 {
		return nil
	}

	txCtx, cancel := context.WithTimeout(ctx, postgresStatementTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(txCtx, nil)
	if err != nil {
		return errors.Wrap(err, "begin ledger transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(txCtx, postgresInsert)
	if err != nil {
		return errors.Wrap(err, "prepare ledger insert")
	}
	defer stmt.Close()

	for _, trade := range trades {
		stored := newStoredTrade(trade)
		var price sql.NullString
		if stored.Price != "" {
			price = sql.NullString{String: stored.Price, Valid: true}
		}
		if _, err = stmt.ExecContext(txCtx, stored.ID, stored.Time, stored.Operation, stored.BaseCoin, stored.QuoteCoin, stored.Amount, price, stored.Sequence); err != nil {
			return errors.Wrapf(err, "insert trade %s", stored.ID)
		}
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "commit ledger transaction")
	}
	return nil
}

// Close closes the connection pool.
func (b *PostgresBackend) Close() error {
	return b.db.Close()
}

// isAuthError reports failures a retry cannot fix.
func isAuthError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// invalid_authorization_specification, invalid_password, invalid_catalog_name
		switch pqErr.Code {
		case "28000", "28P01", "3D000":
			return true
		}
	}
	return false
}
