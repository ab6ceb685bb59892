package services

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/coinledger/internal/balance"
	"github.com/vadiminshakov/coinledger/internal/domain"
	"github.com/vadiminshakov/coinledger/internal/events"
	"github.com/vadiminshakov/coinledger/internal/ingest"
	"github.com/vadiminshakov/coinledger/internal/storage/ledger"
	"go.uber.org/zap"
)

// UploadResult reports the outcome of one uploaded batch.
type UploadResult struct {
	BatchID string
	// Accepted holds every valid row of the batch, including ones already in the ledger.
	Accepted   []domain.Trade
	Rejected   []ingest.Rejection
	Inserted   int
	Duplicates int
	Version    uint64
}

// Status describes the current ledger state.
type Status struct {
	Version uint64
	Trades  int
}

// DefaultPublishTimeout bounds how long an upload waits for merge event delivery.
const DefaultPublishTimeout = 2 * time.Second

// LedgerService is the entry point for uploads and point-in-time balance queries.
type LedgerService struct {
	ledger         *ledger.Ledger
	engine         *balance.Engine
	normalizer     *ingest.Normalizer
	publisher      events.Publisher
	publishTimeout time.Duration
	l              *zap.Logger
}

// NewLedgerService wires the service. publisher may be nil.
func NewLedgerService(l *zap.Logger, lg *ledger.Ledger, engine *balance.Engine, publisher events.Publisher) *LedgerService {
	if l == nil {
		l = zap.NewNop()
	}
	return &LedgerService{
		ledger:         lg,
		engine:         engine,
		normalizer:     ingest.NewNormalizer(l.Named("ingest")),
		publisher:      publisher,
		publishTimeout: DefaultPublishTimeout,
		l:              l,
	}
}

// UploadCSV parses r as a CSV export and uploads its rows.
func (s *LedgerService) UploadCSV(ctx context.Context, r io.Reader) (UploadResult, error) {
	rows, err := ingest.ReadCSV(r)
	if err != nil {
		return UploadResult{}, err
	}
	return s.Upload(ctx, rows)
}

// Upload validates rows and merges the valid ones into the ledger.
// Invalid rows are reported in Rejected and never abort the batch. A batch with
// only invalid rows is not an error.
func (s *LedgerService) Upload(ctx context.Context, rows []ingest.Row) (UploadResult, error) {
	batchID := uuid.NewString()
	normalized := s.normalizer.Normalize(rows)

	result := UploadResult{
		BatchID:  batchID,
		Accepted: normalized.Accepted,
		Rejected: normalized.Rejected,
	}

	merged, err := s.ledger.Merge(ctx, normalized.Accepted)
	if err != nil {
		s.l.Error("failed to merge batch",
			zap.String("batch_id", batchID),
			zap.Int("accepted", len(normalized.Accepted)),
			zap.Error(err))
		return UploadResult{}, errors.Wrapf(err, "merge batch %s", batchID)
	}

	result.Inserted = merged.Inserted
	result.Duplicates = merged.Duplicates
	result.Version = merged.Version

	s.l.Info("batch uploaded",
		zap.String("batch_id", batchID),
		zap.Int("rows", len(rows)),
		zap.Int("rejected", len(normalized.Rejected)),
		zap.Int("inserted", merged.Inserted),
		zap.Int("duplicates", merged.Duplicates),
		zap.Uint64("version", merged.Version))

	if merged.Inserted > 0 {
		s.publish(ctx, events.MergeEvent{
			BatchID:    batchID,
			Version:    merged.Version,
			Inserted:   merged.Inserted,
			Duplicates: merged.Duplicates,
			Trades:     merged.Trades,
			MergedAt:   time.Now().UTC(),
		})
	}

	return result, nil
}

// publish delivers the event without failing the upload; the ledger is the system of record.
// Delivery outlives a cancelled request but never takes longer than publishTimeout.
func (s *LedgerService) publish(ctx context.Context, event events.MergeEvent) {
	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.l.Warn("failed to publish merge event", zap.String("batch_id", event.BatchID), zap.Error(err))
	}
}

// List returns every trade in replay order.
func (s *LedgerService) List() []domain.Trade {
	return s.ledger.All()
}

// ListUntil returns the trades with time <= until, until being any accepted timestamp format.
func (s *LedgerService) ListUntil(until string) ([]domain.Trade, error) {
	at, err := domain.ParseInstant(until)
	if err != nil {
		return nil, err
	}
	return s.ledger.AsOf(at), nil
}

// BalanceAt reconstructs balances as of ts.
func (s *LedgerService) BalanceAt(ctx context.Context, ts string) (domain.BalanceSnapshot, error) {
	return s.engine.AtString(ctx, ts)
}

// Status returns the current ledger version and size.
func (s *LedgerService) Status() Status {
	view := s.ledger.Snapshot()
	return Status{Version: view.Version(), Trades: view.Len()}
}
