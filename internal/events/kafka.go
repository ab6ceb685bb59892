package events

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/vadiminshakov/coinledger/pkg/retrier"
	"go.uber.org/zap"
)

const (
	DefaultKafkaTopic = "coinledger.trades"

	headerBatchID = "batch_id"
	headerVersion = "ledger_version"
)

// KafkaConfig configures the trade event producer.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	MaxRetries   int
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher emits one message per inserted trade, keyed by identity key so
// consumers can deduplicate redeliveries.
type KafkaPublisher struct {
	writer  messageWriter
	retrier *retrier.Retrier
	l       *zap.Logger
}

// NewKafkaPublisher creates a publisher writing to cfg.Topic.
func NewKafkaPublisher(cfg KafkaConfig, l *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultKafkaTopic
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Gzip,
		RequiredAcks:           kafka.RequireAll,
		// retries are handled by the retrier
		MaxAttempts:  1,
		WriteTimeout: cfg.WriteTimeout,
	}

	return newKafkaPublisher(writer, cfg.MaxRetries, l), nil
}

func newKafkaPublisher(writer messageWriter, maxRetries int, l *zap.Logger) *KafkaPublisher {
	if l == nil {
		l = zap.NewNop()
	}
	return &KafkaPublisher{
		writer: writer,
		retrier: retrier.New(
			retrier.WithMaxRetries(maxRetries),
			retrier.WithInitialInterval(200*time.Millisecond),
			retrier.WithRetryIf(func(err error) bool {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}),
			retrier.WithOnRetry(func(attempt int, err error) {
				l.Warn("kafka publish failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
			}),
		),
		l: l,
	}
}

// Publish writes the event's trades. An event without trades is a no-op.
func (p *KafkaPublisher) Publish(ctx context.Context, event MergeEvent) error {
	msgs, err := tradeMessages(event)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	err = p.retrier.Do(ctx, func(ctx context.Context) error {
		return p.writer.WriteMessages(ctx, msgs...)
	})
	if err != nil {
		p.l.Error("failed to send kafka messages", zap.String("batch_id", event.BatchID), zap.Int("count", len(msgs)), zap.Error(err))
		return errors.Wrap(err, "write kafka messages")
	}

	p.l.Debug("kafka messages sent", zap.String("batch_id", event.BatchID), zap.Int("count", len(msgs)))
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func tradeMessages(event MergeEvent) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(event.Trades))
	version := []byte(strconv.FormatUint(event.Version, 10))
	for _, trade := range event.Trades {
		payload, err := json.Marshal(trade)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal trade %s", trade.ID)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(trade.ID),
			Value: payload,
			Time:  trade.Time,
			Headers: []kafka.Header{
				{Key: headerBatchID, Value: []byte(event.BatchID)},
				{Key: headerVersion, Value: version},
			},
		})
	}
	return msgs, nil
}
