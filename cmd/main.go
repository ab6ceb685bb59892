// Command coinledger runs the trade ledger service: it accepts exchange trade
// exports over HTTP, keeps them in a deduplicated append-only ledger and
// reconstructs account balances as of any past instant.
//
// Usage:
//
//	coinledger --config config.yaml
//	coinledger --setup (interactive wizard, writes config.gen.yaml)
//	coinledger --storage wal --waldir ./wal/ledger (uses CLI arguments)
//
// Optional environment variables (also read from .env):
//
//	COINLEDGER_POSTGRES_DSN, COINLEDGER_KAFKA_BROKERS, COINLEDGER_KAFKA_TOPIC,
//	COINLEDGER_ADDR, COINLEDGER_STORAGE, COINLEDGER_LOG_LEVEL
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/coinledger/config"
	"github.com/vadiminshakov/coinledger/internal/balance"
	"github.com/vadiminshakov/coinledger/internal/events"
	"github.com/vadiminshakov/coinledger/internal/services"
	"github.com/vadiminshakov/coinledger/internal/setup"
	"github.com/vadiminshakov/coinledger/internal/storage/ledger"
	"github.com/vadiminshakov/coinledger/internal/web"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	kafkaQueueSize       = 1024
	kafkaDeliveryTimeout = 30 * time.Second
)

func main() {
	os.Exit(start())
}

// start returns the process exit code so deferred cleanup runs before os.Exit.
func start() int {
	cfg, err := loadConfig()
	if err != nil {
		log.Print(err)
		return 1
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Print(err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("coinledger stopped", zap.Error(err))
		return 1
	}
	logger.Info("coinledger stopped")
	return 0
}

func loadConfig() (config.Config, error) {
	if slices.Contains(os.Args[1:], "--setup") {
		if err := setup.RunTUI(); err != nil {
			return config.Config{}, err
		}
		return config.Load(config.GeneratedPath)
	}
	return config.Get()
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}

	zcfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg.Level = lvl
	return zcfg.Build()
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	backend, err := openBackend(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}

	lg, err := ledger.Open(ctx, backend, logger.Named("ledger"))
	if err != nil {
		_ = backend.Close()
		return err
	}
	defer func() {
		if err := lg.Close(); err != nil {
			logger.Error("failed to close ledger", zap.Error(err))
		}
	}()

	stream := events.NewMergeBroadcaster(64)
	publishers := events.Multi{stream}
	if cfg.Kafka.Enabled() {
		kafka, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		}, logger.Named("kafka"))
		if err != nil {
			return err
		}
		defer kafka.Close()
		queue := events.NewQueue(kafka, kafkaQueueSize, kafkaDeliveryTimeout, logger.Named("kafka"))
		defer queue.Close()
		publishers = append(publishers, queue)
		logger.Info("publishing merged trades to kafka",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("topic", cfg.Kafka.Topic))
	}

	engine := balance.NewEngine(lg, cfg.BalanceCacheSize, logger.Named("balance"))
	svc := services.NewLedgerService(logger.Named("service"), lg, engine, publishers)
	server := web.NewServer(cfg.Addr, svc, stream, web.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		RequestTimeout: cfg.RequestTimeout,
	}, logger.Named("web"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Start(gctx)
	})

	return g.Wait()
}

func openBackend(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (ledger.Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using in-memory ledger, trades are lost on restart")
		return ledger.NewMemoryBackend(), nil
	case config.BackendWAL:
		logger.Info("using WAL ledger", zap.String("dir", cfg.WALDir))
		return ledger.NewWALBackend(cfg.WALDir)
	case config.BackendPostgres:
		logger.Info("using postgres ledger")
		return ledger.NewPostgresBackend(ctx, cfg.PostgresDSN, logger.Named("postgres"))
	default:
		return nil, errors.Errorf("unsupported storage %q", cfg.Backend)
	}
}
