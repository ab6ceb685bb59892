package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendWAL      = "wal"
	BackendPostgres = "postgres"

	DefaultAddr             = ":8080"
	DefaultWALDir           = "./wal/ledger"
	DefaultKafkaTopic       = "coinledger.trades"
	DefaultMaxUploadBytes   = 32 << 20
	DefaultRequestTimeout   = 30 * time.Second
	DefaultLogLevel         = "info"
	DefaultBalanceCacheSize = 256

	// GeneratedPath is where the setup wizard writes its result.
	GeneratedPath = "config.gen.yaml"
)

// env variables override file and flag values, so secrets can stay in .env
const (
	envAddr         = "COINLEDGER_ADDR"
	envStorage      = "COINLEDGER_STORAGE"
	envPostgresDSN  = "COINLEDGER_POSTGRES_DSN"
	envKafkaBrokers = "COINLEDGER_KAFKA_BROKERS"
	envKafkaTopic   = "COINLEDGER_KAFKA_TOPIC"
	envLogLevel     = "COINLEDGER_LOG_LEVEL"
)

type Config struct {
	Addr    string
	Storage StorageConfig
	Kafka   KafkaConfig
	// MaxUploadBytes caps the body of one upload request.
	MaxUploadBytes int64
	RequestTimeout time.Duration
	LogLevel       string
	// BalanceCacheSize bounds cached snapshots; negative disables the cache.
	BalanceCacheSize int
}

type StorageConfig struct {
	Backend     string
	WALDir      string
	PostgresDSN string
}

// KafkaConfig enables merge event publishing when Brokers is not empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Enabled reports whether merge events should be sent to Kafka.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// ConfigTmp is the on-disk yaml form.
type ConfigTmp struct {
	Addr                string        `yaml:"addr,omitempty"`
	Storage             string        `yaml:"storage,omitempty"`
	WALDir              string        `yaml:"wal_dir,omitempty"`
	PostgresDSN         string        `yaml:"postgres_dsn,omitempty"`
	KafkaBrokers        string        `yaml:"kafka_brokers,omitempty"`
	KafkaTopic          string        `yaml:"kafka_topic,omitempty"`
	MaxUploadBytesStr   string        `yaml:"max_upload_bytes,omitempty"`
	RequestTimeout      time.Duration `yaml:"request_timeout,omitempty"`
	LogLevel            string        `yaml:"log_level,omitempty"`
	BalanceCacheSizeStr string        `yaml:"balance_cache_size,omitempty"`
}

// Get loads .env if present and parses the process arguments.
func Get() (Config, error) {
	_ = godotenv.Load()
	return Parse(os.Args[1:])
}

// Parse reads the configuration from args. When --config is given the yaml file
// is used and the remaining flags are ignored.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("coinledger", flag.ContinueOnError)
	path := fs.String("config", "", "path to yaml config")
	fs.Bool("setup", false, "run the interactive configuration wizard first")
	addr := fs.String("addr", DefaultAddr, "http listen address")
	storage := fs.String("storage", BackendWAL, "ledger storage: memory, wal or postgres")
	walDir := fs.String("waldir", DefaultWALDir, "ledger WAL directory")
	dsn := fs.String("postgres-dsn", "", "postgres connection string")
	brokers := fs.String("kafka-brokers", "", "comma-separated kafka brokers, empty disables publishing")
	topic := fs.String("kafka-topic", DefaultKafkaTopic, "kafka topic for merged trades")
	maxUpload := fs.String("max-upload-bytes", strconv.Itoa(DefaultMaxUploadBytes), "upload size limit in bytes")
	timeout := fs.Duration("request-timeout", DefaultRequestTimeout, "per-request timeout")
	logLevel := fs.String("loglevel", DefaultLogLevel, "log level: debug, info, warn or error")
	cacheSize := fs.String("balance-cache-size", strconv.Itoa(DefaultBalanceCacheSize), "cached balance snapshots, negative disables")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if *path != "" {
		return Load(*path)
	}

	return fromTmp(ConfigTmp{
		Addr:                *addr,
		Storage:             *storage,
		WALDir:              *walDir,
		PostgresDSN:         *dsn,
		KafkaBrokers:        *brokers,
		KafkaTopic:          *topic,
		MaxUploadBytesStr:   *maxUpload,
		RequestTimeout:      *timeout,
		LogLevel:            *logLevel,
		BalanceCacheSizeStr: *cacheSize,
	})
}

// Load reads a yaml config file. Missing keys take their defaults.
func Load(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, fmt.Errorf("incorrect yaml config %s: %w", path, err)
	}
	return fromTmp(tmp)
}

// Save writes tmp as yaml to path.
func Save(path string, tmp ConfigTmp) error {
	data, err := yaml.Marshal(tmp)
	if err != nil {
		return fmt.Errorf("failed to generate yaml: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

func fromTmp(c ConfigTmp) (Config, error) {
	applyEnv(&c)

	cfg := Config{
		Addr: withDefault(c.Addr, DefaultAddr),
		Storage: StorageConfig{
			Backend:     strings.ToLower(withDefault(c.Storage, BackendWAL)),
			WALDir:      withDefault(c.WALDir, DefaultWALDir),
			PostgresDSN: c.PostgresDSN,
		},
		Kafka: KafkaConfig{
			Brokers: splitList(c.KafkaBrokers),
			Topic:   withDefault(c.KafkaTopic, DefaultKafkaTopic),
		},
		MaxUploadBytes:   DefaultMaxUploadBytes,
		RequestTimeout:   c.RequestTimeout,
		LogLevel:         strings.ToLower(withDefault(c.LogLevel, DefaultLogLevel)),
		BalanceCacheSize: DefaultBalanceCacheSize,
	}

	if c.MaxUploadBytesStr != "" {
		n, err := strconv.ParseInt(c.MaxUploadBytesStr, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("incorrect 'max_upload_bytes' param (must be a positive integer): %q", c.MaxUploadBytesStr)
		}
		cfg.MaxUploadBytes = n
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RequestTimeout < 0 {
		return Config{}, fmt.Errorf("incorrect 'request_timeout' param (must be positive): %s", cfg.RequestTimeout)
	}
	if c.BalanceCacheSizeStr != "" {
		n, err := strconv.Atoi(c.BalanceCacheSizeStr)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'balance_cache_size' param (must be an integer): %w", err)
		}
		cfg.BalanceCacheSize = n
	}

	switch cfg.Storage.Backend {
	case BackendMemory, BackendWAL:
	case BackendPostgres:
		if cfg.Storage.PostgresDSN == "" {
			return Config{}, fmt.Errorf("postgres storage requires 'postgres_dsn' or %s", envPostgresDSN)
		}
	default:
		return Config{}, fmt.Errorf("unsupported storage %q, expected memory, wal or postgres", cfg.Storage.Backend)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("unsupported log level %q", cfg.LogLevel)
	}

	return cfg, nil
}

func applyEnv(c *ConfigTmp) {
	overrides := []struct {
		key string
		dst *string
	}{
		{envAddr, &c.Addr},
		{envStorage, &c.Storage},
		{envPostgresDSN, &c.PostgresDSN},
		{envKafkaBrokers, &c.KafkaBrokers},
		{envKafkaTopic, &c.KafkaTopic},
		{envLogLevel, &c.LogLevel},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.key); ok && v != "" {
			*o.dst = v
		}
	}
}

func withDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
