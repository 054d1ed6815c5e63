// Package config reads sagad's process configuration from the environment
// and opens the backends it selects.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreFile     = "file"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StoreMongo    = "mongo"
)

// Transports.
const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
	TransportRedis  = "redis"
	TransportKafka  = "kafka"
)

var (
	stores     = []string{StoreMemory, StoreFile, StorePostgres, StoreSQLite, StoreRedis, StoreMongo}
	transports = []string{TransportMemory, TransportNATS, TransportRedis, TransportKafka}
)

// Config is the process configuration.
type Config struct {
	ServiceName  string `env:"SAGA_SERVICE_NAME" envDefault:"sagad"`
	LogLevel     string `env:"SAGA_LOG_LEVEL"    envDefault:"info"`
	LogFormat    string `env:"SAGA_LOG_FORMAT"   envDefault:"json"`
	Concurrency  int    `env:"SAGA_CONCURRENCY"  envDefault:"0"`
	OTLPEndpoint string `env:"SAGA_OTLP_ENDPOINT"`

	Store           string        `env:"SAGA_STORE"            envDefault:"memory"`
	FileDir         string        `env:"SAGA_FILE_DIR"`
	PostgresDSN     string        `env:"SAGA_POSTGRES_DSN"`
	SQLitePath      string        `env:"SAGA_SQLITE_PATH"      envDefault:"sagas.db"`
	SQLTable        string        `env:"SAGA_SQL_TABLE"        envDefault:"saga_states"`
	RedisAddr       string        `env:"SAGA_REDIS_ADDR"       envDefault:"localhost:6379"`
	RedisPassword   string        `env:"SAGA_REDIS_PASSWORD"`
	RedisDB         int           `env:"SAGA_REDIS_DB"         envDefault:"0"`
	StateTTL        time.Duration `env:"SAGA_STATE_TTL"        envDefault:"0s"`
	StateRetention  time.Duration `env:"SAGA_STATE_RETENTION"  envDefault:"0s"` // Evict sagas idle this long; 0 keeps them
	PruneInterval   time.Duration `env:"SAGA_PRUNE_INTERVAL"   envDefault:"10m"`
	MongoURI        string        `env:"SAGA_MONGO_URI"`
	MongoDatabase   string        `env:"SAGA_MONGO_DATABASE"   envDefault:"sagas"`
	MongoCollection string        `env:"SAGA_MONGO_COLLECTION" envDefault:"saga_states"`

	Transport      string   `env:"SAGA_TRANSPORT"        envDefault:"memory"`
	MemoryBuffer   int      `env:"SAGA_MEMORY_BUFFER"    envDefault:"1024"`
	PublishRetries int      `env:"SAGA_PUBLISH_RETRIES"  envDefault:"3"`
	NATSURL        string   `env:"SAGA_NATS_URL"         envDefault:"nats://localhost:4222"`
	NATSSubject    string   `env:"SAGA_NATS_SUBJECT"     envDefault:"sagas"`
	NATSQueue      string   `env:"SAGA_NATS_QUEUE"       envDefault:"sagad"`
	NATSJetStream  bool     `env:"SAGA_NATS_JETSTREAM"`
	RedisStream    string   `env:"SAGA_REDIS_STREAM"     envDefault:"sagas"`
	RedisGroup     string   `env:"SAGA_REDIS_GROUP"      envDefault:"sagad"`
	RedisConsumer  string   `env:"SAGA_REDIS_CONSUMER"   envDefault:"sagad-1"`
	KafkaBrokers   []string `env:"SAGA_KAFKA_BROKERS"    envDefault:"localhost:9092" envSeparator:","`
	KafkaTopic     string   `env:"SAGA_KAFKA_TOPIC"      envDefault:"sagas"`
	KafkaGroup     string   `env:"SAGA_KAFKA_GROUP"      envDefault:"sagad"`

	RateLimit       float64 `env:"SAGA_RATE_LIMIT"        envDefault:"0"` // Events per second; 0 disables throttling
	RateBurst       int     `env:"SAGA_RATE_BURST"        envDefault:"10"`
	RateLimitShared bool    `env:"SAGA_RATE_LIMIT_SHARED"` // Share the budget through Redis

	DemoOrders   int     `env:"SAGA_DEMO_ORDERS"   envDefault:"0"` // Sample orders published at startup
	DemoStock    int     `env:"SAGA_DEMO_STOCK"    envDefault:"100"`
	PaymentLimit float64 `env:"SAGA_PAYMENT_LIMIT" envDefault:"100"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.KafkaBrokers = trimCSV(cfg.KafkaBrokers)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks backend selection and the settings each backend needs.
func (c Config) Validate() error {
	var errs []error

	if !slices.Contains(stores, c.Store) {
		errs = append(errs, fmt.Errorf("SAGA_STORE: unknown store %q (want one of %s)", c.Store, strings.Join(stores, ", ")))
	}
	if !slices.Contains(transports, c.Transport) {
		errs = append(errs, fmt.Errorf("SAGA_TRANSPORT: unknown transport %q (want one of %s)", c.Transport, strings.Join(transports, ", ")))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, fmt.Errorf("SAGA_LOG_LEVEL: %w", err))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("SAGA_LOG_FORMAT: want json or text, got %q", c.LogFormat))
	}
	if c.Concurrency < 0 {
		errs = append(errs, errors.New("SAGA_CONCURRENCY: must not be negative"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("SAGA_RATE_LIMIT: must not be negative"))
	}
	if c.StateRetention < 0 {
		errs = append(errs, errors.New("SAGA_STATE_RETENTION: must not be negative"))
	}
	if c.StateRetention > 0 && c.PruneInterval <= 0 {
		errs = append(errs, errors.New("SAGA_PRUNE_INTERVAL: must be positive when SAGA_STATE_RETENTION is set"))
	}
	if c.DemoOrders < 0 || c.DemoStock < 0 {
		errs = append(errs, errors.New("SAGA_DEMO_ORDERS, SAGA_DEMO_STOCK: must not be negative"))
	}
	if c.PaymentLimit <= 0 {
		errs = append(errs, errors.New("SAGA_PAYMENT_LIMIT: must be positive"))
	}

	switch c.Store {
	case StorePostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("SAGA_POSTGRES_DSN: required for the postgres store"))
		}
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("SAGA_MONGO_URI: required for the mongo store"))
		}
	}
	if c.Transport == TransportKafka && len(c.KafkaBrokers) == 0 {
		errs = append(errs, errors.New("SAGA_KAFKA_BROKERS: required for the kafka transport"))
	}

	return errors.Join(errs...)
}

// Level returns the configured log level.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, err
	}
	return level, nil
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := c.Level()
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if c.LogFormat == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler).With("service", c.ServiceName)
}

// UsesRedis reports whether any selected component needs a Redis connection.
func (c Config) UsesRedis() bool {
	return c.Store == StoreRedis || c.Transport == TransportRedis || (c.RateLimit > 0 && c.RateLimitShared)
}

// trimCSV removes empty entries from a string slice.
func trimCSV(values []string) []string {
	result := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			result = append(result, v)
		}
	}
	return result
}
