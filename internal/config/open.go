package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/rbaliyan/event-saga/ratelimit"
	"github.com/rbaliyan/event-saga/saga"
	"github.com/rbaliyan/event-saga/transport"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	_ "modernc.org/sqlite"
)

const connectTimeout = 10 * time.Second

// Backends opens the store, transport and limiter selected by a Config and
// owns their connections. One Redis client is shared by every component
// that needs it.
type Backends struct {
	cfg     Config
	logger  *slog.Logger
	redis   *redis.Client
	closers []func() error
}

// NewBackends prepares backends for cfg. Nothing is opened until asked for.
func NewBackends(cfg Config, logger *slog.Logger) *Backends {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backends{cfg: cfg, logger: logger}
}

func (b *Backends) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

// Redis returns the shared Redis client, connecting on first use.
func (b *Backends) Redis(ctx context.Context) (*redis.Client, error) {
	if b.redis != nil {
		return b.redis, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     b.cfg.RedisAddr,
		Password: b.cfg.RedisPassword,
		DB:       b.cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	b.redis = client
	b.onClose(client.Close)
	return client, nil
}

// OpenStore opens the state store named by SAGA_STORE, creating its schema
// or indexes where the backend has them.
func (b *Backends) OpenStore(ctx context.Context) (saga.StatePersistence, error) {
	switch b.cfg.Store {
	case StoreMemory:
		return saga.NewMemoryStore(), nil

	case StoreFile:
		dir := b.cfg.FileDir
		if dir == "" {
			var err error
			if dir, err = saga.DefaultFileDir(); err != nil {
				return nil, err
			}
		}
		return saga.NewFileStore(dir)

	case StorePostgres, StoreSQLite:
		driver, dsn := "postgres", b.cfg.PostgresDSN
		if b.cfg.Store == StoreSQLite {
			driver, dsn = "sqlite", b.cfg.SQLitePath
		}
		db, err := sql.Open(driver, dsn)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", driver, err)
		}
		b.onClose(db.Close)

		var store *saga.SQLStore
		if b.cfg.Store == StoreSQLite {
			// SQLite serializes writers; one connection avoids SQLITE_BUSY.
			db.SetMaxOpenConns(1)
			store = saga.NewSQLiteStore(db, saga.WithTable(b.cfg.SQLTable))
		} else {
			store = saga.NewPostgresStore(db, saga.WithTable(b.cfg.SQLTable))
		}

		schemaCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := store.EnsureSchema(schemaCtx); err != nil {
			return nil, err
		}
		return store, nil

	case StoreRedis:
		client, err := b.Redis(ctx)
		if err != nil {
			return nil, err
		}
		return saga.NewRedisStore(client).WithTTL(b.cfg.StateTTL), nil

	case StoreMongo:
		client, err := mongo.Connect(options.Client().ApplyURI(b.cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		b.onClose(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			defer cancel()
			return client.Disconnect(ctx)
		})

		store := saga.NewMongoStore(client.Database(b.cfg.MongoDatabase), saga.WithCollection(b.cfg.MongoCollection))
		indexCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := store.EnsureIndexes(indexCtx); err != nil {
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown store %q", b.cfg.Store)
}

// OpenTransport opens the transport named by SAGA_TRANSPORT. The returned
// sender retries with backoff when SAGA_PUBLISH_RETRIES is above one.
func (b *Backends) OpenTransport(ctx context.Context) (transport.Sender, transport.Consumer, error) {
	sender, consumer, err := b.openTransport(ctx)
	if err != nil {
		return nil, nil, err
	}
	if b.cfg.PublishRetries > 1 {
		sender = transport.NewRetryPublisher(sender, nil, b.cfg.PublishRetries).WithLogger(b.logger)
	}
	return sender, consumer, nil
}

func (b *Backends) openTransport(ctx context.Context) (transport.Sender, transport.Consumer, error) {
	switch b.cfg.Transport {
	case TransportMemory:
		bus := transport.NewMemoryBus(b.cfg.MemoryBuffer).WithLogger(b.logger)
		b.onClose(bus.Close)
		return bus, bus, nil

	case TransportNATS:
		cfg := transport.DefaultNATSConfig()
		cfg.URL = b.cfg.NATSURL
		cfg.Name = b.cfg.ServiceName
		cfg.Subject = b.cfg.NATSSubject
		cfg.Queue = b.cfg.NATSQueue
		cfg.JetStream = b.cfg.NATSJetStream

		conn, err := transport.ConnectNATS(cfg)
		if err != nil {
			return nil, nil, err
		}
		b.onClose(func() error {
			conn.Close()
			return nil
		})
		pub, err := transport.NewNATSPublisher(conn, cfg)
		if err != nil {
			return nil, nil, err
		}
		sub, err := transport.NewNATSSubscriber(conn, cfg)
		if err != nil {
			return nil, nil, err
		}
		return pub, sub.WithLogger(b.logger), nil

	case TransportRedis:
		client, err := b.Redis(ctx)
		if err != nil {
			return nil, nil, err
		}
		cfg := transport.DefaultRedisStreamConfig()
		cfg.Stream = b.cfg.RedisStream
		cfg.Group = b.cfg.RedisGroup
		cfg.Consumer = b.cfg.RedisConsumer
		if err := cfg.Validate(); err != nil {
			return nil, nil, fmt.Errorf("invalid redis stream config: %w", err)
		}
		consumer := transport.NewRedisStreamConsumer(client, cfg).WithLogger(b.logger)
		return transport.NewRedisStreamPublisher(client, cfg), consumer, nil

	case TransportKafka:
		cfg := transport.DefaultKafkaConfig()
		cfg.Brokers = b.cfg.KafkaBrokers
		cfg.Topic = b.cfg.KafkaTopic
		cfg.GroupID = b.cfg.KafkaGroup

		pub, err := transport.NewKafkaPublisher(cfg)
		if err != nil {
			return nil, nil, err
		}
		b.onClose(pub.Close)
		consumer, err := transport.NewKafkaConsumer(cfg)
		if err != nil {
			return nil, nil, err
		}
		return pub, consumer.WithLogger(b.logger), nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", b.cfg.Transport)
}

// OpenLimiter returns the inbound limiter, or nil when throttling is off.
func (b *Backends) OpenLimiter(ctx context.Context, metrics *ratelimit.Metrics) (ratelimit.Limiter, error) {
	if b.cfg.RateLimit <= 0 {
		return nil, nil
	}

	var limiter ratelimit.Limiter
	if b.cfg.RateLimitShared {
		client, err := b.Redis(ctx)
		if err != nil {
			return nil, err
		}
		limit := max(int64(b.cfg.RateLimit), 1)
		limiter = ratelimit.NewRedisLimiter(client, b.cfg.ServiceName+":inbound", limit, time.Second)
	} else {
		limiter = ratelimit.NewTokenBucket(b.cfg.RateLimit, b.cfg.RateBurst)
	}
	return ratelimit.NewMetricsLimiter(limiter, "inbound", metrics), nil
}

// Close releases every connection in reverse opening order.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	b.redis = nil
	return errors.Join(errs...)
}
