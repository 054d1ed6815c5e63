//go:build integration

package saga

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// getMongoClient creates a MongoDB client for integration tests.
// Set MONGO_URI environment variable to override the default connection string.
func getMongoClient(t *testing.T) *mongo.Client {
	t.Helper()

	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Skipf("MongoDB not available: %v", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(ctx)
		t.Skipf("MongoDB not available: %v", err)
	}

	t.Cleanup(func() {
		client.Disconnect(context.Background())
	})

	return client
}

// getPostgresDB creates a PostgreSQL connection for integration tests.
// Set POSTGRES_URI environment variable to override the default connection string.
func getPostgresDB(t *testing.T) *sql.DB {
	t.Helper()

	uri := os.Getenv("POSTGRES_URI")
	if uri == "" {
		uri = "postgres://localhost:5432/test?sslmode=disable"
	}

	db, err := sql.Open("postgres", uri)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		t.Skipf("PostgreSQL not available: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

// getRedisClient creates a Redis client for integration tests.
// Set REDIS_ADDR environment variable to override the default address.
func getRedisClient(t *testing.T) *redis.Client {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		t.Skipf("Redis not available: %v", err)
	}

	t.Cleanup(func() {
		client.Close()
	})

	return client
}

func TestMongoStoreIntegration(t *testing.T) {
	client := getMongoClient(t)
	ctx := context.Background()

	// Use a unique database for this test
	dbName := "saga_test_" + time.Now().Format("20060102150405")
	db := client.Database(dbName)

	t.Cleanup(func() {
		db.Drop(context.Background())
	})

	store := NewMongoStore(db, WithCollection("saga_states"))
	if err := store.EnsureIndexes(ctx); err != nil {
		t.Fatalf("EnsureIndexes failed: %v", err)
	}

	testStatePersistence(t, store)

	t.Run("state is stored as a queryable sub-document", func(t *testing.T) {
		state := &orderState{BaseState: BaseState{SagaID: "doc"}, OrderID: "99", Paid: true}
		if err := store.Save(ctx, "doc", state); err != nil {
			t.Fatal(err)
		}
		n, err := store.Collection().CountDocuments(ctx, bson.M{"state.order_id": "99", "state.paid": true})
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("expected 1 document matching state fields, got %d", n)
		}
	})

	t.Run("dollar keys round-trip as data", func(t *testing.T) {
		type labelledState struct {
			BaseState
			Labels map[string]string `json:"labels"`
		}
		saved := &labelledState{Labels: map[string]string{"$date": "tomorrow", "$numberLong": "x"}}
		if err := store.Save(ctx, "labels", saved); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		loaded, err := LoadAs[labelledState](ctx, store, "labels")
		if err != nil || loaded == nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.Labels["$date"] != "tomorrow" || loaded.Labels["$numberLong"] != "x" {
			t.Errorf("expected labels unchanged, got %v", loaded.Labels)
		}
	})
}

func TestPostgresStoreIntegration(t *testing.T) {
	db := getPostgresDB(t)
	ctx := context.Background()

	// Use a unique table for this test
	tableName := "saga_test_" + time.Now().Format("20060102150405")

	store := NewPostgresStore(db, WithTable(tableName))
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DROP TABLE IF EXISTS " + tableName)
	})

	testStatePersistence(t, store)
}

func TestRedisStoreIntegration(t *testing.T) {
	client := getRedisClient(t)
	prefix := "saga_test_" + time.Now().Format("20060102150405") + ":"

	store := NewRedisStore(client).WithKeyPrefix(prefix).WithTTL(time.Minute)
	testStatePersistence(t, store)
}

func TestRouterWithPostgresIntegration(t *testing.T) {
	db := getPostgresDB(t)
	ctx := context.Background()

	tableName := "saga_router_test_" + time.Now().Format("20060102150405")
	store := NewPostgresStore(db, WithTable(tableName))
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DROP TABLE IF EXISTS " + tableName)
	})

	def := func() Definition {
		return &statefulDefinition{configure: func(s *orderState, b *Builder) error {
			On(b, func(f *Flow[*orderPlaced]) {
				f.Execute(func(ctx context.Context, e *orderPlaced) (bool, error) {
					s.OrderID = e.OrderID
					return true, nil
				})
			})
			On(b, func(f *Flow[*paymentReceived]) {
				f.Execute(func(context.Context, *paymentReceived) (bool, error) {
					s.Paid = true
					return true, nil
				})
			})
			b.CompletedBy(func(context.Context) (bool, error) { return s.Paid, nil })
			return nil
		}}
	}
	r, err := NewRouter(store, nil, WithSagas(register("orders", def)))
	if err != nil {
		t.Fatal(err)
	}

	placed := newOrder("pg-1")
	placed.SagaID = "pg-saga"
	if err := r.Execute(ctx, placed); err != nil {
		t.Fatalf("Execute placed failed: %v", err)
	}
	stored, err := LoadAs[orderState](ctx, store, "pg-saga")
	if err != nil || stored == nil || stored.OrderID != "pg-1" {
		t.Fatalf("expected saved state after first event, got %+v %v", stored, err)
	}

	paid := &paymentReceived{Metadata: NewMetadata(placed.CorrelationID), OrderID: "pg-1"}
	paid.SagaID = "pg-saga"
	if err := r.Execute(ctx, paid); err != nil {
		t.Fatalf("Execute paid failed: %v", err)
	}
	stored, err = LoadAs[orderState](ctx, store, "pg-saga")
	if err != nil || stored != nil {
		t.Errorf("expected completed saga to be removed, got %+v %v", stored, err)
	}
}
