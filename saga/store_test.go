package saga

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/bson"
	_ "modernc.org/sqlite"
)

// testStatePersistence runs the contract every backend must satisfy.
func testStatePersistence(t *testing.T, store StatePersistence) {
	t.Helper()
	ctx := context.Background()

	t.Run("Load of unknown ID reports absent", func(t *testing.T) {
		var target orderState
		found, err := store.Load(ctx, "missing", &target)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if found {
			t.Error("expected absent state")
		}
	})

	t.Run("Save then Load round-trips", func(t *testing.T) {
		state := &orderState{BaseState: BaseState{SagaID: "saga-1"}, OrderID: "42", Paid: true, Events: 2}
		if err := store.Save(ctx, "saga-1", state); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		loaded, err := LoadAs[orderState](ctx, store, "saga-1")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded == nil {
			t.Fatal("expected stored state")
		}
		if *loaded != *state {
			t.Errorf("expected %+v, got %+v", *state, *loaded)
		}
	})

	t.Run("Save is an upsert", func(t *testing.T) {
		if err := store.Save(ctx, "saga-2", &orderState{OrderID: "1"}); err != nil {
			t.Fatal(err)
		}
		if err := store.Save(ctx, "saga-2", &orderState{OrderID: "2"}); err != nil {
			t.Fatal(err)
		}

		loaded, err := LoadAs[orderState](ctx, store, "saga-2")
		if err != nil {
			t.Fatal(err)
		}
		if loaded == nil || loaded.OrderID != "2" {
			t.Errorf("expected latest state, got %+v", loaded)
		}
	})

	t.Run("Complete makes Load report absent", func(t *testing.T) {
		if err := store.Save(ctx, "saga-3", &orderState{OrderID: "3"}); err != nil {
			t.Fatal(err)
		}
		if err := store.Complete(ctx, "saga-3"); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}

		loaded, err := LoadAs[orderState](ctx, store, "saga-3")
		if err != nil {
			t.Fatal(err)
		}
		if loaded != nil {
			t.Errorf("expected absent state, got %+v", loaded)
		}
	})

	t.Run("Complete of unknown ID succeeds", func(t *testing.T) {
		if err := store.Complete(ctx, "never-saved"); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})

	t.Run("empty ID is rejected", func(t *testing.T) {
		if err := store.Save(ctx, "", &orderState{}); err == nil {
			t.Error("expected error for empty ID")
		}
	})

	t.Run("nil state is rejected", func(t *testing.T) {
		var state *orderState
		if err := store.Save(ctx, "saga-4", state); err == nil {
			t.Error("expected error for nil state")
		}
	})

	if checker, ok := store.(health.Checker); ok {
		t.Run("Health", func(t *testing.T) {
			result := checker.Health(ctx)
			if result.Status != health.StatusHealthy {
				t.Errorf("expected healthy, got %s: %s", result.Status, result.Message)
			}
		})
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	testStatePersistence(t, store)

	t.Run("stored state is isolated from the caller", func(t *testing.T) {
		ctx := context.Background()
		state := &orderState{OrderID: "before"}
		if err := store.Save(ctx, "iso", state); err != nil {
			t.Fatal(err)
		}
		state.OrderID = "after"

		loaded, _ := LoadAs[orderState](ctx, store, "iso")
		if loaded.OrderID != "before" {
			t.Errorf("expected stored copy, got %q", loaded.OrderID)
		}
	})

	t.Run("DeleteOlderThan evicts only stale sagas", func(t *testing.T) {
		ctx := context.Background()
		fresh := NewMemoryStore()
		_ = fresh.Save(ctx, "waiting", &orderState{})

		n, err := fresh.DeleteOlderThan(ctx, time.Hour)
		if err != nil || n != 0 {
			t.Fatalf("expected nothing evicted within retention, got %d %v", n, err)
		}
		if n, _ := fresh.DeleteOlderThan(ctx, -time.Second); n != 1 {
			t.Errorf("expected 1 removed, got %d", n)
		}
		if fresh.Len() != 0 {
			t.Errorf("expected empty store, got %d", fresh.Len())
		}
	})
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	testStatePersistence(t, store)

	t.Run("one file per saga", func(t *testing.T) {
		if err := store.Save(context.Background(), "abc", &orderState{}); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Stat(filepath.Join(dir, "state_abc.json")); err != nil {
			t.Errorf("expected state file: %v", err)
		}
	})

	t.Run("DeleteOlderThan removes old state files", func(t *testing.T) {
		ctx := context.Background()
		for _, id := range []string{"old", "recent"} {
			if err := store.Save(ctx, id, &orderState{}); err != nil {
				t.Fatal(err)
			}
		}
		past := time.Now().Add(-2 * time.Hour)
		if err := os.Chtimes(filepath.Join(dir, "state_old.json"), past, past); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("keep"), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(filepath.Join(dir, "notes.txt"), past, past); err != nil {
			t.Fatal(err)
		}

		n, err := store.DeleteOlderThan(ctx, time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if n != 1 {
			t.Errorf("expected 1 removed, got %d", n)
		}
		if found, _ := store.Load(ctx, "old", &orderState{}); found {
			t.Error("expected old state to be evicted")
		}
		if found, _ := store.Load(ctx, "recent", &orderState{}); !found {
			t.Error("expected recent state to be kept")
		}
		if _, err := os.Stat(filepath.Join(dir, "notes.txt")); err != nil {
			t.Errorf("expected unrelated files to be kept: %v", err)
		}
	})

	t.Run("path traversal is rejected", func(t *testing.T) {
		if err := store.Save(context.Background(), "../escape", &orderState{}); err == nil {
			t.Error("expected error for ID with separator")
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "sagas.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := NewSQLiteStore(db)
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema failed: %v", err)
	}
	testStatePersistence(t, store)

	t.Run("DeleteOlderThan", func(t *testing.T) {
		ctx := context.Background()
		if err := store.Save(ctx, "stale", &orderState{}); err != nil {
			t.Fatal(err)
		}
		n, err := store.DeleteOlderThan(ctx, -time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if n < 1 {
			t.Errorf("expected stale rows to be removed, got %d", n)
		}
	})
}

func TestPostgresStoreQueries(t *testing.T) {
	ctx := context.Background()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	store := NewPostgresStore(db, WithTable("order_sagas"))

	t.Run("Save upserts with positional parameters", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_sagas (saga_id, state, updated_at)")).
			WithArgs("saga-1", `{"saga_id":"saga-1","completed":false,"order_id":"42","paid":false,"events":0}`, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		state := &orderState{BaseState: BaseState{SagaID: "saga-1"}, OrderID: "42"}
		if err := store.Save(ctx, "saga-1", state); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	})

	t.Run("Load decodes the state column", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM order_sagas WHERE saga_id = $1")).
			WithArgs("saga-1").
			WillReturnRows(sqlmock.NewRows([]string{"state"}).
				AddRow([]byte(`{"saga_id":"saga-1","order_id":"42","paid":true}`)))

		loaded, err := LoadAs[orderState](ctx, store, "saga-1")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded == nil || !loaded.Paid || loaded.OrderID != "42" {
			t.Errorf("unexpected state %+v", loaded)
		}
	})

	t.Run("Load of missing row reports absent", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT state FROM order_sagas WHERE saga_id = $1")).
			WithArgs("missing").
			WillReturnRows(sqlmock.NewRows([]string{"state"}))

		loaded, err := LoadAs[orderState](ctx, store, "missing")
		if err != nil || loaded != nil {
			t.Errorf("expected absent, got %+v %v", loaded, err)
		}
	})

	t.Run("Complete deletes the row", func(t *testing.T) {
		mock.ExpectExec(regexp.QuoteMeta("DELETE FROM order_sagas WHERE saga_id = $1")).
			WithArgs("saga-1").
			WillReturnResult(sqlmock.NewResult(0, 1))

		if err := store.Complete(ctx, "saga-1"); err != nil {
			t.Fatalf("Complete failed: %v", err)
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := NewRedisStore(client).WithKeyPrefix("test:saga:").WithTTL(time.Hour)
	testStatePersistence(t, store)

	t.Run("state key carries the TTL", func(t *testing.T) {
		if err := store.Save(context.Background(), "ttl", &orderState{}); err != nil {
			t.Fatal(err)
		}
		if ttl := mr.TTL("test:saga:s:ttl"); ttl != time.Hour {
			t.Errorf("expected 1h TTL, got %v", ttl)
		}
	})

	t.Run("DeleteOlderThan removes indexed sagas", func(t *testing.T) {
		ctx := context.Background()
		if err := store.Save(ctx, "stale", &orderState{}); err != nil {
			t.Fatal(err)
		}
		n, err := store.DeleteOlderThan(ctx, -time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if n < 1 {
			t.Errorf("expected stale sagas to be removed, got %d", n)
		}
		if mr.Exists("test:saga:s:stale") {
			t.Error("expected stale key to be deleted")
		}
	})

	t.Run("saga IDs cannot clash with the time index", func(t *testing.T) {
		ctx := context.Background()
		for _, id := range []string{"by_time", "index:by_time", "after"} {
			if err := store.Save(ctx, id, &orderState{OrderID: id}); err != nil {
				t.Fatalf("Save %q failed: %v", id, err)
			}
		}
		if mr.Exists("test:saga:by_time") {
			t.Error("expected states to live under the s: sub-prefix")
		}
		loaded, err := LoadAs[orderState](ctx, store, "index:by_time")
		if err != nil || loaded == nil || loaded.OrderID != "index:by_time" {
			t.Errorf("expected state for index:by_time, got %+v %v", loaded, err)
		}
		members, err := mr.ZMembers("test:saga:index:by_time")
		if err != nil {
			t.Fatalf("expected the index to stay a sorted set: %v", err)
		}
		if len(members) < 3 {
			t.Errorf("expected all three sagas indexed, got %v", members)
		}
	})

	t.Run("Health reports unhealthy when Redis is down", func(t *testing.T) {
		down := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1})
		defer down.Close()
		result := NewRedisStore(down).Health(context.Background())
		if result.Status != health.StatusUnhealthy {
			t.Errorf("expected unhealthy, got %s", result.Status)
		}
	})
}

func TestMongoStateDocument(t *testing.T) {
	data := []byte(`{"saga_id":"s-1","events":3,"ratio":0.5,"labels":{"$date":"tomorrow","$numberLong":"x"},"tags":["$oid"]}`)

	raw, err := stateDocument(data)
	if err != nil {
		t.Fatalf("stateDocument failed: %v", err)
	}

	date, err := raw.LookupErr("labels", "$date")
	if err != nil {
		t.Fatalf("expected $date to stay a plain key: %v", err)
	}
	if got := date.StringValue(); got != "tomorrow" {
		t.Errorf("expected %q, got %q", "tomorrow", got)
	}
	if v, err := raw.LookupErr("labels", "$numberLong"); err != nil || v.StringValue() != "x" {
		t.Errorf("expected $numberLong to stay a plain string, got %v %v", v, err)
	}

	events, err := raw.LookupErr("events")
	if err != nil {
		t.Fatal(err)
	}
	if events.Type != bson.TypeInt64 || events.Int64() != 3 {
		t.Errorf("expected int64 3, got %s %v", events.Type, events)
	}
	if ratio, _ := raw.LookupErr("ratio"); ratio.Double() != 0.5 {
		t.Errorf("expected 0.5, got %v", ratio)
	}
}
