package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

/*
PostgreSQL Schema:

CREATE TABLE IF NOT EXISTS saga_states (
    saga_id    VARCHAR(255) PRIMARY KEY,
    state      JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

SQLite Schema:

CREATE TABLE IF NOT EXISTS saga_states (
    saga_id    TEXT PRIMARY KEY,
    state      TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
*/

// dialect holds the SQL differences between the supported databases.
type dialect struct {
	name      string
	stateType string
	idType    string
	timeType  string
	bind      func(n int) string
}

var (
	postgresDialect = dialect{
		name:      "postgres",
		stateType: "JSONB",
		idType:    "VARCHAR(255)",
		timeType:  "TIMESTAMPTZ",
		bind:      func(n int) string { return fmt.Sprintf("$%d", n) },
	}
	sqliteDialect = dialect{
		name:      "sqlite",
		stateType: "TEXT",
		idType:    "TEXT",
		timeType:  "TIMESTAMP",
		bind:      func(int) string { return "?" },
	}
)

// SQLStore keeps one row per saga, with the state stored as a JSON document.
//
// The database driver must be registered by the caller, e.g. with
// import _ "github.com/lib/pq" or import _ "modernc.org/sqlite".
type SQLStore struct {
	db      *sql.DB
	table   string
	dialect dialect
}

// SQLStoreOption configures a SQLStore.
type SQLStoreOption func(*sqlStoreOptions)

type sqlStoreOptions struct {
	table string
}

// WithTable sets a custom table name for the SQL state store.
func WithTable(table string) SQLStoreOption {
	return func(o *sqlStoreOptions) {
		if table != "" {
			o.table = table
		}
	}
}

// NewPostgresStore creates a state store on a PostgreSQL database.
//
// The default table name is "saga_states".
//
// Example:
//
//	db, err := sql.Open("postgres", "postgres://localhost/app?sslmode=disable")
//	store := saga.NewPostgresStore(db)
//	if err := store.EnsureSchema(ctx); err != nil {
//	    log.Fatal(err)
//	}
func NewPostgresStore(db *sql.DB, opts ...SQLStoreOption) *SQLStore {
	return newSQLStore(db, postgresDialect, opts)
}

// NewSQLiteStore creates a state store on a SQLite database.
//
// The default table name is "saga_states".
func NewSQLiteStore(db *sql.DB, opts ...SQLStoreOption) *SQLStore {
	return newSQLStore(db, sqliteDialect, opts)
}

func newSQLStore(db *sql.DB, d dialect, opts []SQLStoreOption) *SQLStore {
	o := &sqlStoreOptions{
		table: "saga_states",
	}
	for _, opt := range opts {
		opt(o)
	}

	return &SQLStore{
		db:      db,
		table:   o.table,
		dialect: d,
	}
}

// Table returns the table name.
func (s *SQLStore) Table() string {
	return s.table
}

// EnsureSchema creates the state table if it does not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			saga_id    %s PRIMARY KEY,
			state      %s NOT NULL,
			updated_at %s NOT NULL
		)`, s.table, s.dialect.idType, s.dialect.stateType, s.dialect.timeType)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Load decodes the state stored for id into target.
func (s *SQLStore) Load(ctx context.Context, id string, target State) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	query := fmt.Sprintf("SELECT state FROM %s WHERE saga_id = %s", s.table, s.dialect.bind(1))

	var data []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query: %w", err)
	}

	if err := decodeState(data, target); err != nil {
		return false, err
	}
	return true, nil
}

// Save upserts the state row for id.
func (s *SQLStore) Save(ctx context.Context, id string, state State) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (saga_id, state, updated_at)
		VALUES (%s, %s, %s)
		ON CONFLICT (saga_id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at
	`, s.table, s.dialect.bind(1), s.dialect.bind(2), s.dialect.bind(3))

	// Sent as text: lib/pq would encode []byte as bytea.
	if _, err := s.db.ExecContext(ctx, query, id, string(data), time.Now().UTC()); err != nil {
		return fmt.Errorf("upsert: %w", err)
	}
	return nil
}

// Complete deletes the state row for id.
func (s *SQLStore) Complete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	query := fmt.Sprintf("DELETE FROM %s WHERE saga_id = %s", s.table, s.dialect.bind(1))
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// DeleteOlderThan removes sagas not saved for longer than age.
func (s *SQLStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := fmt.Sprintf("DELETE FROM %s WHERE updated_at < %s", s.table, s.dialect.bind(1))

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC().Add(-age))
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	return result.RowsAffected()
}

// Health performs a health check on the SQL state store.
func (s *SQLStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.db.PingContext(ctx); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("%s ping failed: %v", s.dialect.name, err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count sagas: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"active_sagas": count,
			"table":        s.table,
			"driver":       s.dialect.name,
		},
	}
}

// Compile-time checks
var (
	_ StatePersistence = (*SQLStore)(nil)
	_ Pruner           = (*SQLStore)(nil)
	_ health.Checker   = (*SQLStore)(nil)
)
