package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

// StatePersistence stores saga state between events.
//
// Implementations must be safe for concurrent use. Save is an upsert keyed by
// saga ID, and Complete makes a later Load of the same ID report absent.
// There is no optimistic locking: callers running the same saga ID
// concurrently get last-writer-wins.
//
// Implementations:
//   - MemoryStore: process lifetime only
//   - FileStore: one JSON file per saga (see file.go)
//   - SQLStore: one row per saga in PostgreSQL or SQLite (see postgres.go)
//   - RedisStore: one key per saga (see redis.go)
//   - MongoStore: one document per saga (see mongodb.go)
type StatePersistence interface {
	// Load decodes the state stored for id into target.
	// Returns false with a nil error if no state is stored.
	Load(ctx context.Context, id string, target State) (bool, error)

	// Save stores state for id, replacing any previous state.
	Save(ctx context.Context, id string, state State) error

	// Complete finalizes the saga and deletes its state.
	// Completing an unknown ID is not an error.
	Complete(ctx context.Context, id string) error
}

// Pruner is implemented by stores that can evict abandoned sagas.
//
// Completed sagas are deleted by Complete, so every stored state belongs to a
// saga still waiting for an event. DeleteOlderThan removes those not saved for
// longer than age: use it as a retention limit well beyond the longest
// expected gap between two events of one saga.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// LoadAs loads the state stored for id as a new *S.
// Returns nil with a nil error if no state is stored.
//
// Example:
//
//	state, err := saga.LoadAs[OrderState](ctx, store, sagaID)
func LoadAs[S any, PS StatePtr[S]](ctx context.Context, p StatePersistence, id string) (PS, error) {
	target := PS(new(S))
	found, err := p.Load(ctx, id, target)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return target, nil
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("saga ID is required")
	}
	return nil
}

func encodeState(state State) ([]byte, error) {
	if isNil(state) {
		return nil, fmt.Errorf("state is nil")
	}
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte, target State) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}
	return nil
}

type memoryEntry struct {
	data    []byte
	savedAt time.Time
}

// MemoryStore keeps saga state in process memory.
// State is stored encoded, so callers never share a state value with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]memoryEntry
}

// NewMemoryStore creates a new in-memory state store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[string]memoryEntry),
	}
}

// Load decodes the state stored for id into target.
func (s *MemoryStore) Load(ctx context.Context, id string, target State) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	s.mu.RLock()
	entry, ok := s.states[id]
	s.mu.RUnlock()

	if !ok {
		return false, nil
	}
	if err := decodeState(entry.data, target); err != nil {
		return false, err
	}
	return true, nil
}

// Save stores state for id.
func (s *MemoryStore) Save(ctx context.Context, id string, state State) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.states[id] = memoryEntry{data: data, savedAt: time.Now()}
	s.mu.Unlock()

	return nil
}

// Complete deletes the state stored for id.
func (s *MemoryStore) Complete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.states, id)
	s.mu.Unlock()

	return nil
}

// Len returns the number of stored sagas.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// DeleteOlderThan removes sagas not saved for longer than age.
func (s *MemoryStore) DeleteOlderThan(_ context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-age)
	var deleted int64
	for id, entry := range s.states {
		if entry.savedAt.Before(cutoff) {
			delete(s.states, id)
			deleted++
		}
	}
	return deleted, nil
}

// Health performs a health check on the memory store.
// Always returns healthy since in-memory stores don't have connectivity issues.
func (s *MemoryStore) Health(ctx context.Context) *health.Result {
	return &health.Result{
		Status:    health.StatusHealthy,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"sagas_count": s.Len(),
		},
	}
}

// Compile-time checks
var (
	_ StatePersistence = (*MemoryStore)(nil)
	_ Pruner           = (*MemoryStore)(nil)
	_ health.Checker   = (*MemoryStore)(nil)
)
