package saga

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

/*
MongoDB Schema:

Collection: saga_states

Document structure:
{
    "_id": string (saga ID),
    "state": document (the saga state, queryable by its JSON field names),
    "state_json": string (the exact encoded state, read back by Load),
    "updated_at": ISODate
}

Indexes:
db.saga_states.createIndex({ "updated_at": 1 })
*/

// mongoDocument is the stored form of a saga state.
type mongoDocument struct {
	ID        string    `bson:"_id"`
	State     bson.Raw  `bson:"state"`
	StateJSON string    `bson:"state_json"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// MongoStore is a MongoDB-based state store.
//
// The state is stored twice: as a sub-document, so operators can query sagas
// by state fields, and as the encoded JSON that Load decodes. Keys such as
// "$date" are plain data in both forms.
type MongoStore struct {
	collection *mongo.Collection
}

// MongoStoreOption configures a MongoStore.
type MongoStoreOption func(*mongoStoreOptions)

type mongoStoreOptions struct {
	collection string
}

// WithCollection sets a custom collection name for the MongoDB state store.
func WithCollection(name string) MongoStoreOption {
	return func(o *mongoStoreOptions) {
		if name != "" {
			o.collection = name
		}
	}
}

// NewMongoStore creates a new MongoDB state store.
//
// The default collection name is "saga_states".
func NewMongoStore(db *mongo.Database, opts ...MongoStoreOption) *MongoStore {
	o := &mongoStoreOptions{
		collection: "saga_states",
	}
	for _, opt := range opts {
		opt(o)
	}

	return &MongoStore{
		collection: db.Collection(o.collection),
	}
}

// Collection returns the underlying MongoDB collection
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// Indexes returns the required indexes for the state collection.
// Users can use this to create indexes manually or merge with their own indexes.
func (s *MongoStore) Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "updated_at", Value: 1}},
		},
	}
}

// EnsureIndexes creates the required indexes for the state collection
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, s.Indexes())
	return err
}

// Load decodes the state stored for id into target.
func (s *MongoStore) Load(ctx context.Context, id string, target State) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}

	var doc mongoDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find: %w", err)
	}

	data := []byte(doc.StateJSON)
	if len(data) == 0 {
		// Documents without the encoded copy carry the state document only.
		if data, err = bson.MarshalExtJSON(doc.State, false, false); err != nil {
			return false, fmt.Errorf("convert state document: %w", err)
		}
	}
	if err := decodeState(data, target); err != nil {
		return false, err
	}
	return true, nil
}

// Save upserts the state document for id.
func (s *MongoStore) Save(ctx context.Context, id string, state State) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	raw, err := stateDocument(data)
	if err != nil {
		return err
	}

	doc := mongoDocument{
		ID:        id,
		State:     raw,
		StateJSON: string(data),
		UpdatedAt: time.Now().UTC(),
	}
	_, err = s.collection.ReplaceOne(ctx, bson.M{"_id": id}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("replace: %w", err)
	}
	return nil
}

// stateDocument converts encoded state JSON into a BSON document without
// Extended JSON interpretation. Integers stay int64.
func stateDocument(data []byte) (bson.Raw, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("convert state document: %w", err)
	}
	raw, err := bson.Marshal(bsonValue(fields))
	if err != nil {
		return nil, fmt.Errorf("marshal state document: %w", err)
	}
	return raw, nil
}

func bsonValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		for k, item := range v {
			v[k] = bsonValue(item)
		}
		return v
	case []any:
		for i, item := range v {
			v[i] = bsonValue(item)
		}
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	default:
		return v
	}
}

// Complete deletes the state document for id.
func (s *MongoStore) Complete(ctx context.Context, id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	if _, err := s.collection.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// DeleteOlderThan removes sagas not saved for longer than age.
func (s *MongoStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	filter := bson.M{"updated_at": bson.M{"$lt": time.Now().UTC().Add(-age)}}

	result, err := s.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}

	return result.DeletedCount, nil
}

// Health performs a health check on the MongoDB state store.
func (s *MongoStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.collection.Database().Client().Ping(ctx, nil); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("mongodb ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	count, err := s.collection.CountDocuments(ctx, bson.M{})
	if err != nil {
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
			"collection":   s.collection.Name(),
		},
	}
}

// Compile-time checks
var (
	_ StatePersistence = (*MongoStore)(nil)
	_ Pruner           = (*MongoStore)(nil)
	_ health.Checker   = (*MongoStore)(nil)
)
