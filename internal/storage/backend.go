// ABOUTME: Backend interface and record codec for dubhe persistence
// ABOUTME: Defines the bucket/key/record contract all implementations satisfy

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnavailable is returned when the backing store cannot be reached.
// Callers propagate it as a registration/delivery failure; nothing in dubhe
// silently degrades to an in-memory fallback.
var ErrUnavailable = errors.New("storage unavailable")

// Record is a JSON-shaped document. Records pass through a JSON round-trip
// on every write so that all backends expose identical value types on read
// (numbers as float64, nested objects as map[string]any).
type Record = map[string]any

// Backend is the store contract shared by all four implementations.
type Backend interface {
	// Put stores rec under (bucket, key), replacing any existing record.
	Put(ctx context.Context, bucket, key string, rec Record) error

	// Get returns the record at (bucket, key), or ErrNotFound.
	Get(ctx context.Context, bucket, key string) (Record, error)

	// PutIfAbsent stores rec only when no record exists at (bucket, key).
	// It returns the record now stored and whether this call created it.
	// Exactly one of N concurrent callers with the same key observes
	// created=true.
	PutIfAbsent(ctx context.Context, bucket, key string, rec Record) (Record, bool, error)

	// Delete removes the record at (bucket, key) and reports whether it existed.
	Delete(ctx context.Context, bucket, key string) (bool, error)

	// Keys lists the keys in bucket with the given prefix, sorted ascending.
	// An empty prefix lists the whole bucket.
	Keys(ctx context.Context, bucket, prefix string) ([]string, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Encode converts a typed value into a Record via JSON.
func Encode(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("encoding record: %w", err)
	}
	return rec, nil
}

// Decode populates a typed value from a Record via JSON.
func Decode(rec Record, v any) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	return nil
}

// marshalValue serializes a record for storage.
func marshalValue(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}
	return data, nil
}

// unmarshalValue deserializes a stored record.
func unmarshalValue(data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	return rec, nil
}
