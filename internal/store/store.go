// Package store defines the namespaced key/value state store the job core
// persists into, along with its in-memory, Redis and Postgres backends.
package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
)

// Namespaces used by the job core.
const (
	NamespaceJobs        = "jobs"
	NamespaceDeadLetters = "dead_letters"
	NamespaceProgress    = "progress"
	NamespaceCounters    = "counters"
)

// Store is durable key/value storage grouped by namespace.
type Store interface {
	// Get returns the stored value or errs.ErrNotFound.
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	// Set writes value unconditionally.
	Set(ctx context.Context, namespace, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, namespace, key string) error
	// GetAll returns every key/value pair in namespace.
	GetAll(ctx context.Context, namespace string) (map[string][]byte, error)
	// CompareAndSwap replaces the value only if it still equals old.
	// A nil old means the key must be absent.
	CompareAndSwap(ctx context.Context, namespace, key string, old, new []byte) (bool, error)
	// CompareAndDelete removes key only if its value still equals old.
	CompareAndDelete(ctx context.Context, namespace, key string, old []byte) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Encode marshals v for storage.
func Encode(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	return raw, nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, s Store, namespace, key string, v any) error {
	raw, err := Encode(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, namespace, key, raw)
}

// GetJSON loads and decodes the record under key. The raw bytes are returned
// as well so callers can CompareAndSwap against exactly what they read.
func GetJSON[T any](ctx context.Context, s Store, namespace, key string) (T, []byte, error) {
	var out T
	raw, err := s.Get(ctx, namespace, key)
	if err != nil {
		return out, nil, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, nil, errors.Wrapf(err, "decode %s/%s", namespace, key)
	}
	return out, raw, nil
}
