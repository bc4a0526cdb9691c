package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key is missing from storage.
var ErrNotFound = errors.New("storage: key not found")

// Store represents the root storage interface.
type Store interface {
	Close() error
	KV() KVStore
}

// KVStore is a string-keyed value store shared by the usage guard and the
// asset cache. Values are opaque strings; callers own the encoding.
type KVStore interface {
	// Get returns ErrNotFound when the key is absent.
	Get(ctx context.Context, key Key) (string, error)
	Set(ctx context.Context, key Key, value string) error
	// SetAll writes entries in order as a single unit where the backend
	// supports it.
	SetAll(ctx context.Context, entries ...Entry) error
	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...Key) error
}

// Entry is a key/value pair for batched writes.
type Entry struct {
	Key   Key
	Value string
}
