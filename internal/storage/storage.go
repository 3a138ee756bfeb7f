// Package storage provides the blob store the engine persists through:
// opaque JSON values under string keys, with a per-key revision that
// supplies the conditional-write primitive concurrent template and
// submission saves rely on.
package storage

import "context"

// Record is one stored blob with its current revision.
// Revisions start at 1 and increase by 1 on every write to the key.
type Record struct {
	Key      string
	Value    []byte
	Revision int64
}

// Store is the key-value contract consumed by the engine.
type Store interface {
	// Get returns the record at key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// Set writes value at key unconditionally.
	Set(ctx context.Context, key string, value []byte) error

	// SetIfRevision writes value at key only when the key's current
	// revision equals expected. expected 0 means the key must not exist.
	// A losing writer receives ErrRevisionMismatch.
	SetIfRevision(ctx context.Context, key string, value []byte, expected int64) error

	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// ListRecords returns full records for all keys with the given
	// prefix, sorted by key. Used by export paths that need values and
	// revisions without a Get per key.
	ListRecords(ctx context.Context, prefix string) ([]Record, error)

	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	Close() error
}
