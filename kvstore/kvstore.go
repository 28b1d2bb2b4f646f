// Package kvstore specifies the durable KeyValueStore interface
// (spec.md §4.2) used for generation metadata and spilled message
// bytes, and provides a concrete implementation. The interface itself
// is intentionally thin: TLog is a consumer of an ordered
// byte-lexicographic store, not a reimplementation of one.
package kvstore

import "context"

// KV is a single key/value pair returned from a range read.
type KV struct {
	Key   []byte
	Value []byte
}

// Store is the durable, ordered key/value interface spec.md §4.2
// requires. Set and Clear stage mutations; Commit makes them durable
// and visible to readers atomically. Readers always observe the
// latest committed snapshot, never a pending, uncommitted mutation.
type Store interface {
	// Set stages key to be set to value at the next Commit.
	Set(key, value []byte)
	// Clear stages every key in [beginKey, endKey) to be removed at
	// the next Commit.
	Clear(beginKey, endKey []byte)
	// Commit durably and atomically applies every staged Set/Clear
	// since the last Commit.
	Commit(ctx context.Context) error
	// ReadValue returns the committed value for key, or found=false if
	// absent.
	ReadValue(ctx context.Context, key []byte) (value []byte, found bool, err error)
	// ReadRange returns every committed key/value pair in
	// [beginKey, endKey) in byte-lexicographic order.
	ReadRange(ctx context.Context, beginKey, endKey []byte) ([]KV, error)
	// Close releases the underlying storage.
	Close() error
}
