package kvstore

import (
	"bytes"
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.etcd.io/bbolt"
)

// bucketName is the single bbolt bucket all TLog keys live in; the
// key families already namespace themselves by prefix, so one bucket
// is enough to get bbolt's native byte-lexicographic ordering across
// every family.
var bucketName = []byte("tlog")

type clearRange struct {
	begin, end []byte
}

// BoltStore is a Store backed by go.etcd.io/bbolt, giving the ordered,
// atomically-committed persistence spec.md §4.2 requires without
// reimplementing a storage engine — the teacher's own value store
// engine (valuestore_GEN_.go et al.) is explicitly out of scope here,
// since spec.md says the KeyValueStore is "not re-implemented ...
// specified only at its interface."
type BoltStore struct {
	db *bbolt.DB

	mu      sync.Mutex
	pending map[string][]byte
	clears  []clearRange
}

// OpenBoltStore opens (creating if necessary) a bbolt database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: open bbolt")
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "kvstore: create bucket")
	}
	return &BoltStore{db: db, pending: make(map[string][]byte)}, nil
}

func (s *BoltStore) Set(key, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)
	s.pending[string(k)] = v
}

func (s *BoltStore) Clear(beginKey, endKey []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := make([]byte, len(beginKey))
	copy(b, beginKey)
	e := make([]byte, len(endKey))
	copy(e, endKey)
	s.clears = append(s.clears, clearRange{begin: b, end: e})
}

func (s *BoltStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	clears := s.clears
	s.pending = make(map[string][]byte)
	s.clears = nil
	s.mu.Unlock()

	if len(pending) == 0 && len(clears) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketName)
		for _, cr := range clears {
			c := bucket.Cursor()
			var keysToDelete [][]byte
			for k, _ := c.Seek(cr.begin); k != nil && bytes.Compare(k, cr.end) < 0; k, _ = c.Next() {
				kk := make([]byte, len(k))
				copy(kk, k)
				keysToDelete = append(keysToDelete, kk)
			}
			for _, k := range keysToDelete {
				if err := bucket.Delete(k); err != nil {
					return err
				}
			}
		}
		for k, v := range pending {
			if err := bucket.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ReadValue(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketName).Get(key)
		if v != nil {
			value = make([]byte, len(v))
			copy(value, v)
			found = true
		}
		return nil
	})
	return value, found, err
}

func (s *BoltStore) ReadRange(ctx context.Context, beginKey, endKey []byte) ([]KV, error) {
	var out []KV
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketName).Cursor()
		for k, v := c.Seek(beginKey); k != nil && bytes.Compare(k, endKey) < 0; k, v = c.Next() {
			kk := make([]byte, len(k))
			copy(kk, k)
			vv := make([]byte, len(v))
			copy(vv, v)
			out = append(out, KV{Key: kk, Value: vv})
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
