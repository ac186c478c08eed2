// Package persist is the pluggable KV port spec.md §1 requires: the core
// treats persistence as an external collaborator, not a built-in database.
// It is grounded on the reference orchestrator's pkg/storage (a BoltDB-
// backed Store), generalized from cluster resources to a flat namespaced
// byte-value KV that corestore uses to durably back its memory table across
// process restarts (PersistMemory/HydrateMemory); the event log is not
// persisted. Using it is entirely optional —
// corestore works in pure memory without it.
package persist

import (
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// KV is the persistence port. Implementations must be safe for concurrent
// use.
type KV interface {
	Put(bucket, key string, value []byte) error
	Get(bucket, key string) ([]byte, bool, error)
	Delete(bucket, key string) error
	ForEach(bucket string, fn func(key string, value []byte) error) error
	Close() error
}

// BoltKV is a bbolt-backed implementation of KV.
type BoltKV struct {
	db *bolt.DB
}

// OpenBolt opens (creating if absent) a bbolt database file under dataDir.
func OpenBolt(dataDir string) (*BoltKV, error) {
	path := filepath.Join(dataDir, "fleetform.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("persist: open %s: %w", path, err)
	}
	return &BoltKV{db: db}, nil
}

func (k *BoltKV) ensureBucket(tx *bolt.Tx, bucket string) (*bolt.Bucket, error) {
	return tx.CreateBucketIfNotExists([]byte(bucket))
}

// Put writes value for key in bucket, creating the bucket if needed.
func (k *BoltKV) Put(bucket, key string, value []byte) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		b, err := k.ensureBucket(tx, bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

// Get reads the value for key in bucket. found is false if absent.
func (k *BoltKV) Get(bucket, key string) (value []byte, found bool, err error) {
	err = k.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		v := b.Get([]byte(key))
		if v != nil {
			found = true
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, found, err
}

// Delete removes key from bucket. Deleting an absent key is a no-op.
func (k *BoltKV) Delete(bucket, key string) error {
	return k.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// ForEach iterates every key/value pair in bucket in key order.
func (k *BoltKV) ForEach(bucket string, fn func(key string, value []byte) error) error {
	return k.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			return fn(string(k), append([]byte(nil), v...))
		})
	})
}

// Close closes the underlying database file.
func (k *BoltKV) Close() error {
	return k.db.Close()
}
