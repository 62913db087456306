package store

import (
	"context"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltStore keeps the state in a single bbolt file, one bucket, one JSON
// document per key. Every write is a committed (fsynced) transaction.
type BoltStore struct {
	db  *bolt.DB
	bkt []byte
}

var bucketState = []byte("state")

// OpenBolt opens or creates the state file at path. prefix namespaces the
// bucket so several bots can share one file.
func OpenBolt(path, prefix string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	bkt := []byte(prefix + string(bucketState))
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bkt)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db, bkt: bkt}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(s.bkt).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction.
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BoltStore) GetAll(_ context.Context) (map[string][]byte, error) {
	all := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bkt).ForEach(func(k, v []byte) error {
			all[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return all, err
}

func (s *BoltStore) Set(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bkt).Put([]byte(key), value)
	})
}

func (s *BoltStore) Update(_ context.Context, key string, fn func([]byte, bool) ([]byte, error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bkt)
		cur := b.Get([]byte(key))
		var old []byte
		if cur != nil {
			old = append([]byte(nil), cur...)
		}
		next, err := fn(old, cur != nil)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), next)
	})
}
