package kv

import (
	"bytes"
	"context"
	"time"

	"go.etcd.io/bbolt"
)

// BoltBackend is the durable, transactional Backend built on go.etcd.io/bbolt
// (the same embedded B+tree store the rest of the retrieval pack reaches
// for — cuemby-warren pairs it with hashicorp/raft for its durable state).
// Stores are buckets; bbolt's own transactions give us the atomic-commit
// and consistent-read-snapshot guarantees spec.md §4.1 requires, and its
// B+tree ordering makes Range scans sorted for free.
type BoltBackend struct {
	db *bbolt.DB
}

// OpenBoltBackend opens (creating if absent) a bbolt database file.
func OpenBoltBackend(path string) (*BoltBackend, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errBackend(err)
	}
	return &BoltBackend{db: db}, nil
}

func (b *BoltBackend) OpenStore(_ context.Context, name string) (Store, error) {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, errBackend(err)
	}
	return &boltStore{db: b.db, bucket: []byte(name)}, nil
}

func (b *BoltBackend) Close() error {
	if err := b.db.Close(); err != nil {
		return errBackend(err)
	}
	return nil
}

type boltStore struct {
	db     *bbolt.DB
	bucket []byte
}

func (s *boltStore) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	var out []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(s.bucket).Get(key)
		if v != nil {
			found = true
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, errBackend(err)
	}
	return out, found, nil
}

func (s *boltStore) Put(_ context.Context, key, value []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put(key, value)
	})
	if err != nil {
		return errBackend(err)
	}
	return nil
}

func (s *boltStore) Delete(_ context.Context, key []byte) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete(key)
	})
	if err != nil {
		return errBackend(err)
	}
	return nil
}

func (s *boltStore) Range(_ context.Context, lo, hi []byte) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		out = rangeBucket(tx.Bucket(s.bucket), lo, hi)
		return nil
	})
	if err != nil {
		return nil, errBackend(err)
	}
	return out, nil
}

func (s *boltStore) Update(_ context.Context, fn func(Tx) error) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{bucket: tx.Bucket(s.bucket)})
	})
	if err != nil {
		return errBackend(err)
	}
	return nil
}

func (s *boltStore) View(_ context.Context, fn func(Tx) error) error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{bucket: tx.Bucket(s.bucket), readOnly: true})
	})
	if err != nil {
		return errBackend(err)
	}
	return nil
}

func (s *boltStore) Stats(_ context.Context) (int, int64, error) {
	var keys int
	var total int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		return b.ForEach(func(k, v []byte) error {
			keys++
			total += int64(len(v))
			return nil
		})
	})
	if err != nil {
		return 0, 0, errBackend(err)
	}
	return keys, total, nil
}

type boltTx struct {
	bucket   *bbolt.Bucket
	readOnly bool
}

func (t *boltTx) Get(key []byte) ([]byte, bool, error) {
	v := t.bucket.Get(key)
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (t *boltTx) Put(key, value []byte) error {
	if t.readOnly {
		return errBackend(errReadOnlyTx)
	}
	return t.bucket.Put(key, value)
}

func (t *boltTx) Delete(key []byte) error {
	if t.readOnly {
		return errBackend(errReadOnlyTx)
	}
	return t.bucket.Delete(key)
}

func (t *boltTx) Range(lo, hi []byte) ([]Entry, error) {
	return rangeBucket(t.bucket, lo, hi), nil
}

func rangeBucket(bucket *bbolt.Bucket, lo, hi []byte) []Entry {
	var out []Entry
	c := bucket.Cursor()
	var k, v []byte
	if lo != nil {
		k, v = c.Seek(lo)
	} else {
		k, v = c.First()
	}
	for ; k != nil; k, v = c.Next() {
		if hi != nil && bytes.Compare(k, hi) >= 0 {
			break
		}
		out = append(out, Entry{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)})
	}
	return out
}
