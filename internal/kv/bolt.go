package kv

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var boltBucket = []byte("page")

// Bolt is a Store backed by a single bbolt file. Batches are one transaction.
type Bolt struct {
	db *bbolt.DB
}

// OpenBolt opens or creates the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, ioError("create bolt dir", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, ioError("open bolt", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, ioError("create bucket", err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Get(_ context.Context, key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		// Values are only valid inside the transaction.
		out = clone(tx.Bucket(boltBucket).Get(key))
		return nil
	})
	if err != nil {
		return nil, ioError("get", err)
	}
	if out == nil {
		return nil, notFound(key)
	}
	return out, nil
}

func (b *Bolt) Has(_ context.Context, key []byte) (bool, error) {
	var ok bool
	err := b.db.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket(boltBucket).Get(key) != nil
		return nil
	})
	if err != nil {
		return false, ioError("has", err)
	}
	return ok, nil
}

func (b *Bolt) Put(_ context.Context, key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Put(key, value)
	})
	if err != nil {
		return ioError("put", err)
	}
	return nil
}

func (b *Bolt) Delete(_ context.Context, key []byte) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).Delete(key)
	})
	if err != nil {
		return ioError("delete", err)
	}
	return nil
}

func (b *Bolt) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	var keys, values [][]byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(boltBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			keys = append(keys, clone(k))
			values = append(values, clone(v))
		}
		return nil
	})
	if err != nil {
		return ioError("scan", err)
	}

	for i := range keys {
		if err := ctx.Err(); err != nil {
			return ioError("scan", err)
		}
		if err := fn(keys[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bolt) Write(_ context.Context, batch *Batch) error {
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, op := range batch.ops {
			if op.delete {
				if err := bucket.Delete(op.key); err != nil {
					return err
				}
				continue
			}
			value := op.value
			if value == nil {
				value = []byte{}
			}
			if err := bucket.Put(op.key, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ioError("write batch", err)
	}
	return nil
}

func (b *Bolt) Close() error {
	if err := b.db.Close(); err != nil {
		return ioError("close bolt", err)
	}
	return nil
}
