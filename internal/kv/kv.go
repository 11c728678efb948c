// Package kv implements the local key/value engine behind a page.
//
// Every page owns one Store instance. The concrete engine is chosen by
// configuration; all engines share the same contract:
//   - Get of a missing key fails with status NOT_FOUND
//   - Scan visits keys with a prefix in ascending byte order, outside any
//     engine lock, so the callback may write to the store
//   - Write applies a Batch atomically where the engine supports it, and in
//     order otherwise
//   - I/O failures carry status IO_ERROR
package kv

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/aweris/pagestore/internal/status"
)

var errClosed = errors.New("kv: store closed")

// Store is the local key/value engine of one page.
type Store interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Has(ctx context.Context, key []byte) (bool, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error

	// Scan calls fn for every key starting with prefix, in key order.
	// Returning an error from fn stops the scan and is returned.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error

	// Write applies every operation of b.
	Write(ctx context.Context, b *Batch) error

	Close() error
}

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBolt   Backend = "bolt"
	BackendSQLite Backend = "sqlite"
	BackendFile   Backend = "file"
)

// Config selects and configures a backend.
type Config struct {
	Backend Backend
	// Dir is where on-disk backends keep their files. Unused by memory.
	Dir string
	// CacheSize bounds the file backend's value cache (entries).
	CacheSize int
	// Compression enables zstd for the file backend.
	Compression bool
}

// DefaultCacheSize is used when Config.CacheSize is not set.
const DefaultCacheSize = 1024

// Open creates or opens the store described by cfg.
func Open(cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendBolt, "":
		return OpenBolt(filepath.Join(cfg.Dir, "page.db"))
	case BackendSQLite:
		return OpenSQLite(filepath.Join(cfg.Dir, "page.sqlite"))
	case BackendFile:
		size := cfg.CacheSize
		if size <= 0 {
			size = DefaultCacheSize
		}
		return OpenFile(filepath.Join(cfg.Dir, "kv"), size, cfg.Compression)
	default:
		return nil, status.Errorf(status.InternalError, "unknown kv backend %q", cfg.Backend)
	}
}

// Batch is an ordered list of writes.
type Batch struct {
	ops []batchOp
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Put queues a write of key.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: clone(key), value: clone(value)})
}

// Delete queues a removal of key.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: clone(key), delete: true})
}

// Len returns the number of queued operations.
func (b *Batch) Len() int { return len(b.ops) }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// prefixEnd returns the smallest key greater than every key with prefix,
// or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

func notFound(key []byte) error {
	return status.New(status.NotFound, fmt.Sprintf("get %q", key), nil)
}

func ioError(op string, err error) error {
	return status.New(status.IOError, op, err)
}
