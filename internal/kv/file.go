package kv

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aweris/pagestore/internal/compression"
	"github.com/aweris/pagestore/internal/crypto"
	"github.com/aweris/pagestore/internal/status"
)

// File implements Store using one file per key.
//
// Storage layout:
//
//	basePath/
//	  ab/6f2f...  (hex-encoded key, sharded by the key digest)
//
// Values are zstd-framed on disk and cached in memory. Writes go through a
// temp file and rename, so a reader never sees a partial value. Batches are
// applied in order but are not atomic across keys.
type File struct {
	basePath   string
	cache      Cache
	compressor *compression.Compressor

	// Serializes writers; readers rely on rename atomicity.
	mu sync.Mutex
}

// OpenFile opens or creates a file-backed store rooted at basePath.
func OpenFile(basePath string, cacheSize int, compressionEnabled bool) (*File, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, ioError(fmt.Sprintf("create directory %s", basePath), err)
	}

	compressor, err := compression.NewCompressor(2, compressionEnabled)
	if err != nil {
		return nil, ioError("create compressor", err)
	}

	return &File{
		basePath:   basePath,
		cache:      NewLRUCache(cacheSize),
		compressor: compressor,
	}, nil
}

func (s *File) Get(ctx context.Context, key []byte) ([]byte, error) {
	name := hex.EncodeToString(key)

	// 1. Check memory cache
	if data, ok := s.cache.Get(name); ok {
		return data, nil
	}

	// 2. Read from disk
	compressed, err := os.ReadFile(s.keyPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(key)
		}
		return nil, ioError("read value", err)
	}

	data, err := s.compressor.Decompress(compressed)
	if err != nil {
		return nil, ioError("decompress value", err)
	}

	// 3. Cache and return
	s.cache.Add(name, data)
	return data, nil
}

func (s *File) Has(ctx context.Context, key []byte) (bool, error) {
	if s.cache.Has(hex.EncodeToString(key)) {
		return true, nil
	}

	_, err := os.Stat(s.keyPath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, ioError("stat value", err)
}

func (s *File) Put(ctx context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(key, value)
}

func (s *File) put(key, value []byte) error {
	path := s.keyPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return ioError("create shard", err)
	}
	if err := safeWrite(path, s.compressor.Compress(value)); err != nil {
		return ioError("write value", err)
	}
	s.cache.Add(hex.EncodeToString(key), value)
	return nil
}

func (s *File) Delete(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delete(key)
}

func (s *File) delete(key []byte) error {
	s.cache.Remove(hex.EncodeToString(key))
	if err := os.Remove(s.keyPath(key)); err != nil && !os.IsNotExist(err) {
		return ioError("remove value", err)
	}
	return nil
}

func (s *File) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	shards, err := os.ReadDir(s.basePath)
	if err != nil {
		return ioError("list shards", err)
	}

	var keys [][]byte
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.basePath, shard.Name()))
		if err != nil {
			return ioError("list shard", err)
		}
		for _, e := range entries {
			key, err := hex.DecodeString(e.Name())
			if err != nil {
				continue // temp files and strays
			}
			if bytes.HasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return ioError("scan", err)
		}
		value, err := s.Get(ctx, key)
		if err != nil {
			if status.Is(err, status.NotFound) {
				continue // removed while scanning
			}
			return err
		}
		if err := fn(key, value); err != nil {
			return err
		}
	}
	return nil
}

func (s *File) Write(ctx context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range b.ops {
		var err error
		if op.delete {
			err = s.delete(op.key)
		} else {
			err = s.put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *File) Close() error {
	s.cache.Clear()
	return s.compressor.Close()
}

// keyPath returns the filesystem path for a key.
// Sharding: basePath/<first byte of key digest>/<hex key>
func (s *File) keyPath(key []byte) string {
	shard := crypto.Sum(key).String()[:2]
	return filepath.Join(s.basePath, shard, hex.EncodeToString(key))
}

// safeWrite writes data to path atomically: tempfile -> fsync -> rename.
func safeWrite(path string, data []byte) (err error) {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if _, err = f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp to target: %w", err)
	}
	return nil
}
