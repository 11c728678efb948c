package kv

import (
	"bytes"
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. Contents are lost on Close.
type Memory struct {
	mu     sync.RWMutex
	items  map[string][]byte
	closed bool
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) Get(_ context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ioError("get", errClosed)
	}
	v, ok := m.items[string(key)]
	if !ok {
		return nil, notFound(key)
	}
	return clone(v), nil
}

func (m *Memory) Has(_ context.Context, key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, ioError("has", errClosed)
	}
	_, ok := m.items[string(key)]
	return ok, nil
}

func (m *Memory) Put(_ context.Context, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ioError("put", errClosed)
	}
	m.items[string(key)] = clone(value)
	return nil
}

func (m *Memory) Delete(_ context.Context, key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ioError("delete", errClosed)
	}
	delete(m.items, string(key))
	return nil
}

func (m *Memory) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	type pair struct{ k, v []byte }

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ioError("scan", errClosed)
	}
	var pairs []pair
	for k, v := range m.items {
		if bytes.HasPrefix([]byte(k), prefix) {
			pairs = append(pairs, pair{[]byte(k), clone(v)})
		}
	}
	m.mu.RUnlock()

	sort.Slice(pairs, func(i, j int) bool {
		return bytes.Compare(pairs[i].k, pairs[j].k) < 0
	})
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return ioError("scan", err)
		}
		if err := fn(p.k, p.v); err != nil {
			return err
		}
	}
	return nil
}

func (m *Memory) Write(_ context.Context, b *Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ioError("write", errClosed)
	}
	for _, op := range b.ops {
		if op.delete {
			delete(m.items, string(op.key))
		} else {
			m.items[string(op.key)] = op.value
		}
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
	return nil
}
