package object

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/aweris/pagestore/internal/kv"
	"github.com/aweris/pagestore/internal/status"
)

// KeyPrefix namespaces objects inside the page's kv store.
const KeyPrefix = "o/"

// DefaultCacheSize is the number of framed objects kept in memory.
const DefaultCacheSize = 4096

// Store keeps objects in the page's kv store, deduplicated by id.
//
// Reads may run concurrently with each other and with writes. Objects are
// only ever removed by Sweep.
type Store struct {
	db    kv.Store
	cache *lru.Cache[ID, []byte]

	mu sync.Mutex
	// Ids written or re-put since the last sweep started. Sweep never
	// removes them, so a write racing a collection always survives it.
	pending map[ID]struct{}
	// holds counts callers between finding objects present and committing
	// a reference to them. epoch moves whenever a hold starts or ends.
	holds int
	epoch uint64
}

// NewStore wraps db. cacheSize <= 0 selects DefaultCacheSize.
func NewStore(db kv.Store, cacheSize int) *Store {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[ID, []byte](cacheSize)
	return &Store{
		db:      db,
		cache:   cache,
		pending: make(map[ID]struct{}),
	}
}

func key(id ID) []byte {
	return append([]byte(KeyPrefix), id[:]...)
}

// Put stores a framed object and returns its id. Storing bytes that are
// already present is a no-op returning the same id.
func (s *Store) Put(ctx context.Context, data []byte) (ID, error) {
	if _, _, err := Decode(data); err != nil {
		return ID{}, err
	}
	id := Sum(data)
	return id, s.put(ctx, id, data)
}

// PutObject frames payload as kind and stores it.
func (s *Store) PutObject(ctx context.Context, kind Kind, payload []byte) (ID, error) {
	data := Encode(kind, payload)
	id := Sum(data)
	return id, s.put(ctx, id, data)
}

// AddWithID stores data received from elsewhere under the id it claims.
// Bytes whose digest differs from id are rejected with PARSE_ERROR.
func (s *Store) AddWithID(ctx context.Context, id ID, data []byte) error {
	if Sum(data) != id {
		return status.Errorf(status.ParseError, "object %s: digest mismatch", id.Short())
	}
	if _, _, err := Decode(data); err != nil {
		return err
	}
	return s.put(ctx, id, data)
}

func (s *Store) put(ctx context.Context, id ID, data []byte) error {
	s.mu.Lock()
	s.pending[id] = struct{}{}
	s.mu.Unlock()

	if s.cache.Contains(id) {
		return nil
	}
	exists, err := s.db.Has(ctx, key(id))
	if err != nil {
		return errors.Wrapf(err, "put object %s", id.Short())
	}
	if !exists {
		if err := s.db.Put(ctx, key(id), data); err != nil {
			return errors.Wrapf(err, "put object %s", id.Short())
		}
	}
	s.cache.Add(id, data)
	return nil
}

// Has reports whether id is stored locally.
func (s *Store) Has(ctx context.Context, id ID) (bool, error) {
	if s.cache.Contains(id) {
		return true, nil
	}
	ok, err := s.db.Has(ctx, key(id))
	if err != nil {
		return false, errors.Wrapf(err, "has object %s", id.Short())
	}
	return ok, nil
}

// Get returns the framed bytes of id. Missing objects fail with NOT_FOUND;
// stored bytes that do not hash to id or do not decode fail with
// INTERNAL_ERROR and are never returned.
func (s *Store) Get(ctx context.Context, id ID) ([]byte, error) {
	if data, ok := s.cache.Get(id); ok {
		return data, nil
	}

	data, err := s.db.Get(ctx, key(id))
	if err != nil {
		return nil, errors.Wrapf(err, "get object %s", id.Short())
	}
	if Sum(data) != id {
		return nil, status.New(status.InternalError, "get object "+id.Short(), errors.New("stored bytes are corrupted"))
	}
	if _, _, err := Decode(data); err != nil {
		return nil, status.New(status.InternalError, "get object "+id.Short(), err)
	}

	s.cache.Add(id, data)
	return data, nil
}

// GetObject returns the kind and payload of id.
func (s *Store) GetObject(ctx context.Context, id ID) (Kind, []byte, error) {
	data, err := s.Get(ctx, id)
	if err != nil {
		return "", nil, err
	}
	kind, payload, err := Decode(data)
	if err != nil {
		return "", nil, status.New(status.InternalError, "get object "+id.Short(), err)
	}
	return kind, payload, nil
}

// ForEach calls fn with every stored id.
func (s *Store) ForEach(ctx context.Context, fn func(ID) error) error {
	return s.db.Scan(ctx, []byte(KeyPrefix), func(k, _ []byte) error {
		id, err := IDFromBytes(k[len(KeyPrefix):])
		if err != nil {
			return nil // not ours
		}
		return fn(id)
	})
}

// Count returns the number of stored objects.
func (s *Store) Count(ctx context.Context) (int, error) {
	n := 0
	err := s.ForEach(ctx, func(ID) error {
		n++
		return nil
	})
	return n, err
}

// Hold stops sweeps from deleting anything until release is called. Take
// it before checking that objects exist when the check is followed by a
// commit referencing them: an object seen present under a hold stays until
// a collection started after the release.
func (s *Store) Hold() (release func()) {
	s.mu.Lock()
	s.holds++
	s.epoch++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			s.holds--
			s.epoch++
			s.mu.Unlock()
		})
	}
}

// Epoch returns the current hold epoch. A collection reads it before
// marking and passes it to Sweep.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Sweep deletes every object for which live returns false, except objects
// written since the previous sweep began. An object therefore survives at
// least one full collection after it is written, which covers objects whose
// commit is still being assembled or downloaded.
//
// epoch is the value of Epoch read before live was computed. Once a hold
// has been taken since then, live may miss new references and the sweep
// stops deleting.
func (s *Store) Sweep(ctx context.Context, epoch uint64, live func(ID) bool) (int, error) {
	s.mu.Lock()
	protected := s.pending
	s.pending = make(map[ID]struct{})
	s.mu.Unlock()

	var candidates []ID
	err := s.ForEach(ctx, func(id ID) error {
		if _, ok := protected[id]; ok || live(id) {
			return nil
		}
		candidates = append(candidates, id)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "sweep objects")
	}

	removed := 0
	for _, id := range candidates {
		ok, err := s.remove(ctx, id, epoch)
		if err != nil {
			return removed, err
		}
		if !ok {
			// The next sweep still owes these their one cycle.
			s.mu.Lock()
			for id := range protected {
				s.pending[id] = struct{}{}
			}
			s.mu.Unlock()
			break
		}
		removed++
	}
	return removed, nil
}

// remove deletes id unless a hold makes the sweep stale, reported as false.
func (s *Store) remove(ctx context.Context, id ID, epoch uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.holds > 0 || s.epoch != epoch {
		return false, nil
	}
	if _, ok := s.pending[id]; ok {
		// Re-put during the sweep.
		return true, nil
	}
	s.cache.Remove(id)
	if err := s.db.Delete(ctx, key(id)); err != nil {
		return false, errors.Wrapf(err, "delete object %s", id.Short())
	}
	return true, nil
}
