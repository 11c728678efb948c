package page

import (
	"context"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aweris/pagestore/internal/btree"
	"github.com/aweris/pagestore/internal/commit"
	"github.com/aweris/pagestore/internal/kv"
	"github.com/aweris/pagestore/internal/object"
	"github.com/aweris/pagestore/internal/status"
)

// Key prefixes of the page's kv store. Objects live under object.KeyPrefix.
const (
	commitPrefix  = "c/"
	headPrefix    = "h/"
	pendingPrefix = "p/"
	syncedPrefix  = "x/"
	uploadKey     = "s/upload"
	downloadKey   = "s/download"
)

// marker is the value of presence-only keys.
var marker = []byte{1}

func commitKey(id commit.ID) []byte  { return append([]byte(commitPrefix), id[:]...) }
func headKey(id commit.ID) []byte    { return append([]byte(headPrefix), id[:]...) }
func pendingKey(id commit.ID) []byte { return append([]byte(pendingPrefix), id[:]...) }
func syncedKey(id object.ID) []byte  { return append([]byte(syncedPrefix), id[:]...) }

// Storage is the commit graph of one page.
type Storage struct {
	id      ID
	db      kv.Store
	objects *object.Store
	tree    *btree.Tree
	log     *logrus.Entry
	opts    Options
	commits *lru.Cache[commit.ID, *commit.Commit]

	// mu is the page's serialization point: every change to the commit
	// graph and the head set happens under it.
	mu         sync.Mutex
	heads      map[commit.ID]*commit.Commit
	journals   map[ulid.ULID]*Journal
	committing int
	merger     Merger

	watch *dispatcher
}

// Open loads the page stored in db, initializing it with the empty commit
// when it is new. The Storage takes ownership of db.
func Open(ctx context.Context, id ID, db kv.Store, opts Options) (*Storage, error) {
	opts.setDefaults()
	objects := object.NewStore(db, opts.CacheSize)
	commits, _ := lru.New[commit.ID, *commit.Commit](max(opts.CacheSize, 128))

	s := &Storage{
		id:       id,
		db:       db,
		objects:  objects,
		tree:     btree.New(objects, opts.CacheSize),
		log:      opts.Logger.WithField("page", id.String()),
		opts:     opts,
		commits:  commits,
		heads:    make(map[commit.ID]*commit.Commit),
		journals: make(map[ulid.ULID]*Journal),
	}

	if err := s.loadHeads(ctx); err != nil {
		return nil, err
	}
	if len(s.heads) == 0 {
		if err := s.initEmpty(ctx); err != nil {
			return nil, err
		}
	}

	s.watch = newDispatcher(s.log)
	s.log.WithField("heads", len(s.heads)).Debug("page opened")
	return s, nil
}

func (s *Storage) initEmpty(ctx context.Context) error {
	if _, err := s.tree.Init(ctx); err != nil {
		return errors.Wrap(err, "store empty tree")
	}
	c0 := commit.Empty()
	var b kv.Batch
	b.Put(commitKey(c0.ID), c0.Encode())
	b.Put(headKey(c0.ID), marker)
	if err := s.db.Write(ctx, &b); err != nil {
		return errors.Wrap(err, "store empty commit")
	}
	s.heads[c0.ID] = c0
	s.commits.Add(c0.ID, c0)
	return nil
}

func (s *Storage) loadHeads(ctx context.Context) error {
	var ids []commit.ID
	err := s.db.Scan(ctx, []byte(headPrefix), func(k, _ []byte) error {
		var id commit.ID
		if len(k)-len(headPrefix) != len(id) {
			return status.Errorf(status.InternalError, "malformed head key %x", k)
		}
		copy(id[:], k[len(headPrefix):])
		ids = append(ids, id)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "load heads")
	}
	for _, id := range ids {
		c, err := s.GetCommit(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "load head %s", id.Short())
		}
		s.heads[id] = c
	}
	return nil
}

// ID returns the page id.
func (s *Storage) ID() ID { return s.id }

// Objects returns the page's object store.
func (s *Storage) Objects() *object.Store { return s.objects }

// Tree returns the tree codec over the page's objects.
func (s *Storage) Tree() *btree.Tree { return s.tree }

// Logger returns the page's logger.
func (s *Storage) Logger() *logrus.Entry { return s.log }

// SetMerger installs the merger used when heads diverge.
func (s *Storage) SetMerger(m Merger) {
	s.mu.Lock()
	s.merger = m
	s.mu.Unlock()
}

// State reports the current state of the commit graph.
func (s *Storage) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.committing > 0:
		return Committing
	case len(s.heads) > 1:
		return Diverged
	default:
		return Quiescent
	}
}

// GetCommit returns the commit id, or NOT_FOUND.
func (s *Storage) GetCommit(ctx context.Context, id commit.ID) (*commit.Commit, error) {
	if c, ok := s.commits.Get(id); ok {
		return c, nil
	}
	data, err := s.db.Get(ctx, commitKey(id))
	if err != nil {
		return nil, errors.Wrapf(err, "get commit %s", id.Short())
	}
	c, err := commit.Decode(data)
	if err != nil {
		return nil, status.New(status.InternalError, "get commit "+id.Short(), err)
	}
	if c.ID != id {
		return nil, status.Errorf(status.InternalError, "commit %s is stored as %s", c.ID.Short(), id.Short())
	}
	s.commits.Add(id, c)
	return c, nil
}

// HasCommit reports whether id has been applied.
func (s *Storage) HasCommit(ctx context.Context, id commit.ID) (bool, error) {
	if s.commits.Contains(id) {
		return true, nil
	}
	return s.db.Has(ctx, commitKey(id))
}

// GetHeads returns the head set ordered by generation, then id. It is
// never empty.
func (s *Storage) GetHeads(ctx context.Context) ([]*commit.Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedHeads(), nil
}

func (s *Storage) sortedHeads() []*commit.Commit {
	heads := make([]*commit.Commit, 0, len(s.heads))
	for _, c := range s.heads {
		heads = append(heads, c)
	}
	sort.Slice(heads, func(i, j int) bool { return commit.Less(heads[i], heads[j]) })
	return heads
}

// AddCommitWatcher registers w and returns a function removing it.
func (s *Storage) AddCommitWatcher(w Watcher) (cancel func()) {
	return s.watch.add(w)
}

// AddCommits applies commits to the graph. It is the only way commits
// enter a page. Already known commits are skipped, so applying the same
// commits twice changes nothing. Every commit's parents must be known or
// in the same call, and its root object must be stored: objects always
// become durable before the commit record referencing them.
//
// A commit whose parents are heads replaces them; otherwise it becomes an
// additional head and the heads are merged.
func (s *Storage) AddCommits(ctx context.Context, commits []*commit.Commit, source Source) error {
	sorted := append([]*commit.Commit(nil), commits...)
	sort.SliceStable(sorted, func(i, j int) bool { return commit.Less(sorted[i], sorted[j]) })

	release := s.objects.Hold()
	s.mu.Lock()
	applied, err := s.addCommitsLocked(ctx, sorted, source)
	s.mu.Unlock()
	release()
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return nil
	}

	for _, c := range applied {
		s.log.WithFields(logrus.Fields{
			"commit":     c.ID.Short(),
			"generation": c.Generation,
			"source":     source,
		}).Info("commit applied")
	}

	s.reconcile(ctx)
	return nil
}

func (s *Storage) addCommitsLocked(ctx context.Context, commits []*commit.Commit, source Source) ([]*commit.Commit, error) {
	batchCommits := make(map[commit.ID]*commit.Commit)
	heads := make(map[commit.ID]*commit.Commit, len(s.heads))
	for id, c := range s.heads {
		heads[id] = c
	}

	var b kv.Batch
	var applied []*commit.Commit
	for _, c := range commits {
		if _, ok := batchCommits[c.ID]; ok {
			continue
		}
		known, err := s.HasCommit(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		if known {
			continue
		}
		if err := s.checkCommit(ctx, c, batchCommits); err != nil {
			return nil, err
		}

		b.Put(commitKey(c.ID), c.Encode())
		for _, p := range c.Parents {
			if _, ok := heads[p]; ok {
				delete(heads, p)
				b.Delete(headKey(p))
			}
		}
		heads[c.ID] = c
		b.Put(headKey(c.ID), marker)
		if source == Local {
			b.Put(pendingKey(c.ID), marker)
		}

		batchCommits[c.ID] = c
		applied = append(applied, c)
	}
	if len(applied) == 0 {
		return nil, nil
	}

	if err := s.db.Write(ctx, &b); err != nil {
		return nil, errors.Wrap(err, "write commits")
	}
	s.heads = heads
	for _, c := range applied {
		s.commits.Add(c.ID, c)
	}
	// Queued under the lock so watchers see batches in application order.
	s.watch.enqueue(applied, source)
	return applied, nil
}

func (s *Storage) checkCommit(ctx context.Context, c *commit.Commit, batch map[commit.ID]*commit.Commit) error {
	if len(c.Parents) == 0 {
		// Only the empty commit is parentless, and every page has it.
		return status.Errorf(status.ParseError, "commit %s has no parents", c.ID.Short())
	}
	var gen uint64
	for _, p := range c.Parents {
		parent, ok := batch[p]
		if !ok {
			var err error
			if parent, err = s.GetCommit(ctx, p); err != nil {
				if status.Is(err, status.NotFound) {
					return status.New(status.NotFound, "add commit "+c.ID.Short(), errors.Errorf("missing parent %s", p.Short()))
				}
				return err
			}
		}
		gen = max(gen, parent.Generation)
	}
	if c.Generation != gen+1 {
		return status.Errorf(status.ParseError, "commit %s has generation %d, want %d", c.ID.Short(), c.Generation, gen+1)
	}
	ok, err := s.objects.Has(ctx, c.Root)
	if err != nil {
		return err
	}
	if !ok {
		return status.New(status.NotFound, "add commit "+c.ID.Short(), errors.Errorf("missing root %s", c.Root.Short()))
	}
	return nil
}

// reconcile merges heads pairwise, lowest first, until one remains or a
// merge fails. Failures leave the page diverged; the next application
// retries.
func (s *Storage) reconcile(ctx context.Context) {
	for {
		s.mu.Lock()
		merger := s.merger
		heads := s.sortedHeads()
		s.mu.Unlock()

		if merger == nil || len(heads) < 2 {
			return
		}
		a, b := heads[0], heads[1]
		m, err := merger.Merge(ctx, a, b)
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"left":  a.ID.Short(),
				"right": b.ID.Short(),
			}).Warn("merge failed")
			return
		}

		s.mu.Lock()
		applied, err := s.addCommitsLocked(ctx, []*commit.Commit{m}, Local)
		s.mu.Unlock()
		if err != nil {
			s.log.WithError(err).WithField("commit", m.ID.Short()).Warn("apply merge failed")
			return
		}
		if len(applied) == 0 {
			return
		}
		s.log.WithFields(logrus.Fields{
			"commit": m.ID.Short(),
			"left":   a.ID.Short(),
			"right":  b.ID.Short(),
		}).Info("heads merged")
	}
}

// Reconcile merges divergent heads, as after reopening a diverged page.
func (s *Storage) Reconcile(ctx context.Context) { s.reconcile(ctx) }

// Entries returns the mapping of c in key order.
func (s *Storage) Entries(ctx context.Context, c *commit.Commit) ([]btree.Entry, error) {
	return s.tree.Entries(ctx, c.Root)
}

// Get returns the value of key in c, reading referenced values from the
// object store.
func (s *Storage) Get(ctx context.Context, c *commit.Commit, key []byte) ([]byte, error) {
	e, err := s.tree.Get(ctx, c.Root, key)
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, e)
}

// Value returns the value of an entry read from a tree of this page.
func (s *Storage) Value(ctx context.Context, e btree.Entry) ([]byte, error) {
	return s.resolve(ctx, e)
}

func (s *Storage) resolve(ctx context.Context, e btree.Entry) ([]byte, error) {
	if !e.IsRef() {
		return e.Value, nil
	}
	return s.objects.ReadValue(ctx, e.Ref)
}

// AddObject stores an application value and returns its id, to be
// referenced with Journal.PutReference.
func (s *Storage) AddObject(ctx context.Context, value []byte) (object.ID, error) {
	return s.objects.PutValue(ctx, value)
}

// GetObject returns the application value stored as id.
func (s *Storage) GetObject(ctx context.Context, id object.ID) ([]byte, error) {
	return s.objects.ReadValue(ctx, id)
}

// Close stops watcher delivery and closes the kv store. Open journals
// become unusable.
func (s *Storage) Close() error {
	s.watch.close()
	s.mu.Lock()
	for _, j := range s.journals {
		j.abandon()
	}
	s.journals = nil
	s.mu.Unlock()
	return s.db.Close()
}
