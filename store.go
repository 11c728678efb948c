package pagestore

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aweris/pagestore/internal/commit"
	"github.com/aweris/pagestore/internal/kv"
	"github.com/aweris/pagestore/internal/merge"
	"github.com/aweris/pagestore/internal/object"
	"github.com/aweris/pagestore/internal/page"
	"github.com/aweris/pagestore/internal/status"
)

// Re-exported from the internal packages for convenience.
type (
	PageID           = page.ID
	Commit           = commit.Commit
	CommitID         = commit.ID
	ObjectID         = object.ID
	Journal          = page.Journal
	Source           = page.Source
	PageState        = page.State
	Watcher          = page.Watcher
	ConflictResolver = merge.ConflictResolver
	ResolverFunc     = merge.ResolverFunc
	Candidate        = merge.Candidate
)

const (
	Local = page.Local
	Sync  = page.Sync

	Quiescent  = page.Quiescent
	Diverged   = page.Diverged
	Committing = page.Committing
)

var (
	// ValueOrder resolves conflicts by comparing values. It is the default.
	ValueOrder = merge.ValueOrder
	// LastWriterWins resolves conflicts by commit timestamp.
	LastWriterWins = merge.LastWriterWins
)

// NewPageID returns a random page id.
func NewPageID() PageID { return page.NewID() }

// ParsePageID parses the textual form of a page id.
func ParsePageID(s string) (PageID, error) { return page.ParseID(s) }

// Store holds the pages kept under one directory, one kv database each.
type Store struct {
	dir  string
	opts *OpenOptions
	log  *logrus.Entry

	mu    sync.Mutex
	pages map[PageID]*Page
	// memory keeps memory-backed pages across Page.Close.
	memory map[PageID]kv.Store
	closed bool
}

// Open opens the store rooted at dir. An empty dir selects DefaultDir.
func Open(dir string, opts ...Option) (*Store, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if dir == "" {
		dir = DefaultDir()
	}
	dir = expandPath(dir)
	if options.Backend != BackendMemory {
		if err := os.MkdirAll(filepath.Join(dir, "pages"), 0o755); err != nil {
			return nil, status.New(status.IOError, "create store dir", err)
		}
	}
	return &Store{
		dir:   dir,
		opts:  options,
		log:   options.Logger,
		pages:  make(map[PageID]*Page),
		memory: make(map[PageID]kv.Store),
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Page opens the page with id, creating it when it does not exist yet. The
// same *Page is returned until it is closed.
func (s *Store) Page(ctx context.Context, id PageID) (*Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if p, ok := s.pages[id]; ok {
		return p, nil
	}

	db, err := s.openKV(id)
	if err != nil {
		return nil, errors.Wrapf(err, "open page %s", id)
	}
	storage, err := page.Open(ctx, id, db, page.Options{
		Logger:          s.log,
		Clock:           s.opts.Clock,
		CacheSize:       s.opts.CacheSize,
		InlineThreshold: s.opts.InlineThreshold,
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "open page %s", id)
	}
	storage.SetMerger(merge.New(storage, s.opts.Resolver, storage.Logger()))
	// Heads left diverged by an interrupted run.
	storage.Reconcile(ctx)

	p := &Page{store: s, storage: storage}
	s.pages[id] = p
	return p, nil
}

func (s *Store) openKV(id PageID) (kv.Store, error) {
	if s.opts.Backend != BackendMemory {
		return kv.Open(kv.Config{
			Backend:     s.opts.Backend,
			Dir:         s.pageDir(id),
			CacheSize:   s.opts.CacheSize,
			Compression: s.opts.Compression,
		})
	}
	db, ok := s.memory[id]
	if !ok {
		db = kv.NewMemory()
		s.memory[id] = db
	}
	return keepOpen{db}, nil
}

// keepOpen leaves closing the memory store to Store.Close.
type keepOpen struct{ kv.Store }

func (keepOpen) Close() error { return nil }

// Pages lists the pages present on disk, sorted. The memory backend only
// knows the pages opened by this Store.
func (s *Store) Pages() ([]PageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	seen := make(map[PageID]struct{}, len(s.pages))
	for id := range s.pages {
		seen[id] = struct{}{}
	}
	for id := range s.memory {
		seen[id] = struct{}{}
	}
	if s.opts.Backend != BackendMemory {
		entries, err := os.ReadDir(filepath.Join(s.dir, "pages"))
		if err != nil && !os.IsNotExist(err) {
			return nil, status.New(status.IOError, "list pages", err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			id, err := page.ParseID(e.Name())
			if err != nil {
				s.log.WithField("dir", e.Name()).Debug("skipping foreign directory")
				continue
			}
			seen[id] = struct{}{}
		}
	}

	ids := make([]PageID, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids, nil
}

// Close stops sync and closes every open page.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pages := make([]*Page, 0, len(s.pages))
	for _, p := range s.pages {
		pages = append(pages, p)
	}
	s.pages = nil
	memory := s.memory
	s.memory = nil
	s.mu.Unlock()

	var first error
	for _, p := range pages {
		if err := p.close(); err != nil && first == nil {
			first = err
		}
	}
	for _, db := range memory {
		db.Close()
	}
	return first
}

func (s *Store) pageDir(id PageID) string {
	return filepath.Join(s.dir, "pages", id.String())
}

// closePage holds the lock until the page's files are released, so a
// concurrent Page call never opens them twice.
func (s *Store) closePage(p *Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pages[p.ID()] == p {
		delete(s.pages, p.ID())
	}
	return p.close()
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
