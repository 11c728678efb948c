package page

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aweris/pagestore/internal/btree"
	"github.com/aweris/pagestore/internal/commit"
	"github.com/aweris/pagestore/internal/object"
	"github.com/aweris/pagestore/internal/status"
)

var (
	// ErrJournalFinished is returned by a journal that was committed,
	// rolled back, or whose page was closed.
	ErrJournalFinished = errors.New("journal already finished")
	// ErrClosed is returned when starting a journal on a closed page.
	ErrClosed = errors.New("page closed")
)

// Journal stages edits on top of a base commit. It is owned by one writer
// until Commit or Rollback.
type Journal struct {
	id      ulid.ULID
	storage *Storage
	base    *commit.Commit
	log     *logrus.Entry

	mu       sync.Mutex
	changes  map[string]btree.Change
	finished bool
}

// StartCommit opens a journal over the current head. When the page is
// diverged the lowest head is used; the resulting commit joins the heads
// and is merged like any concurrent edit.
func (s *Storage) StartCommit(ctx context.Context) (*Journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journals == nil {
		return nil, ErrClosed
	}

	j := &Journal{
		id:      ulid.MustNew(ulid.Now(), rand.Reader),
		storage: s,
		base:    s.sortedHeads()[0],
		changes: make(map[string]btree.Change),
	}
	j.log = s.log.WithFields(logrus.Fields{"journal": j.id.String(), "base": j.base.ID.Short()})
	s.journals[j.id] = j
	j.log.Debug("journal started")
	return j, nil
}

// ID returns the journal id.
func (j *Journal) ID() ulid.ULID { return j.id }

// Base returns the commit the journal edits.
func (j *Journal) Base() *commit.Commit { return j.base }

// Put sets key to value. Values above the page's inline threshold are
// stored as separate objects.
func (j *Journal) Put(ctx context.Context, key, value []byte) error {
	if err := j.check(); err != nil {
		return err
	}
	change := btree.Put(clone(key), clone(value))
	if len(value) > j.storage.opts.InlineThreshold {
		ref, err := j.storage.objects.PutValue(ctx, value)
		if err != nil {
			return errors.Wrap(err, "store value")
		}
		change = btree.PutRef(clone(key), ref)
	}
	return j.stage(change)
}

// PutReference sets key to the value stored as object ref, which must
// already be in the page's object store.
func (j *Journal) PutReference(ctx context.Context, key []byte, ref object.ID) error {
	if err := j.check(); err != nil {
		return err
	}
	// Once staged, the journal's refs keep ref alive; the hold covers a
	// collection already past its mark.
	release := j.storage.objects.Hold()
	defer release()
	ok, err := j.storage.objects.Has(ctx, ref)
	if err != nil {
		return err
	}
	if !ok {
		return status.New(status.NotFound, "put reference", errors.Errorf("object %s is not stored", ref.Short()))
	}
	return j.stage(btree.PutRef(clone(key), ref))
}

// Delete removes key.
func (j *Journal) Delete(ctx context.Context, key []byte) error {
	if err := j.check(); err != nil {
		return err
	}
	return j.stage(btree.Delete(clone(key)))
}

// Get returns the value of key as seen by the journal: staged edits first,
// then the base commit.
func (j *Journal) Get(ctx context.Context, key []byte) ([]byte, error) {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return nil, ErrJournalFinished
	}
	c, staged := j.changes[string(key)]
	j.mu.Unlock()

	if !staged {
		return j.storage.Get(ctx, j.base, key)
	}
	if c.Delete {
		return nil, status.New(status.NotFound, "get key", nil)
	}
	return j.storage.resolve(ctx, c.Entry)
}

// Commit builds the new tree and applies the resulting commit. A journal
// without effective edits returns its base commit.
func (j *Journal) Commit(ctx context.Context) (*commit.Commit, error) {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return nil, ErrJournalFinished
	}
	j.finished = true
	changes := make([]btree.Change, 0, len(j.changes))
	for _, c := range j.changes {
		changes = append(changes, c)
	}
	j.mu.Unlock()

	s := j.storage
	s.mu.Lock()
	s.committing++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.committing--
		delete(s.journals, j.id)
		s.mu.Unlock()
	}()

	root, err := s.tree.Apply(ctx, j.base.Root, changes)
	if err != nil {
		return nil, errors.Wrap(err, "build tree")
	}
	if root == j.base.Root {
		j.log.Debug("journal has no effect")
		return j.base, nil
	}

	c := commit.New(j.base, root, s.opts.Clock())
	if err := s.AddCommits(ctx, []*commit.Commit{c}, Local); err != nil {
		return nil, err
	}
	j.log.WithFields(logrus.Fields{"commit": c.ID.Short(), "changes": len(changes)}).Debug("journal committed")
	return c, nil
}

// Rollback discards the journal.
func (j *Journal) Rollback() error {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return ErrJournalFinished
	}
	j.finished = true
	j.mu.Unlock()

	s := j.storage
	s.mu.Lock()
	delete(s.journals, j.id)
	s.mu.Unlock()
	j.log.Debug("journal rolled back")
	return nil
}

func (j *Journal) check() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished {
		return ErrJournalFinished
	}
	return nil
}

func (j *Journal) stage(c btree.Change) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finished {
		return ErrJournalFinished
	}
	j.changes[string(c.Key)] = c
	return nil
}

// abandon finishes the journal when its page closes. Called with the
// storage lock held.
func (j *Journal) abandon() {
	j.mu.Lock()
	j.finished = true
	j.mu.Unlock()
}

// refs returns the objects the journal keeps alive: its base tree and the
// values it staged.
func (j *Journal) refs() []object.ID {
	j.mu.Lock()
	defer j.mu.Unlock()
	ids := []object.ID{j.base.Root}
	for _, c := range j.changes {
		if c.IsRef() {
			ids = append(ids, c.Ref)
		}
	}
	return ids
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return append([]byte(nil), b...)
}
