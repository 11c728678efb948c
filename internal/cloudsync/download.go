package cloudsync

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/pagestore/internal/backoff"
	"github.com/aweris/pagestore/internal/btree"
	"github.com/aweris/pagestore/internal/cloud"
	"github.com/aweris/pagestore/internal/commit"
	"github.com/aweris/pagestore/internal/object"
	"github.com/aweris/pagestore/internal/page"
	"github.com/aweris/pagestore/internal/status"
)

// downloadOnce follows the commit stream from the persisted cursor until an
// error ends it.
func (e *Engine) downloadOnce(ctx context.Context, bo *backoff.Backoff) (bool, error) {
	cur, err := e.storage.Cursor(ctx)
	if err != nil {
		return false, err
	}
	tok, err := e.token(ctx)
	if err != nil {
		return false, err
	}
	stream, err := e.opts.Provider.WatchCommits(ctx, e.name, tok, cur.Download)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	for {
		batch, err := stream.Recv(ctx)
		if err != nil {
			return false, err
		}
		if err := e.applyBatch(ctx, batch); err != nil {
			return false, err
		}
		bo.Reset()
	}
}

// applyBatch applies the commits of batch whose history is complete and
// then persists the batch cursor. Commits still missing a parent are kept
// for later batches. A commit whose objects cannot be parsed is dropped
// together with its descendants; the rest of the batch still applies.
func (e *Engine) applyBatch(ctx context.Context, batch cloud.Batch) error {
	defer e.enter(Downloading)()

	var incoming []*commit.Commit
	for _, r := range batch.Records {
		c, err := e.openRecord(r)
		if err != nil {
			e.log.WithError(err).WithField("record", r.Name).Error("dropping commit record")
			continue
		}
		known, err := e.storage.HasCommit(ctx, c.ID)
		if err != nil {
			return err
		}
		if !known {
			incoming = append(incoming, c)
		}
	}
	e.mu.Lock()
	for _, c := range e.orphans {
		incoming = append(incoming, c)
	}
	e.orphans = make(map[commit.ID]*commit.Commit)
	e.mu.Unlock()
	sort.Slice(incoming, func(i, j int) bool { return commit.Less(incoming[i], incoming[j]) })

	ready, waiting, err := e.partition(ctx, incoming)
	if err != nil {
		return err
	}

	// Objects found present locally must outlive a concurrent collection
	// until the commits referencing them are applied.
	release := e.storage.Objects().Hold()
	defer release()

	dropped := e.dropped
	before := len(dropped)
	applicable := ready[:0:0]
	for _, c := range ready {
		if descends(c, dropped) {
			dropped[c.ID] = struct{}{}
			continue
		}
		err := e.fetchTree(ctx, c.Root)
		var ce *cloud.Error
		switch {
		case err == nil:
			applicable = append(applicable, c)
		case errors.As(err, &ce) && ce.Status == cloud.ParseError:
			e.log.WithError(err).WithField("commit", c.ID.Short()).Error("dropping commit with unreadable objects")
			dropped[c.ID] = struct{}{}
		default:
			return errors.Wrapf(err, "fetch tree of %s", c.ID.Short())
		}
	}
	if err := e.apply(ctx, applicable); err != nil {
		return err
	}
	release()

	kept := waiting[:0:0]
	for _, c := range waiting {
		if descends(c, dropped) {
			dropped[c.ID] = struct{}{}
			continue
		}
		kept = append(kept, c)
	}
	if n := len(dropped) - before; n > 0 {
		e.log.WithField("commits", n).Warn("dropped commits that can never be applied")
	}

	e.mu.Lock()
	for _, c := range kept {
		e.orphans[c.ID] = c
	}
	e.mu.Unlock()
	if len(kept) > 0 {
		// Orphans live in memory only. Keep the cursor before them so a
		// restart downloads them again.
		e.log.WithField("commits", len(kept)).Warn("holding commits with missing parents")
		return nil
	}
	return e.storage.SetDownloadCursor(ctx, batch.Cursor)
}

// descends reports whether a parent of c is in set.
func descends(c *commit.Commit, set map[commit.ID]struct{}) bool {
	for _, p := range c.Parents {
		if _, ok := set[p]; ok {
			return true
		}
	}
	return false
}

// partition splits sorted commits into those whose parents are known or
// among the earlier ready ones, and the rest.
func (e *Engine) partition(ctx context.Context, commits []*commit.Commit) (ready, waiting []*commit.Commit, err error) {
	accepted := make(map[commit.ID]struct{})
	for _, c := range commits {
		if _, dup := accepted[c.ID]; dup {
			continue
		}
		complete := true
		for _, p := range c.Parents {
			if _, ok := accepted[p]; ok {
				continue
			}
			known, err := e.storage.HasCommit(ctx, p)
			if err != nil {
				return nil, nil, err
			}
			if !known {
				complete = false
				break
			}
		}
		if complete {
			accepted[c.ID] = struct{}{}
			ready = append(ready, c)
		} else {
			waiting = append(waiting, c)
		}
	}
	return ready, waiting, nil
}

// apply adds commits in one batch. If the batch holds an invalid commit it
// falls back to one commit at a time, dropping the invalid ones.
func (e *Engine) apply(ctx context.Context, commits []*commit.Commit) error {
	if len(commits) == 0 {
		return nil
	}
	err := e.storage.AddCommits(ctx, commits, page.Sync)
	if err == nil {
		e.stats.commitsDown.Add(int64(len(commits)))
		return nil
	}
	if !status.Is(err, status.ParseError) && !status.Is(err, status.NotFound) {
		return err
	}

	for _, c := range commits {
		err := e.storage.AddCommits(ctx, []*commit.Commit{c}, page.Sync)
		switch {
		case err == nil:
			e.stats.commitsDown.Add(1)
		case status.Is(err, status.ParseError), status.Is(err, status.NotFound):
			e.log.WithError(err).WithField("commit", c.ID.Short()).Error("dropping invalid commit")
		default:
			return err
		}
	}
	return nil
}

// openRecord decrypts a commit record and checks it is stored under the
// name of its own id.
func (e *Engine) openRecord(r cloud.Record) (*commit.Commit, error) {
	plain, err := e.opts.Cipher.Open(r.Data, e.ad(r.Name))
	if err != nil {
		return nil, status.New(status.ParseError, "open commit record", err)
	}
	c, err := commit.Decode(plain)
	if err != nil {
		return nil, err
	}
	if e.opts.Cipher.ObjectName(c.ID.Bytes()) != r.Name {
		return nil, status.Errorf(status.ParseError, "commit %s stored under a foreign name", c.ID.Short())
	}
	return c, nil
}

type fetched struct {
	data []byte
	refs []object.ID
}

// fetchTree downloads the objects under root that are missing locally.
// Objects are fetched top-down, root first, and written children before
// parents, so a stored node always has its whole subtree stored.
func (e *Engine) fetchTree(ctx context.Context, root object.ID) error {
	has, err := e.storage.Objects().Has(ctx, root)
	if err != nil || has {
		return err
	}

	objects := make(map[object.ID]*fetched)
	queued := map[object.ID]struct{}{root: {}}
	frontier := []object.ID{root}
	for len(frontier) > 0 {
		results := make([]*fetched, len(frontier))
		p := pool.New().WithMaxGoroutines(e.opts.Concurrency).WithContext(ctx).WithCancelOnError().WithFirstError()
		for i, id := range frontier {
			p.Go(func(ctx context.Context) error {
				f, err := e.downloadObject(ctx, id)
				results[i] = f
				return err
			})
		}
		if err := p.Wait(); err != nil {
			return err
		}

		var next []object.ID
		for i, id := range frontier {
			objects[id] = results[i]
			for _, r := range results[i].refs {
				if _, ok := queued[r]; ok {
					continue
				}
				queued[r] = struct{}{}
				has, err := e.storage.Objects().Has(ctx, r)
				if err != nil {
					return err
				}
				if !has {
					next = append(next, r)
				}
			}
		}
		frontier = next
	}

	return e.store(ctx, objects)
}

// store writes fetched objects in order of height.
func (e *Engine) store(ctx context.Context, objects map[object.ID]*fetched) error {
	heights := make(map[object.ID]int, len(objects))
	var height func(id object.ID) int
	height = func(id object.ID) int {
		if h, ok := heights[id]; ok {
			return h
		}
		h := 0
		for _, r := range objects[id].refs {
			if _, ok := objects[r]; ok {
				h = max(h, height(r)+1)
			}
		}
		heights[id] = h
		return h
	}

	ids := make([]object.ID, 0, len(objects))
	for id := range objects {
		height(id)
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if heights[ids[i]] != heights[ids[j]] {
			return heights[ids[i]] < heights[ids[j]]
		}
		return ids[i].Compare(ids[j]) < 0
	})

	for _, id := range ids {
		if err := e.storage.Objects().AddWithID(ctx, id, objects[id].data); err != nil {
			return err
		}
		// The cloud holds it, so it never needs uploading.
		if err := e.storage.MarkObjectSynced(ctx, id); err != nil {
			return err
		}
	}
	e.stats.objectsDown.Add(int64(len(ids)))
	return nil
}

func (e *Engine) downloadObject(ctx context.Context, id object.ID) (*fetched, error) {
	name := e.opts.Cipher.ObjectName(id.Bytes())
	tok, err := e.token(ctx)
	if err != nil {
		return nil, err
	}
	sealed, err := e.opts.Provider.GetObject(ctx, e.name, tok, name)
	if err != nil {
		return nil, err
	}
	data, err := e.opts.Cipher.Open(sealed, e.ad(name))
	if err != nil {
		return nil, &cloud.Error{Status: cloud.ParseError, Op: "open object " + id.Short(), Err: err}
	}
	if object.Sum(data) != id {
		return nil, cloud.Errorf(cloud.ParseError, "open object "+id.Short(), "digest mismatch")
	}
	kind, payload, err := object.Decode(data)
	if err != nil {
		return nil, &cloud.Error{Status: cloud.ParseError, Op: "decode object " + id.Short(), Err: err}
	}
	refs, err := btree.ObjectRefs(kind, payload)
	if err != nil {
		return nil, &cloud.Error{Status: cloud.ParseError, Op: "decode object " + id.Short(), Err: err}
	}
	e.log.WithFields(logrus.Fields{"object": id.Short(), "kind": kind}).Debug("object downloaded")
	return &fetched{data: data, refs: refs}, nil
}
