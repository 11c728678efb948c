package cloudsync

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"

	"github.com/aweris/pagestore/internal/backoff"
	"github.com/aweris/pagestore/internal/cloud"
	"github.com/aweris/pagestore/internal/commit"
	"github.com/aweris/pagestore/internal/object"
)

// uploadOnce pushes every pending local commit, oldest first.
func (e *Engine) uploadOnce(ctx context.Context, _ *backoff.Backoff) (bool, error) {
	pending, err := e.storage.PendingUploads(ctx)
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return true, nil
	}

	defer e.enter(Uploading)()
	for _, c := range pending {
		if err := e.uploadCommit(ctx, c); err != nil {
			return false, errors.Wrapf(err, "upload commit %s", c.ID.Short())
		}
	}
	return false, nil
}

// uploadCommit pushes the objects of c the cloud does not hold yet, in
// waves of equal height so every object lands after everything it
// references, and then the commit record.
func (e *Engine) uploadCommit(ctx context.Context, c *commit.Commit) error {
	waves, err := e.objectDelta(ctx, c.Root)
	if err != nil {
		return err
	}

	for _, wave := range waves {
		p := pool.New().WithMaxGoroutines(e.opts.Concurrency).WithContext(ctx).WithCancelOnError().WithFirstError()
		for _, id := range wave {
			p.Go(func(ctx context.Context) error {
				return e.uploadObject(ctx, id)
			})
		}
		if err := p.Wait(); err != nil {
			return err
		}
	}

	name := e.opts.Cipher.ObjectName(c.ID.Bytes())
	sealed, err := e.opts.Cipher.Seal(c.Encode(), e.ad(name))
	if err != nil {
		return errors.Wrap(err, "encrypt commit")
	}
	tok, err := e.token(ctx)
	if err != nil {
		return err
	}
	if err := e.opts.Provider.AddCommits(ctx, e.name, tok, []cloud.Record{{Name: name, Data: sealed}}); err != nil {
		return err
	}
	if err := e.storage.MarkUploaded(ctx, c.ID); err != nil {
		return err
	}
	e.stats.commitsUp.Add(1)
	e.log.WithFields(logrus.Fields{
		"commit":     c.ID.Short(),
		"generation": c.Generation,
	}).Info("commit uploaded")
	return nil
}

// objectDelta returns the objects reachable from root that the cloud does
// not hold, grouped by height: leaves first, then the nodes above them.
func (e *Engine) objectDelta(ctx context.Context, root object.ID) ([][]object.ID, error) {
	var skipErr error
	skip := func(id object.ID) bool {
		if skipErr != nil {
			return true
		}
		ok, err := e.storage.IsObjectSynced(ctx, id)
		if err != nil {
			skipErr = err
			return true
		}
		return ok
	}

	heights := make(map[object.ID]int)
	var waves [][]object.ID
	err := e.storage.Tree().Walk(ctx, root, skip, func(id object.ID, _ object.Kind, refs []object.ID) error {
		h := 0
		for _, r := range refs {
			if rh, ok := heights[r]; ok && rh+1 > h {
				h = rh + 1
			}
		}
		heights[id] = h
		for len(waves) <= h {
			waves = append(waves, nil)
		}
		waves[h] = append(waves[h], id)
		return nil
	})
	if skipErr != nil {
		return nil, skipErr
	}
	if err != nil {
		return nil, errors.Wrap(err, "compute object delta")
	}
	return waves, nil
}

func (e *Engine) uploadObject(ctx context.Context, id object.ID) error {
	data, err := e.storage.Objects().Get(ctx, id)
	if err != nil {
		return err
	}
	name := e.opts.Cipher.ObjectName(id.Bytes())
	sealed, err := e.opts.Cipher.Seal(data, e.ad(name))
	if err != nil {
		return errors.Wrap(err, "encrypt object")
	}
	tok, err := e.token(ctx)
	if err != nil {
		return err
	}
	if err := e.opts.Provider.AddObject(ctx, e.name, tok, name, sealed); err != nil {
		return err
	}
	if err := e.storage.MarkObjectSynced(ctx, id); err != nil {
		return err
	}
	e.stats.objectsUp.Add(1)
	e.log.WithField("object", id.Short()).Debug("object uploaded")
	return nil
}
