package page

import (
	"context"

	"github.com/pkg/errors"

	"github.com/aweris/pagestore/internal/commit"
	"github.com/aweris/pagestore/internal/object"
)

// GC deletes objects unreachable from every stored commit and every open
// journal, and returns how many were removed. Commits themselves are never
// collected.
//
// Objects written since the previous collection are kept for one more
// cycle, which covers trees still being built by journals and objects of
// commits still being downloaded. Objects referenced again while the
// collection runs are protected by object holds.
func (s *Storage) GC(ctx context.Context) (int, error) {
	epoch := s.objects.Epoch()
	s.mu.Lock()
	var roots []object.ID
	for _, j := range s.journals {
		roots = append(roots, j.refs()...)
	}
	s.mu.Unlock()

	err := s.db.Scan(ctx, []byte(commitPrefix), func(k, _ []byte) error {
		var id commit.ID
		copy(id[:], k[len(commitPrefix):])
		c, err := s.GetCommit(ctx, id)
		if err != nil {
			return err
		}
		roots = append(roots, c.Root)
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "gc: list commits")
	}

	live := make(map[object.ID]struct{})
	isLive := func(id object.ID) bool {
		_, ok := live[id]
		return ok
	}
	for _, root := range roots {
		err := s.tree.Walk(ctx, root, isLive, func(id object.ID, _ object.Kind, _ []object.ID) error {
			live[id] = struct{}{}
			return nil
		})
		if err != nil {
			return 0, errors.Wrap(err, "gc: mark")
		}
	}

	removed, err := s.objects.Sweep(ctx, epoch, isLive)
	if err != nil {
		return removed, errors.Wrap(err, "gc: sweep")
	}
	s.log.WithField("live", len(live)).WithField("removed", removed).Info("garbage collected")
	return removed, nil
}
