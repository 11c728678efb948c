// Package merge reconciles divergent heads of a page.
//
// Merging finds the lowest common ancestor of two heads, diffs each head
// against it, and applies the union of both sides' changes to the
// ancestor's tree. Keys both sides changed differently go to a
// ConflictResolver. The merge commit depends only on the two heads and
// the resolver, so devices merging the same heads independently produce
// the same commit.
package merge

import (
	"bytes"
	"container/heap"
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/aweris/pagestore/internal/btree"
	"github.com/aweris/pagestore/internal/commit"
	"github.com/aweris/pagestore/internal/status"
)

// Graph is the read side of a page's commit graph.
type Graph interface {
	GetCommit(ctx context.Context, id commit.ID) (*commit.Commit, error)
	Tree() *btree.Tree
}

// Merger merges heads of one page.
type Merger struct {
	graph    Graph
	resolver ConflictResolver
	log      *logrus.Entry
}

// New returns a Merger over graph. A nil resolver selects ValueOrder.
func New(graph Graph, resolver ConflictResolver, log *logrus.Entry) *Merger {
	if resolver == nil {
		resolver = ValueOrder
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Merger{graph: graph, resolver: resolver, log: log}
}

// Merge returns the merge commit of a and b. Its tree is stored; the
// commit itself is not applied.
func (m *Merger) Merge(ctx context.Context, a, b *commit.Commit) (*commit.Commit, error) {
	if a.ID == b.ID {
		return nil, status.Errorf(status.InternalError, "merge of %s with itself", a.ID.Short())
	}
	if commit.Less(b, a) {
		a, b = b, a
	}

	base, err := m.CommonAncestor(ctx, a, b)
	if err != nil {
		return nil, err
	}

	changes, conflicts, err := m.threeWay(ctx, base, a, b)
	if err != nil {
		return nil, err
	}
	root, err := m.graph.Tree().Apply(ctx, base.Root, changes)
	if err != nil {
		return nil, errors.Wrap(err, "build merged tree")
	}

	merged := commit.NewMerge(a, b, root)
	m.log.WithFields(logrus.Fields{
		"left":      a.ID.Short(),
		"right":     b.ID.Short(),
		"base":      base.ID.Short(),
		"commit":    merged.ID.Short(),
		"changes":   len(changes),
		"conflicts": conflicts,
	}).Debug("merged heads")
	return merged, nil
}

// CommonAncestor returns the lowest common ancestor of a and b. When
// several qualify, the one with the greatest generation, then id, is
// returned.
func (m *Merger) CommonAncestor(ctx context.Context, a, b *commit.Commit) (*commit.Commit, error) {
	const (
		fromA uint8 = 1 << iota
		fromB
	)
	marks := map[commit.ID]uint8{a.ID: fromA}
	marks[b.ID] |= fromB

	q := &frontier{}
	heap.Push(q, a)
	if b.ID != a.ID {
		heap.Push(q, b)
	}

	for q.Len() > 0 {
		c := heap.Pop(q).(*commit.Commit)
		mark := marks[c.ID]
		if mark == fromA|fromB {
			return c, nil
		}
		for _, p := range c.Parents {
			old, seen := marks[p]
			marks[p] = old | mark
			if seen {
				continue
			}
			parent, err := m.graph.GetCommit(ctx, p)
			if err != nil {
				return nil, errors.Wrapf(err, "walk ancestors of %s", c.ID.Short())
			}
			heap.Push(q, parent)
		}
	}
	return nil, status.Errorf(status.InternalError, "%s and %s have no common ancestor", a.ID.Short(), b.ID.Short())
}

// frontier is a max-heap of commits by generation, then id.
type frontier []*commit.Commit

func (f frontier) Len() int           { return len(f) }
func (f frontier) Less(i, j int) bool { return commit.Less(f[j], f[i]) }
func (f frontier) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }
func (f *frontier) Push(x any)        { *f = append(*f, x.(*commit.Commit)) }
func (f *frontier) Pop() any {
	old := *f
	c := old[len(old)-1]
	*f = old[:len(old)-1]
	return c
}

func (m *Merger) threeWay(ctx context.Context, base, a, b *commit.Commit) ([]btree.Change, int, error) {
	tree := m.graph.Tree()
	collect := func(head *commit.Commit) (map[string]btree.Difference, error) {
		out := make(map[string]btree.Difference)
		err := tree.Diff(ctx, base.Root, head.Root, func(d btree.Difference) error {
			out[string(d.Key)] = d
			return nil
		})
		return out, err
	}
	da, err := collect(a)
	if err != nil {
		return nil, 0, errors.Wrap(err, "diff left head")
	}
	db, err := collect(b)
	if err != nil {
		return nil, 0, errors.Wrap(err, "diff right head")
	}

	keys := make([]string, 0, len(da)+len(db))
	for k := range da {
		keys = append(keys, k)
	}
	for k := range db {
		if _, ok := da[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	changes := make([]btree.Change, 0, len(keys))
	conflicts := 0
	for _, k := range keys {
		left, inA := da[k]
		right, inB := db[k]
		var outcome *btree.Entry
		switch {
		case !inB:
			outcome = left.Other
		case !inA:
			outcome = right.Other
		case sameOutcome(left.Other, right.Other):
			outcome = left.Other
		default:
			conflicts++
			winner := m.resolver.Resolve([]byte(k),
				Candidate{Entry: left.Other, Commit: a},
				Candidate{Entry: right.Other, Commit: b})
			outcome = winner.Entry
		}
		changes = append(changes, toChange([]byte(k), outcome))
	}
	return changes, conflicts, nil
}

func sameOutcome(a, b *btree.Entry) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Ref == b.Ref && bytes.Equal(a.Value, b.Value)
}

func toChange(key []byte, e *btree.Entry) btree.Change {
	switch {
	case e == nil:
		return btree.Delete(key)
	case e.IsRef():
		return btree.PutRef(key, e.Ref)
	default:
		return btree.Put(key, e.Value)
	}
}
