package merge

import (
	"bytes"

	"github.com/aweris/pagestore/internal/btree"
	"github.com/aweris/pagestore/internal/commit"
)

// Candidate is one side of a conflict: the entry a head holds for a key,
// nil when the head deleted it.
type Candidate struct {
	Entry  *btree.Entry
	Commit *commit.Commit
}

// Deleted reports whether the candidate removes the key.
func (c Candidate) Deleted() bool { return c.Entry == nil }

// ConflictResolver picks the winner when both heads changed a key to
// different outcomes. It must be pure and must not depend on argument
// order: every device resolving the same conflict has to pick the same
// candidate.
type ConflictResolver interface {
	Resolve(key []byte, left, right Candidate) Candidate
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(key []byte, left, right Candidate) Candidate

func (f ResolverFunc) Resolve(key []byte, left, right Candidate) Candidate {
	return f(key, left, right)
}

// ValueOrder is the default resolver. It orders candidates by value, then
// by commit id, and the greater one wins. A deletion orders below every
// value, inline values below referenced ones.
var ValueOrder ConflictResolver = ResolverFunc(func(_ []byte, left, right Candidate) Candidate {
	if c := compareValues(left.Entry, right.Entry); c != 0 {
		return pick(c, left, right)
	}
	return pick(left.Commit.ID.Compare(right.Commit.ID), left, right)
})

// LastWriterWins picks the candidate from the later commit, then the
// greater commit id. Commit timestamps come from device clocks, so this
// is only as good as those clocks.
var LastWriterWins ConflictResolver = ResolverFunc(func(_ []byte, left, right Candidate) Candidate {
	switch {
	case left.Commit.Timestamp > right.Commit.Timestamp:
		return left
	case left.Commit.Timestamp < right.Commit.Timestamp:
		return right
	}
	return pick(left.Commit.ID.Compare(right.Commit.ID), left, right)
})

func pick(cmp int, left, right Candidate) Candidate {
	if cmp >= 0 {
		return left
	}
	return right
}

func compareValues(a, b *btree.Entry) int {
	rank := func(e *btree.Entry) int {
		switch {
		case e == nil:
			return 0
		case !e.IsRef():
			return 1
		default:
			return 2
		}
	}
	ra, rb := rank(a), rank(b)
	switch {
	case ra != rb:
		return ra - rb
	case ra == 0:
		return 0
	case ra == 1:
		return bytes.Compare(a.Value, b.Value)
	default:
		return a.Ref.Compare(b.Ref)
	}
}
