// Package commit defines the immutable commit records of a page.
//
// A commit names the root of a tree and up to two parent commits. Its id is
// the digest of its canonical msgpack record, so a commit created on one
// device and received on another has the same id on both.
package commit

import (
	"bytes"
	"encoding/hex"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack"

	"github.com/aweris/pagestore/internal/btree"
	"github.com/aweris/pagestore/internal/crypto"
	"github.com/aweris/pagestore/internal/object"
	"github.com/aweris/pagestore/internal/status"
)

// MaxParents is two: a regular commit has one parent, a merge has two.
const MaxParents = 2

// ID is the digest of a commit record.
type ID crypto.Digest

func (id ID) IsZero() bool { return id == ID{} }

func (id ID) Bytes() []byte { return id[:] }

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// Short returns an abbreviated id for log fields.
func (id ID) Short() string { return id.String()[:12] }

func (id ID) Compare(other ID) int { return bytes.Compare(id[:], other[:]) }

// ParseID parses the hex form of an id.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, status.Errorf(status.ParseError, "invalid commit id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// Commit is an immutable snapshot of a page.
type Commit struct {
	ID         ID
	Parents    []ID
	Root       object.ID
	Generation uint64
	// Timestamp is in Unix nanoseconds.
	Timestamp int64

	data []byte
}

type record struct {
	Parents    [][]byte `msgpack:"parents"`
	Root       []byte   `msgpack:"root"`
	Generation uint64   `msgpack:"generation"`
	Timestamp  int64    `msgpack:"timestamp"`
}

var empty = mustBuild(nil, btree.EmptyID, 0, 0)

// Empty returns the commit every page starts from. It has no parents, the
// empty tree as root, and is the same on every device.
func Empty() *Commit { return empty }

// New returns a commit on top of parent with the given root. The timestamp
// never goes backwards relative to the parent.
func New(parent *Commit, root object.ID, now time.Time) *Commit {
	ts := max(now.UnixNano(), parent.Timestamp)
	return mustBuild([]ID{parent.ID}, root, parent.Generation+1, ts)
}

// NewMerge returns the merge commit of a and b with the given root. The
// result depends only on its inputs, so every device merging the same pair
// to the same root gets the same commit.
func NewMerge(a, b *Commit, root object.ID) *Commit {
	return mustBuild([]ID{a.ID, b.ID}, root, max(a.Generation, b.Generation)+1, max(a.Timestamp, b.Timestamp))
}

func mustBuild(parents []ID, root object.ID, generation uint64, ts int64) *Commit {
	sorted := append([]ID(nil), parents...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })

	c := &Commit{Parents: sorted, Root: root, Generation: generation, Timestamp: ts}
	data, err := msgpack.Marshal(c.record())
	if err != nil {
		panic(errors.Wrap(err, "encode commit"))
	}
	c.data = data
	c.ID = ID(crypto.Sum(data))
	return c
}

func (c *Commit) record() *record {
	r := &record{Root: c.Root.Bytes(), Generation: c.Generation, Timestamp: c.Timestamp}
	for _, p := range c.Parents {
		r.Parents = append(r.Parents, p.Bytes())
	}
	return r
}

// Encode returns the canonical record. The caller must not modify it.
func (c *Commit) Encode() []byte { return c.data }

// Time returns the timestamp as a time.
func (c *Commit) Time() time.Time { return time.Unix(0, c.Timestamp) }

// IsMerge reports whether c has two parents.
func (c *Commit) IsMerge() bool { return len(c.Parents) == MaxParents }

// HasParent reports whether id is a parent of c.
func (c *Commit) HasParent(id ID) bool {
	for _, p := range c.Parents {
		if p == id {
			return true
		}
	}
	return false
}

// Less orders commits by generation, then id. Heads are merged and picked
// in this order.
func Less(a, b *Commit) bool {
	if a.Generation != b.Generation {
		return a.Generation < b.Generation
	}
	return a.ID.Compare(b.ID) < 0
}

// Decode parses a commit record. Records that are not canonical, have too
// many or unsorted parents, or a parentless record other than the empty
// commit fail with PARSE_ERROR.
func Decode(data []byte) (*Commit, error) {
	var r record
	if err := msgpack.Unmarshal(data, &r); err != nil {
		return nil, status.New(status.ParseError, "decode commit", err)
	}
	if len(r.Parents) > MaxParents {
		return nil, status.Errorf(status.ParseError, "commit has %d parents", len(r.Parents))
	}

	c := &Commit{Generation: r.Generation, Timestamp: r.Timestamp}
	if len(r.Root) != len(c.Root) {
		return nil, status.Errorf(status.ParseError, "commit root has %d bytes", len(r.Root))
	}
	copy(c.Root[:], r.Root)
	for _, p := range r.Parents {
		var id ID
		if len(p) != len(id) {
			return nil, status.Errorf(status.ParseError, "commit parent has %d bytes", len(p))
		}
		copy(id[:], p)
		c.Parents = append(c.Parents, id)
	}
	for i := 1; i < len(c.Parents); i++ {
		if c.Parents[i-1].Compare(c.Parents[i]) >= 0 {
			return nil, status.Errorf(status.ParseError, "commit parents out of order")
		}
	}

	canonical := mustBuild(c.Parents, c.Root, c.Generation, c.Timestamp)
	if !bytes.Equal(canonical.data, data) {
		return nil, status.Errorf(status.ParseError, "commit record is not canonical")
	}
	if len(c.Parents) == 0 && canonical.ID != empty.ID {
		return nil, status.Errorf(status.ParseError, "parentless commit %s is not the empty commit", canonical.ID.Short())
	}
	if len(c.Parents) > 0 && c.Generation == 0 {
		return nil, status.Errorf(status.ParseError, "commit %s has parents but generation 0", canonical.ID.Short())
	}
	return canonical, nil
}
