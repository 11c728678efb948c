// Package btree encodes a page's key/value mapping as a persistent,
// structurally shared search tree whose nodes are objects.
//
// The tree is a Merkle search tree: every key has a level derived from its
// digest and lives in the node of that level covering its range. The shape
// therefore depends only on the set of keys, never on the order of edits,
// so two devices holding the same mapping hold the same root id. Updates
// are copy-on-write: subtrees an edit does not touch keep their ids.
package btree

import (
	"bytes"
	"context"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"github.com/aweris/pagestore/internal/object"
	"github.com/aweris/pagestore/internal/status"
)

// DefaultCacheSize is the number of decoded nodes kept in memory.
const DefaultCacheSize = 1024

// noParent is above every real level, so a root may have any level.
const noParent = 256

// Change is one edit applied to a tree.
type Change struct {
	Entry
	Delete bool
}

// Put returns a change setting key to an inline value.
func Put(key, value []byte) Change {
	if value == nil {
		value = []byte{}
	}
	return Change{Entry: Entry{Key: key, Value: value}}
}

// PutRef returns a change setting key to the value stored in object ref.
func PutRef(key []byte, ref object.ID) Change {
	return Change{Entry: Entry{Key: key, Ref: ref}}
}

// Delete returns a change removing key.
func Delete(key []byte) Change {
	return Change{Entry: Entry{Key: key}, Delete: true}
}

type change struct {
	Change
	level int
}

// Difference is a key whose value differs between two trees. Base or Other
// is nil when the key is absent on that side.
type Difference struct {
	Key   []byte
	Base  *Entry
	Other *Entry
}

// Tree reads and writes trees stored in an object store. It holds no root
// of its own; every operation takes the root to work on.
type Tree struct {
	objects *object.Store
	nodes   *lru.Cache[object.ID, *Node]
}

// New returns a Tree over objects.
func New(objects *object.Store, cacheSize int) *Tree {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	nodes, _ := lru.New[object.ID, *Node](cacheSize)
	return &Tree{objects: objects, nodes: nodes}
}

// Init stores the root of the empty mapping and returns its id.
func (t *Tree) Init(ctx context.Context) (object.ID, error) {
	return t.store(ctx, emptyNode())
}

// Get returns the entry of key under root, or NOT_FOUND.
func (t *Tree) Get(ctx context.Context, root object.ID, key []byte) (Entry, error) {
	n, err := t.load(ctx, root)
	if err != nil {
		return Entry{}, err
	}
	for {
		i, found := n.search(key)
		if found {
			return n.Entries[i], nil
		}
		child := n.Children[i]
		if child.IsZero() {
			return Entry{}, status.New(status.NotFound, "get key", nil)
		}
		if n, err = t.loadChild(ctx, child, int(n.Level)); err != nil {
			return Entry{}, err
		}
	}
}

// Apply returns the root of the mapping under root with changes applied.
// Changes may come in any order; for repeated keys the last one wins.
// Deleting an absent key is a no-op.
func (t *Tree) Apply(ctx context.Context, root object.ID, changes []Change) (object.ID, error) {
	norm := normalize(changes)
	if len(norm) == 0 {
		return root, nil
	}

	start, err := t.rootSubtree(ctx, root)
	if err != nil {
		return object.ID{}, err
	}
	id, err := t.update(ctx, start, noParent, norm)
	if err != nil {
		return object.ID{}, err
	}
	if id.IsZero() {
		return t.Init(ctx)
	}
	return id, nil
}

// ForEach calls fn for every entry under root in key order.
func (t *Tree) ForEach(ctx context.Context, root object.ID, fn func(Entry) error) error {
	start, err := t.rootSubtree(ctx, root)
	if err != nil {
		return err
	}
	return t.forEach(ctx, start, noParent, nil, nil, fn)
}

// Entries returns every entry under root in key order.
func (t *Tree) Entries(ctx context.Context, root object.ID) ([]Entry, error) {
	var out []Entry
	err := t.ForEach(ctx, root, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// Diff calls fn, in key order, for every key whose entry differs between
// base and other. Subtrees with equal ids are skipped without loading.
func (t *Tree) Diff(ctx context.Context, base, other object.ID, fn func(Difference) error) error {
	a, err := t.rootSubtree(ctx, base)
	if err != nil {
		return err
	}
	b, err := t.rootSubtree(ctx, other)
	if err != nil {
		return err
	}
	return t.diff(ctx, a, b, noParent, fn)
}

// Walk visits every object reachable from root, children before parents,
// each once. Objects for which skip returns true are not visited and not
// descended into.
func (t *Tree) Walk(ctx context.Context, root object.ID, skip func(object.ID) bool, fn func(id object.ID, kind object.Kind, refs []object.ID) error) error {
	seen := make(map[object.ID]struct{})
	var visit func(id object.ID) error
	visit = func(id object.ID) error {
		if _, ok := seen[id]; ok {
			return nil
		}
		seen[id] = struct{}{}
		if skip != nil && skip(id) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return status.New(status.IOError, "walk", err)
		}

		kind, payload, err := t.objects.GetObject(ctx, id)
		if err != nil {
			return errors.Wrapf(err, "walk %s", id.Short())
		}
		refs, err := ObjectRefs(kind, payload)
		if err != nil {
			return errors.Wrapf(err, "walk %s", id.Short())
		}
		for _, r := range refs {
			if err := visit(r); err != nil {
				return err
			}
		}
		return fn(id, kind, refs)
	}
	return visit(root)
}

func normalize(changes []Change) []change {
	out := make([]change, len(changes))
	for i, c := range changes {
		out[i] = change{Change: c, level: int(KeyLevel(c.Key))}
	}
	sort.SliceStable(out, func(i, j int) bool { return bytes.Compare(out[i].Key, out[j].Key) < 0 })

	// Keep the last change of each key.
	dedup := out[:0]
	for i, c := range out {
		if i+1 < len(out) && bytes.Equal(out[i+1].Key, c.Key) {
			continue
		}
		dedup = append(dedup, c)
	}
	return dedup
}

func (t *Tree) load(ctx context.Context, id object.ID) (*Node, error) {
	if n, ok := t.nodes.Get(id); ok {
		return n, nil
	}
	kind, payload, err := t.objects.GetObject(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "load node %s", id.Short())
	}
	if kind != object.KindNode {
		return nil, status.Errorf(status.ParseError, "object %s is a %s, not a node", id.Short(), kind)
	}
	n, err := DecodeNode(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "load node %s", id.Short())
	}
	t.nodes.Add(id, n)
	return n, nil
}

// loadChild loads a non-root node and checks it sits below its parent.
func (t *Tree) loadChild(ctx context.Context, id object.ID, parentLevel int) (*Node, error) {
	n, err := t.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if int(n.Level) >= parentLevel || len(n.Entries) == 0 {
		return nil, status.Errorf(status.ParseError, "node %s: level %d under level %d", id.Short(), n.Level, parentLevel)
	}
	return n, nil
}

// rootSubtree maps a root id to its subtree id: zero for the empty mapping.
func (t *Tree) rootSubtree(ctx context.Context, root object.ID) (object.ID, error) {
	n, err := t.load(ctx, root)
	if err != nil {
		return object.ID{}, err
	}
	if len(n.Entries) == 0 {
		return object.ID{}, nil
	}
	return root, nil
}

func (t *Tree) store(ctx context.Context, n *Node) (object.ID, error) {
	id, err := t.objects.PutObject(ctx, object.KindNode, EncodeNode(n))
	if err != nil {
		return object.ID{}, err
	}
	t.nodes.Add(id, n)
	return id, nil
}

// node stores a node, or collapses it into its only child when it has no
// entries left.
func (t *Tree) node(ctx context.Context, level uint8, entries []Entry, children []object.ID) (object.ID, error) {
	if len(entries) == 0 {
		return children[0], nil
	}
	return t.store(ctx, &Node{Level: level, Entries: entries, Children: children})
}

func (t *Tree) update(ctx context.Context, id object.ID, parentLevel int, changes []change) (object.ID, error) {
	if len(changes) == 0 {
		return id, nil
	}
	top := -1
	for _, c := range changes {
		if !c.Delete && c.level > top {
			top = c.level
		}
	}

	level := -1
	var n *Node
	if !id.IsZero() {
		var err error
		if n, err = t.loadChild(ctx, id, parentLevel); err != nil {
			return object.ID{}, err
		}
		level = int(n.Level)
	}

	if top > level {
		return t.raise(ctx, id, level, uint8(top), changes)
	}
	if n == nil {
		return object.ID{}, nil
	}

	entries := append([]Entry(nil), n.Entries...)
	children := append([]object.ID(nil), n.Children...)
	var lower []change
	for _, c := range changes {
		if c.level != level {
			lower = append(lower, c)
			continue
		}
		i, found := (&Node{Entries: entries}).search(c.Key)
		switch {
		case found && c.Delete:
			merged, err := t.merge(ctx, children[i], children[i+1], level)
			if err != nil {
				return object.ID{}, err
			}
			entries = append(entries[:i], entries[i+1:]...)
			children = append(children[:i+1], children[i+2:]...)
			children[i] = merged
		case found:
			entries[i] = c.Entry
		case c.Delete:
		default:
			l, r, err := t.split(ctx, children[i], c.Key, level)
			if err != nil {
				return object.ID{}, err
			}
			entries = insertAt(entries, i, c.Entry)
			children[i] = l
			children = insertAt(children, i+1, r)
		}
	}

	if err := t.route(ctx, entries, children, uint8(level), lower); err != nil {
		return object.ID{}, err
	}
	return t.node(ctx, uint8(level), entries, children)
}

// raise builds a node at level above the subtree id, whose own level is
// below it, splitting id at the new keys.
func (t *Tree) raise(ctx context.Context, id object.ID, idLevel int, level uint8, changes []change) (object.ID, error) {
	var seps []Entry
	var lower []change
	for _, c := range changes {
		switch {
		case c.level != int(level):
			lower = append(lower, c)
		case !c.Delete:
			seps = append(seps, c.Entry)
		}
	}

	children := make([]object.ID, len(seps)+1)
	rest := id
	for i, s := range seps {
		l, r, err := t.split(ctx, rest, s.Key, idLevel+1)
		if err != nil {
			return object.ID{}, err
		}
		children[i], rest = l, r
	}
	children[len(seps)] = rest

	if err := t.route(ctx, seps, children, level, lower); err != nil {
		return object.ID{}, err
	}
	return t.store(ctx, &Node{Level: level, Entries: seps, Children: children})
}

// route applies lower-level changes to the child segments they fall in.
func (t *Tree) route(ctx context.Context, entries []Entry, children []object.ID, level uint8, changes []change) error {
	j := 0
	for i := range children {
		k := j
		for k < len(changes) && (i == len(entries) || bytes.Compare(changes[k].Key, entries[i].Key) < 0) {
			k++
		}
		if k == j {
			continue
		}
		id, err := t.update(ctx, children[i], int(level), changes[j:k])
		if err != nil {
			return err
		}
		children[i] = id
		j = k
	}
	return nil
}

// split divides subtree id into the subtrees of keys below and above key.
// key itself must not be in the subtree.
func (t *Tree) split(ctx context.Context, id object.ID, key []byte, parentLevel int) (object.ID, object.ID, error) {
	if id.IsZero() {
		return object.ID{}, object.ID{}, nil
	}
	n, err := t.loadChild(ctx, id, parentLevel)
	if err != nil {
		return object.ID{}, object.ID{}, err
	}
	i, found := n.search(key)
	if found {
		return object.ID{}, object.ID{}, status.Errorf(status.InternalError, "split node %s at one of its own keys", id.Short())
	}

	cl, cr, err := t.split(ctx, n.Children[i], key, int(n.Level))
	if err != nil {
		return object.ID{}, object.ID{}, err
	}

	left, err := t.node(ctx, n.Level,
		append([]Entry(nil), n.Entries[:i]...),
		concat(n.Children[:i], []object.ID{cl}))
	if err != nil {
		return object.ID{}, object.ID{}, err
	}
	right, err := t.node(ctx, n.Level,
		append([]Entry(nil), n.Entries[i:]...),
		concat([]object.ID{cr}, n.Children[i+1:]))
	if err != nil {
		return object.ID{}, object.ID{}, err
	}
	return left, right, nil
}

// merge joins two adjacent subtrees; every key of a is below every key of b.
func (t *Tree) merge(ctx context.Context, a, b object.ID, parentLevel int) (object.ID, error) {
	if a.IsZero() {
		return b, nil
	}
	if b.IsZero() {
		return a, nil
	}
	na, err := t.loadChild(ctx, a, parentLevel)
	if err != nil {
		return object.ID{}, err
	}
	nb, err := t.loadChild(ctx, b, parentLevel)
	if err != nil {
		return object.ID{}, err
	}

	last := len(na.Children) - 1
	switch {
	case na.Level > nb.Level:
		m, err := t.merge(ctx, na.Children[last], b, int(na.Level))
		if err != nil {
			return object.ID{}, err
		}
		children := concat(na.Children[:last], []object.ID{m})
		return t.store(ctx, &Node{Level: na.Level, Entries: na.Entries, Children: children})
	case nb.Level > na.Level:
		m, err := t.merge(ctx, a, nb.Children[0], int(nb.Level))
		if err != nil {
			return object.ID{}, err
		}
		children := concat([]object.ID{m}, nb.Children[1:])
		return t.store(ctx, &Node{Level: nb.Level, Entries: nb.Entries, Children: children})
	default:
		m, err := t.merge(ctx, na.Children[last], nb.Children[0], int(na.Level))
		if err != nil {
			return object.ID{}, err
		}
		entries := concat(na.Entries, nb.Entries)
		children := concat(na.Children[:last], []object.ID{m}, nb.Children[1:])
		return t.store(ctx, &Node{Level: na.Level, Entries: entries, Children: children})
	}
}

// forEach walks subtree id in order. Every key must fall strictly between
// lo and hi (nil means unbounded).
func (t *Tree) forEach(ctx context.Context, id object.ID, parentLevel int, lo, hi []byte, fn func(Entry) error) error {
	if id.IsZero() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return status.New(status.IOError, "iterate", err)
	}
	n, err := t.loadChild(ctx, id, parentLevel)
	if err != nil {
		return err
	}
	first, last := n.Entries[0].Key, n.Entries[len(n.Entries)-1].Key
	if (lo != nil && bytes.Compare(first, lo) <= 0) || (hi != nil && bytes.Compare(last, hi) >= 0) {
		return status.Errorf(status.ParseError, "node %s: keys outside parent range", id.Short())
	}

	for i, c := range n.Children {
		clo, chi := lo, hi
		if i > 0 {
			clo = n.Entries[i-1].Key
		}
		if i < len(n.Entries) {
			chi = n.Entries[i].Key
		}
		if err := t.forEach(ctx, c, int(n.Level), clo, chi, fn); err != nil {
			return err
		}
		if i < len(n.Entries) {
			if err := fn(n.Entries[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Tree) subtreeEntries(ctx context.Context, id object.ID, parentLevel int) ([]Entry, error) {
	var out []Entry
	err := t.forEach(ctx, id, parentLevel, nil, nil, func(e Entry) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

func (t *Tree) diff(ctx context.Context, a, b object.ID, parentLevel int, fn func(Difference) error) error {
	if a == b {
		return nil
	}
	if !a.IsZero() && !b.IsZero() {
		na, err := t.loadChild(ctx, a, parentLevel)
		if err != nil {
			return err
		}
		nb, err := t.loadChild(ctx, b, parentLevel)
		if err != nil {
			return err
		}
		if na.Level == nb.Level && sameKeys(na.Entries, nb.Entries) {
			for i := range na.Children {
				if err := t.diff(ctx, na.Children[i], nb.Children[i], int(na.Level), fn); err != nil {
					return err
				}
				if i == len(na.Entries) {
					break
				}
				ea, eb := na.Entries[i], nb.Entries[i]
				if !ea.Equal(eb) {
					if err := fn(Difference{Key: ea.Key, Base: &ea, Other: &eb}); err != nil {
						return err
					}
				}
			}
			return nil
		}
	}

	// Shapes differ: compare the two subtrees entry by entry.
	ea, err := t.subtreeEntries(ctx, a, parentLevel)
	if err != nil {
		return err
	}
	eb, err := t.subtreeEntries(ctx, b, parentLevel)
	if err != nil {
		return err
	}
	i, j := 0, 0
	for i < len(ea) || j < len(eb) {
		var d Difference
		switch {
		case j == len(eb) || (i < len(ea) && bytes.Compare(ea[i].Key, eb[j].Key) < 0):
			d = Difference{Key: ea[i].Key, Base: &ea[i]}
			i++
		case i == len(ea) || bytes.Compare(ea[i].Key, eb[j].Key) > 0:
			d = Difference{Key: eb[j].Key, Other: &eb[j]}
			j++
		default:
			if ea[i].Equal(eb[j]) {
				i++
				j++
				continue
			}
			d = Difference{Key: ea[i].Key, Base: &ea[i], Other: &eb[j]}
			i++
			j++
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func sameKeys(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !bytes.Equal(a[i].Key, b[i].Key) {
			return false
		}
	}
	return true
}

func insertAt[T any](s []T, i int, v T) []T {
	var zero T
	s = append(s, zero)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

func concat[T any](parts ...[]T) []T {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]T, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
