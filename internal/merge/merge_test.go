package merge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/pagestore/internal/btree"
	"github.com/aweris/pagestore/internal/commit"
	"github.com/aweris/pagestore/internal/kv"
	"github.com/aweris/pagestore/internal/object"
	"github.com/aweris/pagestore/internal/page"
)

var testPage = page.NewID()

// device is one replica of a page.
type device struct {
	t *testing.T
	s *page.Storage
}

func newDevice(t *testing.T, resolver ConflictResolver, at time.Time) *device {
	t.Helper()
	clock := func() time.Time { return at }
	s, err := page.Open(context.Background(), testPage, kv.NewMemory(), page.Options{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.SetMerger(New(s, resolver, nil))
	return &device{t: t, s: s}
}

func (d *device) commit(ops ...string) *commit.Commit {
	d.t.Helper()
	ctx := context.Background()
	j, err := d.s.StartCommit(ctx)
	require.NoError(d.t, err)
	for i := 0; i+1 < len(ops); i += 2 {
		if ops[i+1] == "" {
			require.NoError(d.t, j.Delete(ctx, []byte(ops[i])))
			continue
		}
		require.NoError(d.t, j.Put(ctx, []byte(ops[i]), []byte(ops[i+1])))
	}
	c, err := j.Commit(ctx)
	require.NoError(d.t, err)
	return c
}

// receive applies commits from another device the way sync does.
func (d *device) receive(from *device, commits ...*commit.Commit) {
	d.t.Helper()
	ctx := context.Background()
	for _, c := range commits {
		require.NoError(d.t, from.s.Tree().Walk(ctx, c.Root, nil, func(id object.ID, _ object.Kind, _ []object.ID) error {
			data, err := from.s.Objects().Get(ctx, id)
			if err != nil {
				return err
			}
			return d.s.Objects().AddWithID(ctx, id, data)
		}))
	}
	require.NoError(d.t, d.s.AddCommits(ctx, commits, page.Sync))
}

func (d *device) head() *commit.Commit {
	d.t.Helper()
	heads, err := d.s.GetHeads(context.Background())
	require.NoError(d.t, err)
	require.Len(d.t, heads, 1)
	return heads[0]
}

func (d *device) mapping(c *commit.Commit) map[string]string {
	d.t.Helper()
	ctx := context.Background()
	out := make(map[string]string)
	entries, err := d.s.Entries(ctx, c)
	require.NoError(d.t, err)
	for _, e := range entries {
		v, err := d.s.Get(ctx, c, e.Key)
		require.NoError(d.t, err)
		out[string(e.Key)] = string(v)
	}
	return out
}

func TestMerge_DisjointEdits(t *testing.T) {
	a := newDevice(t, nil, time.Unix(10, 0))
	b := newDevice(t, nil, time.Unix(20, 0))

	c1 := a.commit("x", "1")
	c2 := b.commit("y", "2")
	assert.Equal(t, commit.Empty().ID, c1.Parents[0])
	assert.Equal(t, commit.Empty().ID, c2.Parents[0])

	a.receive(b, c2)
	b.receive(a, c1)

	c3 := a.head()
	assert.Equal(t, c3.ID, b.head().ID)
	assert.ElementsMatch(t, []commit.ID{c1.ID, c2.ID}, c3.Parents)
	assert.Equal(t, map[string]string{"x": "1", "y": "2"}, a.mapping(c3))
	assert.Equal(t, page.Quiescent, a.s.State())
}

func TestMerge_TrueConflictConverges(t *testing.T) {
	a := newDevice(t, nil, time.Unix(10, 0))
	b := newDevice(t, nil, time.Unix(20, 0))

	c1 := a.commit("x", "1", "same", "s")
	c2 := b.commit("x", "2", "same", "s")

	a.receive(b, c2)
	b.receive(a, c1)

	ha, hb := a.head(), b.head()
	assert.Equal(t, ha.ID, hb.ID)
	assert.Equal(t, ha.Root, hb.Root)
	assert.Equal(t, ha.Encode(), hb.Encode())
	// The greater value wins by default.
	assert.Equal(t, map[string]string{"x": "2", "same": "s"}, a.mapping(ha))
}

func TestMerge_IsOrderIndependent(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, nil, time.Unix(10, 0))
	b := newDevice(t, nil, time.Unix(20, 0))

	c1 := a.commit("x", "1", "y", "1")
	c2 := b.commit("x", "2", "z", "2")

	a.s.SetMerger(nil)
	a.receive(b, c2)

	m := New(a.s, nil, nil)
	m1, err := m.Merge(ctx, c1, c2)
	require.NoError(t, err)
	m2, err := m.Merge(ctx, c2, c1)
	require.NoError(t, err)
	assert.Equal(t, m1.ID, m2.ID)
	assert.Equal(t, uint64(2), m1.Generation)
	assert.Equal(t, c2.Timestamp, m1.Timestamp)

	_, err = m.Merge(ctx, c1, c1)
	assert.Error(t, err)
}

func TestMerge_DeleteLosesToEditByDefault(t *testing.T) {
	a := newDevice(t, nil, time.Unix(10, 0))
	b := newDevice(t, nil, time.Unix(20, 0))

	base := a.commit("k", "v")
	b.receive(a, base)

	c1 := a.commit("k", "")
	c2 := b.commit("k", "edited")

	a.receive(b, c2)
	b.receive(a, c1)

	assert.Equal(t, a.head().ID, b.head().ID)
	assert.Equal(t, map[string]string{"k": "edited"}, a.mapping(a.head()))
}

func TestMerge_BothDeleteIsNotAConflict(t *testing.T) {
	a := newDevice(t, nil, time.Unix(10, 0))
	b := newDevice(t, nil, time.Unix(20, 0))

	base := a.commit("k", "v", "keep", "1")
	b.receive(a, base)

	c1 := a.commit("k", "", "other", "a")
	c2 := b.commit("k", "")

	a.receive(b, c2)
	assert.Equal(t, map[string]string{"keep": "1", "other": "a"}, a.mapping(a.head()))
	assert.ElementsMatch(t, []commit.ID{c1.ID, c2.ID}, a.head().Parents)
}

func TestMerge_LastWriterWins(t *testing.T) {
	a := newDevice(t, LastWriterWins, time.Unix(30, 0))
	b := newDevice(t, LastWriterWins, time.Unix(20, 0))

	c1 := a.commit("x", "1")
	c2 := b.commit("x", "2")

	a.receive(b, c2)
	b.receive(a, c1)

	assert.Equal(t, a.head().ID, b.head().ID)
	assert.Equal(t, map[string]string{"x": "1"}, a.mapping(a.head()))
}

func TestMerge_CustomResolver(t *testing.T) {
	var seen []string
	leftWins := ResolverFunc(func(key []byte, left, right Candidate) Candidate {
		seen = append(seen, string(key))
		if commit.Less(left.Commit, right.Commit) {
			return left
		}
		return right
	})
	a := newDevice(t, leftWins, time.Unix(10, 0))
	b := newDevice(t, nil, time.Unix(20, 0))

	c1 := a.commit("x", "1")
	c2 := b.commit("x", "2")
	a.receive(b, c2)

	want := "1"
	if commit.Less(c2, c1) {
		want = "2"
	}
	assert.Equal(t, map[string]string{"x": want}, a.mapping(a.head()))
	assert.Equal(t, []string{"x"}, seen)
}

func TestCommonAncestor(t *testing.T) {
	ctx := context.Background()
	a := newDevice(t, nil, time.Unix(10, 0))
	b := newDevice(t, nil, time.Unix(20, 0))

	c1 := a.commit("a", "1")
	c2 := a.commit("a", "2")
	b.receive(a, c1, c2)

	a3 := a.commit("a", "3")
	a4 := a.commit("a", "4")
	b3 := b.commit("b", "3")

	m := New(a.s, nil, nil)
	a.s.SetMerger(nil)
	a.receive(b, b3)

	lca, err := m.CommonAncestor(ctx, a4, b3)
	require.NoError(t, err)
	assert.Equal(t, c2.ID, lca.ID)

	lca, err = m.CommonAncestor(ctx, a3, a4)
	require.NoError(t, err)
	assert.Equal(t, a3.ID, lca.ID)
}

func TestMerge_ThreeHeadsCollapse(t *testing.T) {
	a := newDevice(t, nil, time.Unix(10, 0))
	b := newDevice(t, nil, time.Unix(20, 0))
	c := newDevice(t, nil, time.Unix(30, 0))

	a.commit("a", "1")
	cb := b.commit("b", "2")
	cc := c.commit("c", "3")

	a.s.SetMerger(nil)
	a.receive(b, cb)
	a.receive(c, cc)
	heads, err := a.s.GetHeads(context.Background())
	require.NoError(t, err)
	require.Len(t, heads, 3)

	a.s.SetMerger(New(a.s, nil, nil))
	a.s.Reconcile(context.Background())

	assert.Equal(t, map[string]string{"a": "1", "b": "2", "c": "3"}, a.mapping(a.head()))
}

func TestValueOrder(t *testing.T) {
	lo := &commit.Commit{ID: commit.ID{1}}
	hi := &commit.Commit{ID: commit.ID{2}}
	val := func(s string) *btree.Entry { return &btree.Entry{Key: []byte("k"), Value: []byte(s)} }
	ref := &btree.Entry{Key: []byte("k"), Ref: object.ComputeID(object.KindBlob, nil)}

	cases := []struct {
		name        string
		left, right Candidate
		leftWins    bool
	}{
		{"greater value", Candidate{val("b"), lo}, Candidate{val("a"), hi}, true},
		{"tie on value", Candidate{val("a"), lo}, Candidate{val("a"), hi}, false},
		{"delete is lowest", Candidate{nil, hi}, Candidate{val(""), lo}, false},
		{"ref above inline", Candidate{ref, lo}, Candidate{val("zzz"), hi}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ValueOrder.Resolve([]byte("k"), tc.left, tc.right)
			swapped := ValueOrder.Resolve([]byte("k"), tc.right, tc.left)
			assert.Equal(t, got, swapped)
			if tc.leftWins {
				assert.Equal(t, tc.left, got)
			} else {
				assert.Equal(t, tc.right, got)
			}
		})
	}
}
