package page

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/pagestore/internal/commit"
	"github.com/aweris/pagestore/internal/kv"
	"github.com/aweris/pagestore/internal/object"
	"github.com/aweris/pagestore/internal/status"
)

var testPage = NewID()

func openMemory(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(context.Background(), testPage, kv.NewMemory(), Options{InlineThreshold: 16})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type recorded struct {
	commits []*commit.Commit
	source  Source
}

func record(s *Storage) <-chan recorded {
	ch := make(chan recorded, 64)
	s.AddCommitWatcher(func(commits []*commit.Commit, source Source) {
		ch <- recorded{commits: commits, source: source}
	})
	return ch
}

func next(t *testing.T, ch <-chan recorded) recorded {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no watcher event")
		return recorded{}
	}
}

func commitKV(t *testing.T, s *Storage, kvs ...string) *commit.Commit {
	t.Helper()
	ctx := context.Background()
	j, err := s.StartCommit(ctx)
	require.NoError(t, err)
	for i := 0; i+1 < len(kvs); i += 2 {
		require.NoError(t, j.Put(ctx, []byte(kvs[i]), []byte(kvs[i+1])))
	}
	c, err := j.Commit(ctx)
	require.NoError(t, err)
	return c
}

// transfer copies c's objects from one page to another the way a download
// does: children before parents.
func transfer(t *testing.T, from, to *Storage, c *commit.Commit) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, from.Tree().Walk(ctx, c.Root, nil, func(id object.ID, _ object.Kind, _ []object.ID) error {
		data, err := from.Objects().Get(ctx, id)
		if err != nil {
			return err
		}
		return to.Objects().AddWithID(ctx, id, data)
	}))
}

func TestOpen_StartsAtEmptyCommit(t *testing.T) {
	s := openMemory(t)
	heads, err := s.GetHeads(context.Background())
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, commit.Empty().ID, heads[0].ID)
	assert.Equal(t, Quiescent, s.State())

	entries, err := s.Entries(context.Background(), heads[0])
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := kv.Open(kv.Config{Backend: kv.BackendBolt, Dir: dir})
	require.NoError(t, err)
	s, err := Open(ctx, testPage, db, Options{})
	require.NoError(t, err)
	c := commitKV(t, s, "k", "v")
	require.NoError(t, s.Close())

	db, err = kv.Open(kv.Config{Backend: kv.BackendBolt, Dir: dir})
	require.NoError(t, err)
	s, err = Open(ctx, testPage, db, Options{})
	require.NoError(t, err)
	defer s.Close()

	heads, err := s.GetHeads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, c.ID, heads[0].ID)

	v, err := s.Get(ctx, heads[0], []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "v", string(v))
}

func TestAddCommits_Idempotent(t *testing.T) {
	ctx := context.Background()
	a := openMemory(t)
	b := openMemory(t)
	events := record(b)

	c1 := commitKV(t, a, "x", "1")
	transfer(t, a, b, c1)

	require.NoError(t, b.AddCommits(ctx, []*commit.Commit{c1}, Sync))
	ev := next(t, events)
	assert.Equal(t, Sync, ev.source)
	require.Len(t, ev.commits, 1)
	assert.Equal(t, c1.ID, ev.commits[0].ID)

	objectsBefore, err := b.Objects().Count(ctx)
	require.NoError(t, err)

	require.NoError(t, b.AddCommits(ctx, []*commit.Commit{c1}, Sync))
	require.NoError(t, b.AddCommits(ctx, []*commit.Commit{c1, c1}, Sync))

	heads, err := b.GetHeads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, c1.ID, heads[0].ID)

	objectsAfter, err := b.Objects().Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, objectsBefore, objectsAfter)

	select {
	case ev := <-events:
		t.Fatalf("unexpected event for %d commits", len(ev.commits))
	case <-time.After(50 * time.Millisecond):
	}

	// Synced commits are not uploaded again.
	pending, err := b.PendingUploads(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAddCommits_ParentsInSameBatch(t *testing.T) {
	ctx := context.Background()
	a := openMemory(t)
	b := openMemory(t)

	c1 := commitKV(t, a, "x", "1")
	c2 := commitKV(t, a, "y", "2")
	transfer(t, a, b, c1)
	transfer(t, a, b, c2)

	// Out of order on purpose.
	require.NoError(t, b.AddCommits(ctx, []*commit.Commit{c2, c1}, Sync))
	heads, err := b.GetHeads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, c2.ID, heads[0].ID)
}

func TestAddCommits_Rejects(t *testing.T) {
	ctx := context.Background()
	a := openMemory(t)
	b := openMemory(t)

	c1 := commitKV(t, a, "x", "1")
	c2 := commitKV(t, a, "y", "2")

	t.Run("missing root", func(t *testing.T) {
		err := b.AddCommits(ctx, []*commit.Commit{c1}, Sync)
		assert.True(t, status.Is(err, status.NotFound), "got %v", err)
	})
	t.Run("missing parent", func(t *testing.T) {
		transfer(t, a, b, c2)
		err := b.AddCommits(ctx, []*commit.Commit{c2}, Sync)
		assert.True(t, status.Is(err, status.NotFound), "got %v", err)
	})
	t.Run("bad generation", func(t *testing.T) {
		bad := commit.NewMerge(commit.Empty(), commit.Empty(), c1.Root)
		bad.Generation = 7
		err := b.AddCommits(ctx, []*commit.Commit{bad}, Sync)
		assert.True(t, status.Is(err, status.ParseError), "got %v", err)
	})
	t.Run("parentless", func(t *testing.T) {
		err := b.AddCommits(ctx, []*commit.Commit{{ID: commit.ID{1}}}, Sync)
		assert.True(t, status.Is(err, status.ParseError), "got %v", err)
	})

	heads, err := b.GetHeads(ctx)
	require.NoError(t, err)
	assert.Equal(t, commit.Empty().ID, heads[0].ID)
}

type stubMerger struct {
	mu    sync.Mutex
	calls int
}

func (m *stubMerger) Merge(_ context.Context, a, b *commit.Commit) (*commit.Commit, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return commit.NewMerge(a, b, a.Root), nil
}

func TestConcurrentJournals_Diverge(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	j1, err := s.StartCommit(ctx)
	require.NoError(t, err)
	j2, err := s.StartCommit(ctx)
	require.NoError(t, err)
	assert.Equal(t, j1.Base().ID, j2.Base().ID)

	require.NoError(t, j1.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, j2.Put(ctx, []byte("b"), []byte("2")))

	c1, err := j1.Commit(ctx)
	require.NoError(t, err)
	c2, err := j2.Commit(ctx)
	require.NoError(t, err)

	heads, err := s.GetHeads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 2)
	assert.Equal(t, Diverged, s.State())

	m := &stubMerger{}
	s.SetMerger(m)
	s.Reconcile(ctx)

	heads, err = s.GetHeads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.ElementsMatch(t, []commit.ID{c1.ID, c2.ID}, heads[0].Parents)
	assert.Equal(t, Quiescent, s.State())
	assert.Equal(t, 1, m.calls)

	// Merges are local commits and get uploaded.
	pending, err := s.PendingUploads(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 3)
}

func TestAddCommits_MergesOnDivergence(t *testing.T) {
	ctx := context.Background()
	a := openMemory(t)
	b := openMemory(t)
	b.SetMerger(&stubMerger{})
	events := record(b)

	ca := commitKV(t, a, "x", "1")
	cb := commitKV(t, b, "y", "2")
	assert.Equal(t, Local, next(t, events).source)

	transfer(t, a, b, ca)
	require.NoError(t, b.AddCommits(ctx, []*commit.Commit{ca}, Sync))

	assert.Equal(t, Sync, next(t, events).source)
	merged := next(t, events)
	assert.Equal(t, Local, merged.source)
	require.Len(t, merged.commits, 1)
	assert.ElementsMatch(t, []commit.ID{ca.ID, cb.ID}, merged.commits[0].Parents)

	heads, err := b.GetHeads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, merged.commits[0].ID, heads[0].ID)
}

func TestWatcher_OrderAndCancel(t *testing.T) {
	s := openMemory(t)
	events := make(chan commit.ID, 16)
	cancel := s.AddCommitWatcher(func(commits []*commit.Commit, _ Source) {
		for _, c := range commits {
			events <- c.ID
		}
	})

	var want []commit.ID
	for i := 0; i < 5; i++ {
		want = append(want, commitKV(t, s, "k", strings.Repeat("v", i+1)).ID)
	}
	var got []commit.ID
	for range want {
		select {
		case id := <-events:
			got = append(got, id)
		case <-time.After(5 * time.Second):
			t.Fatal("missing event")
		}
	}
	assert.Equal(t, want, got)

	cancel()
	cancel()
	commitKV(t, s, "k", "after")
	select {
	case <-events:
		t.Fatal("cancelled watcher was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatcher_PanicDoesNotStopDelivery(t *testing.T) {
	s := openMemory(t)
	s.AddCommitWatcher(func([]*commit.Commit, Source) { panic("boom") })
	events := record(s)

	commitKV(t, s, "k", "v")
	next(t, events)
	commitKV(t, s, "k", "w")
	next(t, events)
}

func TestSyncBookkeeping(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	cur, err := s.Cursor(ctx)
	require.NoError(t, err)
	assert.True(t, cur.LastUploaded.IsZero())
	assert.Nil(t, cur.Download)

	c1 := commitKV(t, s, "a", "1")
	c2 := commitKV(t, s, "b", "2")

	pending, err := s.PendingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, c1.ID, pending[0].ID)
	assert.Equal(t, c2.ID, pending[1].ID)

	require.NoError(t, s.MarkUploaded(ctx, c1.ID))
	pending, err = s.PendingUploads(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.SetDownloadCursor(ctx, []byte("7")))
	cur, err = s.Cursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, cur.LastUploaded)
	assert.Equal(t, "7", string(cur.Download))

	ok, err := s.IsObjectSynced(ctx, c1.Root)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.MarkObjectSynced(ctx, c1.Root))
	ok, err = s.IsObjectSynced(ctx, c1.Root)
	require.NoError(t, err)
	assert.True(t, ok)
}
