package page

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/pagestore/internal/kv"
	"github.com/aweris/pagestore/internal/status"
)

func TestJournal_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	events := record(s)

	rng := rand.New(rand.NewSource(3))
	want := make(map[string]string)
	for round := 0; round < 10; round++ {
		j, err := s.StartCommit(ctx)
		require.NoError(t, err)
		for i := 0; i < 30; i++ {
			k := fmt.Sprintf("k%03d", rng.Intn(100))
			if rng.Intn(4) == 0 {
				require.NoError(t, j.Delete(ctx, []byte(k)))
				delete(want, k)
				continue
			}
			v := fmt.Sprintf("r%d-%d-%s", round, i, bytes.Repeat([]byte("x"), rng.Intn(40)))
			require.NoError(t, j.Put(ctx, []byte(k), []byte(v)))
			want[k] = v
		}
		c, err := j.Commit(ctx)
		require.NoError(t, err)

		ev := next(t, events)
		assert.Equal(t, Local, ev.source)
		assert.Equal(t, c.ID, ev.commits[0].ID)

		got := make(map[string]string)
		entries, err := s.Entries(ctx, c)
		require.NoError(t, err)
		for _, e := range entries {
			v, err := s.Get(ctx, c, e.Key)
			require.NoError(t, err)
			got[string(e.Key)] = string(v)
		}
		assert.Equal(t, want, got, "round %d", round)
	}
}

func TestJournal_ReadYourWrites(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	commitKV(t, s, "a", "1", "b", "2")

	j, err := s.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, []byte("a"), []byte("changed")))
	require.NoError(t, j.Delete(ctx, []byte("b")))

	v, err := j.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, "changed", string(v))

	_, err = j.Get(ctx, []byte("b"))
	assert.True(t, status.Is(err, status.NotFound))

	_, err = j.Get(ctx, []byte("c"))
	assert.True(t, status.Is(err, status.NotFound))
	require.NoError(t, j.Rollback())
}

func TestJournal_NoEffectReturnsBase(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)
	base := commitKV(t, s, "a", "1")

	j, err := s.StartCommit(ctx)
	require.NoError(t, err)
	c, err := j.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, base.ID, c.ID)

	j, err = s.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, j.Delete(ctx, []byte("missing")))
	c, err = j.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, base.ID, c.ID)

	heads, err := s.GetHeads(ctx)
	require.NoError(t, err)
	require.Len(t, heads, 1)
	assert.Equal(t, base.ID, heads[0].ID)
}

func TestJournal_FinishedRejectsUse(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	j, err := s.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Put(ctx, []byte("a"), []byte("1")))
	_, err = j.Commit(ctx)
	require.NoError(t, err)

	assert.ErrorIs(t, j.Put(ctx, []byte("a"), []byte("2")), ErrJournalFinished)
	assert.ErrorIs(t, j.Delete(ctx, []byte("a")), ErrJournalFinished)
	_, err = j.Commit(ctx)
	assert.ErrorIs(t, err, ErrJournalFinished)
	assert.ErrorIs(t, j.Rollback(), ErrJournalFinished)
	_, err = j.Get(ctx, []byte("a"))
	assert.ErrorIs(t, err, ErrJournalFinished)

	j, err = s.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.Rollback())
	assert.ErrorIs(t, j.Put(ctx, []byte("a"), []byte("2")), ErrJournalFinished)
}

func TestJournal_LargeValuesBecomeObjects(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	big := bytes.Repeat([]byte("0123456789"), 10)
	c := commitKV(t, s, "big", string(big), "small", "x")

	e, err := s.Tree().Get(ctx, c.Root, []byte("big"))
	require.NoError(t, err)
	assert.True(t, e.IsRef())

	e, err = s.Tree().Get(ctx, c.Root, []byte("small"))
	require.NoError(t, err)
	assert.False(t, e.IsRef())

	v, err := s.Get(ctx, c, []byte("big"))
	require.NoError(t, err)
	assert.Equal(t, big, v)
}

func TestJournal_PutReference(t *testing.T) {
	ctx := context.Background()
	s := openMemory(t)

	id, err := s.AddObject(ctx, []byte("application object"))
	require.NoError(t, err)

	j, err := s.StartCommit(ctx)
	require.NoError(t, err)
	require.NoError(t, j.PutReference(ctx, []byte("ref"), id))

	other, err := openMemory(t).AddObject(ctx, []byte("elsewhere"))
	require.NoError(t, err)
	err = j.PutReference(ctx, []byte("dangling"), other)
	assert.True(t, status.Is(err, status.NotFound), "got %v", err)

	c, err := j.Commit(ctx)
	require.NoError(t, err)

	v, err := s.Get(ctx, c, []byte("ref"))
	require.NoError(t, err)
	assert.Equal(t, "application object", string(v))

	got, err := s.GetObject(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "application object", string(got))
}

func TestState_CommittingWhileBuilding(t *testing.T) {
	ctx := context.Background()

	var s *Storage
	var observed State
	clock := func() time.Time {
		observed = s.State()
		return time.Now()
	}
	s, err := Open(ctx, testPage, kv.NewMemory(), Options{Clock: clock})
	require.NoError(t, err)
	defer s.Close()

	commitKV(t, s, "a", "1")
	assert.Equal(t, Committing, observed)
	assert.Equal(t, Quiescent, s.State())
}
