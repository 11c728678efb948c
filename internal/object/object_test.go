package object

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aweris/pagestore/internal/kv"
	"github.com/aweris/pagestore/internal/status"
)

func newStore(t *testing.T) (*Store, kv.Store) {
	t.Helper()
	db := kv.NewMemory()
	t.Cleanup(func() { db.Close() })
	return NewStore(db, 16), db
}

func TestEncodeDecode(t *testing.T) {
	data := Encode(KindBlob, []byte("hello"))
	assert.Equal(t, "blob 5\x00hello", string(data))

	kind, payload, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindBlob, kind)
	assert.Equal(t, "hello", string(payload))

	assert.Equal(t, Sum(data), ComputeID(KindBlob, []byte("hello")))
}

func TestDecode_Malformed(t *testing.T) {
	for name, data := range map[string]string{
		"no terminator": "blob 5hello",
		"no space":      "blob5\x00hello",
		"unknown kind":  "tree 5\x00hello",
		"short payload": "blob 6\x00hello",
		"padded size":   "blob 05\x00hello",
		"empty":         "",
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode([]byte(data))
			assert.True(t, status.Is(err, status.ParseError), "got %v", err)
		})
	}
}

func TestID_TextRoundTrip(t *testing.T) {
	id := ComputeID(KindNode, []byte("x"))
	s := id.String()
	assert.Equal(t, byte('u'), s[0])

	parsed, err := ParseID(s)
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = ParseID("not-an-id")
	assert.True(t, status.Is(err, status.ParseError))
}

func TestStore_PutDeduplicates(t *testing.T) {
	ctx := context.Background()
	s, db := newStore(t)
	data := Encode(KindBlob, []byte("same bytes"))

	id1, err := s.Put(ctx, data)
	require.NoError(t, err)
	id2, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	n := 0
	require.NoError(t, db.Scan(ctx, []byte(KeyPrefix), func(_, _ []byte) error {
		n++
		return nil
	}))
	assert.Equal(t, 1, n)

	got, err := s.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Get(context.Background(), ComputeID(KindBlob, []byte("nope")))
	assert.True(t, status.Is(err, status.NotFound), "got %v", err)
}

func TestStore_GetCorrupted(t *testing.T) {
	ctx := context.Background()
	db := kv.NewMemory()
	defer db.Close()

	id, err := NewStore(db, 16).PutObject(ctx, KindBlob, []byte("original"))
	require.NoError(t, err)

	require.NoError(t, db.Put(ctx, key(id), []byte("blob 8\x00tampered")))

	// A fresh store has nothing cached.
	_, err = NewStore(db, 16).Get(ctx, id)
	assert.True(t, status.Is(err, status.InternalError), "got %v", err)

	require.NoError(t, db.Put(ctx, key(id), []byte("garbage")))
	_, err = NewStore(db, 16).Get(ctx, id)
	assert.True(t, status.Is(err, status.InternalError), "got %v", err)
}

func TestStore_AddWithIDRejectsMismatch(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	data := Encode(KindBlob, []byte("payload"))

	err := s.AddWithID(ctx, ComputeID(KindBlob, []byte("other")), data)
	assert.True(t, status.Is(err, status.ParseError), "got %v", err)

	require.NoError(t, s.AddWithID(ctx, Sum(data), data))
	ok, err := s.Has(ctx, Sum(data))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_SweepKeepsLiveAndRecent(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	live, err := s.PutObject(ctx, KindBlob, []byte("live"))
	require.NoError(t, err)
	dead, err := s.PutObject(ctx, KindBlob, []byte("dead"))
	require.NoError(t, err)

	isLive := func(id ID) bool { return id == live }

	// Both were written since the last sweep.
	removed, err := s.Sweep(ctx, s.Epoch(), isLive)
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = s.Sweep(ctx, s.Epoch(), isLive)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	ok, err := s.Has(ctx, dead)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Has(ctx, live)
	require.NoError(t, err)
	assert.True(t, ok)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestStore_SweepStopsAfterHold(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	dead, err := s.PutObject(ctx, KindBlob, []byte("dead"))
	require.NoError(t, err)
	_, err = s.Sweep(ctx, s.Epoch(), func(ID) bool { return false })
	require.NoError(t, err)

	// A hold taken between marking and sweeping makes the mark stale.
	epoch := s.Epoch()
	release := s.Hold()
	removed, err := s.Sweep(ctx, epoch, func(ID) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, removed)

	release()
	release()
	removed, err = s.Sweep(ctx, epoch, func(ID) bool { return false })
	require.NoError(t, err)
	assert.Zero(t, removed, "released holds still invalidate older marks")

	removed, err = s.Sweep(ctx, s.Epoch(), func(ID) bool { return false })
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	ok, err := s.Has(ctx, dead)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SmallValueIsOneBlob(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	id, err := s.PutValue(ctx, []byte("small"))
	require.NoError(t, err)
	assert.Equal(t, ComputeID(KindBlob, []byte("small")), id)

	got, err := s.ReadValue(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "small", string(got))
}

func TestStore_LargeValueReusesFragments(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	value := make([]byte, 6*miB)
	rand.New(rand.NewSource(42)).Read(value)

	id1, err := s.PutValue(ctx, value)
	require.NoError(t, err)

	kind, payload, err := s.GetObject(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, KindIndex, kind)
	frags1, err := Fragments(payload)
	require.NoError(t, err)
	require.Greater(t, len(frags1), 1)

	got, err := s.ReadValue(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	edited := append([]byte(nil), value...)
	edited[len(edited)-10] ^= 0xff

	id2, err := s.PutValue(ctx, edited)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	_, payload, err = s.GetObject(ctx, id2)
	require.NoError(t, err)
	frags2, err := Fragments(payload)
	require.NoError(t, err)

	assert.Equal(t, frags1[0], frags2[0])
	assert.NotEqual(t, frags1[len(frags1)-1], frags2[len(frags2)-1])

	got, err = s.ReadValue(ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, edited, got)
}

func TestStore_ReadValueRejectsNode(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	id, err := s.PutObject(ctx, KindNode, []byte{0})
	require.NoError(t, err)

	_, err = s.ReadValue(ctx, id)
	assert.True(t, status.Is(err, status.InternalError))
}
