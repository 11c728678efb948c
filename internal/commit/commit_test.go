package commit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack"

	"github.com/aweris/pagestore/internal/btree"
	"github.com/aweris/pagestore/internal/object"
	"github.com/aweris/pagestore/internal/status"
)

func root(s string) object.ID { return object.ComputeID(object.KindNode, []byte(s)) }

func TestEmpty_IsFixed(t *testing.T) {
	c := Empty()
	assert.Empty(t, c.Parents)
	assert.Equal(t, btree.EmptyID, c.Root)
	assert.Zero(t, c.Generation)
	assert.Zero(t, c.Timestamp)

	again, err := Decode(c.Encode())
	require.NoError(t, err)
	assert.Equal(t, c.ID, again.ID)
}

func TestNew(t *testing.T) {
	c0 := Empty()
	now := time.Unix(100, 0)
	c1 := New(c0, root("a"), now)

	assert.Equal(t, []ID{c0.ID}, c1.Parents)
	assert.Equal(t, uint64(1), c1.Generation)
	assert.Equal(t, now.UnixNano(), c1.Timestamp)
	assert.True(t, c1.HasParent(c0.ID))
	assert.False(t, c1.IsMerge())

	// Same inputs, same id.
	assert.Equal(t, c1.ID, New(c0, root("a"), now).ID)
	assert.NotEqual(t, c1.ID, New(c0, root("b"), now).ID)

	// A clock behind the parent does not move time backwards.
	c2 := New(c1, root("b"), time.Unix(50, 0))
	assert.Equal(t, c1.Timestamp, c2.Timestamp)
}

func TestNewMerge_IsSymmetric(t *testing.T) {
	c0 := Empty()
	a := New(c0, root("a"), time.Unix(1, 0))
	b := New(New(c0, root("x"), time.Unix(2, 0)), root("b"), time.Unix(3, 0))

	m1 := NewMerge(a, b, root("m"))
	m2 := NewMerge(b, a, root("m"))
	assert.Equal(t, m1.ID, m2.ID)
	assert.Equal(t, m1.Encode(), m2.Encode())
	assert.True(t, m1.IsMerge())
	assert.Equal(t, uint64(3), m1.Generation)
	assert.Equal(t, b.Timestamp, m1.Timestamp)
	assert.Equal(t, -1, m1.Parents[0].Compare(m1.Parents[1]))
}

func TestDecode_RoundTrip(t *testing.T) {
	c1 := New(Empty(), root("a"), time.Unix(5, 0))
	got, err := Decode(c1.Encode())
	require.NoError(t, err)
	assert.Equal(t, c1.ID, got.ID)
	assert.Equal(t, c1.Parents, got.Parents)
	assert.Equal(t, c1.Root, got.Root)
	assert.Equal(t, c1.Generation, got.Generation)
	assert.Equal(t, c1.Time(), got.Time())
}

func TestDecode_Rejects(t *testing.T) {
	p1, p2 := Empty().ID, New(Empty(), root("a"), time.Unix(1, 0)).ID
	if p1.Compare(p2) > 0 {
		p1, p2 = p2, p1
	}
	encode := func(r record) []byte {
		data, err := msgpack.Marshal(&r)
		require.NoError(t, err)
		return data
	}

	for name, data := range map[string][]byte{
		"garbage":           []byte("not msgpack"),
		"short root":        encode(record{Parents: [][]byte{p1.Bytes()}, Root: []byte{1}, Generation: 1}),
		"unsorted parents":  encode(record{Parents: [][]byte{p2.Bytes(), p1.Bytes()}, Root: root("r").Bytes(), Generation: 2}),
		"too many parents":  encode(record{Parents: [][]byte{p1.Bytes(), p2.Bytes(), p2.Bytes()}, Root: root("r").Bytes(), Generation: 2}),
		"foreign root":      encode(record{Root: root("r").Bytes()}),
		"zero generation":   encode(record{Parents: [][]byte{p1.Bytes()}, Root: root("r").Bytes()}),
		"short parent":      encode(record{Parents: [][]byte{{1, 2}}, Root: root("r").Bytes(), Generation: 1}),
		"trailing bytes":    append(New(Empty(), root("a"), time.Unix(1, 0)).Encode(), 0),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(data)
			assert.True(t, status.Is(err, status.ParseError), "got %v", err)
		})
	}
}

func TestLess(t *testing.T) {
	c0 := Empty()
	a := New(c0, root("a"), time.Unix(1, 0))
	b := New(c0, root("b"), time.Unix(1, 0))
	assert.True(t, Less(c0, a))
	assert.NotEqual(t, Less(a, b), Less(b, a))
}

func TestParseID(t *testing.T) {
	id := Empty().ID
	got, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = ParseID("zz")
	assert.True(t, status.Is(err, status.ParseError))
}
