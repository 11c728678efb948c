package btree

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/aweris/pagestore/internal/crypto"
	"github.com/aweris/pagestore/internal/object"
	"github.com/aweris/pagestore/internal/status"
)

// Entry is one key of the mapping. The value is either held inline or
// stored as a separate object named by Ref.
type Entry struct {
	Key   []byte
	Value []byte
	Ref   object.ID
}

// IsRef reports whether the value lives in a separate object.
func (e Entry) IsRef() bool { return !e.Ref.IsZero() }

// Equal reports whether e and o map the same key to the same value.
func (e Entry) Equal(o Entry) bool {
	return bytes.Equal(e.Key, o.Key) && e.Ref == o.Ref && bytes.Equal(e.Value, o.Value)
}

// Node is a decoded tree node.
//
// A node at level L holds the keys of level L in its subtree, in order, and
// len(Entries)+1 children. Children[i] is the subtree holding the keys
// between Entries[i-1] and Entries[i]; it is a node of a lower level, or the
// zero id when that range is empty. Level-0 nodes have only zero children.
type Node struct {
	Level    uint8
	Entries  []Entry
	Children []object.ID
}

const (
	tagInline byte = 0
	tagRef    byte = 1
)

// KeyLevel is the level a key lives at: the number of leading zero nibbles
// of its digest. It depends on nothing but the key, which makes the tree
// shape a function of the key set alone.
func KeyLevel(key []byte) uint8 {
	d := crypto.Sum(key)
	var level uint8
	for _, b := range d {
		if b == 0 {
			level += 2
			continue
		}
		if b < 0x10 {
			level++
		}
		break
	}
	return level
}

// emptyNode is the root of the empty mapping.
func emptyNode() *Node {
	return &Node{Children: []object.ID{{}}}
}

// EmptyID is the id of the empty mapping's root node.
var EmptyID = object.ComputeID(object.KindNode, EncodeNode(emptyNode()))

// EncodeNode returns the canonical payload of n.
// Format:
//
//	{level:1}{count:4}
//	count × {keyLen:4}{key}{tag:1}({valueLen:4}{value} | {ref:32})
//	(count+1) × {child:32}
func EncodeNode(n *Node) []byte {
	var buf bytes.Buffer
	buf.WriteByte(n.Level)
	binary.Write(&buf, binary.BigEndian, uint32(len(n.Entries)))
	for _, e := range n.Entries {
		binary.Write(&buf, binary.BigEndian, uint32(len(e.Key)))
		buf.Write(e.Key)
		if e.IsRef() {
			buf.WriteByte(tagRef)
			buf.Write(e.Ref[:])
			continue
		}
		buf.WriteByte(tagInline)
		binary.Write(&buf, binary.BigEndian, uint32(len(e.Value)))
		buf.Write(e.Value)
	}
	for _, c := range n.Children {
		buf.Write(c[:])
	}
	return buf.Bytes()
}

// DecodeNode parses and validates a node payload. Any structural violation
// fails with PARSE_ERROR.
func DecodeNode(payload []byte) (*Node, error) {
	n, err := decodeNode(payload)
	if err != nil {
		return nil, status.New(status.ParseError, "decode node", err)
	}
	return n, nil
}

func decodeNode(payload []byte) (*Node, error) {
	r := bytes.NewReader(payload)

	level, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("missing level")
	}
	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, errors.New("missing entry count")
	}
	// Every entry takes at least 9 bytes and every child 32.
	if uint64(count)*9+(uint64(count)+1)*32 > uint64(r.Len()) {
		return nil, errors.Errorf("entry count %d exceeds payload", count)
	}

	n := &Node{Level: level, Entries: make([]Entry, count), Children: make([]object.ID, count+1)}
	for i := range n.Entries {
		e := &n.Entries[i]
		if e.Key, err = readChunk(r); err != nil {
			return nil, errors.Wrapf(err, "entry %d key", i)
		}
		tag, err := r.ReadByte()
		if err != nil {
			return nil, errors.Errorf("entry %d: missing value tag", i)
		}
		switch tag {
		case tagInline:
			if e.Value, err = readChunk(r); err != nil {
				return nil, errors.Wrapf(err, "entry %d value", i)
			}
			if e.Value == nil {
				e.Value = []byte{}
			}
		case tagRef:
			if _, err := io.ReadFull(r, e.Ref[:]); err != nil {
				return nil, errors.Errorf("entry %d: short ref", i)
			}
			if e.Ref.IsZero() {
				return nil, errors.Errorf("entry %d: zero ref", i)
			}
		default:
			return nil, errors.Errorf("entry %d: unknown value tag %d", i, tag)
		}

		if i > 0 && bytes.Compare(n.Entries[i-1].Key, e.Key) >= 0 {
			return nil, errors.Errorf("entry %d: keys out of order", i)
		}
		if KeyLevel(e.Key) != level {
			return nil, errors.Errorf("entry %d: key does not belong at level %d", i, level)
		}
	}
	for i := range n.Children {
		if _, err := io.ReadFull(r, n.Children[i][:]); err != nil {
			return nil, errors.Errorf("child count does not match %d entries", count)
		}
		if level == 0 && !n.Children[i].IsZero() {
			return nil, errors.New("level 0 node has a child")
		}
	}
	if r.Len() != 0 {
		return nil, errors.Errorf("%d trailing bytes", r.Len())
	}
	if count == 0 && (level != 0 || !n.Children[0].IsZero()) {
		return nil, errors.New("empty node must be the empty root")
	}
	return n, nil
}

func readChunk(r *bytes.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, errors.New("missing length")
	}
	if int64(size) > int64(r.Len()) {
		return nil, errors.Errorf("length %d exceeds payload", size)
	}
	if size == 0 {
		return nil, nil
	}
	b := make([]byte, size)
	io.ReadFull(r, b)
	return b, nil
}

// search returns the index of the first entry whose key is >= key and
// whether that entry's key equals key.
func (n *Node) search(key []byte) (int, bool) {
	lo, hi := 0, len(n.Entries)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(n.Entries[mid].Key, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, lo < len(n.Entries) && bytes.Equal(n.Entries[lo].Key, key)
}

// Refs returns the objects n points at: non-empty children first, then
// value objects, each in order.
func (n *Node) Refs() []object.ID {
	var refs []object.ID
	for _, c := range n.Children {
		if !c.IsZero() {
			refs = append(refs, c)
		}
	}
	for _, e := range n.Entries {
		if e.IsRef() {
			refs = append(refs, e.Ref)
		}
	}
	return refs
}

// ObjectRefs returns the objects a framed object of any kind points at.
func ObjectRefs(kind object.Kind, payload []byte) ([]object.ID, error) {
	if kind != object.KindNode {
		return object.References(kind, payload)
	}
	n, err := DecodeNode(payload)
	if err != nil {
		return nil, err
	}
	return n.Refs(), nil
}
