package object

import (
	"bytes"
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/restic/chunker"
	"github.com/vmihailenco/msgpack"

	"github.com/aweris/pagestore/internal/status"
)

const (
	kiB = 1024
	miB = 1024 * kiB

	// FragmentThreshold is the size above which a value is split into
	// fragments referenced by an index object.
	FragmentThreshold = 1 * miB

	minFragment = 256 * kiB
	maxFragment = 4 * miB
)

// fragmentPol is fixed so every device cuts the same value at the same
// offsets and produces the same fragment ids.
const fragmentPol = chunker.Pol(0x3DA3358B4DC173)

type fragmentRef struct {
	ID   []byte `msgpack:"id"`
	Size uint64 `msgpack:"size"`
}

// PutValue stores value and returns the id of the object to reference it by:
// a blob for small values, an index over content-defined fragments for large
// ones. Fragments are written before the index.
func (s *Store) PutValue(ctx context.Context, value []byte) (ID, error) {
	if len(value) <= FragmentThreshold {
		return s.PutObject(ctx, KindBlob, value)
	}

	c := chunker.NewWithBoundaries(bytes.NewReader(value), fragmentPol, minFragment, maxFragment)
	buf := make([]byte, maxFragment)

	var refs []fragmentRef
	for {
		chunk, err := c.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return ID{}, errors.Wrap(err, "split value")
		}
		id, err := s.PutObject(ctx, KindBlob, chunk.Data)
		if err != nil {
			return ID{}, err
		}
		refs = append(refs, fragmentRef{ID: id.Bytes(), Size: uint64(chunk.Length)})
	}

	index, err := msgpack.Marshal(refs)
	if err != nil {
		return ID{}, errors.Wrap(err, "encode fragment index")
	}
	return s.PutObject(ctx, KindIndex, index)
}

// ReadValue returns the value stored under id, reassembling fragments.
func (s *Store) ReadValue(ctx context.Context, id ID) ([]byte, error) {
	kind, payload, err := s.GetObject(ctx, id)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindBlob:
		return payload, nil
	case KindIndex:
		refs, err := decodeIndex(payload)
		if err != nil {
			return nil, status.New(status.InternalError, "read value "+id.Short(), err)
		}
		var total uint64
		for _, r := range refs {
			total += r.Size
		}
		out := make([]byte, 0, total)
		for _, r := range refs {
			fid, _ := IDFromBytes(r.ID)
			fkind, frag, err := s.GetObject(ctx, fid)
			if err != nil {
				return nil, errors.Wrapf(err, "read fragment of %s", id.Short())
			}
			if fkind != KindBlob || uint64(len(frag)) != r.Size {
				return nil, status.Errorf(status.InternalError, "fragment %s of %s is malformed", fid.Short(), id.Short())
			}
			out = append(out, frag...)
		}
		return out, nil
	default:
		return nil, status.Errorf(status.InternalError, "object %s is a %s, not a value", id.Short(), kind)
	}
}

// Fragments returns the ids an index object refers to, in order.
func Fragments(payload []byte) ([]ID, error) {
	refs, err := decodeIndex(payload)
	if err != nil {
		return nil, err
	}
	ids := make([]ID, len(refs))
	for i, r := range refs {
		ids[i], _ = IDFromBytes(r.ID)
	}
	return ids, nil
}

// References returns the objects a framed object points at directly.
// Nodes are opaque here; callers that understand them decode children
// themselves.
func References(kind Kind, payload []byte) ([]ID, error) {
	if kind == KindIndex {
		return Fragments(payload)
	}
	return nil, nil
}

func decodeIndex(payload []byte) ([]fragmentRef, error) {
	var refs []fragmentRef
	if err := msgpack.Unmarshal(payload, &refs); err != nil {
		return nil, status.New(status.ParseError, "decode fragment index", err)
	}
	for _, r := range refs {
		if len(r.ID) != len(ID{}) {
			return nil, status.Errorf(status.ParseError, "fragment index: bad id length %d", len(r.ID))
		}
	}
	return refs, nil
}
