// Package object is the content-addressed object store of a page.
//
// Objects are immutable framed blobs:
//
//	"<kind> <payload length>\x00<payload>"
//
// and are named by the sha2-256 digest of the whole frame, so byte-identical
// objects written anywhere share one id and are stored once.
package object

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/aweris/pagestore/internal/crypto"
	"github.com/aweris/pagestore/internal/status"
)

// Kind tells what an object's payload encodes.
type Kind string

const (
	// KindNode is an encoded B-tree node.
	KindNode Kind = "node"
	// KindBlob is a value, or one fragment of a large value.
	KindBlob Kind = "blob"
	// KindIndex lists the fragments of a large value in order.
	KindIndex Kind = "index"
)

func (k Kind) valid() bool {
	switch k {
	case KindNode, KindBlob, KindIndex:
		return true
	}
	return false
}

// maxHeader bounds the header scan: the longest kind, a space, 20 digits, NUL.
const maxHeader = 32

// Encode frames payload as an object of kind.
// Format: "{kind} {size}\0{payload}"
func Encode(kind Kind, payload []byte) []byte {
	header := fmt.Sprintf("%s %d\x00", kind, len(payload))
	buf := make([]byte, len(header)+len(payload))
	copy(buf, header)
	copy(buf[len(header):], payload)
	return buf
}

// ComputeID returns the id Encode(kind, payload) would have, hashing the
// header and payload as a stream instead of building the frame.
func ComputeID(kind Kind, payload []byte) ID {
	h := crypto.NewHasher()
	fmt.Fprintf(h, "%s %d\x00", kind, len(payload))
	h.Write(payload)
	d, _ := h.Finish()
	return ID(d)
}

// Decode splits a frame into kind and payload. Malformed frames fail with
// PARSE_ERROR. The payload aliases data.
func Decode(data []byte) (Kind, []byte, error) {
	limit := min(len(data), maxHeader)
	idx := bytes.IndexByte(data[:limit], 0)
	if idx == -1 {
		return "", nil, status.Errorf(status.ParseError, "invalid object: missing header terminator")
	}

	header := string(data[:idx])
	payload := data[idx+1:]

	sp := bytes.IndexByte(data[:idx], ' ')
	if sp == -1 {
		return "", nil, status.Errorf(status.ParseError, "invalid object header %q", header)
	}
	kind := Kind(header[:sp])
	if !kind.valid() {
		return "", nil, status.Errorf(status.ParseError, "unknown object kind %q", kind)
	}
	size, err := strconv.Atoi(header[sp+1:])
	if err != nil || size != len(payload) || strconv.Itoa(size) != header[sp+1:] {
		return "", nil, status.Errorf(status.ParseError, "object header %q does not match payload of %d bytes", header, len(payload))
	}
	return kind, payload, nil
}
