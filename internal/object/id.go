package object

import (
	"bytes"
	"encoding/hex"

	mh "github.com/multiformats/go-multihash"
	"github.com/pkg/errors"

	"github.com/aweris/pagestore/internal/crypto"
	"github.com/aweris/pagestore/internal/status"
)

// ID is the content digest of a framed object.
type ID crypto.Digest

// IsZero reports whether id is unset. The zero id never names an object.
func (id ID) IsZero() bool { return id == ID{} }

// Bytes returns the raw digest.
func (id ID) Bytes() []byte { return id[:] }

// Hex returns the lowercase hex digest, used in logs and file names.
func (id ID) Hex() string { return hex.EncodeToString(id[:]) }

// Short returns an abbreviated hex digest for log fields.
func (id ID) Short() string { return id.Hex()[:12] }

// String returns the self-describing text form: multibase base64url of the
// sha2-256 multihash.
func (id ID) String() string {
	m, err := mh.Encode(id[:], mh.SHA2_256)
	if err != nil {
		return id.Hex()
	}
	return crypto.EncodeBase64URL(m)
}

// Compare orders ids bytewise.
func (id ID) Compare(other ID) int { return bytes.Compare(id[:], other[:]) }

// ParseID parses the String form of an id.
func ParseID(s string) (ID, error) {
	raw, err := crypto.DecodeBase64URL(s)
	if err != nil {
		return ID{}, status.New(status.ParseError, "parse object id", err)
	}
	return IDFromMultihash(raw)
}

// IDFromMultihash decodes a binary sha2-256 multihash.
func IDFromMultihash(raw []byte) (ID, error) {
	dec, err := mh.Decode(raw)
	if err != nil {
		return ID{}, status.New(status.ParseError, "decode multihash", err)
	}
	if dec.Code != mh.SHA2_256 || len(dec.Digest) != crypto.DigestSize {
		return ID{}, status.New(status.ParseError, "decode multihash", errors.Errorf("unsupported hash %s", dec.Name))
	}
	var id ID
	copy(id[:], dec.Digest)
	return id, nil
}

// IDFromBytes converts a raw digest.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != len(id) {
		return id, status.Errorf(status.ParseError, "object id: want %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Sum computes the id of framed object bytes.
func Sum(data []byte) ID {
	return ID(crypto.Sum(data))
}
