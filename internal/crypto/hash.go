// Package crypto holds the hashing, encoding and encryption primitives used
// for content addressing and for protecting data on the wire.
package crypto

import (
	"encoding/hex"
	"hash"
	"io"

	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"
)

// DigestSize is the length in bytes of a Digest.
const DigestSize = sha256.Size

// Digest is a sha2-256 content digest.
type Digest [DigestSize]byte

// IsZero reports whether d is the all-zero digest.
func (d Digest) IsZero() bool { return d == Digest{} }

func (d Digest) String() string { return hex.EncodeToString(d[:]) }

// ErrFinished is returned when a Hasher is used after Finish.
var ErrFinished = errors.New("crypto: hasher already finished")

// Hasher accumulates bytes incrementally and produces a single Digest.
// It is owned by one goroutine and finished exactly once.
type Hasher struct {
	h    hash.Hash
	done bool
}

// NewHasher returns a ready Hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write adds p to the running digest.
func (h *Hasher) Write(p []byte) (int, error) {
	if h.done {
		return 0, ErrFinished
	}
	return h.h.Write(p)
}

// WriteString adds s to the running digest.
func (h *Hasher) WriteString(s string) (int, error) {
	return h.Write([]byte(s))
}

// Finish returns the digest of everything written. A second call fails.
func (h *Hasher) Finish() (Digest, error) {
	var d Digest
	if h.done {
		return d, ErrFinished
	}
	h.done = true
	copy(d[:], h.h.Sum(nil))
	return d, nil
}

// Sum hashes data in one call.
func Sum(data []byte) Digest {
	return sha256.Sum256(data)
}

// SumReader hashes everything read from r.
func SumReader(r io.Reader) (Digest, error) {
	h := NewHasher()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, errors.Wrap(err, "hash stream")
	}
	return h.Finish()
}
