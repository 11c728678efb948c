package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"io"

	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = 1

	// KeySize is the length of a page master key.
	KeySize = chacha20poly1305.KeySize
)

var (
	ErrShortKey         = errors.New("crypto: master key too short")
	ErrMalformedMessage = errors.New("crypto: malformed encrypted message")
)

// Cipher encrypts objects and commit records before they leave the device.
// Keys are derived from a master key so a single secret per page suffices.
type Cipher struct {
	aead    aeadCipher
	nameKey []byte
}

type aeadCipher interface {
	NonceSize() int
	Overhead() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewCipher derives the encryption and naming keys from master.
func NewCipher(master []byte) (*Cipher, error) {
	if len(master) < KeySize {
		return nil, ErrShortKey
	}

	encKey, err := deriveKey(master, "pagestore encryption")
	if err != nil {
		return nil, err
	}
	nameKey, err := deriveKey(master, "pagestore object names")
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(encKey)
	if err != nil {
		return nil, errors.Wrap(err, "init aead")
	}
	return &Cipher{aead: aead, nameKey: nameKey}, nil
}

func deriveKey(master []byte, info string) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, master, nil, []byte(info))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, errors.Wrapf(err, "derive %s key", info)
	}
	return key, nil
}

// Seal encrypts plaintext bound to ad. The output is
// version(1) | nonce | ciphertext.
func (c *Cipher) Seal(plaintext, ad []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	out := make([]byte, 1+ns, 1+ns+len(plaintext)+c.aead.Overhead())
	out[0] = envelopeVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, errors.Wrap(err, "generate nonce")
	}
	return c.aead.Seal(out, out[1:1+ns], plaintext, ad), nil
}

// Open decrypts a message produced by Seal with the same ad.
func (c *Cipher) Open(msg, ad []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(msg) < 1+ns+c.aead.Overhead() || msg[0] != envelopeVersion {
		return nil, ErrMalformedMessage
	}
	plain, err := c.aead.Open(nil, msg[1:1+ns], msg[1+ns:], ad)
	if err != nil {
		return nil, errors.Wrap(ErrMalformedMessage, err.Error())
	}
	return plain, nil
}

// ObjectName maps an object id to the name used with the cloud, so the
// backend never sees content digests.
func (c *Cipher) ObjectName(id []byte) string {
	mac := hmac.New(sha256.New, c.nameKey)
	mac.Write(id)
	return EncodeBase64URL(mac.Sum(nil))
}
