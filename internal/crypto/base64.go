package crypto

import (
	"github.com/multiformats/go-multibase"
	"github.com/pkg/errors"
)

// EncodeBase64URL encodes b as multibase base64url (unpadded, 'u' prefix).
// The result is safe in URLs, registry tags and HTTP headers.
func EncodeBase64URL(b []byte) string {
	s, err := multibase.Encode(multibase.Base64url, b)
	if err != nil {
		// Base64url is always a supported encoding.
		panic(err)
	}
	return s
}

// DecodeBase64URL reverses EncodeBase64URL. Strings in any other multibase
// encoding are rejected.
func DecodeBase64URL(s string) ([]byte, error) {
	enc, b, err := multibase.Decode(s)
	if err != nil {
		return nil, errors.Wrap(err, "decode base64url")
	}
	if enc != multibase.Base64url {
		return nil, errors.Errorf("decode base64url: unexpected encoding %q", rune(enc))
	}
	return b, nil
}
