package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Frame markers. Every encoded buffer starts with one so that small or
// incompressible inputs can be stored as-is and still be read back.
const (
	frameRaw  byte = 0
	frameZstd byte = 1

	minCompressSize = 128
)

type Compressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	enabled bool
}

// NewCompressor returns a zstd compressor. level is 1 (fastest) to 3 (best);
// anything else selects the default. A disabled compressor still frames its
// output so data written with compression on stays readable when it is off.
func NewCompressor(level int, enabled bool) (*Compressor, error) {
	var encoderLevel zstd.EncoderLevel
	switch level {
	case 1:
		encoderLevel = zstd.SpeedFastest
	case 3:
		encoderLevel = zstd.SpeedBetterCompression
	default:
		encoderLevel = zstd.SpeedDefault
	}

	encoder, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encoderLevel),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return nil, err
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		encoder.Close()
		return nil, err
	}

	return &Compressor{
		encoder: encoder,
		decoder: decoder,
		enabled: enabled,
	}, nil
}

func (c *Compressor) Compress(data []byte) []byte {
	if c.enabled && len(data) >= minCompressSize {
		out := make([]byte, 1, len(data)/2+1)
		out[0] = frameZstd
		out = c.encoder.EncodeAll(data, out)
		if len(out) < len(data)+1 {
			return out
		}
	}

	out := make([]byte, len(data)+1)
	out[0] = frameRaw
	copy(out[1:], data)
	return out
}

func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("decompress: empty frame")
	}

	switch data[0] {
	case frameRaw:
		out := make([]byte, len(data)-1)
		copy(out, data[1:])
		return out, nil
	case frameZstd:
		out, err := c.decoder.DecodeAll(data[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decompress: unknown frame marker %d", data[0])
	}
}

func (c *Compressor) Close() error {
	c.encoder.Close()
	c.decoder.Close()
	return nil
}
