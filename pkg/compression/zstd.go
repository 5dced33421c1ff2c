package compression

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Codec compresses whole blobs with zstd. EncodeAll and DecodeAll are safe
// for concurrent use, so one Codec is shared per engine.
type Codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec}, nil
}

// Encode returns the compressed form of src.
func (c *Codec) Encode(src []byte) []byte {
	return c.enc.EncodeAll(src, make([]byte, 0, len(src)/2+16))
}

// Decode returns the decompressed form of src.
func (c *Codec) Decode(src []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

func (c *Codec) Close() {
	_ = c.enc.Close()
	c.dec.Close()
}
