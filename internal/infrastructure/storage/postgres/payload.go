package postgres

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// CompressionAlgo specifies the compression algorithm used for a stored payload.
type CompressionAlgo string

const (
	CompressionNone CompressionAlgo = "none"
	CompressionZstd CompressionAlgo = "zstd"
)

// DefaultCompressThreshold is the payload size above which payloads are compressed.
const DefaultCompressThreshold = 10 * 1024

// PayloadCodec stores JSON payloads either inline or zstd-compressed,
// depending on their size. It is safe for concurrent use.
type PayloadCodec struct {
	encoder           *zstd.Encoder
	decoder           *zstd.Decoder
	compressThreshold int
}

// NewPayloadCodec creates a codec. A threshold <= 0 uses DefaultCompressThreshold.
func NewPayloadCodec(threshold int) (*PayloadCodec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	if threshold <= 0 {
		threshold = DefaultCompressThreshold
	}
	return &PayloadCodec{
		encoder:           encoder,
		decoder:           decoder,
		compressThreshold: threshold,
	}, nil
}

// Encode marshals v. Exactly one of inline and compressed is non-nil.
func (c *PayloadCodec) Encode(v any) (inline json.RawMessage, compressed []byte, algo CompressionAlgo, err error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, nil, "", fmt.Errorf("marshal payload: %w", err)
	}
	if len(raw) <= c.compressThreshold {
		return raw, nil, CompressionNone, nil
	}
	return nil, c.encoder.EncodeAll(raw, nil), CompressionZstd, nil
}

// Decode returns the JSON payload regardless of how it was stored.
func (c *PayloadCodec) Decode(inline json.RawMessage, compressed []byte, algo CompressionAlgo) (json.RawMessage, error) {
	switch algo {
	case CompressionZstd:
		raw, err := c.decoder.DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload: %w", err)
		}
		return raw, nil
	case CompressionNone, "":
		return inline, nil
	}
	return nil, fmt.Errorf("unknown compression %q", algo)
}
