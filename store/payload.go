package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	drivecache "github.com/wolfeidau/drive-cache"
)

// CompressionThreshold is the minimum payload size before compression is considered.
// 2KB threshold - zstd overhead not worth it for smaller payloads.
const CompressionThreshold = 2048

// PayloadCodec encodes cached file payloads with optional zstd compression and
// a BLAKE3 digest of the raw bytes. Encoder and decoder are goroutine-safe.
type PayloadCodec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewPayloadCodec creates a codec with a shared zstd encoder and decoder.
func NewPayloadCodec() (*PayloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &PayloadCodec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *PayloadCodec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode compresses data when that makes it smaller and returns the persisted
// payload, its encoding and the digest of the original bytes.
func (c *PayloadCodec) Encode(data []byte) (payload []byte, encoding Encoding, digest string, err error) {
	digest = drivecache.HashBytes(data).Digest()

	if len(data) < CompressionThreshold {
		return data, EncodingIdentity, digest, nil
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, EncodingIdentity, digest, nil
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity, digest, nil
	}

	return compressed, EncodingZstd, digest, nil
}

// Decode restores the raw bytes of a payload and verifies length and digest.
func (c *PayloadCodec) Decode(payload []byte, encoding Encoding, digest string, size int64) ([]byte, error) {
	var data []byte
	switch encoding {
	case EncodingIdentity:
		data = payload
	case EncodingZstd:
		c.mu.RLock()
		dec := c.decoder
		c.mu.RUnlock()

		if dec == nil {
			return nil, errors.New("decoder not initialized")
		}

		decoded, err := dec.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing payload: %w", ErrCorrupted, err)
		}
		data = decoded
	default:
		return nil, fmt.Errorf("%w: unsupported encoding %d", ErrCorrupted, encoding)
	}

	if int64(len(data)) != size {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrCorrupted, size, len(data))
	}
	if digest != "" {
		want, err := drivecache.ParseDigest(digest)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		if drivecache.HashBytes(data) != want {
			return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupted)
		}
	}

	return data, nil
}
