package blockdb

import (
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/wolfeidau/dataserver"
	"github.com/wolfeidau/dataserver/store"
)

const (
	// CompressionThreshold is the payload size below which blocks are stored as-is.
	CompressionThreshold = 2 << 10

	// MaxPayloadSize caps a block payload, both when saved and when decompressed.
	MaxPayloadSize = 10 << 20
)

// ContentEncoding identifies how a stored payload is encoded.
type ContentEncoding string

const (
	EncodingIdentity ContentEncoding = "identity"
	EncodingZstd     ContentEncoding = "zstd"
)

var (
	// ErrPayloadTooLarge is returned when saving a payload over MaxPayloadSize.
	ErrPayloadTooLarge = fmt.Errorf("%w: over %d bytes", store.ErrTooLarge, MaxPayloadSize)

	// ErrDecompressionBomb is returned when a stored payload would inflate past MaxPayloadSize.
	ErrDecompressionBomb = errors.New("decompressed payload exceeds maximum size")

	errCodecClosed = errors.New("payload codec closed")
)

// storedPayload is a block payload as written to the blocks bucket.
// Size and Digest describe the original bytes, not Payload.
type storedPayload struct {
	Payload  []byte          `json:"payload"`
	Encoding ContentEncoding `json:"encoding"`
	Size     uint64          `json:"payload_size"`
	Digest   string          `json:"payload_digest"`
}

// payloadCodec zstd-compresses large payloads and verifies the BLAKE3
// digest of every payload it unpacks. It is safe for concurrent use.
type payloadCodec struct {
	mu  sync.RWMutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newPayloadCodec() (*payloadCodec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		_ = enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &payloadCodec{enc: enc, dec: dec}, nil
}

func (c *payloadCodec) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enc != nil {
		_ = c.enc.Close()
		c.enc = nil
	}
	if c.dec != nil {
		c.dec.Close()
		c.dec = nil
	}
}

// pack prepares data for storage. Compression is kept only when it shrinks
// the payload.
func (c *payloadCodec) pack(data []byte) (storedPayload, error) {
	if len(data) > MaxPayloadSize {
		return storedPayload{}, ErrPayloadTooLarge
	}

	p := storedPayload{
		Payload:  data,
		Encoding: EncodingIdentity,
		Size:     uint64(len(data)),
		Digest:   dataserver.ContentDigest(data),
	}
	if len(data) < CompressionThreshold {
		return p, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.enc == nil {
		return storedPayload{}, errCodecClosed
	}
	if z := c.enc.EncodeAll(data, nil); len(z) < len(data) {
		p.Payload, p.Encoding = z, EncodingZstd
	}
	return p, nil
}

// unpack returns the original bytes of p, or store.ErrCorrupted when they no
// longer match the recorded digest.
func (c *payloadCodec) unpack(p storedPayload) ([]byte, error) {
	var data []byte
	switch p.Encoding {
	case EncodingIdentity, "":
		data = p.Payload
	case EncodingZstd:
		if p.Size > MaxPayloadSize {
			return nil, ErrDecompressionBomb
		}
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.dec == nil {
			return nil, errCodecClosed
		}
		out, err := c.dec.DecodeAll(p.Payload, make([]byte, 0, p.Size))
		if err != nil {
			return nil, fmt.Errorf("%w: decompressing payload: %w", store.ErrCorrupted, err)
		}
		if len(out) > MaxPayloadSize {
			return nil, ErrDecompressionBomb
		}
		data = out
	default:
		return nil, fmt.Errorf("unsupported encoding %q", p.Encoding)
	}

	if p.Digest != "" && dataserver.ContentDigest(data) != p.Digest {
		return nil, store.ErrCorrupted
	}
	return data, nil
}
