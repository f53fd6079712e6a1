package dataserver

import (
	"crypto/md5" //nolint:gosec // producer compatibility contract, not a security boundary
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// ChecksumSize is the size of an MD5 digest in bytes.
const ChecksumSize = md5.Size

// Checksum is the producer-facing payload digest: MD5 rendered as lowercase hex.
// Producers compute it before pushing, so the algorithm and rendering must not change.
type Checksum [ChecksumSize]byte

// String returns the lowercase hex form of the checksum.
func (c Checksum) String() string {
	return hex.EncodeToString(c[:])
}

// UnmarshalText implements encoding.TextUnmarshaler.
// Only lowercase hex is accepted since comparison against producers is case-sensitive.
func (c *Checksum) UnmarshalText(text []byte) error {
	if len(text) != ChecksumSize*2 {
		return fmt.Errorf("invalid checksum length: expected %d hex chars, got %d", ChecksumSize*2, len(text))
	}
	for _, b := range text {
		if (b < '0' || b > '9') && (b < 'a' || b > 'f') {
			return fmt.Errorf("invalid checksum character %q", b)
		}
	}
	_, err := hex.Decode(c[:], text)
	return err
}

// ParseChecksum parses a lowercase hex-encoded checksum string.
func ParseChecksum(s string) (Checksum, error) {
	var c Checksum
	if err := c.UnmarshalText([]byte(s)); err != nil {
		return Checksum{}, err
	}
	return c, nil
}

// ChecksumBytes computes the checksum of the given payload.
func ChecksumBytes(payload []byte) Checksum {
	return Checksum(md5.Sum(payload)) //nolint:gosec
}

// ChecksumReader computes the checksum of content from the reader.
// It returns the checksum and the number of bytes read.
func ChecksumReader(r io.Reader) (Checksum, int64, error) {
	h := md5.New() //nolint:gosec
	n, err := io.Copy(h, r)
	if err != nil {
		return Checksum{}, n, fmt.Errorf("checksumming content: %w", err)
	}
	var c Checksum
	h.Sum(c[:0])
	return c, n, nil
}

// Digest returns the producer checksum of payload as a lowercase hex string.
func Digest(payload []byte) string {
	return ChecksumBytes(payload).String()
}

// Verify reports whether the envelope's checksum matches the digest of its payload.
// The comparison is an exact string match: no trimming or case folding.
func Verify(env DataEnvelope) bool {
	return Digest([]byte(env.Body.Payload)) == env.Checksum
}

// ContentDigest returns the BLAKE3 digest of payload in "blake3:<hex>" form.
// Stores record it next to each block to detect corruption at rest; it is
// never exposed to producers.
func ContentDigest(payload []byte) string {
	sum := blake3.Sum256(payload)
	return "blake3:" + hex.EncodeToString(sum[:])
}
