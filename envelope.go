// Package dataserver defines the data model shared by the ingestion server,
// its stores and its clients: envelopes, classification tags and checksums.
package dataserver

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBlockType is returned when a classification tag is not recognised.
	ErrInvalidBlockType = errors.New("invalid block type")

	// ErrInvalidInput is returned when a request is malformed, such as an empty block name.
	ErrInvalidInput = errors.New("invalid input")
)

// DataHeader identifies and classifies a block.
type DataHeader struct {
	Name      string    `json:"name"`
	BlockType BlockType `json:"blockType"`
}

// DataBody holds the opaque payload of a block.
type DataBody struct {
	Payload string `json:"payload"`
}

// DataEnvelope is the unit pushed by producers: a header, a body and the
// producer-computed checksum of the body payload.
type DataEnvelope struct {
	Header   DataHeader `json:"header"`
	Body     DataBody   `json:"body"`
	Checksum string     `json:"checksum"`
}

// NewEnvelope builds an envelope and fills in the checksum of payload.
func NewEnvelope(name string, blockType BlockType, payload string) DataEnvelope {
	return DataEnvelope{
		Header:   DataHeader{Name: name, BlockType: blockType},
		Body:     DataBody{Payload: payload},
		Checksum: Digest([]byte(payload)),
	}
}

// Validate checks the structural invariants of an envelope.
// It does not verify the checksum; see Verify.
func (e DataEnvelope) Validate() error {
	if e.Header.Name == "" {
		return fmt.Errorf("%w: header name is empty", ErrInvalidInput)
	}
	if !e.Header.BlockType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidBlockType, string(e.Header.BlockType))
	}
	return nil
}

// IsInvalid reports whether err was caused by malformed caller input.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrInvalidBlockType)
}
