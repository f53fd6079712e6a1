package store

import (
	"time"

	"github.com/wolfeidau/dataserver"
)

// HeaderEntity is the stored form of a DataHeader.
type HeaderEntity struct {
	Name      string               `json:"name"`
	BlockType dataserver.BlockType `json:"block_type"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// BodyEntity is the stored form of a DataBody.
// Checksum is the producer checksum accepted at ingestion; it is kept as
// received and never recomputed.
type BodyEntity struct {
	Payload  []byte `json:"payload"`
	Checksum string `json:"checksum,omitempty"`
}

// StoredBlock is a header and body persisted together under Header.Name.
type StoredBlock struct {
	Header HeaderEntity
	Body   BodyEntity
}

// HeaderToEntity maps a wire header to its stored form.
// Timestamps are left zero for the store to fill in.
func HeaderToEntity(h dataserver.DataHeader) HeaderEntity {
	return HeaderEntity{
		Name:      h.Name,
		BlockType: h.BlockType,
	}
}

// BodyToEntity maps a wire body and its accepted checksum to the stored form.
func BodyToEntity(b dataserver.DataBody, checksum string) BodyEntity {
	return BodyEntity{
		Payload:  []byte(b.Payload),
		Checksum: checksum,
	}
}

// EntityToHeader maps a stored header back to the wire form.
func EntityToHeader(e HeaderEntity) dataserver.DataHeader {
	return dataserver.DataHeader{
		Name:      e.Name,
		BlockType: e.BlockType,
	}
}

// EntityToBody maps a stored body back to the wire form.
func EntityToBody(e BodyEntity) dataserver.DataBody {
	return dataserver.DataBody{
		Payload: string(e.Payload),
	}
}

// EnvelopeToBlock splits an accepted envelope into its stored parts.
func EnvelopeToBlock(env dataserver.DataEnvelope) StoredBlock {
	return StoredBlock{
		Header: HeaderToEntity(env.Header),
		Body:   BodyToEntity(env.Body, env.Checksum),
	}
}

// BlockToEnvelope reassembles an envelope from a stored block.
// The checksum is the one retained at ingestion, which may be empty for
// blocks written by other tools.
func BlockToEnvelope(b StoredBlock) dataserver.DataEnvelope {
	return dataserver.DataEnvelope{
		Header:   EntityToHeader(b.Header),
		Body:     EntityToBody(b.Body),
		Checksum: b.Body.Checksum,
	}
}
