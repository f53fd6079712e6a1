// Package store defines the persistence contract for ingested blocks and the
// mapping between wire envelopes and stored entities.
package store

import (
	"context"
	"errors"

	"github.com/wolfeidau/dataserver"
)

var (
	// ErrNotFound is returned when no block exists with the requested name.
	ErrNotFound = errors.New("store: not found")

	// ErrPersistence wraps every failure to durably write a block.
	ErrPersistence = errors.New("store: persistence failure")

	// ErrDuplicateName is returned (wrapped in ErrPersistence) when a block with
	// the same name has already been stored. Blocks are immutable apart from
	// their classification, so a second save is rejected rather than merged.
	ErrDuplicateName = errors.New("store: duplicate block name")

	// ErrTooLarge is returned (wrapped in ErrPersistence) when a payload is
	// over the size the store accepts. Retrying the same save cannot succeed.
	ErrTooLarge = errors.New("store: payload too large")

	// ErrCorrupted is returned when a stored payload no longer matches the
	// content digest recorded at save time.
	ErrCorrupted = errors.New("store: payload digest mismatch")
)

// EnvelopeStore persists blocks keyed by name.
// Implementations must be safe for concurrent use. A single Save or
// UpdateBlockType is atomic; nothing is atomic across calls.
type EnvelopeStore interface {
	// Save persists header and body as one unit.
	// Returns an error wrapping ErrPersistence on failure, and additionally
	// ErrDuplicateName if the name is already taken.
	Save(ctx context.Context, header HeaderEntity, body BodyEntity) error

	// FindByBlockType returns every block classified as t, ordered by name.
	// Returns an empty slice when nothing matches, and ErrInvalidBlockType
	// (from the dataserver package) if t is not a recognised tag.
	FindByBlockType(ctx context.Context, t dataserver.BlockType) ([]StoredBlock, error)

	// UpdateBlockType changes the classification of the named block.
	// Returns false if no such block exists.
	UpdateBlockType(ctx context.Context, name string, t dataserver.BlockType) (bool, error)

	// Get returns the named block or ErrNotFound.
	Get(ctx context.Context, name string) (StoredBlock, error)

	// Close releases resources held by the store.
	Close() error
}

// Counter is implemented by stores that can report how many blocks they hold
// per classification tag.
type Counter interface {
	CountByBlockType(ctx context.Context) (map[dataserver.BlockType]int, error)
}
