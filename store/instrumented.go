package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/dataserver"
	"github.com/wolfeidau/dataserver/telemetry"
)

// Instrumented wraps an EnvelopeStore with metrics recording.
type Instrumented struct {
	store EnvelopeStore
	name  string
}

// NewInstrumented creates a new instrumented store wrapper.
// name identifies the backend in metric attributes (e.g. "bolt", "postgres").
func NewInstrumented(s EnvelopeStore, name string) *Instrumented {
	return &Instrumented{store: s, name: name}
}

func (is *Instrumented) Save(ctx context.Context, header HeaderEntity, body BodyEntity) error {
	start := time.Now()
	err := is.store.Save(ctx, header, body)
	telemetry.RecordStoreOp(ctx, is.name, "save", outcomeFromError(err), time.Since(start), int64(len(body.Payload)))
	return err
}

func (is *Instrumented) FindByBlockType(ctx context.Context, t dataserver.BlockType) ([]StoredBlock, error) {
	start := time.Now()
	blocks, err := is.store.FindByBlockType(ctx, t)
	var n int64
	for _, b := range blocks {
		n += int64(len(b.Body.Payload))
	}
	telemetry.RecordStoreOp(ctx, is.name, "find_by_block_type", outcomeFromError(err), time.Since(start), n)
	return blocks, err
}

func (is *Instrumented) UpdateBlockType(ctx context.Context, name string, t dataserver.BlockType) (bool, error) {
	start := time.Now()
	ok, err := is.store.UpdateBlockType(ctx, name, t)
	outcome := outcomeFromError(err)
	if err == nil && !ok {
		outcome = "not_found"
	}
	telemetry.RecordStoreOp(ctx, is.name, "update_block_type", outcome, time.Since(start), 0)
	return ok, err
}

func (is *Instrumented) Get(ctx context.Context, name string) (StoredBlock, error) {
	start := time.Now()
	b, err := is.store.Get(ctx, name)
	telemetry.RecordStoreOp(ctx, is.name, "get", outcomeFromError(err), time.Since(start), int64(len(b.Body.Payload)))
	return b, err
}

func (is *Instrumented) Close() error {
	return is.store.Close()
}

// CountByBlockType delegates to the underlying store if it implements Counter.
func (is *Instrumented) CountByBlockType(ctx context.Context) (map[dataserver.BlockType]int, error) {
	c, ok := is.store.(Counter)
	if !ok {
		return nil, fmt.Errorf("store %s does not support counting", is.name)
	}
	start := time.Now()
	counts, err := c.CountByBlockType(ctx)
	telemetry.RecordStoreOp(ctx, is.name, "count", outcomeFromError(err), time.Since(start), 0)
	return counts, err
}

// Unwrap returns the underlying store.
func (is *Instrumented) Unwrap() EnvelopeStore {
	return is.store
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateName):
		return "duplicate"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, dataserver.ErrInvalidBlockType), errors.Is(err, dataserver.ErrInvalidInput):
		return "invalid"
	default:
		return "error"
	}
}

// Compile-time interface checks
var (
	_ EnvelopeStore = (*Instrumented)(nil)
	_ Counter       = (*Instrumented)(nil)
)
