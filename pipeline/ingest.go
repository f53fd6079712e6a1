// Package pipeline implements the ingestion, query and reclassification
// services that sit between the HTTP boundary and the envelope store.
package pipeline

import (
	"context"
	"log/slog"

	"github.com/wolfeidau/dataserver"
	"github.com/wolfeidau/dataserver/store"
	"github.com/wolfeidau/dataserver/telemetry"
)

// Result is the producer-visible verdict of an ingestion.
type Result int

const (
	// Rejected means the envelope was not stored. The accompanying error is
	// nil for a checksum mismatch and non-nil for every other cause.
	Rejected Result = iota
	// Accepted means the envelope passed verification and was durably stored.
	Accepted
)

func (r Result) String() string {
	if r == Accepted {
		return "accepted"
	}
	return "rejected"
}

// Forwarder receives a copy of every accepted envelope.
// Implementations must not block the caller.
type Forwarder interface {
	Forward(env dataserver.DataEnvelope)
}

// Ingester verifies, persists and forwards envelopes.
type Ingester struct {
	store     store.EnvelopeStore
	forwarder Forwarder
	logger    *slog.Logger
}

// IngesterOption configures an Ingester.
type IngesterOption func(*Ingester)

// WithIngestLogger sets the logger for the ingester.
func WithIngestLogger(logger *slog.Logger) IngesterOption {
	return func(i *Ingester) {
		i.logger = logger
	}
}

// NewIngester creates an ingester. A nil forwarder disables archival.
func NewIngester(s store.EnvelopeStore, f Forwarder, opts ...IngesterOption) *Ingester {
	i := &Ingester{
		store:     s,
		forwarder: f,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Ingest verifies env against its checksum, stores it and schedules the
// archival forward.
//
// A checksum mismatch returns (Rejected, nil) and has no side effects.
// Malformed envelopes return Rejected with an error wrapping ErrInvalidInput
// or ErrInvalidBlockType. Storage failures return Rejected with an error
// wrapping store.ErrPersistence. The forward is dispatched only after a
// successful save and never changes the result.
func (i *Ingester) Ingest(ctx context.Context, env dataserver.DataEnvelope) (Result, error) {
	logger := i.logger.With("name", env.Header.Name, "block_type", env.Header.BlockType)

	if err := env.Validate(); err != nil {
		telemetry.RecordIngest(ctx, "", telemetry.OutcomeInvalid, 0)
		logger.Debug("envelope rejected", "error", err)
		return Rejected, err
	}
	blockType := env.Header.BlockType.String()

	if !dataserver.Verify(env) {
		telemetry.RecordIngest(ctx, blockType, telemetry.OutcomeRejected, 0)
		logger.Info("checksum mismatch", "checksum", env.Checksum)
		return Rejected, nil
	}

	block := store.EnvelopeToBlock(env)
	if err := i.store.Save(ctx, block.Header, block.Body); err != nil {
		telemetry.RecordIngest(ctx, blockType, telemetry.OutcomeError, 0)
		logger.Error("persisting envelope failed", "error", err)
		return Rejected, err
	}

	if i.forwarder != nil {
		i.forwarder.Forward(env)
	}

	telemetry.RecordIngest(ctx, blockType, telemetry.OutcomeAccepted, int64(len(env.Body.Payload)))
	logger.Debug("envelope accepted", "size", len(env.Body.Payload))
	return Accepted, nil
}
