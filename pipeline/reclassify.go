package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/wolfeidau/dataserver"
	"github.com/wolfeidau/dataserver/store"
	"github.com/wolfeidau/dataserver/telemetry"
)

// Reclassifier changes the classification tag of stored blocks.
type Reclassifier struct {
	store  store.EnvelopeStore
	logger *slog.Logger
}

// ReclassifierOption configures a Reclassifier.
type ReclassifierOption func(*Reclassifier)

// WithReclassifyLogger sets the logger for the reclassifier.
func WithReclassifyLogger(logger *slog.Logger) ReclassifierOption {
	return func(r *Reclassifier) {
		r.logger = logger
	}
}

// NewReclassifier creates a reclassifier over s.
func NewReclassifier(s store.EnvelopeStore, opts ...ReclassifierOption) *Reclassifier {
	r := &Reclassifier{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reclassify moves the named block to t. It returns false when no block has
// that name. An empty name fails with ErrInvalidInput before the store is
// consulted; t itself is validated by the store.
func (r *Reclassifier) Reclassify(ctx context.Context, name string, t dataserver.BlockType) (bool, error) {
	if name == "" {
		telemetry.RecordReclassify(ctx, "", telemetry.OutcomeInvalid)
		return false, fmt.Errorf("%w: block name is empty", dataserver.ErrInvalidInput)
	}

	ok, err := r.store.UpdateBlockType(ctx, name, t)
	switch {
	case err != nil:
		telemetry.RecordReclassify(ctx, "", outcomeFromError(err))
		r.logger.Warn("reclassify failed", "name", name, "block_type", t, "error", err)
		return false, err
	case !ok:
		telemetry.RecordReclassify(ctx, t.String(), telemetry.OutcomeRejected)
		r.logger.Debug("reclassify target not found", "name", name)
		return false, nil
	}

	telemetry.RecordReclassify(ctx, t.String(), telemetry.OutcomeAccepted)
	r.logger.Info("block reclassified", "name", name, "block_type", t)
	return true, nil
}

func outcomeFromError(err error) telemetry.Outcome {
	if dataserver.IsInvalid(err) {
		return telemetry.OutcomeInvalid
	}
	return telemetry.OutcomeError
}
