package pipeline

import (
	"context"
	"log/slog"

	"github.com/wolfeidau/dataserver"
	"github.com/wolfeidau/dataserver/store"
)

// Querier reassembles stored blocks into envelopes.
type Querier struct {
	store  store.EnvelopeStore
	logger *slog.Logger
}

// QuerierOption configures a Querier.
type QuerierOption func(*Querier)

// WithQueryLogger sets the logger for the querier.
func WithQueryLogger(logger *slog.Logger) QuerierOption {
	return func(q *Querier) {
		q.logger = logger
	}
}

// NewQuerier creates a querier over s.
func NewQuerier(s store.EnvelopeStore, opts ...QuerierOption) *Querier {
	q := &Querier{store: s, logger: slog.Default()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// GetByBlockType returns every envelope classified as t in store order.
// The checksum of each envelope is the one accepted at ingestion; it is not
// recomputed. An empty result is a non-nil empty slice.
func (q *Querier) GetByBlockType(ctx context.Context, t dataserver.BlockType) ([]dataserver.DataEnvelope, error) {
	blocks, err := q.store.FindByBlockType(ctx, t)
	if err != nil {
		q.logger.Warn("query failed", "block_type", t, "error", err)
		return nil, err
	}

	envs := make([]dataserver.DataEnvelope, 0, len(blocks))
	for _, b := range blocks {
		envs = append(envs, store.BlockToEnvelope(b))
	}
	return envs, nil
}
