// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// operationKey is the context key for propagating the operation to background goroutines.
	operationKey contextKey = "operation"
)

// Outcome is the domain result of a request, independent of its HTTP status.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeRejected Outcome = "rejected"
	OutcomeInvalid  Outcome = "invalid"
	OutcomeError    Outcome = "error"
	OutcomeNA       Outcome = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Operation string
	Outcome   Outcome
	BlockType string
	BlockName string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{Outcome: OutcomeNA}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from ctx, or nil.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetOutcome sets the domain outcome for logging and metrics.
func SetOutcome(r *http.Request, outcome Outcome) {
	if tags := GetTags(r); tags != nil {
		tags.Outcome = outcome
	}
}

// SetOperation sets the operation tag for metrics and logging.
func SetOperation(r *http.Request, operation string) {
	if tags := GetTags(r); tags != nil {
		tags.Operation = operation
	}
}

// SetBlockType sets the block type the request addressed.
// Only set it for recognised tags so metric cardinality stays bounded.
func SetBlockType(r *http.Request, blockType string) {
	if tags := GetTags(r); tags != nil {
		tags.BlockType = blockType
	}
}

// SetBlockName sets the block name for logging. It is never used as a metric attribute.
func SetBlockName(r *http.Request, name string) {
	if tags := GetTags(r); tags != nil {
		tags.BlockName = name
	}
}

// OperationFromContext retrieves the operation from a context.
// It checks both background contexts (set by WithOperationContext) and
// request contexts (set by SetOperation via InjectTags).
func OperationFromContext(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		return op
	}
	if tags := TagsFromContext(ctx); tags != nil {
		return tags.Operation
	}
	return ""
}

// WithOperationContext returns a context with the operation stored.
// Use this to propagate the operation into goroutines that outlive the request context.
func WithOperationContext(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, operationKey, operation)
}
