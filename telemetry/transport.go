package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// SinkTransport is an http.RoundTripper that records one ForwardRecord per
// request to an archival sink. Requests that fail before a response are
// recorded immediately; otherwise the record is written when the response
// body is closed so that the duration covers the whole exchange.
type SinkTransport struct {
	next http.RoundTripper
	sink string
}

// NewSinkTransport wraps next, or http.DefaultTransport when next is nil.
func NewSinkTransport(next http.RoundTripper, sink string) *SinkTransport {
	if next == nil {
		next = http.DefaultTransport
	}
	return &SinkTransport{next: next, sink: sink}
}

func (t *SinkTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := ForwardRecord{Sink: t.sink}
	if req.ContentLength > 0 {
		rec.BytesSent = req.ContentLength
	}
	start := time.Now()

	resp, err := t.next.RoundTrip(req)
	if err != nil {
		rec.Outcome = errorOutcome(req.Context(), err)
		rec.Duration = time.Since(start)
		RecordArchiveForward(req.Context(), rec)
		return nil, err
	}

	rec.Outcome = StatusOutcome(resp.StatusCode)
	resp.Body = &sinkBody{
		body:  resp.Body,
		ctx:   req.Context(),
		start: start,
		rec:   rec,
	}
	return resp, nil
}

// StatusOutcome classifies a sink response status.
func StatusOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

func errorOutcome(ctx context.Context, err error) string {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return "timeout"
	case errors.Is(ctx.Err(), context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

// sinkBody counts response bytes and records the forward on the first Close.
type sinkBody struct {
	body  io.ReadCloser
	ctx   context.Context
	start time.Time
	rec   ForwardRecord
	once  sync.Once
}

func (b *sinkBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	b.rec.BytesReceived += int64(n)
	return n, err
}

func (b *sinkBody) Close() error {
	b.once.Do(func() {
		b.rec.Duration = time.Since(b.start)
		RecordArchiveForward(b.ctx, b.rec)
	})
	return b.body.Close()
}
