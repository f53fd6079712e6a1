// Package archive forwards accepted envelopes to the archival sink.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/dataserver"
	"github.com/wolfeidau/dataserver/telemetry"
	"golang.org/x/sync/semaphore"
)

const (
	// DefaultURL is the archival sink endpoint.
	DefaultURL = "http://localhost:8090/hadoopserver/pushbigdata"

	// DefaultTimeout bounds a single forward.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxInFlight is the number of forwards allowed to run at once.
	DefaultMaxInFlight = 16

	// sinkName labels forward metrics.
	sinkName = "hadoop"

	// maxResponseBody caps how much of a sink response is read.
	maxResponseBody = 64 * 1024
)

// Stats is a snapshot of forwarder counters.
type Stats struct {
	Dispatched int64 `json:"dispatched"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Forwarder posts envelopes to the archival sink in the background.
// Forward never blocks the caller: when MaxInFlight forwards are already
// running the envelope is dropped and counted. Failed forwards are logged
// and never retried.
type Forwarder struct {
	url         string
	token       string
	client      *http.Client
	timeout     time.Duration
	maxInFlight int64
	logger      *slog.Logger

	sem *semaphore.Weighted

	dispatched atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64

	// Lifecycle management for background goroutines
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithURL sets the sink URL.
func WithURL(url string) Option {
	return func(f *Forwarder) {
		f.url = url
	}
}

// WithAuthToken sends token as a bearer token on every forward.
func WithAuthToken(token string) Option {
	return func(f *Forwarder) {
		f.token = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *Forwarder) {
		f.client = client
	}
}

// WithTimeout sets the per-forward timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

// WithMaxInFlight sets the number of concurrent forwards.
func WithMaxInFlight(n int) Option {
	return func(f *Forwarder) {
		if n > 0 {
			f.maxInFlight = int64(n)
		}
	}
}

// WithLogger sets the logger for the forwarder.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

// New creates a forwarder. Call Shutdown or Close to stop it.
func New(opts ...Option) *Forwarder {
	ctx, cancel := context.WithCancel(context.Background())
	f := &Forwarder{
		url:         DefaultURL,
		timeout:     DefaultTimeout,
		maxInFlight: DefaultMaxInFlight,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{
			Transport: telemetry.NewSinkTransport(nil, sinkName),
		}
	}
	f.sem = semaphore.NewWeighted(f.maxInFlight)
	return f
}

// Forward schedules env for delivery to the sink and returns immediately.
func (f *Forwarder) Forward(env dataserver.DataEnvelope) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed {
		f.drop(env, "closed")
		return
	}
	if !f.sem.TryAcquire(1) {
		f.drop(env, "saturated")
		return
	}

	f.dispatched.Add(1)
	telemetry.AddArchiveInFlight(f.ctx, 1)
	f.wg.Go(func() {
		defer f.sem.Release(1)
		defer telemetry.AddArchiveInFlight(f.ctx, -1)

		ctx, cancel := context.WithTimeout(telemetry.WithOperationContext(f.ctx, "archive"), f.timeout)
		defer cancel()

		logger := f.logger.With("name", env.Header.Name, "block_type", env.Header.BlockType)
		start := time.Now()
		if err := f.send(ctx, env); err != nil {
			f.failed.Add(1)
			logger.Warn("archive forward failed", "error", err, "duration", time.Since(start))
			return
		}
		f.succeeded.Add(1)
		logger.Debug("archive forward complete", "duration", time.Since(start))
	})
}

func (f *Forwarder) drop(env dataserver.DataEnvelope, reason string) {
	f.dropped.Add(1)
	telemetry.RecordArchiveDropped(context.Background(), reason)
	f.logger.Warn("archive forward dropped", "name", env.Header.Name, "reason", reason)
}

// send posts env as JSON and treats any non-2xx response as a failure.
func (f *Forwarder) send(ctx context.Context, env dataserver.DataEnvelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("sink returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	return nil
}

// Stats returns a snapshot of the forwarder counters.
func (f *Forwarder) Stats() Stats {
	return Stats{
		Dispatched: f.dispatched.Load(),
		Succeeded:  f.succeeded.Load(),
		Failed:     f.failed.Load(),
		Dropped:    f.dropped.Load(),
	}
}

// Shutdown stops accepting forwards and waits for in-flight ones to finish.
// If ctx expires first the remaining forwards are cancelled.
func (f *Forwarder) Shutdown(ctx context.Context) error {
	f.stop()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.cancel()
		return nil
	case <-ctx.Done():
		f.cancel()
		<-done
		return ctx.Err()
	}
}

// Close cancels in-flight forwards and waits for them to return.
func (f *Forwarder) Close() {
	f.stop()
	f.cancel()
	f.wg.Wait()
}

func (f *Forwarder) stop() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// Nop discards every envelope. It is used when no sink is configured.
type Nop struct{}

// Forward does nothing.
func (Nop) Forward(dataserver.DataEnvelope) {}
