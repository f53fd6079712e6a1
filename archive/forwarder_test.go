package archive

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/dataserver"
	"github.com/wolfeidau/dataserver/telemetry"
)

func newTestForwarder(t *testing.T, url string, opts ...Option) *Forwarder {
	t.Helper()
	opts = append([]Option{
		WithURL(url),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	f := New(opts...)
	t.Cleanup(f.Close)
	return f
}

func TestForwarder_DeliversEnvelope(t *testing.T) {
	var (
		mu       sync.Mutex
		received []dataserver.DataEnvelope
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Empty(t, r.Header.Get("Authorization"))

		var env dataserver.DataEnvelope
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&env))
		mu.Lock()
		received = append(received, env)
		mu.Unlock()
		_, _ = w.Write([]byte("true"))
	}))
	defer srv.Close()

	f := newTestForwarder(t, srv.URL)
	env := dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, "hello")
	f.Forward(env)

	require.NoError(t, f.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	require.Equal(t, env, received[0])
	require.Equal(t, Stats{Dispatched: 1, Succeeded: 1}, f.Stats())
}

func TestForwarder_AuthToken(t *testing.T) {
	var (
		mu   sync.Mutex
		auth string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		auth = r.Header.Get("Authorization")
		mu.Unlock()
		_, _ = w.Write([]byte("true"))
	}))
	defer srv.Close()

	f := newTestForwarder(t, srv.URL, WithAuthToken("s3cr3t"))
	f.Forward(dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, "hello"))
	require.NoError(t, f.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "Bearer s3cr3t", auth)
}

// roundTripFunc adapts a function to http.RoundTripper.
type roundTripFunc func(*http.Request) (*http.Response, error)

func (fn roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return fn(r) }

func TestForwarder_TagsArchiveOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("true"))
	}))
	defer srv.Close()

	var (
		mu sync.Mutex
		op string
	)
	client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
		mu.Lock()
		op = telemetry.OperationFromContext(r.Context())
		mu.Unlock()
		return http.DefaultTransport.RoundTrip(r)
	})}

	f := newTestForwarder(t, srv.URL, WithHTTPClient(client))
	f.Forward(dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, "hello"))
	require.NoError(t, f.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "archive", op)
}

func TestForwarder_SinkErrorIsCountedNotRetried(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, "hdfs unavailable", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestForwarder(t, srv.URL)
	f.Forward(dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, "hello"))
	require.NoError(t, f.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls)
	require.Equal(t, Stats{Dispatched: 1, Failed: 1}, f.Stats())
}

func TestForwarder_UnreachableSink(t *testing.T) {
	f := newTestForwarder(t, "http://127.0.0.1:1/hadoopserver/pushbigdata")
	f.Forward(dataserver.NewEnvelope("block-1", dataserver.BlockTypeB, "hello"))
	require.NoError(t, f.Shutdown(context.Background()))

	require.EqualValues(t, 1, f.Stats().Failed)
}

func TestForwarder_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	f := newTestForwarder(t, srv.URL, WithTimeout(50*time.Millisecond))

	start := time.Now()
	f.Forward(dataserver.NewEnvelope("slow", dataserver.BlockTypeA, "hello"))
	require.Less(t, time.Since(start), 50*time.Millisecond, "Forward must not wait for the sink")

	require.NoError(t, f.Shutdown(context.Background()))
	require.EqualValues(t, 1, f.Stats().Failed)
}

func TestForwarder_DropsWhenSaturated(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		<-release
	}))
	defer srv.Close()

	f := newTestForwarder(t, srv.URL, WithMaxInFlight(1))

	f.Forward(dataserver.NewEnvelope("first", dataserver.BlockTypeA, "a"))
	<-started
	f.Forward(dataserver.NewEnvelope("second", dataserver.BlockTypeA, "b"))

	close(release)
	require.NoError(t, f.Shutdown(context.Background()))

	require.Equal(t, Stats{Dispatched: 1, Succeeded: 1, Dropped: 1}, f.Stats())
}

func TestForwarder_DropsAfterShutdown(t *testing.T) {
	f := newTestForwarder(t, "http://127.0.0.1:1")
	require.NoError(t, f.Shutdown(context.Background()))

	f.Forward(dataserver.NewEnvelope("late", dataserver.BlockTypeA, "a"))
	require.Equal(t, Stats{Dropped: 1}, f.Stats())
}

func TestForwarder_ShutdownDeadlineCancelsInFlight(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	f := newTestForwarder(t, srv.URL, WithTimeout(time.Minute))
	f.Forward(dataserver.NewEnvelope("stuck", dataserver.BlockTypeA, "a"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, f.Shutdown(ctx), context.DeadlineExceeded)
	require.EqualValues(t, 1, f.Stats().Failed)
}

func TestNop(t *testing.T) {
	// Must not panic or block.
	Nop{}.Forward(dataserver.NewEnvelope("x", dataserver.BlockTypeA, "a"))
}
