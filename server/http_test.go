package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/dataserver"
	"github.com/wolfeidau/dataserver/store/blockdb"
)

type testServer struct {
	srv  *Server
	http *httptest.Server
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	if cfg.StoragePath == "" {
		cfg.StoragePath = filepath.Join(t.TempDir(), "test.db")
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = s.Shutdown(context.Background())
	})
	return &testServer{srv: s, http: hs}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.http.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (ts *testServer) push(t *testing.T, env dataserver.DataEnvelope) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return ts.do(t, http.MethodPost, "/dataserver/pushdata", body)
}

func (ts *testServer) query(t *testing.T, bt string) []dataserver.DataEnvelope {
	t.Helper()
	resp, body := ts.do(t, http.MethodGet, "/dataserver/data/"+bt, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var envs []dataserver.DataEnvelope
	require.NoError(t, json.Unmarshal(body, &envs))
	return envs
}

func TestServer_PushQueryUpdate(t *testing.T) {
	ts := newTestServer(t, Config{})

	env := dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, "hello")
	resp, body := ts.push(t, env)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "true", strings.TrimSpace(string(body)))

	envs := ts.query(t, "TYPE_A")
	require.Equal(t, []dataserver.DataEnvelope{env}, envs)

	resp, body = ts.do(t, http.MethodPatch, "/dataserver/update/block-1/TYPE_B", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "true", strings.TrimSpace(string(body)))

	require.Empty(t, ts.query(t, "TYPE_A"))
	b := ts.query(t, "TYPE_B")
	require.Len(t, b, 1)
	assert.Equal(t, "block-1", b[0].Header.Name)
	assert.Equal(t, "hello", b[0].Body.Payload)
}

func TestServer_PushChecksumMismatch(t *testing.T) {
	ts := newTestServer(t, Config{})

	env := dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, "hello")
	env.Checksum = "deadbeef"

	resp, body := ts.push(t, env)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "false", strings.TrimSpace(string(body)))

	require.Empty(t, ts.query(t, "TYPE_A"))
	require.Empty(t, ts.query(t, "TYPE_B"))
}

func TestServer_PushRejections(t *testing.T) {
	ts := newTestServer(t, Config{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed json", body: `{"header":`, want: http.StatusBadRequest},
		{name: "unknown block type", body: `{"header":{"name":"x","blockType":"TYPE_Z"},"body":{"payload":"a"},"checksum":"0cc175b9c0f1b6a831c399e269772661"}`, want: http.StatusBadRequest},
		{name: "lowercase block type", body: `{"header":{"name":"x","blockType":"type_a"},"body":{"payload":"a"},"checksum":"0cc175b9c0f1b6a831c399e269772661"}`, want: http.StatusBadRequest},
		{name: "empty name", body: `{"header":{"name":"","blockType":"TYPE_A"},"body":{"payload":"a"},"checksum":"0cc175b9c0f1b6a831c399e269772661"}`, want: http.StatusBadRequest},
		{name: "missing block type", body: `{"header":{"name":"x"},"body":{"payload":"a"},"checksum":"0cc175b9c0f1b6a831c399e269772661"}`, want: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := ts.do(t, http.MethodPost, "/dataserver/pushdata", []byte(tt.body))
			require.Equal(t, tt.want, resp.StatusCode)
		})
	}

	require.Empty(t, ts.query(t, "TYPE_A"))
}

func TestServer_PushDuplicate(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, _ := ts.push(t, dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, "first"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.push(t, dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, "second"))
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	envs := ts.query(t, "TYPE_A")
	require.Len(t, envs, 1)
	require.Equal(t, "first", envs[0].Body.Payload)
}

func TestServer_PushPersistenceFailure(t *testing.T) {
	ts := newTestServer(t, Config{})
	require.NoError(t, ts.srv.store.Close())

	resp, _ := ts.push(t, dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, "hello"))
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_PushTooLarge(t *testing.T) {
	ts := newTestServer(t, Config{MaxBodyBytes: 64})

	resp, _ := ts.push(t, dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, strings.Repeat("x", 128)))
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestServer_PushPayloadOverStoreLimit(t *testing.T) {
	ts := newTestServer(t, Config{MaxBodyBytes: 2 * blockdb.MaxPayloadSize})

	payload := strings.Repeat("x", blockdb.MaxPayloadSize+1)
	resp, body := ts.push(t, dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, payload))
	require.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode, string(body))
	require.Empty(t, ts.query(t, "TYPE_A"))
}

func TestServer_QueryInvalidAndEmpty(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, body := ts.do(t, http.MethodGet, "/dataserver/data/TYPE_B", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "[]", strings.TrimSpace(string(body)))

	resp, _ = ts.do(t, http.MethodGet, "/dataserver/data/NOT_A_TYPE", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_UpdateEdgeCases(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, _ := ts.push(t, dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, "hello"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := ts.do(t, http.MethodPatch, "/dataserver/update/missing/TYPE_B", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "false", strings.TrimSpace(string(body)))

	resp, _ = ts.do(t, http.MethodPatch, "/dataserver/update/block-1/TYPE_C", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/dataserver/update/block-1/TYPE_B", nil)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	require.Len(t, ts.query(t, "TYPE_A"), 1)
}

func TestServer_ForwardsAcceptedEnvelopes(t *testing.T) {
	var received atomic.Int32
	sink := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env dataserver.DataEnvelope
		if json.NewDecoder(r.Body).Decode(&env) == nil && dataserver.Verify(env) {
			received.Add(1)
		}
	}))
	defer sink.Close()

	cfg := Config{
		StoragePath: filepath.Join(t.TempDir(), "fwd.db"),
		ArchiveURL:  sink.URL,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	hs := httptest.NewServer(s.Handler())
	ts := &testServer{srv: s, http: hs}

	resp, _ := ts.push(t, dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, "hello"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	bad := dataserver.NewEnvelope("block-2", dataserver.BlockTypeA, "hello")
	bad.Checksum = "deadbeef"
	resp, _ = ts.push(t, bad)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	hs.Close()
	require.NoError(t, s.Shutdown(context.Background()))
	require.EqualValues(t, 1, received.Load())
}

func TestServer_UnavailableSinkDoesNotFailIngest(t *testing.T) {
	ts := newTestServer(t, Config{
		ArchiveURL:     "http://127.0.0.1:1/hadoopserver/pushbigdata",
		ArchiveTimeout: 100 * time.Millisecond,
	})

	resp, body := ts.push(t, dataserver.NewEnvelope("block-1", dataserver.BlockTypeA, "hello"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "true", strings.TrimSpace(string(body)))
}

func TestServer_HealthAndStats(t *testing.T) {
	ts := newTestServer(t, Config{ArchiveURL: "http://127.0.0.1:1"})

	resp, body := ts.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, _ = ts.push(t, dataserver.NewEnvelope("block-1", dataserver.BlockTypeB, "hello"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats struct {
		Blocks  map[string]int   `json:"blocks"`
		Archive map[string]int64 `json:"archive"`
	}
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Equal(t, map[string]int{"TYPE_A": 0, "TYPE_B": 1}, stats.Blocks)
	require.EqualValues(t, 1, stats.Archive["dispatched"]+stats.Archive["dropped"])
}

func TestServer_RequestID(t *testing.T) {
	ts := newTestServer(t, Config{})

	resp, _ := ts.do(t, http.MethodGet, "/health", nil)
	require.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	req, err := http.NewRequest(http.MethodGet, ts.http.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "abc-123")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp2.Body.Close()
	require.Equal(t, "abc-123", resp2.Header.Get("X-Request-ID"))
}

func TestServer_MetricsDisabled(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, _ := ts.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	s, err := New(context.Background(), Config{
		Address:        "127.0.0.1:0",
		StoragePath:    filepath.Join(t.TempDir(), "serve.db"),
		MaxConnections: 4,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + s.Address() + "/health")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-errCh)
}

func TestNew_UnknownStore(t *testing.T) {
	_, err := New(context.Background(), Config{Store: "memory"})
	require.Error(t, err)

	_, err = New(context.Background(), Config{Store: StorePostgres})
	require.Error(t, err)
}

func TestDeriveOperation(t *testing.T) {
	tests := []struct {
		method, path, want string
	}{
		{http.MethodGet, "/health", "internal"},
		{http.MethodGet, "/metrics", "internal"},
		{http.MethodPost, "/dataserver/pushdata", "push"},
		{http.MethodGet, "/dataserver/data/TYPE_A", "query"},
		{http.MethodPatch, "/dataserver/update/a/TYPE_B", "update"},
		{http.MethodGet, "/other", "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, deriveOperation(tt.method, tt.path), "%s %s", tt.method, tt.path)
	}
}
