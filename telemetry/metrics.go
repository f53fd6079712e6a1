package telemetry

import (
	"cmp"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/dataserver"
)

// MetricsConfig selects where metrics are exported. With neither OTLP nor
// Prometheus enabled, instruments still record into an in-process reader.
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string

	// OTLPEndpoint is a host:port for OTLP over gRPC. Empty disables OTLP.
	OTLPEndpoint string

	// EnablePrometheus serves a scrape endpoint through PrometheusHandler.
	EnablePrometheus bool

	// FlushInterval is the OTLP push period. Defaults to 10s.
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	requestsTotal            metric.Int64Counter
	responseBytesTotal       metric.Int64Counter
	requestDuration          metric.Float64Histogram
	requestsByBlockTypeTotal metric.Int64Counter

	ingestTotal     metric.Int64Counter
	ingestSize      metric.Float64Histogram
	reclassifyTotal metric.Int64Counter
	storedBlocks    metric.Int64Gauge
	storeDuration   metric.Float64Histogram
	storeOpsTotal   metric.Int64Counter
	storeBytesTotal metric.Int64Counter
	archiveDuration metric.Float64Histogram
	archiveTotal    metric.Int64Counter
	archiveBytes    metric.Int64Counter
	archiveDropped  metric.Int64Counter
	archiveInFlight metric.Int64UpDownCounter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics installs the global meter provider and instruments once per
// process. The returned function flushes exporters and clears the globals.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})
	if initErr != nil {
		return nil, initErr
	}
	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "dataserver"
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return fmt.Errorf("building metrics resource: %w", err)
	}

	readers, promHandler, err := buildReaders(ctx, cfg)
	if err != nil {
		return err
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		_ = mp.Shutdown(ctx)
		return fmt.Errorf("creating instruments: %w", err)
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

// buildReaders returns one reader per enabled exporter, or a manual reader
// when none is enabled.
func buildReaders(ctx context.Context, cfg MetricsConfig) ([]sdkmetric.Reader, http.Handler, error) {
	var (
		readers     []sdkmetric.Reader
		promHandler http.Handler
	)

	if cfg.OTLPEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("creating otlp exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.FlushInterval)))
	}

	if cfg.EnablePrometheus {
		exp, err := promexporter.New()
		if err != nil {
			return nil, nil, fmt.Errorf("creating prometheus exporter: %w", err)
		}
		readers = append(readers, exp)
		promHandler = promhttp.Handler()
	}

	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewManualReader())
	}
	return readers, promHandler, nil
}

// instrumentBuilder creates instruments on a meter, keeping the first error.
type instrumentBuilder struct {
	meter metric.Meter
	err   error
}

func (b *instrumentBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.keep(err)
	return c
}

func (b *instrumentBuilder) upDown(name, desc, unit string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.keep(err)
	return c
}

func (b *instrumentBuilder) gauge(name, desc, unit string) metric.Int64Gauge {
	g, err := b.meter.Int64Gauge(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.keep(err)
	return g
}

func (b *instrumentBuilder) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.keep(err)
	return h
}

func (b *instrumentBuilder) keep(err error) {
	if b.err == nil && err != nil {
		b.err = err
	}
}

var (
	latencyBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	forwardBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	payloadBuckets = []float64{128, 512, 1 << 10, 4 << 10, 16 << 10, 64 << 10, 256 << 10, 1 << 20, 4 << 20, 10 << 20}
)

// newMetrics creates every instrument on meter.
func newMetrics(meter metric.Meter) (*Metrics, error) {
	b := &instrumentBuilder{meter: meter}
	m := &Metrics{
		requestsTotal:            b.counter("dataserver_http_requests_total", "HTTP requests by operation, status class and outcome", "{request}"),
		responseBytesTotal:       b.counter("dataserver_http_response_bytes_total", "Bytes written in HTTP responses", "By"),
		requestDuration:          b.histogram("dataserver_http_request_duration_seconds", "HTTP request duration", "s", latencyBuckets...),
		requestsByBlockTypeTotal: b.counter("dataserver_http_requests_by_block_type_total", "HTTP requests that resolved a block type", "{request}"),

		ingestTotal:     b.counter("dataserver_ingest_total", "Pushed envelopes by block type and outcome", "{envelope}"),
		ingestSize:      b.histogram("dataserver_ingest_payload_size_bytes", "Payload size of accepted envelopes", "By", payloadBuckets...),
		reclassifyTotal: b.counter("dataserver_reclassify_total", "Reclassification requests by outcome", "{request}"),
		storedBlocks:    b.gauge("dataserver_stored_blocks", "Stored blocks per block type", "{block}"),

		storeDuration:   b.histogram("dataserver_store_request_duration_seconds", "Envelope store operation duration", "s", latencyBuckets...),
		storeOpsTotal:   b.counter("dataserver_store_requests_total", "Envelope store operations", "{request}"),
		storeBytesTotal: b.counter("dataserver_store_bytes_total", "Payload bytes moved by store operations", "By"),

		archiveDuration: b.histogram("dataserver_archive_forward_duration_seconds", "Archival forward duration", "s", forwardBuckets...),
		archiveTotal:    b.counter("dataserver_archive_forward_total", "Archival forward requests by outcome", "{request}"),
		archiveBytes:    b.counter("dataserver_archive_bytes_total", "Bytes exchanged with the archival sink, by direction", "By"),
		archiveDropped:  b.counter("dataserver_archive_dropped_total", "Envelopes not forwarded because the forwarder was saturated or closed", "{envelope}"),
		archiveInFlight: b.upDown("dataserver_archive_in_flight", "Archival forwards in progress", "{request}"),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// shutdownMetrics flushes the meter provider and drops the instruments.
func shutdownMetrics(ctx context.Context) error {
	m := globalMetrics
	if m == nil {
		return nil
	}
	globalMetrics = nil
	return m.meterProvider.Shutdown(ctx)
}

// RecordHTTP records one completed request. Operation, outcome and block
// type come from the request tags; requests without a resolved block type
// skip the per-type counter.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	m := globalMetrics
	if m == nil {
		return
	}

	op, outcome, blockType := "unknown", string(OutcomeNA), ""
	if tags := GetTags(r); tags != nil {
		op = cmp.Or(tags.Operation, op)
		outcome = cmp.Or(string(tags.Outcome), outcome)
		blockType = tags.BlockType
	}

	set := attribute.NewSet(
		attribute.String("operation", op),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("outcome", outcome),
	)
	m.requestsTotal.Add(ctx, 1, metric.WithAttributeSet(set))
	m.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributeSet(set))
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributeSet(set))

	if blockType != "" {
		kvs := append(set.ToSlice(), attribute.String("block_type", blockType))
		m.requestsByBlockTypeTotal.Add(ctx, 1, metric.WithAttributes(kvs...))
	}
}

// RecordIngest records the outcome of one ingestion.
// size is only recorded for accepted envelopes.
func RecordIngest(ctx context.Context, blockType string, outcome Outcome, size int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("block_type", blockType),
		attribute.String("outcome", string(outcome)),
	}
	globalMetrics.ingestTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if outcome == OutcomeAccepted {
		globalMetrics.ingestSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("block_type", blockType)))
	}
}

// RecordReclassify records the outcome of one reclassification request.
func RecordReclassify(ctx context.Context, blockType string, outcome Outcome) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("block_type", blockType),
		attribute.String("outcome", string(outcome)),
	}
	globalMetrics.reclassifyTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordStoredBlocks updates the stored block gauges from a per-type count.
func RecordStoredBlocks(ctx context.Context, counts map[string]int) {
	if globalMetrics == nil {
		return
	}
	for blockType, n := range counts {
		globalMetrics.storedBlocks.Record(ctx, int64(n), metric.WithAttributes(attribute.String("block_type", blockType)))
	}
}

// RecordStoreOp records envelope store operation metrics. The calling API
// operation is read from ctx.
func RecordStoreOp(ctx context.Context, store, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("store", store),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
		operationAttr(ctx),
	}
	globalMetrics.storeOpsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.storeBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// ForwardRecord describes one completed request to the archival sink.
type ForwardRecord struct {
	Sink          string
	Outcome       string
	Duration      time.Duration
	BytesSent     int64
	BytesReceived int64
}

// RecordArchiveForward records one request to the archival sink.
func RecordArchiveForward(ctx context.Context, rec ForwardRecord) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("sink", rec.Sink),
		attribute.String("outcome", rec.Outcome),
		operationAttr(ctx),
	)
	globalMetrics.archiveDuration.Record(ctx, rec.Duration.Seconds(), attrs)
	globalMetrics.archiveTotal.Add(ctx, 1, attrs)

	for direction, n := range map[string]int64{"sent": rec.BytesSent, "received": rec.BytesReceived} {
		if n > 0 {
			globalMetrics.archiveBytes.Add(ctx, n, metric.WithAttributes(
				attribute.String("sink", rec.Sink),
				attribute.String("direction", direction),
			))
		}
	}
}

// operationAttr labels a measurement with the operation carried by ctx.
func operationAttr(ctx context.Context) attribute.KeyValue {
	return attribute.String("operation", cmp.Or(OperationFromContext(ctx), "unknown"))
}

// RecordArchiveDropped records an envelope that was never sent to the sink.
// reason is "saturated" or "closed".
func RecordArchiveDropped(ctx context.Context, reason string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.archiveDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// AddArchiveInFlight adjusts the in-flight forward gauge by delta.
func AddArchiveInFlight(ctx context.Context, delta int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.archiveInFlight.Add(ctx, delta)
}

// PrometheusHandler serves the scrape endpoint, or 404 while Prometheus
// export is off. It can be mounted before InitMetrics runs.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := globalMetrics
		if m == nil || m.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		m.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass buckets an HTTP status as "2xx" through "5xx", or "unknown".
func StatusClass(status int) string {
	if c := status / 100; c >= 2 && c <= 5 {
		return strconv.Itoa(c) + "xx"
	}
	return "unknown"
}
