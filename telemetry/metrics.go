package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const meterName = "github.com/wolfeidau/manifest-cache"

// MetricsConfig selects the exporters. The zero value records into a
// discarding reader.
type MetricsConfig struct {
	ServiceName    string // defaults to "manifest-cache"
	ServiceVersion string

	// OTLPEndpoint is a host:port for plaintext OTLP/gRPC export. Empty
	// disables it.
	OTLPEndpoint string

	// EnablePrometheus registers an exporter served by PrometheusHandler.
	EnablePrometheus bool

	// FlushInterval is the OTLP push period. Defaults to 10s.
	FlushInterval time.Duration
}

// Metrics holds the instruments behind the Record functions.
type Metrics struct {
	upstreamFetchDuration   metric.Float64Histogram
	upstreamFetchTotal      metric.Int64Counter
	upstreamFetchBytesTotal metric.Int64Counter

	backendRequestDuration metric.Float64Histogram
	backendRequestsTotal   metric.Int64Counter
	backendBytesTotal      metric.Int64Counter

	lookupsTotal    metric.Int64Counter
	refreshTotal    metric.Int64Counter
	refreshDuration metric.Float64Histogram
	archiveSize     metric.Float64Histogram

	decodeTotal       metric.Int64Counter
	decodeDuration    metric.Float64Histogram
	recordCacheTotal  metric.Int64Counter
	pruneDeletedTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics installs the global meter provider and instruments. Only the
// first call does any work; later calls return its result. The returned
// function flushes and shuts the provider down.
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
		cfg.ServiceName = "manifest-cache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	))
	if err != nil {
		return fmt.Errorf("metrics resource: %w", err)
	}

	readers, promHandler, err := newReaders(ctx, cfg)
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
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m
	return nil
}

// newReaders builds one reader per enabled exporter. With none enabled the
// instruments still record into a reader that discards its exports, so a
// one-off CLI run costs nothing.
func newReaders(ctx context.Context, cfg MetricsConfig) ([]sdkmetric.Reader, http.Handler, error) {
	var (
		readers []sdkmetric.Reader
		handler http.Handler
	)

	if cfg.OTLPEndpoint != "" {
		exp, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("otlp exporter: %w", err)
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(cfg.FlushInterval)))
	}

	if cfg.EnablePrometheus {
		exp, err := promexporter.New()
		if err != nil {
			return nil, nil, fmt.Errorf("prometheus exporter: %w", err)
		}
		readers = append(readers, exp)
		handler = promhttp.Handler()
	}

	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{}, sdkmetric.WithInterval(cfg.FlushInterval)))
	}
	return readers, handler, nil
}

// Histogram bucket layouts, in seconds or bytes.
var (
	fetchBuckets   = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	backendBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	refreshBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60}
	decodeBuckets  = []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	archiveBuckets = []float64{1 << 20, 4 << 20, 16 << 20, 32 << 20, 64 << 20, 128 << 20, 256 << 20}
)

// instruments creates instruments on one meter, keeping the first error.
type instruments struct {
	meter metric.Meter
	err   error
}

func (b *instruments) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter("manifest_cache_"+name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
	)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("counter %s: %w", name, err)
	}
	return c
}

func (b *instruments) histogram(name, desc, unit string, buckets []float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram("manifest_cache_"+name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(buckets...),
	)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("histogram %s: %w", name, err)
	}
	return h
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	b := &instruments{meter: meter}
	m := &Metrics{
		upstreamFetchDuration:   b.histogram("upstream_fetch_duration_seconds", "Duration of Bungie API requests", "s", fetchBuckets),
		upstreamFetchTotal:      b.counter("upstream_fetch_total", "Bungie API requests by endpoint and outcome", "{request}"),
		upstreamFetchBytesTotal: b.counter("upstream_fetch_bytes_total", "Bytes read from the Bungie API", "By"),

		backendRequestDuration: b.histogram("backend_request_duration_seconds", "Duration of manifest directory operations", "s", backendBuckets),
		backendRequestsTotal:   b.counter("backend_requests_total", "Manifest directory operations by outcome", "{request}"),
		backendBytesTotal:      b.counter("backend_bytes_total", "Bytes written to the manifest directory", "By"),

		lookupsTotal:    b.counter("lookups_total", "Manifest path lookups by registry result", "{lookup}"),
		refreshTotal:    b.counter("refresh_total", "Manifest refreshes by outcome", "{refresh}"),
		refreshDuration: b.histogram("refresh_duration_seconds", "Duration of manifest refreshes including download and extraction", "s", refreshBuckets),
		archiveSize:     b.histogram("archive_size_bytes", "Size of downloaded manifest archives", "By", archiveBuckets),

		decodeTotal:       b.counter("decode_total", "Hash decodes by outcome", "{decode}"),
		decodeDuration:    b.histogram("decode_duration_seconds", "Duration of hash decodes", "s", decodeBuckets),
		recordCacheTotal:  b.counter("record_cache_total", "Decoded record cache lookups by result", "{lookup}"),
		pruneDeletedTotal: b.counter("prune_deleted_total", "Superseded content files deleted by prune", "{file}"),
	}
	if b.err != nil {
		return nil, b.err
	}
	return m, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordBackendOp records backend operation metrics.
func RecordBackendOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.backendRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.backendRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.backendBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordUpstreamFetch records one request to the Bungie API. endpoint is
// "descriptor" or "content"; the language label comes from ctx.
func RecordUpstreamFetch(ctx context.Context, endpoint string, duration time.Duration, bytesRead int64, outcome string) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("endpoint", endpoint),
		attribute.String("language", LanguageFromContext(ctx)),
		attribute.String("outcome", outcome),
	}
	globalMetrics.upstreamFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	globalMetrics.upstreamFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if bytesRead > 0 {
		globalMetrics.upstreamFetchBytesTotal.Add(ctx, bytesRead, metric.WithAttributes(attrs...))
	}
}

// RecordLookup records whether a manifest path request was served from the
// in-process registry.
func RecordLookup(ctx context.Context, language string, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("language", language),
		attribute.String("cache_result", string(result)),
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRefresh records one manifest refresh. downloaded is false when the
// content file was already present and the archive download was skipped.
func RecordRefresh(ctx context.Context, language, outcome string, downloaded bool, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("language", language),
		attribute.String("outcome", outcome),
		attribute.Bool("downloaded", downloaded),
	}
	globalMetrics.refreshTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.refreshDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordArchive records the size of a downloaded manifest archive.
func RecordArchive(ctx context.Context, language string, size int64) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.archiveSize.Record(ctx, float64(size), metric.WithAttributes(attribute.String("language", language)))
}

// TableUnknown is the table label for decodes whose table was never found in
// a content database, so caller input does not become a label value.
const TableUnknown = "unknown"

// RecordDecode records one hash decode. table should be TableUnknown unless
// the name was resolved to a definition table.
func RecordDecode(ctx context.Context, language, table, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("language", language),
		attribute.String("table", table),
		attribute.String("outcome", outcome),
	}
	globalMetrics.decodeTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.decodeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRecordCache records a decoded record cache lookup.
func RecordRecordCache(ctx context.Context, result CacheResult) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.recordCacheTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache_result", string(result))))
}

// RecordPrune records the number of files deleted by one prune run.
func RecordPrune(ctx context.Context, deleted int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.pruneDeletedTotal.Add(ctx, int64(deleted))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
