package obs

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig mirrors Config but for the metric pipeline; kept distinct
// because an operator may want traces on and metrics off or vice versa.
type MetricsConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
	Attributes     map[string]string
}

// DefaultMetricsConfig returns metrics disabled by default.
func DefaultMetricsConfig(serviceName string) *MetricsConfig {
	return &MetricsConfig{Enabled: false, ServiceName: serviceName, ExporterType: ExporterNone}
}

// Metrics wraps the OpenTelemetry meter with the instruments this system
// needs: RTT histogram, active-connection gauge, byte counters, and a
// forced-teardown counter (spec.md §8 scenario 5).
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.RWMutex

	rttHistogram      metric.Float64Histogram
	activeConnections metric.Int64UpDownCounter
	bytesCounter      metric.Int64Counter
	forcedTeardowns   metric.Int64Counter
	pingLossCounter   metric.Int64Counter
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics builds a Metrics instance, falling back to a no-op meter when
// disabled.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig("bufferbloat-server")
	}

	m := &Metrics{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, m.registerInstruments()
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metrics exporter: %w", err)
	}

	res, err := m.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("register instruments: %w", err)
	}

	return m, nil
}

func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()
	case ExporterOTLPGRPC:
		var opts []otlpmetricgrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlpmetrichttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) createResource(cfg *MetricsConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.rttHistogram, err = m.meter.Float64Histogram(
		"bufferbloat.ping.rtt",
		metric.WithDescription("Server-observed ping round-trip time"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("rtt histogram: %w", err)
	}

	m.activeConnections, err = m.meter.Int64UpDownCounter(
		"bufferbloat.connections.active",
		metric.WithDescription("Currently open worker connections"),
	)
	if err != nil {
		return fmt.Errorf("active connections counter: %w", err)
	}

	m.bytesCounter, err = m.meter.Int64Counter(
		"bufferbloat.bytes",
		metric.WithDescription("Bytes transferred, by persona and direction"),
	)
	if err != nil {
		return fmt.Errorf("bytes counter: %w", err)
	}

	m.forcedTeardowns, err = m.meter.Int64Counter(
		"bufferbloat.forced_teardowns",
		metric.WithDescription("Connections that required forced teardown past the grace period"),
	)
	if err != nil {
		return fmt.Errorf("forced teardowns counter: %w", err)
	}

	m.pingLossCounter, err = m.meter.Int64Counter(
		"bufferbloat.ping.loss",
		metric.WithDescription("Inferred ping sequence gaps"),
	)
	if err != nil {
		return fmt.Errorf("ping loss counter: %w", err)
	}

	return nil
}

// RecordRTT records one ping RTT observation for a persona.
func (m *Metrics) RecordRTT(ctx context.Context, persona string, rttMs float64) {
	if m.rttHistogram == nil {
		return
	}
	m.rttHistogram.Record(ctx, rttMs, metric.WithAttributes(attribute.String("persona", persona)))
}

// ConnectionOpened increments the active-connection gauge.
func (m *Metrics) ConnectionOpened(ctx context.Context, persona string) {
	if m.activeConnections == nil {
		return
	}
	m.activeConnections.Add(ctx, 1, metric.WithAttributes(attribute.String("persona", persona)))
}

// ConnectionClosed decrements the active-connection gauge.
func (m *Metrics) ConnectionClosed(ctx context.Context, persona string) {
	if m.activeConnections == nil {
		return
	}
	m.activeConnections.Add(ctx, -1, metric.WithAttributes(attribute.String("persona", persona)))
}

// RecordBytes adds to the transferred-bytes counter.
func (m *Metrics) RecordBytes(ctx context.Context, persona, direction string, n int64) {
	if m.bytesCounter == nil {
		return
	}
	m.bytesCounter.Add(ctx, n, metric.WithAttributes(
		attribute.String("persona", persona),
		attribute.String("direction", direction),
	))
}

// RecordForcedTeardown increments the forced-teardown counter.
func (m *Metrics) RecordForcedTeardown(ctx context.Context, reason string) {
	if m.forcedTeardowns == nil {
		return
	}
	m.forcedTeardowns.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordPingLoss increments the inferred-loss counter for a connection's
// persona.
func (m *Metrics) RecordPingLoss(ctx context.Context, persona string, n int64) {
	if m.pingLossCounter == nil {
		return
	}
	m.pingLossCounter.Add(ctx, n, metric.WithAttributes(attribute.String("persona", persona)))
}

// Shutdown flushes pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled reports whether this meter exports anywhere.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// SetGlobalMetrics installs m as the process-wide meter.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m
	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the process-wide meter, or a no-op one.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	if globalMetrics == nil {
		return NoopMetrics()
	}
	return globalMetrics
}

// NoopMetrics returns a Metrics instance that discards everything.
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig("bufferbloat-server")
	mp := sdkmetric.NewMeterProvider()
	m := &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
	_ = m.registerInstruments()
	return m
}
