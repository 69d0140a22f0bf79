// Package telemetry wires OpenTelemetry metrics and tracing for gojovmem
// processes. Metrics go to a private Prometheus registry that can be scraped
// over HTTP or mounted with Handler.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultServiceName = "gojovmem"

	shutdownTimeout = 5 * time.Second
)

// Config selects what a vmemctl process exports.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	// PrometheusPort serves /metrics when non-zero.
	PrometheusPort int `yaml:"prometheus_port"`
	// TraceSampleRatio outside (0, 1] samples every trace.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

func (c Config) serviceName() string {
	if c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

func (c Config) sampleRatio() float64 {
	if c.TraceSampleRatio <= 0 || c.TraceSampleRatio > 1 {
		return 1
	}
	return c.TraceSampleRatio
}

// Telemetry hands the pool and store their meter and tracer. The zero
// providers of a disabled setup record nothing.
type Telemetry struct {
	Tracer trace.Tracer
	Meter  metric.Meter

	tracers  *sdktrace.TracerProvider
	meters   *sdkmetric.MeterProvider
	registry *prometheus.Registry
	server   *http.Server

	once sync.Once
	err  error
}

// Noop returns telemetry that records nothing.
func Noop() *Telemetry {
	return &Telemetry{
		Tracer: nooptrace.NewTracerProvider().Tracer(""),
		Meter:  noop.NewMeterProvider().Meter(""),
	}
}

// New builds the providers described by cfg and installs them as the otel
// globals. A disabled cfg yields Noop.
func New(cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}
	name := cfg.serviceName()
	res, err := newResource(name)
	if err != nil {
		return nil, err
	}
	registry := prometheus.NewRegistry()
	meters, err := newMeterProvider(res, registry)
	if err != nil {
		return nil, err
	}
	tracers := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.sampleRatio()))),
	)

	otel.SetTracerProvider(tracers)
	otel.SetMeterProvider(meters)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	t := &Telemetry{
		Tracer:   tracers.Tracer(name),
		Meter:    meters.Meter(name),
		tracers:  tracers,
		meters:   meters,
		registry: registry,
	}
	if cfg.PrometheusPort > 0 {
		t.listen(fmt.Sprintf(":%d", cfg.PrometheusPort))
	}
	return t, nil
}

func newResource(service string) (*resource.Resource, error) {
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}
	return res, nil
}

func newMeterProvider(res *resource.Resource, registry *prometheus.Registry) (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exporter)), nil
}

// Enabled reports whether New built real providers.
func (t *Telemetry) Enabled() bool { return t.meters != nil }

// Handler serves the registry in the Prometheus text format. It answers 404
// when telemetry is disabled.
func (t *Telemetry) Handler() http.Handler {
	if t.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

func (t *Telemetry) listen(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", t.Handler())
	t.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			otel.Handle(fmt.Errorf("metrics listener on %s: %w", addr, err))
		}
	}()
}

// Shutdown stops the listener and flushes both providers. Later calls return
// the first result.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	t.once.Do(func() {
		if !t.Enabled() {
			return
		}
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		var errs []error
		if t.server != nil {
			if err := t.server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("metrics listener: %w", err))
			}
		}
		if err := t.tracers.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer provider: %w", err))
		}
		if err := t.meters.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider: %w", err))
		}
		t.err = errors.Join(errs...)
	})
	return t.err
}
