package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "sitemap-submitter"

// Config controls observability initialisation.
type Config struct {
	Enabled      bool
	ServiceName  string
	Environment  string
	OTLPEndpoint string
	OTLPHeaders  map[string]string
	OTLPInsecure bool
	// MetricsFile is where WriteMetricsFile puts the Prometheus text exposition
	MetricsFile string
}

// Providers exposes configured telemetry providers.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Propagator     propagation.TextMapPropagator
	Registry       *prometheus.Registry
	Shutdown       func(ctx context.Context) error
	Config         Config
}

var (
	tracer trace.Tracer

	urlsTotal        metric.Int64Counter
	providerDuration metric.Float64Histogram
	quotaRemaining   metric.Int64Gauge
	runsTotal        metric.Int64Counter
)

// Init configures tracing and metrics exporters. When cfg.Enabled is false the function is a no-op.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = instrumentationName
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	if cfg.OTLPEndpoint != "" {
		clientOpts := []otlptracehttp.Option{
			getOTLPEndpointOption(cfg.OTLPEndpoint),
		}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracehttp.WithInsecure())
		}
		if len(cfg.OTLPHeaders) > 0 {
			clientOpts = append(clientOpts, otlptracehttp.WithHeaders(cfg.OTLPHeaders))
		}

		exp, err := otlptracehttp.New(ctx, clientOpts...)
		if err != nil {
			// Tracing is optional, the run continues without it
			log.Warn().Err(err).Str("endpoint", cfg.OTLPEndpoint).Msg("Failed to create OTLP trace exporter, traces disabled")
		} else {
			spanExporter = exp
			log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("OTLP trace exporter initialised")
		}
	}

	traceOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}
	if spanExporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(spanExporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(tracerProvider)

	prop := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTextMapPropagator(prop)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	promExporter, err := otelprom.New(
		otelprom.WithRegisterer(registry),
	)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx) // best-effort cleanup
		return nil, fmt.Errorf("create Prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)

	tracer = tracerProvider.Tracer(instrumentationName)
	if err := initInstruments(meterProvider); err != nil {
		log.Warn().Err(err).Msg("Failed to create submission metric instruments")
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		var allErr error
		if err := meterProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("metric provider shutdown: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			allErr = errors.Join(allErr, fmt.Errorf("trace provider shutdown: %w", err))
		}
		return allErr
	}

	return &Providers{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Propagator:     prop,
		Registry:       registry,
		Shutdown:       shutdown,
		Config:         cfg,
	}, nil
}

func getOTLPEndpointOption(endpoint string) otlptracehttp.Option {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return otlptracehttp.WithEndpointURL(endpoint)
	}
	return otlptracehttp.WithEndpoint(endpoint)
}

// WrapTransport applies OpenTelemetry instrumentation to outbound requests when the providers are active.
func WrapTransport(base http.RoundTripper, prov *Providers) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if prov == nil || prov.TracerProvider == nil {
		return base
	}

	return otelhttp.NewTransport(base,
		otelhttp.WithTracerProvider(prov.TracerProvider),
		otelhttp.WithPropagators(prov.Propagator),
		otelhttp.WithMeterProvider(prov.MeterProvider),
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("%s %s", r.Method, r.URL.Host)
		}),
	)
}

// HTTPClient returns a client with the given timeout whose transport is instrumented
func HTTPClient(timeout time.Duration, prov *Providers) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: WrapTransport(nil, prov),
	}
}

// WriteMetricsFile writes the registry in text exposition format, for the node_exporter textfile collector
func (p *Providers) WriteMetricsFile(path string) error {
	if p == nil || p.Registry == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, p.Registry); err != nil {
		return fmt.Errorf("write metrics file: %w", err)
	}
	return nil
}

func initInstruments(meterProvider *sdkmetric.MeterProvider) error {
	if meterProvider == nil {
		return nil
	}

	meter := meterProvider.Meter(instrumentationName)

	var err error
	urlsTotal, err = meter.Int64Counter(
		"submitter.urls",
		metric.WithDescription("URLs handled per provider, by outcome"),
	)
	if err != nil {
		return err
	}

	providerDuration, err = meter.Float64Histogram(
		"submitter.provider.duration_ms",
		metric.WithUnit("ms"),
		metric.WithDescription("Time taken by one provider to submit a cycle's URLs"),
	)
	if err != nil {
		return err
	}

	quotaRemaining, err = meter.Int64Gauge(
		"submitter.quota.remaining",
		metric.WithDescription("Submissions left in the provider quota"),
	)
	if err != nil {
		return err
	}

	runsTotal, err = meter.Int64Counter(
		"submitter.runs",
		metric.WithDescription("Pipeline runs by outcome"),
	)
	return err
}

func getTracer() trace.Tracer {
	if tracer != nil {
		return tracer
	}
	return otel.Tracer(instrumentationName)
}

// StartPipelineSpan starts the span covering one submission cycle.
func StartPipelineSpan(ctx context.Context, sitemapURL string, testMode bool) (context.Context, trace.Span) {
	return getTracer().Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("sitemap.url", sitemapURL),
		attribute.Bool("pipeline.test_mode", testMode),
	))
}

// StartDetectSpan starts the span covering sitemap fetch and diff.
func StartDetectSpan(ctx context.Context, sitemapURL string) (context.Context, trace.Span) {
	return getTracer().Start(ctx, "sitemap.detect", trace.WithAttributes(
		attribute.String("sitemap.url", sitemapURL),
	))
}

// StartProviderSpan starts the span for one provider's submission.
func StartProviderSpan(ctx context.Context, provider string, urlCount int) (context.Context, trace.Span) {
	return getTracer().Start(ctx, "provider.submit", trace.WithAttributes(
		attribute.String("provider.name", provider),
		attribute.Int("provider.url_count", urlCount),
	))
}

// ProviderMetrics describes one provider's submission for metric recording.
type ProviderMetrics struct {
	Provider       string
	Status         string
	Submitted      int
	Failed         int
	QuotaRemaining int
	Duration       time.Duration
}

// RecordProviderSubmission emits provider metrics when instrumentation is initialised.
func RecordProviderSubmission(ctx context.Context, m ProviderMetrics) {
	providerAttr := attribute.String("provider", m.Provider)

	if urlsTotal != nil {
		urlsTotal.Add(ctx, int64(m.Submitted), metric.WithAttributes(providerAttr, attribute.String("outcome", "submitted")))
		urlsTotal.Add(ctx, int64(m.Failed), metric.WithAttributes(providerAttr, attribute.String("outcome", "failed")))
	}

	if providerDuration != nil {
		providerDuration.Record(ctx, float64(m.Duration.Milliseconds()),
			metric.WithAttributes(providerAttr, attribute.String("status", m.Status)))
	}

	if quotaRemaining != nil {
		quotaRemaining.Record(ctx, int64(m.QuotaRemaining), metric.WithAttributes(providerAttr))
	}
}

// RecordRun counts a finished pipeline run.
func RecordRun(ctx context.Context, outcome string) {
	if runsTotal != nil {
		runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
