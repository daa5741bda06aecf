package observability

import (
	"context"
	"net/http"
	"strings"
	"time"

	promreg "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/epicforge/governor/internal/config"
)

// Provider bundles tracing, metric export, and the governor's own meters.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promExporter   *prometheus.Exporter
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	decisionCounter  *promreg.CounterVec
	checkLatency     *promreg.HistogramVec
	recordedTokens   *promreg.CounterVec
	recordedRequests *promreg.CounterVec
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("usage-governor"),
		),
	)
	if err != nil {
		return nil, err
	}

	if cfg.EnableOTLP {
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		opts := []otlptracegrpc.Option{}
		switch {
		case strings.HasPrefix(endpoint, "http://"):
			endpoint = strings.TrimPrefix(endpoint, "http://")
			opts = append(opts, otlptracegrpc.WithInsecure())
		case strings.HasPrefix(endpoint, "https://"):
			endpoint = strings.TrimPrefix(endpoint, "https://")
		default:
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))

		client := otlptracegrpc.NewClient(opts...)
		exporter, err := otlptrace.New(ctx, client)
		if err != nil {
			return nil, err
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tp)
		provider.tracerProvider = tp
		provider.shutdownFuncs = append(provider.shutdownFuncs, tp.Shutdown)
	}

	if cfg.EnableMetrics {
		registry := promreg.NewRegistry()
		promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
		if err != nil {
			return nil, err
		}
		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		provider.meterProvider = mp
		provider.promExporter = promExporter
		provider.promHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
		provider.shutdownFuncs = append(provider.shutdownFuncs, mp.Shutdown)

		decisions := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_governor",
				Name:      "gate_decisions_total",
				Help:      "Gate decisions by outcome (admit, throttle, deny) and reason.",
			},
			[]string{"outcome", "reason"},
		)
		checkLatency := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "usage_governor",
				Name:      "gate_check_duration_seconds",
				Help:      "Duration of the full pre-call gate pipeline.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"outcome"},
		)
		recordedTokens := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_governor",
				Name:      "recorded_tokens_total",
				Help:      "Input/output tokens appended to the usage ledger.",
			},
			[]string{"feature", "type"},
		)
		recordedRequests := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "usage_governor",
				Name:      "recorded_requests_total",
				Help:      "Usage events appended to the ledger.",
			},
			[]string{"feature"},
		)
		for _, collector := range []promreg.Collector{decisions, checkLatency, recordedTokens, recordedRequests} {
			if err := registry.Register(collector); err != nil {
				return nil, err
			}
		}
		provider.decisionCounter = decisions
		provider.checkLatency = checkLatency
		provider.recordedTokens = recordedTokens
		provider.recordedRequests = recordedRequests
	}

	return provider, nil
}

func (p *Provider) PrometheusHandler() http.Handler {
	if p == nil || p.promHandler == nil {
		return nil
	}
	return p.promHandler
}

func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	for _, fn := range p.shutdownFuncs {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	if p == nil {
		return nil
	}
	return p.tracerProvider
}

// RecordDecision counts one gate outcome and observes pipeline latency.
func (p *Provider) RecordDecision(outcome, reason string, duration time.Duration) {
	if p == nil {
		return
	}
	if p.decisionCounter != nil {
		p.decisionCounter.WithLabelValues(outcome, reason).Inc()
	}
	if p.checkLatency != nil {
		p.checkLatency.WithLabelValues(outcome).Observe(duration.Seconds())
	}
}

// RecordUsage counts one appended ledger event and its token volumes.
func (p *Provider) RecordUsage(feature string, inputTokens, outputTokens int64) {
	if p == nil {
		return
	}
	if p.recordedRequests != nil {
		p.recordedRequests.WithLabelValues(feature).Inc()
	}
	if p.recordedTokens == nil {
		return
	}
	if inputTokens > 0 {
		p.recordedTokens.WithLabelValues(feature, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		p.recordedTokens.WithLabelValues(feature, "output").Add(float64(outputTokens))
	}
}
