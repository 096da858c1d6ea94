package observability

import (
	"context"
	"net/http"
	"strconv"
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

	"github.com/stamns/flow2api/internal/config"
	"github.com/stamns/flow2api/internal/models"
)

// Provider wires tracing and metrics. Task lifecycle counters implement the
// orchestrator's Metrics interface; HTTP counters feed the fiber middleware.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *metric.MeterProvider
	promExporter   *prometheus.Exporter
	promHandler    http.Handler
	shutdownFuncs  []func(context.Context) error

	httpRequestCounter *promreg.CounterVec
	httpRequestLatency *promreg.HistogramVec
	tasksStarted       *promreg.CounterVec
	tasksSettled       *promreg.CounterVec
	taskDuration       *promreg.HistogramVec
	capacityRejections *promreg.CounterVec
}

func Setup(ctx context.Context, cfg config.ObservabilityConfig) (*Provider, error) {
	if !cfg.EnableOTLP && !cfg.EnableMetrics {
		return nil, nil
	}

	provider := &Provider{}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("flow2api"),
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

		exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
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

		httpRequests := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "flow2api",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed.",
			},
			[]string{"method", "route", "status"},
		)
		latencyBuckets := []float64{0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10}
		httpLatency := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "flow2api",
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP requests in seconds.",
				Buckets:   latencyBuckets,
			},
			[]string{"method", "route", "status"},
		)
		tasksStarted := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "flow2api",
				Name:      "tasks_started_total",
				Help:      "Generation tasks admitted and submitted upstream.",
			},
			[]string{"media"},
		)
		tasksSettled := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "flow2api",
				Name:      "tasks_settled_total",
				Help:      "Generation tasks reaching a terminal state.",
			},
			[]string{"media", "outcome"},
		)
		taskDuration := promreg.NewHistogramVec(
			promreg.HistogramOpts{
				Namespace: "flow2api",
				Name:      "task_duration_seconds",
				Help:      "Wall-clock time from admission to settlement.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1500},
			},
			[]string{"media"},
		)
		capacityRejections := promreg.NewCounterVec(
			promreg.CounterOpts{
				Namespace: "flow2api",
				Name:      "capacity_rejections_total",
				Help:      "Requests refused because no token had a free slot.",
			},
			[]string{"media"},
		)

		for _, collector := range []promreg.Collector{httpRequests, httpLatency, tasksStarted, tasksSettled, taskDuration, capacityRejections} {
			if err := registry.Register(collector); err != nil {
				return nil, err
			}
		}

		provider.httpRequestCounter = httpRequests
		provider.httpRequestLatency = httpLatency
		provider.tasksStarted = tasksStarted
		provider.tasksSettled = tasksSettled
		provider.taskDuration = taskDuration
		provider.capacityRejections = capacityRejections
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

func (p *Provider) RecordHTTPRequest(_ context.Context, method, route string, status int, duration time.Duration) {
	if p == nil {
		return
	}

	statusLabel := strconv.Itoa(status)

	if p.httpRequestCounter != nil {
		p.httpRequestCounter.WithLabelValues(method, route, statusLabel).Inc()
	}
	if p.httpRequestLatency != nil {
		p.httpRequestLatency.WithLabelValues(method, route, statusLabel).Observe(duration.Seconds())
	}
}

// TaskStarted implements orchestrator.Metrics.
func (p *Provider) TaskStarted(media models.MediaType) {
	if p == nil || p.tasksStarted == nil {
		return
	}
	p.tasksStarted.WithLabelValues(string(media)).Inc()
}

// TaskSettled implements orchestrator.Metrics.
func (p *Provider) TaskSettled(media models.MediaType, class models.ErrorClass, elapsed time.Duration) {
	if p == nil || p.tasksSettled == nil {
		return
	}
	outcome := "success"
	if class != models.ErrClassNone {
		outcome = string(class)
	}
	p.tasksSettled.WithLabelValues(string(media), outcome).Inc()
	p.taskDuration.WithLabelValues(string(media)).Observe(elapsed.Seconds())
}

// CapacityRejected implements orchestrator.Metrics.
func (p *Provider) CapacityRejected(media models.MediaType) {
	if p == nil || p.capacityRejections == nil {
		return
	}
	p.capacityRejections.WithLabelValues(string(media)).Inc()
}
