package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewMeterProvider creates an OTel MeterProvider backed by a Prometheus
// exporter, and returns the scrape handler that serves the provider's
// collected instruments alongside it. Each call creates an independent
// Prometheus registry to avoid collector conflicts when called multiple
// times. The caller owns the provider's Shutdown.
func NewMeterProvider() (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := prometheus.NewRegistry()

	exporter, err := promexporter.New(
		promexporter.WithRegisterer(registry),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	return provider, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// PrometheusHandler creates a Prometheus-backed MeterProvider and returns
// only its scrape handler, for callers that have no instruments of their
// own to register against the provider.
func PrometheusHandler() (http.Handler, error) {
	_, handler, err := NewMeterProvider()
	if err != nil {
		return nil, err
	}

	return handler, nil
}
