package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/checklistd/internal/http"

// Transports label how a client reached the server.
const (
	transportREST      = "rest"
	transportSSE       = "sse"
	transportWSUpdates = "ws_updates"
	transportWSIngest  = "ws_ingest"
)

// streamRoutes stay open for the life of a client, so their latency is not
// recorded.
var streamRoutes = map[string]bool{
	"/api/v1/events": true,
	"/ws/updates":    true,
	"/ws/ingest":     true,
}

// HTTPMetrics records control API traffic, open update streams and
// transcript ingest.
type HTTPMetrics struct {
	logger   *zap.Logger
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	streams  metric.Int64UpDownCounter
	chunks   metric.Int64Counter
}

// NewHTTPMetrics creates instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &HTTPMetrics{logger: logger}

	var err error
	m.requests, err = meter.Int64Counter(
		"checklistd.http.requests_total",
		metric.WithDescription("Control API requests by method, route and status."),
		metric.WithUnit("{request}"),
	)
	m.warn("requests_total", err)

	m.latency, err = meter.Float64Histogram(
		"checklistd.http.request_duration_seconds",
		metric.WithDescription("Control API latency by method, route and status. Stream routes are excluded."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30),
	)
	m.warn("request_duration_seconds", err)

	m.streams, err = meter.Int64UpDownCounter(
		"checklistd.http.open_streams",
		metric.WithDescription("Open update and ingest streams by transport."),
		metric.WithUnit("{stream}"),
	)
	m.warn("open_streams", err)

	m.chunks, err = meter.Int64Counter(
		"checklistd.transcript.chunks_total",
		metric.WithDescription("Transcript chunks received by transport and outcome."),
		metric.WithUnit("{chunk}"),
	)
	m.warn("chunks_total", err)

	return m
}

func (m *HTTPMetrics) warn(name string, err error) {
	if err != nil {
		m.logger.Warn("failed to create instrument", zap.String("instrument", name), zap.Error(err))
	}
}

// Middleware counts every request and times the non-stream ones.
func (m *HTTPMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			route := routeLabel(c.Path())
			status := c.Response().Status
			var he *echo.HTTPError
			switch {
			case errors.As(err, &he):
				status = he.Code
			case err != nil:
				status = http.StatusInternalServerError
			}
			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", route),
				attribute.Int("status", status),
			)
			ctx := c.Request().Context()
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.latency != nil && !streamRoutes[route] {
				m.latency.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

// streamOpened counts an open stream until the returned func runs.
func (m *HTTPMetrics) streamOpened(ctx context.Context, transport string) func() {
	if m.streams == nil {
		return func() {}
	}
	attrs := metric.WithAttributes(attribute.String("transport", transport))
	m.streams.Add(ctx, 1, attrs)
	return func() { m.streams.Add(context.WithoutCancel(ctx), -1, attrs) }
}

// transcriptChunk records one ingested chunk.
func (m *HTTPMetrics) transcriptChunk(ctx context.Context, transport string, err error) {
	if m.chunks == nil {
		return
	}
	outcome := "accepted"
	if err != nil {
		outcome = "rejected"
	}
	m.chunks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("outcome", outcome),
	))
}

// routeLabel keeps label cardinality bounded. Echo reports the registered
// template (/api/v1/session/items/:id/toggle), and unmatched paths share one
// label.
func routeLabel(path string) string {
	if path == "" {
		return "unmatched"
	}
	return path
}
