package bridge

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type bridgeMetrics struct {
	messages  metric.Int64Counter
	failures  metric.Int64Counter
	forwardMS metric.Float64Histogram
	sessions  metric.Int64UpDownCounter
	retries   metric.Int64Counter
}

func newBridgeMetrics(logger pslog.Logger) *bridgeMetrics {
	meter := otel.Meter("pkt.systems/mcpgate/bridge")
	m := &bridgeMetrics{}
	var err error

	m.messages, err = meter.Int64Counter(
		"mcpgate.bridge.messages",
		metric.WithDescription("Inbound protocol messages by class and outcome"),
	)
	logMetricInitError(logger, "mcpgate.bridge.messages", err)

	m.failures, err = meter.Int64Counter(
		"mcpgate.bridge.failures",
		metric.WithDescription("Forwarding failures by protocol error code"),
	)
	logMetricInitError(logger, "mcpgate.bridge.failures", err)

	m.forwardMS, err = meter.Float64Histogram(
		"mcpgate.bridge.forward_ms",
		metric.WithDescription("Backend round-trip latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "mcpgate.bridge.forward_ms", err)

	m.sessions, err = meter.Int64UpDownCounter(
		"mcpgate.bridge.sessions",
		metric.WithDescription("Live protocol sessions"),
	)
	logMetricInitError(logger, "mcpgate.bridge.sessions", err)

	m.retries, err = meter.Int64Counter(
		"mcpgate.bridge.retries",
		metric.WithDescription("Automatic re-resolve retries after pre-response delivery failures"),
	)
	logMetricInitError(logger, "mcpgate.bridge.retries", err)

	return m
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
}

func (m *bridgeMetrics) recordMessage(ctx context.Context, class, outcome string) {
	if m == nil || m.messages == nil {
		return
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mcpgate.message.class", class),
		attribute.String("mcpgate.message.outcome", outcome),
	))
}

func (m *bridgeMetrics) recordFailure(ctx context.Context, code int) {
	if m == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.Int("mcpgate.error.code", code),
	))
}

func (m *bridgeMetrics) recordForward(ctx context.Context, deploymentID string, d time.Duration) {
	if m == nil || m.forwardMS == nil {
		return
	}
	m.forwardMS.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		attribute.String("mcpgate.deployment_id", deploymentID),
	))
}

func (m *bridgeMetrics) recordSessionDelta(ctx context.Context, delta int64) {
	if m == nil || m.sessions == nil {
		return
	}
	m.sessions.Add(ctx, delta)
}

func (m *bridgeMetrics) recordRetry(ctx context.Context, deploymentID string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mcpgate.deployment_id", deploymentID),
	))
}
