package bridge

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/mcpgate/internal/protocol"
	"pkt.systems/pslog"
)

const headerCorrelationID = "X-Correlation-Id"

type handlerFunc func(w http.ResponseWriter, r *http.Request) error

var correlationPattern = regexp.MustCompile(`^[A-Za-z0-9:._-]{1,64}$`)

// wrap applies the per-request plumbing shared by every route: trace span,
// correlation id (inbound header honored, otherwise generated), a request
// logger bound into the context, and a terminal error backstop.
func (b *Bridge) wrap(operation string, fn handlerFunc) http.Handler {
	spanName := "mcpgate.bridge." + operation
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()

		var span trace.Span
		if b.tracingEnabled {
			ctx, span = b.tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindInternal),
				trace.WithAttributes(
					attribute.String("mcpgate.operation", operation),
					attribute.String("mcpgate.deployment_id", r.PathValue("deployment")),
				),
			)
			defer span.End()
		} else {
			span = trace.SpanFromContext(ctx)
		}

		corr := strings.TrimSpace(r.Header.Get(headerCorrelationID))
		if corr == "" || !correlationPattern.MatchString(corr) {
			corr = xid.New().String()
		}
		w.Header().Set(headerCorrelationID, corr)

		logger := b.logger.With(pslog.TrustedString("sys"), "bridge").With(
			"operation", operation,
			"correlation_id", corr,
			"deployment_id", r.PathValue("deployment"),
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)

		logger.Trace("http.request.start", "method", r.Method, "remote_addr", r.RemoteAddr)

		if err := fn(w, r); err != nil {
			if b.tracingEnabled {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler_error")
			}
			if errors.Is(err, context.Canceled) {
				logger.Trace("http.request.canceled", "elapsed", time.Since(start))
				return
			}
			logger.Error("http.request.failed", "elapsed", time.Since(start), "error", err)
			writeMessage(w, http.StatusInternalServerError, protocol.LatestVersion(),
				protocol.NewErrorResponse(nil, protocol.NewError(protocol.CodeInternalError, "internal error", nil)))
			return
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start))
	})

	if !b.tracingEnabled {
		return handler
	}
	return otelhttp.NewHandler(handler, spanName,
		otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents))
}
