package gateway

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// TracingStage is a pass-through pipeline entry marking where tracing sits
// in the stage order (last, immediately before dispatch). The span that
// actually covers dispatch is opened by
// WrapDispatch, which wraps the Gateway's Dispatcher at construction time;
// Handle itself never rejects a request.
type TracingStage struct {
	logger *slog.Logger
}

// NewTracingStage builds the Tracing pipeline marker stage.
func NewTracingStage(logger *slog.Logger) *TracingStage {
	if logger == nil {
		logger = slog.Default()
	}
	return &TracingStage{logger: logger}
}

func (s *TracingStage) Name() string { return "Tracing" }

func (s *TracingStage) Handle(ctx context.Context, env wire.Envelope, rc *RequestContext) error {
	return nil
}

// WrapDispatch runs dispatch inside a span that continues the envelope's
// propagated trace context: the dispatch span's traceID is the caller's
// traceID and its parent is the caller's spanID. An absent or malformed
// TraceContext starts a new trace instead. Used to wrap the Gateway's
// Dispatcher at construction time instead of living inside Handle, so the
// span covers actor dispatch too.
func WrapDispatch(logger *slog.Logger, dispatch Dispatcher) Dispatcher {
	tracer := otel.Tracer("trebuchet/gateway")
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, env wire.Envelope) wire.Envelope {
		if sc, ok := remoteSpanContext(env.TraceContext); ok {
			ctx = trace.ContextWithRemoteSpanContext(ctx, sc)
		}
		ctx, span := tracer.Start(ctx, "dispatch", trace.WithAttributes(
			attribute.String("trebuchet.actor_id", env.ActorID.ID),
			attribute.String("trebuchet.target", env.Target),
		))
		defer span.End()

		resp := dispatch(ctx, env)
		if resp.ErrorMessage != "" {
			span.SetStatus(codes.Error, resp.ErrorMessage)
			logger.Warn("dispatch failed", "actorId", env.ActorID.ID, "target", env.Target, "error", resp.ErrorMessage)
		}
		return resp
	}
}

// remoteSpanContext converts a propagated wire TraceContext into a remote
// otel SpanContext. Malformed IDs report ok=false rather than erroring:
// trace propagation must never fail a request.
func remoteSpanContext(tc *wire.TraceContext) (trace.SpanContext, bool) {
	if tc == nil {
		return trace.SpanContext{}, false
	}
	traceID, err := trace.TraceIDFromHex(tc.TraceID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	spanID, err := trace.SpanIDFromHex(tc.SpanID)
	if err != nil {
		return trace.SpanContext{}, false
	}
	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.TraceFlags(tc.Flags),
		Remote:     true,
	}), true
}
