// Package obsmetrics defines the runtime's otel metric instruments:
// invocation counts, gateway error counts by reason, rate-limit decisions
// and stream opens/closes. internal/gateway records invocations and errors;
// nothing in the runtime records rate-limit decisions or stream opens/closes.
package obsmetrics

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the runtime's counters. Only Invocations and
// InvocationErrors are recorded (by internal/gateway).
type Metrics struct {
	Invocations       metric.Int64Counter
	InvocationErrors  metric.Int64Counter
	RateLimitDecisions metric.Int64Counter
	StreamsOpened     metric.Int64Counter
	StreamsClosed     metric.Int64Counter
}

// New builds every instrument under the meter named "trebuchet".
func New() (*Metrics, error) {
	meter := otel.Meter("trebuchet")

	invocations, err := meter.Int64Counter("invocations.total",
		metric.WithDescription("total dispatched invocations"))
	if err != nil {
		return nil, err
	}

	invocationErrors, err := meter.Int64Counter("invocations.errors",
		metric.WithDescription("invocations rejected or failed, tagged by reason"))
	if err != nil {
		return nil, err
	}

	rateLimitDecisions, err := meter.Int64Counter("ratelimit.decisions",
		metric.WithDescription("rate limiter admit/reject decisions"))
	if err != nil {
		return nil, err
	}

	streamsOpened, err := meter.Int64Counter("streams.opened",
		metric.WithDescription("streaming subscriptions opened"))
	if err != nil {
		return nil, err
	}

	streamsClosed, err := meter.Int64Counter("streams.closed",
		metric.WithDescription("streaming subscriptions closed"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		Invocations:        invocations,
		InvocationErrors:   invocationErrors,
		RateLimitDecisions: rateLimitDecisions,
		StreamsOpened:      streamsOpened,
		StreamsClosed:      streamsClosed,
	}, nil
}

// RecordError increments invocations.errors with a reason attribute,
// normalizing the error kind's camelCase to the snake_case metric tag form
// (authenticationError -> authentication_error).
func (m *Metrics) RecordError(ctx context.Context, reason string) {
	m.InvocationErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reasonTag(reason))))
}

func reasonTag(kind string) string {
	var b strings.Builder
	b.Grow(len(kind) + 4)
	for _, r := range kind {
		if r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
			b.WriteRune(r + ('a' - 'A'))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}
