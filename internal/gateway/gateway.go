// Package gateway implements the cloud gateway and its middleware
// pipeline: a stateless request/response frontend running a fixed chain of
// stages — Validation, RateLimit, Authentication, Authorization, Tracing —
// before handing the envelope to actor dispatch.
package gateway

import (
	"context"

	"github.com/trebuchet-run/trebuchet/internal/obsmetrics"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// Principal is the authenticated identity a request carries once
// Authentication succeeds.
type Principal struct {
	Subject string
	Roles   []string
}

// RequestContext is the typed key-value bag threaded through the pipeline;
// stages mutate it in place rather than returning a new one, keeping the
// request state out of context.WithValue.
type RequestContext struct {
	Principal *Principal
	Metadata  map[string]string
}

// Stage is one pipeline step. It may mutate rc, and returns a non-nil error
// to short-circuit the chain with a structured failure.
type Stage interface {
	Name() string
	Handle(ctx context.Context, env wire.Envelope, rc *RequestContext) error
}

// Dispatcher is the downstream actor-dispatch call the pipeline protects.
type Dispatcher func(ctx context.Context, env wire.Envelope) wire.Envelope

// Gateway runs envelopes through an ordered stage list before dispatch:
// Validation, RateLimit, Authentication, Authorization, Tracing, then the
// actor call itself.
type Gateway struct {
	stages   []Stage
	dispatch Dispatcher
	metrics  *obsmetrics.Metrics
}

// New builds a Gateway with the given stage chain, in order. metrics may be
// nil, in which case no counters are recorded.
func New(dispatch Dispatcher, metrics *obsmetrics.Metrics, stages ...Stage) *Gateway {
	return &Gateway{stages: stages, dispatch: dispatch, metrics: metrics}
}

// Handle runs one envelope through the full pipeline with no transport
// metadata attached; see HandleWithMetadata.
func (g *Gateway) Handle(ctx context.Context, env wire.Envelope) wire.Envelope {
	return g.HandleWithMetadata(ctx, env, nil)
}

// HandleWithMetadata runs one envelope through the full pipeline and
// returns the resulting Response envelope. metadata carries
// transport-level key-value pairs (e.g. the authorization header) into the
// stage chain. A stage failure short-circuits and is mapped directly to a
// Response carrying the structured error kind.
func (g *Gateway) HandleWithMetadata(ctx context.Context, env wire.Envelope, metadata map[string]string) wire.Envelope {
	rc := &RequestContext{Metadata: map[string]string{}}
	for k, v := range metadata {
		rc.Metadata[k] = v
	}

	for _, stage := range g.stages {
		if err := stage.Handle(ctx, env, rc); err != nil {
			if g.metrics != nil {
				g.metrics.RecordError(ctx, string(trebuerr.KindOf(err)))
			}
			return wire.NewResponseError(env.CallID, err.Error())
		}
	}

	if g.metrics != nil {
		g.metrics.Invocations.Add(ctx, 1)
	}
	return g.dispatch(ctx, env)
}

func rejectAs(kind trebuerr.Kind, message string) error {
	return trebuerr.New(kind, message)
}
