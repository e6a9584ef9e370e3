// Package host implements the server host: accepting transport
// connections, driving the receive loop, and enforcing the
// running/draining/stopped lifecycle as a host object any caller can
// drive, whether from a SIGTERM handler or a test.
package host

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trebuchet-run/trebuchet/internal/actor"
	"github.com/trebuchet-run/trebuchet/internal/transport"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// State is the host's lifecycle phase.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Listener is the subset of a transport a Host drives: accepting
// connections and serving inbound messages through a handler.
type Listener interface {
	Listen(ctx context.Context, addr string, handle transport.Handler) error
	Shutdown(ctx context.Context) error
}

// Health is the snapshot returned by a health probe.
type Health struct {
	Status           string        `json:"status"`
	InflightRequests int64         `json:"inflightRequests"`
	ActiveStreams    int64         `json:"activeStreams"`
	Uptime           time.Duration `json:"uptime"`
}

// Config tunes a Host's drain behavior.
type Config struct {
	Addr          string
	DrainDeadline time.Duration // default 30s
}

// Host wraps a listener and an actor system, tracking in-flight invocations
// and streams so shutdown can drain gracefully instead of severing
// connections mid-call.
type Host struct {
	cfg      Config
	listener Listener
	system   *actor.System
	logger   *slog.Logger

	state     atomic.Int32
	startedAt time.Time

	inflight      atomic.Int64
	activeStreams atomic.Int64

	mu       sync.Mutex
	draining chan struct{}
}

// New constructs a Host bound to listener and system.
func New(cfg Config, listener Listener, system *actor.System, logger *slog.Logger) *Host {
	if cfg.DrainDeadline == 0 {
		cfg.DrainDeadline = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{cfg: cfg, listener: listener, system: system, logger: logger}
}

// Run blocks, accepting connections and dispatching through the actor
// system, until ctx is cancelled.
func (h *Host) Run(ctx context.Context) error {
	h.startedAt = time.Now()
	h.state.Store(int32(StateRunning))

	return h.listener.Listen(ctx, h.cfg.Addr, h.handle)
}

func (h *Host) handle(ctx context.Context, msg transport.Message) {
	if State(h.state.Load()) != StateRunning {
		if msg.Envelope.Kind == wire.KindInvocation {
			resp := wire.NewResponseError(msg.Envelope.CallID, trebuerr.New(trebuerr.ServerDraining, "server draining").Error())
			_ = msg.Reply.Respond(ctx, resp)
		}
		return
	}

	h.inflight.Add(1)
	defer h.inflight.Add(-1)

	h.system.Receive(ctx, msg)
}

// Shutdown transitions the host to draining, rejects new invocations,
// allows in-flight work up to the drain deadline, then stops.
func (h *Host) Shutdown(ctx context.Context) error {
	h.state.Store(int32(StateDraining))
	h.logger.Info("host draining", "deadline", h.cfg.DrainDeadline)

	drainCtx, cancel := context.WithTimeout(ctx, h.cfg.DrainDeadline)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

drain:
	for {
		if h.inflight.Load() == 0 && h.activeStreams.Load() == 0 {
			break drain
		}
		select {
		case <-drainCtx.Done():
			h.logger.Warn("drain deadline exceeded, cancelling in-flight work",
				"inflight", h.inflight.Load(), "activeStreams", h.activeStreams.Load())
			break drain
		case <-ticker.C:
		}
	}

	err := h.listener.Shutdown(ctx)
	h.system.Shutdown()
	h.state.Store(int32(StateStopped))
	return err
}

// HealthProbe reports current load and lifecycle state. Status is the
// probe vocabulary (healthy/draining/unhealthy), not the internal state
// names; a stopped host reports unhealthy.
func (h *Host) HealthProbe() Health {
	status := "unhealthy"
	switch State(h.state.Load()) {
	case StateRunning:
		status = "healthy"
	case StateDraining:
		status = "draining"
	}
	return Health{
		Status:           status,
		InflightRequests: h.inflight.Load(),
		ActiveStreams:    h.activeStreams.Load(),
		Uptime:           time.Since(h.startedAt),
	}
}

// State reports the host's current lifecycle phase.
func (h *Host) State() State {
	return State(h.state.Load())
}

// TrackStreamOpened/TrackStreamClosed let a stream dispatcher keep the
// health probe's activeStreams count accurate; a *Host passed to
// streamserver.Server.SetTracker satisfies streamserver.StreamTracker and
// has these called around a subscription's lifetime.
func (h *Host) TrackStreamOpened() { h.activeStreams.Add(1) }
func (h *Host) TrackStreamClosed() { h.activeStreams.Add(-1) }
