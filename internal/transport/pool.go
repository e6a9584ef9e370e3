package transport

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// PoolConfig configures connection-pool lifetime and backpressure.
type PoolConfig struct {
	IdleTimeout  time.Duration // default 300s
	WriteTimeout time.Duration // default 30s
}

// DefaultPoolConfig returns the documented defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{IdleTimeout: 300 * time.Second, WriteTimeout: 30 * time.Second}
}

// pooledConn owns one outbound net.Conn and a send queue that serializes
// writes onto it; the pool never shares a connection across concurrent
// writers.
type pooledConn struct {
	endpoint Endpoint
	conn     net.Conn
	sendCh   chan frameJob
	lastUsed atomic64
	closed   chan struct{}
	closeOne sync.Once
}

type frameJob struct {
	envelope wire.Envelope
	done     chan error
}

type atomic64 struct {
	mu sync.Mutex
	v  time.Time
}

func (a *atomic64) touch() {
	a.mu.Lock()
	a.v = time.Now()
	a.mu.Unlock()
}

func (a *atomic64) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

func newPooledConn(ep Endpoint, conn net.Conn, cfg PoolConfig) *pooledConn {
	pc := &pooledConn{
		endpoint: ep,
		conn:     conn,
		sendCh:   make(chan frameJob, 64),
		closed:   make(chan struct{}),
	}
	pc.lastUsed.touch()
	go pc.writeLoop(cfg)
	return pc
}

func (pc *pooledConn) writeLoop(cfg PoolConfig) {
	for {
		select {
		case <-pc.closed:
			return
		case job := <-pc.sendCh:
			_ = pc.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			err := wire.WriteEnvelope(pc.conn, job.envelope)
			if err != nil {
				pc.close()
			} else {
				pc.lastUsed.touch()
			}
			job.done <- err
		}
	}
}

func (pc *pooledConn) send(ctx context.Context, e wire.Envelope, cfg PoolConfig) error {
	job := frameJob{envelope: e, done: make(chan error, 1)}
	select {
	case pc.sendCh <- job:
	case <-pc.closed:
		return trebuerr.New(trebuerr.ConnectionFailed, "connection closed")
	case <-ctx.Done():
		return trebuerr.Wrap(trebuerr.Timeout, "send cancelled", ctx.Err())
	}
	select {
	case err := <-job.done:
		if err != nil {
			return trebuerr.Wrap(trebuerr.ConnectionFailed, "write failed", err)
		}
		return nil
	case <-time.After(cfg.WriteTimeout):
		pc.close()
		return trebuerr.New(trebuerr.Timeout, "write backpressure exceeded writeTimeout")
	}
}

func (pc *pooledConn) close() {
	pc.closeOne.Do(func() {
		close(pc.closed)
		_ = pc.conn.Close()
	})
}

func (pc *pooledConn) idleFor() time.Duration {
	return time.Since(pc.lastUsed.get())
}

// Pool is the client-side connection pool keyed by endpoint, with an idle
// reaper and a per-endpoint circuit breaker guarding against hammering a
// dead peer with redials.
type Pool struct {
	cfg      PoolConfig
	mu       sync.Mutex
	conns    map[Endpoint]*pooledConn
	breakers map[Endpoint]*gobreaker.CircuitBreaker
	dial     func(ctx context.Context, ep Endpoint) (net.Conn, error)
	stopCh   chan struct{}
}

// NewPool constructs a Pool using the given dial func (net.Dialer.DialContext
// in production, a pipe in tests).
func NewPool(cfg PoolConfig, dial func(ctx context.Context, ep Endpoint) (net.Conn, error)) *Pool {
	p := &Pool{
		cfg:      cfg,
		conns:    make(map[Endpoint]*pooledConn),
		breakers: make(map[Endpoint]*gobreaker.CircuitBreaker),
		dial:     dial,
		stopCh:   make(chan struct{}),
	}
	go p.reapIdle()
	return p
}

func (p *Pool) breakerFor(ep Endpoint) *gobreaker.CircuitBreaker {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.breakers[ep]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        ep.String(),
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	p.breakers[ep] = b
	return b
}

func (p *Pool) getOrDial(ctx context.Context, ep Endpoint) (*pooledConn, error) {
	p.mu.Lock()
	if pc, ok := p.conns[ep]; ok {
		select {
		case <-pc.closed:
			delete(p.conns, ep)
		default:
			p.mu.Unlock()
			return pc, nil
		}
	}
	p.mu.Unlock()

	breaker := p.breakerFor(ep)
	result, err := breaker.Execute(func() (any, error) {
		return p.dial(ctx, ep)
	})
	if err != nil {
		return nil, trebuerr.Wrap(trebuerr.ConnectionFailed, "dial failed", err)
	}

	pc := newPooledConn(ep, result.(net.Conn), p.cfg)
	p.mu.Lock()
	p.conns[ep] = pc
	p.mu.Unlock()
	return pc, nil
}

// Send delivers one envelope to the given endpoint, dialing or reusing a
// pooled connection as needed.
func (p *Pool) Send(ctx context.Context, e wire.Envelope, ep Endpoint) error {
	pc, err := p.getOrDial(ctx, ep)
	if err != nil {
		return err
	}
	return pc.send(ctx, e, p.cfg)
}

func (p *Pool) reapIdle() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.mu.Lock()
			for ep, pc := range p.conns {
				if pc.idleFor() > p.cfg.IdleTimeout {
					pc.close()
					delete(p.conns, ep)
				}
			}
			p.mu.Unlock()
		}
	}
}

// Shutdown closes every pooled connection and stops the idle reaper.
func (p *Pool) Shutdown() {
	close(p.stopCh)
	p.mu.Lock()
	defer p.mu.Unlock()
	for ep, pc := range p.conns {
		pc.close()
		delete(p.conns, ep)
	}
}
