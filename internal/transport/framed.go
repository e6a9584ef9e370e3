package transport

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// FramedTransport is the full-duplex, length-prefixed stream transport.
// Invocations and responses interleave freely on one
// connection; demuxing happens at the envelope layer by callID/streamID.
type FramedTransport struct {
	pool     *Pool
	listener net.Listener

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	wg      sync.WaitGroup
	closing chan struct{}
}

// NewFramedTransport builds a transport with the given pool configuration.
// dial defaults to net.Dialer.DialContext when nil.
func NewFramedTransport(cfg PoolConfig, dial func(ctx context.Context, ep Endpoint) (net.Conn, error)) *FramedTransport {
	if dial == nil {
		var d net.Dialer
		dial = func(ctx context.Context, ep Endpoint) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", ep.String())
		}
	}
	return &FramedTransport{
		pool:    NewPool(cfg, dial),
		conns:   make(map[net.Conn]struct{}),
		closing: make(chan struct{}),
	}
}

// Send delivers one envelope to an endpoint over a pooled connection.
func (t *FramedTransport) Send(ctx context.Context, e wire.Envelope, to Endpoint) error {
	return t.pool.Send(ctx, e, to)
}

// connResponder lets a handler reply on the connection a message arrived on.
type connResponder struct {
	mu   *sync.Mutex
	conn net.Conn
}

func (r *connResponder) Respond(ctx context.Context, e wire.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := wire.WriteEnvelope(r.conn, e); err != nil {
		return trebuerr.Wrap(trebuerr.ConnectionFailed, "respond failed", err)
	}
	return nil
}

// Listen accepts connections on addr (a "host:port" string, per the
// transport.Listener contract host.Host depends on) and dispatches every
// inbound envelope to handle. It blocks until ctx is cancelled or Shutdown
// is called.
func (t *FramedTransport) Listen(ctx context.Context, addr string, handle Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return trebuerr.Wrap(trebuerr.ConnectionFailed, "listen failed", err)
	}
	t.listener = ln
	local := parseEndpoint(addr)

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go func() {
		<-t.closing
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-t.closing:
				return nil
			default:
				continue
			}
		}
		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()

		t.wg.Add(1)
		go t.serveConn(ctx, conn, local, handle)
	}
}

// parseEndpoint best-effort parses a "host:port" listen address into an
// Endpoint, used only as a fallback source when a connection's remote
// address can't be resolved to a TCPAddr.
func parseEndpoint(addr string) Endpoint {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}
	}
	port, _ := strconv.Atoi(portStr)
	return Endpoint{Host: host, Port: uint16(port)}
}

func (t *FramedTransport) serveConn(ctx context.Context, conn net.Conn, local Endpoint, handle Handler) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
		_ = conn.Close()
	}()

	var writeMu sync.Mutex
	responder := &connResponder{mu: &writeMu, conn: conn}

	source := Endpoint{Host: local.Host, Port: local.Port}
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		source = Endpoint{Host: tcpAddr.IP.String(), Port: uint16(tcpAddr.Port)}
	}

	for {
		env, err := wire.ReadEnvelope(conn)
		if err != nil {
			return
		}
		handle(ctx, Message{Envelope: env, Source: source, Reply: responder})
	}
}

// Shutdown closes the listener and every inbound connection, then waits for
// connection-serving goroutines to return.
func (t *FramedTransport) Shutdown(ctx context.Context) error {
	close(t.closing)
	if t.listener != nil {
		_ = t.listener.Close()
	}
	t.mu.Lock()
	for conn := range t.conns {
		_ = conn.Close()
	}
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	t.pool.Shutdown()
	return nil
}
