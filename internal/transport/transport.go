// Package transport implements the two reference transports of the
// runtime: a framed, full-duplex TCP stream and a request/response HTTP
// client. Both deliver opaque wire.Envelope messages while preserving
// message boundaries.
package transport

import (
	"context"

	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// Endpoint identifies a transport peer.
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) String() string { return e.Host + ":" + portString(e.Port) }

func portString(p uint16) string {
	const digits = "0123456789"
	if p == 0 {
		return "0"
	}
	var buf [5]byte
	i := len(buf)
	for p > 0 {
		i--
		buf[i] = digits[p%10]
		p /= 10
	}
	return string(buf[i:])
}

// Responder lets an inbound-message handler reply on the same connection the
// message arrived on — required for the framed stream transport, where
// requests and responses interleave on one full-duplex socket.
type Responder interface {
	Respond(ctx context.Context, e wire.Envelope) error
}

// Message is one inbound envelope plus enough context to reply to it.
type Message struct {
	Envelope wire.Envelope
	Source   Endpoint
	Reply    Responder
}

// Handler processes one inbound Message. Implementations must not block
// indefinitely; streaming handlers send StreamStart and return, leaving a
// separate goroutine to send StreamData and the terminal envelope via
// msg.Reply.
type Handler func(ctx context.Context, msg Message)
