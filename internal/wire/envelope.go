// Package wire defines Trebuchet's on-the-wire Envelope: a tagged union of
// seven message kinds encoded as JSON, with opaque byte fields carried as
// base64 strings.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/trebuchet-run/trebuchet/internal/actorid"
	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
)

// Kind discriminates the seven envelope cases.
type Kind string

const (
	KindInvocation   Kind = "invocation"
	KindResponse     Kind = "response"
	KindStreamStart  Kind = "streamStart"
	KindStreamData   Kind = "streamData"
	KindStreamEnd    Kind = "streamEnd"
	KindStreamError  Kind = "streamError"
	KindStreamResume Kind = "streamResume"
)

// CurrentProtocolVersion is the runtime's own max supported protocol version.
const CurrentProtocolVersion = 1

// StreamEndReason enumerates why a stream terminated.
type StreamEndReason string

const (
	ReasonCompleted           StreamEndReason = "completed"
	ReasonActorTerminated     StreamEndReason = "actorTerminated"
	ReasonClientUnsubscribed  StreamEndReason = "clientUnsubscribed"
	ReasonConnectionClosed    StreamEndReason = "connectionClosed"
	ReasonError               StreamEndReason = "error"
)

// FilterType discriminates a stream filter's shape.
type FilterType string

const (
	FilterAll        FilterType = "all"
	FilterPredefined FilterType = "predefined"
)

// StreamFilter optionally narrows which property changes reach the subscriber.
type StreamFilter struct {
	Type   FilterType     `json:"type"`
	Name   string         `json:"name,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// TraceContext propagates distributed tracing identifiers unchanged.
type TraceContext struct {
	TraceID      string `json:"traceId"`
	SpanID       string `json:"spanId"`
	ParentSpanID string `json:"parentSpanId,omitempty"`
	Flags        uint32 `json:"flags,omitempty"`
}

// Envelope is the wire message. Only the fields relevant to Kind are
// populated; unknown fields on decode are silently ignored by
// encoding/json, giving forward compatibility for free.
type Envelope struct {
	Kind Kind `json:"kind"`

	CallID   uuid.UUID      `json:"callId,omitzero"`
	ActorID  actorid.ActorID `json:"actorId,omitzero"`
	Target   string         `json:"target,omitempty"`

	GenericSubstitutions []string `json:"genericSubstitutions,omitempty"`
	Arguments            [][]byte `json:"arguments,omitempty"`

	ProtocolVersion uint `json:"protocolVersion,omitempty"`

	StreamFilter *StreamFilter `json:"streamFilter,omitempty"`
	TraceContext *TraceContext `json:"traceContext,omitempty"`

	Result       []byte `json:"result,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`

	StreamID       uuid.UUID       `json:"streamId,omitzero"`
	SequenceNumber uint64          `json:"sequenceNumber,omitempty"`
	Data           []byte          `json:"data,omitempty"`
	Timestamp      time.Time       `json:"timestamp,omitzero"`
	Reason         StreamEndReason `json:"reason,omitempty"`
	LastSequence   uint64          `json:"lastSequence,omitempty"`
}

// NegotiatedProtocolVersion returns the envelope's declared protocol
// version, treating absence (the JSON zero value) as version 1.
func (e Envelope) NegotiatedProtocolVersion() uint {
	if e.ProtocolVersion == 0 {
		return 1
	}
	return e.ProtocolVersion
}

// Validate rejects envelopes with undefined shapes, in particular stream
// filters whose Type isn't one of the two recognized values: an unknown
// filter shape is an error, never silently treated as "all".
func (e Envelope) Validate() error {
	if e.Kind == "" {
		return trebuerr.New(trebuerr.InvalidEnvelope, "missing kind")
	}
	if e.StreamFilter != nil {
		switch e.StreamFilter.Type {
		case FilterAll, FilterPredefined:
		default:
			return trebuerr.New(trebuerr.InvalidEnvelope, fmt.Sprintf("unknown stream filter type %q", e.StreamFilter.Type))
		}
	}
	return nil
}

// Encode serializes the envelope to its wire JSON form.
func Encode(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, trebuerr.Wrap(trebuerr.InvalidEnvelope, "encode failed", err)
	}
	return b, nil
}

// Decode parses wire JSON into an Envelope and validates its shape.
func Decode(b []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return Envelope{}, trebuerr.Wrap(trebuerr.InvalidEnvelope, "decode failed", err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// NewInvocation builds an Invocation envelope with a freshly allocated callID.
func NewInvocation(actor actorid.ActorID, target string, genericSubs []string, args [][]byte) Envelope {
	return Envelope{
		Kind:                 KindInvocation,
		CallID:               uuid.New(),
		ActorID:              actor,
		Target:               target,
		GenericSubstitutions: genericSubs,
		Arguments:            args,
		ProtocolVersion:      CurrentProtocolVersion,
	}
}

// IsObserveTarget reports whether target names a streaming method; names
// prefixed "observe" are streaming.
func IsObserveTarget(target string) bool {
	const prefix = "observe"
	return len(target) > len(prefix) && target[:len(prefix)] == prefix
}

// NewResponseOK builds a success Response for callID.
func NewResponseOK(callID uuid.UUID, result []byte) Envelope {
	return Envelope{Kind: KindResponse, CallID: callID, Result: result}
}

// NewResponseError builds a failure Response for callID.
func NewResponseError(callID uuid.UUID, message string) Envelope {
	return Envelope{Kind: KindResponse, CallID: callID, ErrorMessage: message}
}

// NewStreamStart builds a StreamStart envelope correlating callID to streamID.
func NewStreamStart(callID, streamID uuid.UUID) Envelope {
	return Envelope{Kind: KindStreamStart, CallID: callID, StreamID: streamID}
}

// NewStreamData builds a StreamData envelope.
func NewStreamData(streamID uuid.UUID, seq uint64, data []byte) Envelope {
	return Envelope{Kind: KindStreamData, StreamID: streamID, SequenceNumber: seq, Data: data, Timestamp: time.Now().UTC()}
}

// NewStreamEnd builds a StreamEnd envelope.
func NewStreamEnd(streamID uuid.UUID, reason StreamEndReason) Envelope {
	return Envelope{Kind: KindStreamEnd, StreamID: streamID, Reason: reason}
}

// NewStreamError builds a StreamError envelope.
func NewStreamError(streamID uuid.UUID, message string) Envelope {
	return Envelope{Kind: KindStreamError, StreamID: streamID, ErrorMessage: message}
}

// NewStreamResume builds a StreamResume envelope requesting replay after lastSeq.
func NewStreamResume(streamID uuid.UUID, lastSeq uint64, actor actorid.ActorID, target string) Envelope {
	return Envelope{Kind: KindStreamResume, StreamID: streamID, LastSequence: lastSeq, ActorID: actor, Target: target}
}
