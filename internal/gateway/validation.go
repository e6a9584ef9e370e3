package gateway

import (
	"context"
	"regexp"
	"unicode/utf8"

	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const (
	defaultMaxPayloadBytes = 1 << 20 // 1 MiB
	maxIdentifierLength    = 256
	maxMetadataEntries     = 64
	maxMetadataValueLength = 4096
)

// ValidationConfig tunes the limits the Validation stage enforces.
type ValidationConfig struct {
	MaxPayloadBytes int
}

// ValidationStage rejects malformed envelopes before any further work is
// done on them.
type ValidationStage struct {
	maxPayloadBytes int
}

// NewValidationStage builds a Validation stage with cfg's limits, defaulting
// MaxPayloadBytes to 1 MiB when unset.
func NewValidationStage(cfg ValidationConfig) *ValidationStage {
	max := cfg.MaxPayloadBytes
	if max <= 0 {
		max = defaultMaxPayloadBytes
	}
	return &ValidationStage{maxPayloadBytes: max}
}

func (s *ValidationStage) Name() string { return "Validation" }

func (s *ValidationStage) Handle(ctx context.Context, env wire.Envelope, rc *RequestContext) error {
	if size := payloadSize(env); size > s.maxPayloadBytes {
		return rejectAs(trebuerr.ValidationError, "payload exceeds size limit")
	}

	if env.ActorID.ID != "" && !validIdentifier(env.ActorID.ID) {
		return rejectAs(trebuerr.ValidationError, "actorID contains invalid characters")
	}
	if env.Target != "" && !validIdentifier(stripObservePrefix(env.Target)) {
		return rejectAs(trebuerr.ValidationError, "target contains invalid characters")
	}

	if len(rc.Metadata) > maxMetadataEntries {
		return rejectAs(trebuerr.ValidationError, "too many metadata entries")
	}
	for k, v := range rc.Metadata {
		if len(v) > maxMetadataValueLength {
			return rejectAs(trebuerr.ValidationError, "metadata value too long: "+k)
		}
		if !utf8.ValidString(v) {
			return rejectAs(trebuerr.ValidationError, "metadata value is not valid UTF-8: "+k)
		}
	}

	for _, arg := range env.Arguments {
		if containsNullByte(arg) {
			return rejectAs(trebuerr.ValidationError, "argument contains a null byte")
		}
	}

	return nil
}

func payloadSize(env wire.Envelope) int {
	size := len(env.Result) + len(env.Data)
	for _, a := range env.Arguments {
		size += len(a)
	}
	return size
}

func validIdentifier(s string) bool {
	return len(s) > 0 && len(s) <= maxIdentifierLength && identifierPattern.MatchString(s)
}

func stripObservePrefix(target string) string {
	if wire.IsObserveTarget(target) {
		return target[len("observe"):]
	}
	return target
}

func containsNullByte(b []byte) bool {
	for _, c := range b {
		if c == 0 {
			return true
		}
	}
	return false
}
