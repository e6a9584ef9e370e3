package streamserver

// DeltaCodec is the optional capability a streamed payload type can
// expose: the server tracks each subscriber's last transmitted value and,
// when a non-nil delta is computable, sends it instead of the full
// payload. Encoding/decoding of the actual wire bytes is the codec's job;
// the streamserver only decides full-vs-delta and records which was sent.
type DeltaCodec interface {
	// Delta returns an encoded delta from prev to cur, or (nil, false) if no
	// delta is computable (caller falls back to sending cur in full).
	Delta(prev, cur []byte) ([]byte, bool)
}

const (
	markerFull  byte = 0x00
	markerDelta byte = 0x01
)

// encodeForSubscriber picks between full and delta payloads for one
// subscriber's last-transmitted value: first send, post-resume, and "no
// delta possible" all send the full value. The chosen form is prefixed
// with a one-byte discriminator the client strips before decoding.
func encodeForSubscriber(codec DeltaCodec, prevTransmitted []byte, cur []byte) (payload []byte, isDelta bool) {
	if codec != nil && prevTransmitted != nil {
		if d, ok := codec.Delta(prevTransmitted, cur); ok && d != nil {
			return append([]byte{markerDelta}, d...), true
		}
	}
	return append([]byte{markerFull}, cur...), false
}
