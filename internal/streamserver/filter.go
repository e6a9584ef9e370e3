package streamserver

import (
	"strconv"
	"sync"
	"time"

	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// filterState is the per-subscriber memory a predefined filter needs across
// evaluations (previous value, last-emit time for rate-limiting).
type filterState struct {
	mu       sync.Mutex
	prev     []byte
	lastSent time.Time
}

// evaluate reports whether payload should be delivered to a subscriber
// given its configured filter. A nil filter, FilterAll, or an unrecognized
// predefined name all behave as "admit everything".
func evaluate(f *wire.StreamFilter, st *filterState, payload []byte) bool {
	if f == nil || f.Type == wire.FilterAll {
		return true
	}
	if f.Type != wire.FilterPredefined {
		return true
	}

	switch f.Name {
	case "changed":
		st.mu.Lock()
		defer st.mu.Unlock()
		admit := st.prev == nil || string(st.prev) != string(payload)
		st.prev = payload
		return admit

	case "nonEmpty":
		return len(payload) > 0

	case "threshold":
		min, ok := numericParam(f.Params, "min")
		if !ok {
			return true
		}
		v, ok := parseNumeric(payload)
		if !ok {
			return true
		}
		return v >= min

	case "rate-limit":
		intervalMs, ok := numericParam(f.Params, "intervalMs")
		if !ok {
			return true
		}
		st.mu.Lock()
		defer st.mu.Unlock()
		now := time.Now()
		if !st.lastSent.IsZero() && now.Sub(st.lastSent) < time.Duration(intervalMs)*time.Millisecond {
			return false
		}
		st.lastSent = now
		return true

	default:
		return true
	}
}

func numericParam(params map[string]any, key string) (float64, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func parseNumeric(payload []byte) (float64, bool) {
	f, err := strconv.ParseFloat(string(payload), 64)
	return f, err == nil
}
