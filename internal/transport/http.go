package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/trebuchet-run/trebuchet/internal/trebuerr"
	"github.com/trebuchet-run/trebuchet/internal/wire"
)

// HTTPTransport is the request/response transport: one invocation maps to
// one POST /invoke whose response body is the encoded Response envelope.
// Streaming is not carried here — it flows through the connection
// registry's server-push fabric instead.
type HTTPTransport struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]wire.Envelope // idempotent-retry response cache, keyed by callID
	ttl   time.Duration
}

// NewHTTPTransport builds a client with the given timeout. A zero timeout
// means "rely on ctx deadlines only".
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
		cache:  make(map[string]wire.Envelope),
		ttl:    30 * time.Second,
	}
}

// Invoke POSTs an Invocation envelope to ep's /invoke endpoint and decodes
// the Response body. It performs no retry: a network error or a 5xx
// response is returned to the caller as a connectionFailed error.
func (t *HTTPTransport) Invoke(ctx context.Context, ep Endpoint, e wire.Envelope) (wire.Envelope, error) {
	body, err := wire.Encode(e)
	if err != nil {
		return wire.Envelope{}, err
	}

	url := "http://" + ep.String() + "/invoke"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return wire.Envelope{}, trebuerr.Wrap(trebuerr.ConnectionFailed, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return wire.Envelope{}, trebuerr.Wrap(trebuerr.ConnectionFailed, "http request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return wire.Envelope{}, trebuerr.Wrap(trebuerr.ConnectionFailed, "read response body", err)
	}

	if resp.StatusCode >= 500 {
		return wire.Envelope{}, trebuerr.New(trebuerr.ConnectionFailed, "server error "+resp.Status)
	}

	return wire.Decode(respBody)
}

// headerMetadata flattens request headers into the metadata bag handed to
// the envelope handler: lowercased names, first value wins.
func headerMetadata(r *http.Request) map[string]string {
	md := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) == 0 {
			continue
		}
		md[strings.ToLower(name)] = values[0]
	}
	return md
}

// ServerHandler processes one HTTP POST /invoke by delegating to handle —
// which receives the decoded envelope plus the request headers as metadata
// — and writing whichever Response the handler produces back as the HTTP
// body. Duplicate Invocation callIDs observed within ttl return the cached
// prior response instead of re-invoking; callers retrying on 5xx or
// network error therefore never double-execute within the window.
func (t *HTTPTransport) ServerHandler(handle func(ctx context.Context, e wire.Envelope, metadata map[string]string) wire.Envelope) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body failed", http.StatusBadRequest)
			return
		}
		env, err := wire.Decode(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		md := headerMetadata(r)

		if env.Kind == wire.KindInvocation {
			// Keyed on callID alone: a retry after a network error arrives
			// on a new connection from a new source port, so nothing
			// connection-derived can be part of the key. CallIDs are
			// caller-allocated UUIDs, unique per logical invocation.
			key := env.CallID.String()
			t.mu.Lock()
			if cached, ok := t.cache[key]; ok {
				t.mu.Unlock()
				writeEnvelope(w, cached)
				return
			}
			t.mu.Unlock()

			resp := handle(r.Context(), env, md)

			t.mu.Lock()
			t.cache[key] = resp
			t.mu.Unlock()
			time.AfterFunc(t.ttl, func() {
				t.mu.Lock()
				delete(t.cache, key)
				t.mu.Unlock()
			})

			writeEnvelope(w, resp)
			return
		}

		resp := handle(r.Context(), env, md)
		writeEnvelope(w, resp)
	}
}

func writeEnvelope(w http.ResponseWriter, e wire.Envelope) {
	b, err := wire.Encode(e)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(b)
}
