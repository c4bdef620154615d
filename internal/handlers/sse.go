package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/chatforge/pipeline-service/internal/models"
)

// sseTransport adapts an HTTP response into a stream.Transport using
// server-sent events. Done tracks the request context, so a client that
// drops the connection aborts the stream cooperatively.
type sseTransport struct {
	w       http.ResponseWriter
	flusher http.Flusher
	done    <-chan struct{}
	mu      sync.Mutex
}

func newSSETransport(w http.ResponseWriter, r *http.Request) (*sseTransport, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	return &sseTransport{
		w:       w,
		flusher: flusher,
		done:    r.Context().Done(),
	}, nil
}

func (t *sseTransport) Send(event models.StreamEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(t.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

func (t *sseTransport) Done() <-chan struct{} {
	return t.done
}

// discardTransport is used on the non-streaming interactive path: the
// response is returned as one JSON body, so per-chunk events are dropped.
type discardTransport struct {
	done chan struct{}
}

func newDiscardTransport() *discardTransport {
	return &discardTransport{done: make(chan struct{})}
}

func (t *discardTransport) Send(models.StreamEvent) error { return nil }
func (t *discardTransport) Done() <-chan struct{}         { return t.done }
