package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/szaher/recall/internal/memory"
)

// SSEWriter wraps an http.ResponseWriter for Server-Sent Event streaming.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates an SSE writer, setting the stream headers.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteEvent sends a named SSE event with a JSON payload.
func (s *SSEWriter) WriteEvent(event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(s.w, "event: %s\n", event)
	_, _ = fmt.Fprintf(s.w, "data: %s\n\n", jsonData)
	s.flusher.Flush()
	return nil
}

// WriteError sends an error event.
func (s *SSEWriter) WriteError(message string) error {
	return s.WriteEvent("error", map[string]string{"message": message})
}

// subscriberBuffer is the per-subscriber channel depth. A subscriber
// that falls further behind loses events rather than stalling writers.
const subscriberBuffer = 16

// Broadcaster fans store mutations out to stream subscribers.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan memory.Mutation]struct{}
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan memory.Mutation]struct{})}
}

// Processor adapts the broadcaster to the memory.Processor interface so
// it can sit on the store's processor chain.
func (b *Broadcaster) Processor() memory.Processor {
	return memory.NewProcessor("timeline-stream", func(_ context.Context, m memory.Mutation) error {
		b.publish(m)
		return nil
	})
}

func (b *Broadcaster) publish(m memory.Mutation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- m:
		default:
		}
	}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function that must be called when the subscriber is done.
func (b *Broadcaster) Subscribe() (<-chan memory.Mutation, func()) {
	ch := make(chan memory.Mutation, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
	}
	return ch, cancel
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
