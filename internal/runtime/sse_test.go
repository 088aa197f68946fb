package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/szaher/recall/internal/memory"
)

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster()
	first, cancelFirst := b.Subscribe()
	second, cancelSecond := b.Subscribe()
	defer cancelSecond()

	if n := b.Subscribers(); n != 2 {
		t.Fatalf("subscribers = %d, want 2", n)
	}

	proc := b.Processor()
	if proc.Name() != "timeline-stream" {
		t.Errorf("processor name = %q, want timeline-stream", proc.Name())
	}

	m := memory.Mutation{Op: memory.OpTimelineAdd, Key: "ev-1", HistoryID: "run-1"}
	if err := proc.Process(context.Background(), m); err != nil {
		t.Fatalf("process: %v", err)
	}

	for name, ch := range map[string]<-chan memory.Mutation{"first": first, "second": second} {
		select {
		case got := <-ch:
			if got.Key != "ev-1" {
				t.Errorf("%s received %+v, want ev-1", name, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("%s subscriber received nothing", name)
		}
	}

	cancelFirst()
	if n := b.Subscribers(); n != 1 {
		t.Fatalf("subscribers after cancel = %d, want 1", n)
	}
	b.publish(memory.Mutation{Op: memory.OpTimelineAdd, Key: "ev-2"})
	select {
	case got := <-first:
		t.Errorf("canceled subscriber received %+v", got)
	default:
	}
	select {
	case got := <-second:
		if got.Key != "ev-2" {
			t.Errorf("second received %+v, want ev-2", got)
		}
	case <-time.After(time.Second):
		t.Fatal("second subscriber received nothing after cancel")
	}
}

func TestBroadcasterDropsWhenSubscriberLags(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	// Publishing past the buffer must not block; overflow is dropped.
	for i := 0; i < subscriberBuffer+4; i++ {
		b.publish(memory.Mutation{Op: memory.OpTimelineAdd})
	}
	if got := len(ch); got != subscriberBuffer {
		t.Errorf("buffered = %d, want %d", got, subscriberBuffer)
	}
}

func TestSSEWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	sse, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("cache control = %q, want no-cache", cc)
	}

	if err := sse.WriteEvent("ping", map[string]int{"n": 1}); err != nil {
		t.Fatalf("write event: %v", err)
	}
	want := "event: ping\ndata: {\"n\":1}\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if !rec.Flushed {
		t.Error("writer did not flush")
	}

	rec.Body.Reset()
	if err := sse.WriteError("boom"); err != nil {
		t.Fatalf("write error: %v", err)
	}
	if got := rec.Body.String(); !strings.Contains(got, "event: error") || !strings.Contains(got, "boom") {
		t.Errorf("error event = %q", got)
	}
}

type plainWriter struct {
	http.ResponseWriter
}

func TestNewSSEWriterRequiresFlusher(t *testing.T) {
	// Wrapping the recorder hides its Flush method.
	if _, err := NewSSEWriter(plainWriter{httptest.NewRecorder()}); err == nil {
		t.Fatal("want an error for a non-flushing writer")
	}
}
