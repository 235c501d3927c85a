package logging

import (
	"sync/atomic"
	"time"
)

const maxSinkBackoff = 32 * time.Second

// sinkWorker owns one sink. Writes run on the worker goroutine so a slow sink
// never holds up the dispatcher or other sinks.
type sinkWorker struct {
	name     string
	sink     Sink
	route    Route
	events   chan Event
	fallback Logger
	// abort cuts a retry backoff short once the router is closing.
	abort <-chan struct{}

	failures int
	dropped  atomic.Uint64
}

func newSinkWorker(name string, sink Sink, route Route, buffer int, fallback Logger, abort <-chan struct{}) *sinkWorker {
	return &sinkWorker{
		name:     name,
		sink:     sink,
		route:    route,
		events:   make(chan Event, buffer),
		fallback: fallback,
		abort:    abort,
	}
}

// offer hands an event to the worker without blocking. It returns false when
// the backlog is full and the event was dropped.
func (w *sinkWorker) offer(event Event) bool {
	select {
	case w.events <- cloneForFields(event):
		return true
	default:
		if w.dropped.Add(1) == 1 {
			w.fallback.Printf("sink %s backlog full, dropping %s events", w.name, event.Category)
		}
		return false
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		if w.failures > 0 {
			w.backoff()
		}
		if err := w.sink.Write(event); err != nil {
			w.failures++
			w.fallback.Printf("sink %s failed on %s: %v (retry in %s)", w.name, event.Type, err, w.delay())
			continue
		}
		w.failures = 0
	}
}

func (w *sinkWorker) delay() time.Duration {
	if w.failures == 0 {
		return 0
	}
	d := time.Second << min(w.failures-1, 5)
	return min(d, maxSinkBackoff)
}

func (w *sinkWorker) backoff() {
	timer := time.NewTimer(w.delay())
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.abort:
	}
}
