package logging

import (
	"context"
	"errors"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Logger receives the router's own diagnostics, such as sink failures and
// dropped events.
type Logger interface {
	Printf(format string, args ...any)
}

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

// UrgentSeverity is the lowest severity carried on the priority lane. World
// faults and body demotions use it so they are not queued behind bursts of
// debug traffic from the tick loop or observers.
const UrgentSeverity = SeverityWarn

// Router fans events out to sinks. Publish never blocks: the tick goroutine
// hands events to one of two bounded lanes and a dispatcher goroutine routes
// them to per-sink workers.
type Router struct {
	cfg      Config
	clock    Clock
	fallback Logger
	floor    severityFloor
	fields   map[string]any

	normal  chan Event
	urgent  chan Event
	workers []*sinkWorker

	closing chan struct{}
	closed  atomic.Bool
	wg      sync.WaitGroup

	forwarded   atomic.Uint64
	filtered    atomic.Uint64
	dropsMu     sync.Mutex
	drops       map[string]uint64
	lastDropLog atomic.Int64
}

// RouterStats counts events seen by the router. DroppedByCategory holds the
// events lost because both lanes were full; SinkDropped the events a sink
// backlog refused.
type RouterStats struct {
	EventsTotal       uint64            `json:"eventsTotal"`
	FilteredTotal     uint64            `json:"filteredTotal"`
	DroppedTotal      uint64            `json:"droppedTotal"`
	DroppedByCategory map[string]uint64 `json:"droppedByCategory,omitempty"`
	SinkDropped       map[string]uint64 `json:"sinkDropped,omitempty"`
}

// NewRouter starts the dispatcher and one worker per sink, in sink name
// order. cfg.Routes restricts what each named sink receives.
func NewRouter(cfg Config, clock Clock, fallback Logger, sinks map[string]Sink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if fallback == nil {
		fallback = log.New(os.Stderr, "[logging] ", log.LstdFlags)
	}
	names := make([]string, 0, len(sinks))
	for name, sink := range sinks {
		if sink != nil {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, errors.New("logging: no sinks configured")
	}
	sort.Strings(names)

	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 512
	}
	urgent := cfg.UrgentBufferSize
	if urgent <= 0 {
		urgent = max(buffer/4, 16)
	}
	r := &Router{
		cfg:      cfg,
		clock:    clock,
		fallback: fallback,
		floor:    newSeverityFloor(cfg.MinimumSeverity, cfg.CategorySeverity),
		fields:   cfg.CloneFields(),
		normal:   make(chan Event, buffer),
		urgent:   make(chan Event, urgent),
		closing:  make(chan struct{}),
		drops:    make(map[string]uint64),
	}
	workerBuffer := min(max(buffer, 32), 1024)
	for _, name := range names {
		r.workers = append(r.workers, newSinkWorker(name, sinks[name], cfg.Routes[name], workerBuffer, fallback, r.closing))
	}

	for _, w := range r.workers {
		r.wg.Add(1)
		go func(w *sinkWorker) {
			defer r.wg.Done()
			w.run()
		}(w)
	}
	r.wg.Add(1)
	go r.dispatch()
	return r, nil
}

// Publish filters the event by severity and queues it. Events at
// UrgentSeverity or above spill into the normal lane when the priority lane
// is full; anything that still does not fit is dropped and counted.
func (r *Router) Publish(_ context.Context, event Event) {
	if r == nil || event.Type == "" || r.closed.Load() {
		return
	}
	if !r.floor.admits(event) {
		r.filtered.Add(1)
		return
	}
	if event.Severity >= UrgentSeverity {
		select {
		case r.urgent <- event:
			return
		default:
		}
	}
	select {
	case r.normal <- event:
	default:
		r.drop(event)
	}
}

func (r *Router) dispatch() {
	defer func() {
		for _, w := range r.workers {
			close(w.events)
		}
		r.wg.Done()
	}()
	for {
		// Drain the priority lane first so a full normal lane cannot delay it.
		select {
		case event := <-r.urgent:
			r.forward(event)
			continue
		default:
		}
		select {
		case <-r.closing:
			r.flush()
			return
		case event := <-r.urgent:
			r.forward(event)
		case event := <-r.normal:
			r.forward(event)
		}
	}
}

func (r *Router) flush() {
	for {
		select {
		case event := <-r.urgent:
			r.forward(event)
		case event := <-r.normal:
			r.forward(event)
		default:
			return
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	if len(r.fields) > 0 {
		event = cloneForFields(event)
		if event.Extra == nil {
			event.Extra = make(map[string]any, len(r.fields))
		}
		for k, v := range r.fields {
			if _, exists := event.Extra[k]; !exists {
				event.Extra[k] = v
			}
		}
	}
	r.forwarded.Add(1)
	for _, w := range r.workers {
		if w.route.Match(event) {
			w.offer(event)
		}
	}
}

func (r *Router) drop(event Event) {
	r.dropsMu.Lock()
	r.drops[event.Category]++
	r.dropsMu.Unlock()

	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	now := time.Now().UnixNano()
	next := r.lastDropLog.Load()
	if now >= next && r.lastDropLog.CompareAndSwap(next, now+interval.Nanoseconds()) {
		r.fallback.Printf("event queue full, dropping type=%s world=%s tick=%d", event.Type, event.World, event.Tick)
	}
}

// Close stops accepting events, delivers what is queued and closes every
// sink. Sink close errors are joined.
func (r *Router) Close(ctx context.Context) error {
	if r == nil || !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(r.closing)
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var errs []error
	for _, w := range r.workers {
		if err := w.sink.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Router) Stats() RouterStats {
	if r == nil {
		return RouterStats{}
	}
	stats := RouterStats{
		EventsTotal:   r.forwarded.Load(),
		FilteredTotal: r.filtered.Load(),
	}
	r.dropsMu.Lock()
	if len(r.drops) > 0 {
		stats.DroppedByCategory = make(map[string]uint64, len(r.drops))
		for category, n := range r.drops {
			stats.DroppedByCategory[category] = n
			stats.DroppedTotal += n
		}
	}
	r.dropsMu.Unlock()
	for _, w := range r.workers {
		if n := w.dropped.Load(); n > 0 {
			if stats.SinkDropped == nil {
				stats.SinkDropped = make(map[string]uint64)
			}
			stats.SinkDropped[w.name] = n
		}
	}
	return stats
}

// Sink returns the named sink, or nil.
func (r *Router) Sink(name string) Sink {
	for _, w := range r.workers {
		if w.name == name {
			return w.sink
		}
	}
	return nil
}
