package shapes

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
)

var (
	// ErrBakeQueueFull is reported by tickets rejected because the worker is
	// saturated.
	ErrBakeQueueFull = errors.New("shapes: hull bake queue full")
	// ErrBakerStopped is reported by tickets submitted after Close.
	ErrBakerStopped = errors.New("shapes: hull baker stopped")
)

const defaultBakeQueue = 64

// BakeState is the lifecycle of an asynchronous hull bake.
type BakeState int32

const (
	BakePending BakeState = iota
	BakeReady
	BakeFailed
	BakeCancelled
)

func (s BakeState) String() string {
	switch s {
	case BakePending:
		return "pending"
	case BakeReady:
		return "ready"
	case BakeFailed:
		return "failed"
	case BakeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// BakeTicket tracks one hull bake. Shape and Err are only meaningful once the
// ticket left the pending state, and are read on the tick goroutine.
type BakeTicket struct {
	id    uint64
	state atomic.Int32
	shape *Shape
	err   error
}

func (t *BakeTicket) ID() uint64 { return t.id }

func (t *BakeTicket) State() BakeState {
	if t == nil {
		return BakeCancelled
	}
	return BakeState(t.state.Load())
}

// Shape returns the baked shape. The ticket holds one reference, which the
// caller takes over.
func (t *BakeTicket) Shape() *Shape { return t.shape }

func (t *BakeTicket) Err() error { return t.err }

// Cancel marks a pending ticket cancelled. Its result is dropped when the
// worker hands it back.
func (t *BakeTicket) Cancel() bool {
	if t == nil {
		return false
	}
	return t.state.CompareAndSwap(int32(BakePending), int32(BakeCancelled))
}

func (t *BakeTicket) fail(err error) {
	t.err = err
	t.state.CompareAndSwap(int32(BakePending), int32(BakeFailed))
}

type bakeJob struct {
	ticket *BakeTicket
	points []mgl64.Vec3
}

type bakeResult struct {
	ticket *BakeTicket
	hull   []mgl64.Vec3
	err    error
}

// baker runs hull computation on a single worker goroutine. jobs and results
// each have exactly one producer and one consumer.
type baker struct {
	jobs    chan bakeJob
	results chan bakeResult
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
	stopped atomic.Bool
	nextID  uint64
}

func startBaker(capacity int) *baker {
	if capacity < 1 {
		capacity = defaultBakeQueue
	}
	b := &baker{
		jobs:    make(chan bakeJob, capacity),
		results: make(chan bakeResult, capacity),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *baker) run() {
	defer close(b.done)
	for {
		select {
		case <-b.quit:
			return
		case job := <-b.jobs:
			if job.ticket.State() == BakeCancelled {
				continue
			}
			hull, err := ConvexHull(job.points)
			select {
			case b.results <- bakeResult{ticket: job.ticket, hull: hull, err: err}:
			case <-b.quit:
				return
			}
		}
	}
}

func (b *baker) stop() {
	b.once.Do(func() {
		b.stopped.Store(true)
		close(b.quit)
		<-b.done
	})
}

// BakeHull submits points for hull computation on the worker goroutine. It
// never blocks; a saturated worker fails the ticket immediately.
func (f *Factory) BakeHull(points []mgl64.Vec3) *BakeTicket {
	f.baker.nextID++
	ticket := &BakeTicket{id: f.baker.nextID}
	if f.baker.stopped.Load() {
		ticket.fail(ErrBakerStopped)
		return ticket
	}
	job := bakeJob{ticket: ticket, points: append([]mgl64.Vec3(nil), points...)}
	select {
	case f.baker.jobs <- job:
	default:
		ticket.fail(ErrBakeQueueFull)
	}
	return ticket
}

// PollBaked collects finished bakes without blocking, creating native geometry
// for successful ones. It returns the tickets that became ready or failed and
// the number of results dropped because their ticket was cancelled.
func (f *Factory) PollBaked() (completed []*BakeTicket, discarded int) {
	for {
		select {
		case res := <-f.baker.results:
			ticket := res.ticket
			if ticket.State() != BakePending {
				discarded++
				continue
			}
			if res.err != nil {
				ticket.fail(res.err)
				completed = append(completed, ticket)
				continue
			}
			s, err := f.acquire(engine.ShapeDesc{Kind: engine.ShapeConvexHull, Points: res.hull})
			if err != nil {
				ticket.fail(err)
				completed = append(completed, ticket)
				continue
			}
			ticket.shape = s
			if !ticket.state.CompareAndSwap(int32(BakePending), int32(BakeReady)) {
				ticket.shape = nil
				_ = f.Release(s)
				discarded++
				continue
			}
			completed = append(completed, ticket)
		default:
			return completed, discarded
		}
	}
}
