package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"blockphysics/server/internal/physics"
	"blockphysics/server/logging"
	"blockphysics/server/logging/simulation"
	"blockphysics/server/logging/sinks"
)

type fakeCore struct {
	ticks     []physics.TickContext
	recreated []string
	unloaded  []string
	err       error
	delay     func()
}

func (f *fakeCore) Tick(_ context.Context, tc physics.TickContext) []physics.TickResult {
	if f.delay != nil {
		f.delay()
	}
	f.ticks = append(f.ticks, tc)
	return []physics.TickResult{{World: "overworld", Tick: tc.Tick}}
}

func (f *fakeCore) RecreateWorld(_ context.Context, name string) error {
	f.recreated = append(f.recreated, name)
	return f.err
}

func (f *fakeCore) OnWorldUnload(_ context.Context, name string) error {
	f.unloaded = append(f.unloaded, name)
	return nil
}

type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time { return c.now }

func newPublisher() (*sinks.MemorySink, logging.Publisher) {
	mem := sinks.NewMemorySink()
	return mem, mem
}

func TestAdvanceAppliesCommandsBeforeTick(t *testing.T) {
	core := &fakeCore{}
	loop := NewLoop(core, LoopConfig{TickRate: 20, CommandCapacity: 4}, Deps{}, LoopHooks{})

	cmd := NewCommand(CommandRecreateWorld, "overworld", time.Unix(0, 0))
	if ok, reason := loop.Enqueue(cmd); !ok {
		t.Fatalf("enqueue rejected: %s", reason)
	}
	if loop.Pending() != 1 {
		t.Fatalf("expected one pending command, got %d", loop.Pending())
	}

	result := loop.Advance(context.Background(), LoopTickContext{Tick: 7, Delta: 50 * time.Millisecond})
	if len(core.recreated) != 1 || core.recreated[0] != "overworld" {
		t.Fatalf("expected recreate of overworld, got %v", core.recreated)
	}
	if len(core.ticks) != 1 || core.ticks[0].Tick != 7 || core.ticks[0].Elapsed != 50*time.Millisecond {
		t.Fatalf("unexpected tick context %+v", core.ticks)
	}
	if len(result.Commands) != 1 || len(result.Worlds) != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	select {
	case err := <-cmd.Result:
		if err != nil {
			t.Fatalf("unexpected command error: %v", err)
		}
	default:
		t.Fatalf("expected command result")
	}
	if loop.Pending() != 0 {
		t.Fatalf("expected drained buffer")
	}
}

func TestCommandErrorsAreReported(t *testing.T) {
	boom := errors.New("boom")
	core := &fakeCore{err: boom}
	loop := NewLoop(core, LoopConfig{}, Deps{}, LoopHooks{})

	recreate := NewCommand(CommandRecreateWorld, "nether", time.Time{})
	bogus := NewCommand("Bogus", "nether", time.Time{})
	loop.Enqueue(recreate)
	loop.Enqueue(bogus)
	loop.Advance(context.Background(), LoopTickContext{Tick: 1})

	if err := <-recreate.Result; !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := <-bogus.Result; !errors.Is(err, ErrUnknownCommand) {
		t.Fatalf("expected ErrUnknownCommand, got %v", err)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	var dropped []string
	loop := NewLoop(&fakeCore{}, LoopConfig{CommandCapacity: 1}, Deps{}, LoopHooks{
		OnCommandDrop: func(reason string, cmd Command) { dropped = append(dropped, reason) },
	})
	if ok, _ := loop.Enqueue(NewCommand(CommandUnloadWorld, "a", time.Time{})); !ok {
		t.Fatalf("first enqueue should succeed")
	}
	ok, reason := loop.Enqueue(NewCommand(CommandUnloadWorld, "b", time.Time{}))
	if ok || reason != CommandRejectQueueFull {
		t.Fatalf("expected queue_full rejection, got ok=%v reason=%q", ok, reason)
	}
	if len(dropped) != 1 {
		t.Fatalf("expected drop hook, got %v", dropped)
	}

	var nilLoop *Loop
	if ok, reason := nilLoop.Enqueue(Command{}); ok || reason != CommandRejectStopped {
		t.Fatalf("nil loop should reject, got ok=%v reason=%q", ok, reason)
	}
}

func TestRunOnceClampsCatchup(t *testing.T) {
	mem, pub := newPublisher()
	core := &fakeCore{}
	clock := &stepClock{now: time.Unix(100, 0)}
	var results []LoopStepResult
	loop := NewLoop(core, LoopConfig{TickRate: 20, CatchupMaxTicks: 2}, Deps{Clock: clock, Publisher: pub}, LoopHooks{
		AfterStep: func(r LoopStepResult) { results = append(results, r) },
	})

	loop.RunOnce(context.Background(), clock.now, time.Second, 100*time.Millisecond)
	if core.ticks[0].Elapsed != 100*time.Millisecond {
		t.Fatalf("expected clamped delta of 100ms, got %s", core.ticks[0].Elapsed)
	}
	if len(results) != 1 || !results[0].ClampedDelta || results[0].Tick != 1 {
		t.Fatalf("unexpected step result %+v", results)
	}
	if events := mem.OfType(simulation.EventCatchupClamped); len(events) != 1 {
		t.Fatalf("expected catchup event, got %d", len(events))
	}

	loop.RunOnce(context.Background(), clock.now, 0, 100*time.Millisecond)
	if core.ticks[1].Elapsed != loop.Budget() || core.ticks[1].Tick != 2 {
		t.Fatalf("expected budget-sized tick 2, got %+v", core.ticks[1])
	}
}

func TestRunOnceReportsBudgetOverrun(t *testing.T) {
	mem, pub := newPublisher()
	clock := &stepClock{now: time.Unix(0, 0)}
	core := &fakeCore{delay: func() { clock.now = clock.now.Add(120 * time.Millisecond) }}
	loop := NewLoop(core, LoopConfig{TickRate: 20}, Deps{Clock: clock, Publisher: pub}, LoopHooks{})

	loop.RunOnce(context.Background(), clock.now, 50*time.Millisecond, 0)
	loop.RunOnce(context.Background(), clock.now, 50*time.Millisecond, 0)

	events := mem.OfType(simulation.EventTickBudgetOverrun)
	if len(events) != 2 {
		t.Fatalf("expected two overrun events, got %d", len(events))
	}
	payload, ok := events[1].Payload.(simulation.TickBudgetOverrunPayload)
	if !ok || payload.Streak != 2 || payload.DurationMillis != 120 {
		t.Fatalf("unexpected payload %+v", events[1].Payload)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	core := &fakeCore{}
	loop := NewLoop(core, LoopConfig{TickRate: 200}, Deps{}, LoopHooks{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not stop")
	}
}
