package sim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blockphysics/server/internal/physics"
	"blockphysics/server/internal/queue"
	"blockphysics/server/internal/telemetry"
	"blockphysics/server/logging"
	"blockphysics/server/logging/simulation"
)

const (
	// CommandRejectQueueFull indicates the control command buffer is saturated.
	CommandRejectQueueFull = "queue_full"
	// CommandRejectStopped indicates the loop is nil or not running.
	CommandRejectStopped = "stopped"
)

// ErrUnknownCommand is reported for command types the loop does not handle.
var ErrUnknownCommand = errors.New("sim: unknown command")

// Core is the physics surface driven by the loop.
type Core interface {
	Tick(ctx context.Context, tc physics.TickContext) []physics.TickResult
	RecreateWorld(ctx context.Context, name string) error
	OnWorldUnload(ctx context.Context, name string) error
}

// LoopConfig tunes the command buffer and tick loop orchestration.
type LoopConfig struct {
	TickRate        int
	CatchupMaxTicks int
	CommandCapacity int
	WarningStep     int
}

// Deps carries shared infrastructure dependencies required by the loop.
type Deps struct {
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Clock     logging.Clock
	Publisher logging.Publisher
}

// LoopHooks are invoked on the loop goroutine.
type LoopHooks struct {
	NextTick       func() uint64
	AfterStep      func(LoopStepResult)
	OnCommandDrop  func(reason string, cmd Command)
	OnQueueWarning func(length int)
}

// LoopTickContext identifies one tick.
type LoopTickContext struct {
	Tick  uint64
	Now   time.Time
	Delta time.Duration
}

// LoopStepResult describes one executed tick.
type LoopStepResult struct {
	Tick         uint64
	Now          time.Time
	Delta        time.Duration
	Duration     time.Duration
	Budget       time.Duration
	ClampedDelta bool
	MaxDelta     time.Duration
	Commands     []Command
	Worlds       []physics.TickResult
}

// Loop coordinates command ingestion and the fixed-rate tick that drives the
// physics worlds.
type Loop struct {
	core   Core
	buffer *queue.Ring[Command]
	hooks  LoopHooks
	config LoopConfig
	deps   Deps

	tick          uint64
	overrunStreak uint64
}

// NewLoop wraps the provided core with a ring-buffer queue and loop.
func NewLoop(core Core, cfg LoopConfig, deps Deps, hooks LoopHooks) *Loop {
	if core == nil {
		return nil
	}
	if cfg.TickRate <= 0 {
		cfg.TickRate = 20
	}
	if cfg.CommandCapacity <= 0 {
		cfg.CommandCapacity = 64
	}
	if deps.Clock == nil {
		deps.Clock = logging.SystemClock{}
	}
	return &Loop{
		core:   core,
		buffer: queue.NewRing[Command]("sim_command_buffer", cfg.CommandCapacity, deps.Metrics),
		hooks:  hooks,
		config: cfg,
		deps:   deps,
	}
}

// Budget is the wall time of one tick.
func (l *Loop) Budget() time.Duration {
	if l == nil {
		return 0
	}
	return time.Second / time.Duration(l.config.TickRate)
}

// Pending reports the number of staged commands.
func (l *Loop) Pending() int {
	if l == nil {
		return 0
	}
	return l.buffer.Len()
}

// Enqueue stages a command for the next tick. It is safe to call from any
// goroutine.
func (l *Loop) Enqueue(cmd Command) (bool, string) {
	if l == nil {
		return false, CommandRejectStopped
	}
	if !l.buffer.Push(cmd) {
		if l.hooks.OnCommandDrop != nil {
			l.hooks.OnCommandDrop(CommandRejectQueueFull, cmd)
		}
		if l.deps.Logger != nil {
			l.deps.Logger.Printf("[backpressure] dropping command type=%s world=%s capacity=%d", cmd.Type, cmd.World, l.buffer.Capacity())
		}
		return false, CommandRejectQueueFull
	}
	if step := l.config.WarningStep; step > 0 {
		length := l.buffer.Len()
		if length >= step && length%step == 0 && l.hooks.OnQueueWarning != nil {
			l.hooks.OnQueueWarning(length)
		}
	}
	return true, ""
}

// Advance applies the staged commands and ticks every world once.
func (l *Loop) Advance(ctx context.Context, tc LoopTickContext) LoopStepResult {
	if l == nil {
		return LoopStepResult{}
	}
	commands := l.buffer.Drain()
	for _, cmd := range commands {
		cmd.resolve(l.apply(ctx, cmd))
	}
	worlds := l.core.Tick(ctx, physics.TickContext{Tick: tc.Tick, Elapsed: tc.Delta, Now: tc.Now})
	return LoopStepResult{
		Tick:     tc.Tick,
		Now:      tc.Now,
		Delta:    tc.Delta,
		Commands: commands,
		Worlds:   worlds,
	}
}

func (l *Loop) apply(ctx context.Context, cmd Command) error {
	switch cmd.Type {
	case CommandRecreateWorld:
		return l.core.RecreateWorld(ctx, cmd.World)
	case CommandUnloadWorld:
		return l.core.OnWorldUnload(ctx, cmd.World)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
}

// Run drives the fixed-rate loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil {
		return nil
	}
	budget := l.Budget()
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	clock := l.deps.Clock
	maxDelta := budget
	if l.config.CatchupMaxTicks > 1 {
		maxDelta = budget * time.Duration(l.config.CatchupMaxTicks)
	}
	last := clock.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := clock.Now()
			l.RunOnce(ctx, now, now.Sub(last), maxDelta)
			last = now
		}
	}
}

// RunOnce executes one tick for an elapsed wall time, clamping it to
// maxDelta.
func (l *Loop) RunOnce(ctx context.Context, now time.Time, elapsed, maxDelta time.Duration) LoopStepResult {
	budget := l.Budget()
	delta := elapsed
	clamped := false
	if delta <= 0 {
		delta = budget
	} else if maxDelta > 0 && delta > maxDelta {
		delta = maxDelta
		clamped = true
	}

	var tick uint64
	if l.hooks.NextTick != nil {
		tick = l.hooks.NextTick()
	} else {
		l.tick++
		tick = l.tick
	}
	if clamped {
		simulation.CatchupClamped(ctx, l.deps.Publisher, tick, simulation.CatchupClampedPayload{
			ElapsedMillis: elapsed.Milliseconds(),
			ClampedMillis: (elapsed - delta).Milliseconds(),
		}, nil)
	}

	start := l.deps.Clock.Now()
	result := l.Advance(ctx, LoopTickContext{Tick: tick, Now: now, Delta: delta})
	result.Duration = l.deps.Clock.Now().Sub(start)
	result.Budget = budget
	result.ClampedDelta = clamped
	result.MaxDelta = maxDelta

	if result.Duration > budget {
		l.overrunStreak++
		simulation.TickBudgetOverrun(ctx, l.deps.Publisher, tick, simulation.TickBudgetOverrunPayload{
			DurationMillis: result.Duration.Milliseconds(),
			BudgetMillis:   budget.Milliseconds(),
			Ratio:          float64(result.Duration) / float64(budget),
			Streak:         l.overrunStreak,
		}, nil)
	} else {
		l.overrunStreak = 0
	}

	if l.deps.Metrics != nil {
		l.deps.Metrics.Add("sim_ticks_total", 1)
		l.deps.Metrics.Store("sim_tick_duration_micros", uint64(result.Duration.Microseconds()))
	}
	if l.hooks.AfterStep != nil {
		l.hooks.AfterStep(result)
	}
	return result
}
