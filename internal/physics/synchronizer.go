package physics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
	"blockphysics/server/internal/shapes"
	"blockphysics/server/logging"
	physicslog "blockphysics/server/logging/physics"
	"blockphysics/server/logging/simulation"
)

// TickContext is handed to every world once per host tick.
type TickContext struct {
	Tick    uint64
	Elapsed time.Duration
	Now     time.Time
}

// TickResult summarises what one tick did to a world.
type TickResult struct {
	World          string
	Tick           uint64
	State          State
	Steps          int
	DiscardedSteps int
	Remainder      time.Duration
	Impulses       int
	Committed      int
	Resynced       int
	Released       int
	Contacts       int
	Demoted        []*StepDivergenceError
	Errors         []error
	Fault          error
}

// Tick advances the world by the elapsed host time and reconciles the result
// with the host. A faulted or destroyed world does nothing.
func (w *World) Tick(ctx context.Context, tc TickContext) TickResult {
	result := TickResult{World: w.name, Tick: tc.Tick}
	if w.destroyed {
		result.State = w.state
		result.Fault = ErrWorldDestroyed
		return result
	}
	if w.state == StateFaulted {
		result.State = StateFaulted
		result.Fault = w.fault
		result.Remainder = w.remainder
		return result
	}
	w.tick = tc.Tick

	w.pollBakes(ctx)
	if err := w.terrain.update(ctx); err != nil {
		result.Errors = append(result.Errors, err)
	}

	w.state = StateAccumulating
	if tc.Elapsed > 0 {
		w.remainder += tc.Elapsed
	}

	w.state = StateStepping
	if !w.stepAll(ctx, &result) {
		return result
	}
	result.Remainder = w.remainder
	result.State = StateStepping
	if w.deps.Hooks.AfterStepping != nil {
		w.deps.Hooks.AfterStepping(w, result)
	}

	w.state = StateCommitting
	w.commit(ctx, &result)
	result.Contacts = w.dispatchContacts()
	w.addMetric("physics_contacts_total", uint64(result.Contacts))
	result.State = StateCommitting
	if w.deps.Hooks.AfterCommit != nil {
		w.deps.Hooks.AfterCommit(w, result)
	}

	w.state = StateIdle
	result.State = StateIdle
	return result
}

// stepAll consumes whole timesteps from the remainder. It returns false if
// the world faulted.
func (w *World) stepAll(ctx context.Context, result *TickResult) bool {
	step := w.cfg.Timestep
	for w.remainder >= step && result.Steps < w.cfg.MaxStepsPerTick {
		applied := w.applyImpulses(ctx)
		result.Impulses += applied
		w.addMetric("physics_impulses_applied_total", uint64(applied))
		w.pushKinematicTargets(result)

		err := w.handle.StepWorld(w.scene)
		if err != nil {
			var stepErr *engine.StepError
			switch {
			case errors.As(err, &stepErr):
				result.Demoted = append(result.Demoted, w.demote(ctx, stepErr.Diverged)...)
			case errors.Is(err, ErrConcurrentStep):
				result.Errors = append(result.Errors, err)
				return true
			default:
				w.markFaulted(ctx, err)
				result.State = StateFaulted
				result.Fault = w.fault
				result.Remainder = w.remainder
				return false
			}
		}
		w.remainder -= step
		result.Steps++
	}
	w.addMetric("physics_steps_total", uint64(result.Steps))

	if w.remainder >= step {
		discarded := int(w.remainder / step)
		w.remainder %= step
		result.DiscardedSteps = discarded
		w.addMetric("physics_steps_discarded_total", uint64(discarded))
		simulation.StepsClamped(ctx, w.deps.Publisher, w.tick, w.name, simulation.StepsClampedPayload{
			Steps:           result.Steps,
			DiscardedSteps:  discarded,
			RemainderMillis: float64(w.remainder) / float64(time.Millisecond),
		}, nil)
	}
	return true
}

// pushKinematicTargets moves kinematic bodies to their host transforms for the
// coming step.
func (w *World) pushKinematicTargets(result *TickResult) {
	eng := w.handle.Engine()
	for _, b := range w.registry.Bindings() {
		if kind, _ := w.registry.Kind(b.Handle); kind != engine.BodyKinematic {
			continue
		}
		t, ok := w.host.EntityTransform(b.Entity)
		if !ok {
			continue
		}
		native, _ := w.registry.NativeID(b.Handle)
		if err := eng.SetKinematicTarget(w.scene.ID(), native, t); err != nil {
			result.Errors = append(result.Errors, fmt.Errorf("kinematic target %s: %w", b.Entity, err))
		}
	}
}

// demote replaces each diverged body with a static body at its last good
// transform and unbinds its entity.
func (w *World) demote(ctx context.Context, diverged []engine.BodyID) []*StepDivergenceError {
	eng := w.handle.Engine()
	out := make([]*StepDivergenceError, 0, len(diverged))
	for _, native := range diverged {
		h, ok := w.registry.ForBody(native)
		if !ok {
			continue
		}
		entity, _ := w.registry.Entity(h)
		state, err := eng.BodyState(w.scene.ID(), native)
		if err != nil {
			continue
		}
		divErr := &StepDivergenceError{World: w.name, Entity: entity, Body: h, Position: state.Transform.Position}
		out = append(out, divErr)
		if _, err := w.registry.Demote(h, state.Transform); err != nil {
			w.logf("physics: world %s: demote %s: %v", w.name, h, err)
		}
		w.addMetric("physics_bodies_demoted_total", 1)

		var actor logging.EntityRef
		if entity != "" {
			actor = logging.Entity(string(entity))
		}
		physicslog.BodyDemoted(ctx, w.deps.Publisher, w.tick, w.name, actor, physicslog.BodyDemotedPayload{
			Body:     h.String(),
			Position: vecArray(state.Transform.Position),
			Reason:   divErr.Error(),
		}, nil)
	}
	return out
}

// commit reconciles every binding with the host. Host-side moves win and
// resync the body; otherwise dynamic bodies are written to the host.
func (w *World) commit(ctx context.Context, result *TickResult) {
	eng := w.handle.Engine()
	for _, b := range w.registry.Bindings() {
		hostT, ok := w.host.EntityTransform(b.Entity)
		if !ok {
			if err := w.registry.Release(b.Entity); err != nil {
				result.Errors = append(result.Errors, err)
			}
			result.Released++
			continue
		}
		native, _ := w.registry.NativeID(b.Handle)
		kind, _ := w.registry.Kind(b.Handle)
		moved := b.Teleported || !hostT.ApproxEqual(b.LastCommitted, w.cfg.ResyncEpsilon)

		switch kind {
		case engine.BodyKinematic:
			b.LastCommitted = hostT
			b.Teleported = false
			continue
		case engine.BodyStatic:
			if moved {
				if err := eng.SetBodyTransform(w.scene.ID(), native, hostT); err != nil {
					result.Errors = append(result.Errors, err)
				}
			}
			b.LastCommitted = hostT
			b.Teleported = false
			continue
		}

		if moved {
			err := errors.Join(
				eng.SetBodyTransform(w.scene.ID(), native, hostT),
				eng.SetBodyVelocity(w.scene.ID(), native, mgl64.Vec3{}, mgl64.Vec3{}),
			)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Errorf("resync %s: %w", b.Entity, err))
			}
			b.LastCommitted = hostT
			b.Teleported = false
			result.Resynced++
			w.addMetric("physics_resyncs_total", 1)
			continue
		}

		state, err := eng.BodyState(w.scene.ID(), native)
		if err != nil {
			result.Errors = append(result.Errors, err)
			continue
		}
		if err := w.host.SetEntityTransform(b.Entity, state.Transform); err != nil {
			result.Errors = append(result.Errors, err)
			physicslog.CommitFailed(ctx, w.deps.Publisher, w.tick, w.name, logging.Entity(string(b.Entity)), physicslog.CommitFailedPayload{Reason: err.Error()}, nil)
			continue
		}
		b.LastCommitted = state.Transform
		result.Committed++
	}
	w.addMetric("physics_commits_total", uint64(result.Committed))
}

// pollBakes creates the bodies whose hull bakes completed since the last tick.
func (w *World) pollBakes(ctx context.Context) {
	completed, discarded := w.factory.PollBaked()
	if discarded > 0 {
		physicslog.BakeDiscarded(ctx, w.deps.Publisher, w.tick, w.name, physicslog.BakeDiscardedPayload{Count: discarded}, nil)
	}
	for _, ticket := range completed {
		id, p, ok := w.pendingFor(ticket)
		if !ok {
			if s := ticket.Shape(); s != nil {
				_ = w.factory.Release(s)
			}
			continue
		}
		delete(w.pending, id)
		if ticket.State() != shapes.BakeReady {
			_ = w.creationFailed(ctx, id, p.spec, "", ticket.Err())
			continue
		}
		t, alive := w.host.EntityTransform(id)
		if !alive {
			_ = w.factory.Release(ticket.Shape())
			continue
		}
		if err := w.createBound(ctx, id, p.spec, ticket.Shape(), t); err != nil {
			w.logf("physics: world %s: deferred body for %s: %v", w.name, id, err)
		}
	}
}

func (w *World) pendingFor(ticket *shapes.BakeTicket) (host.EntityID, *pendingBody, bool) {
	for id, p := range w.pending {
		if p.ticket == ticket {
			return id, p, true
		}
	}
	return "", nil, false
}

// markFaulted stops the world. Every entity falls back to host-only motion.
func (w *World) markFaulted(ctx context.Context, err error) {
	if w.state == StateFaulted {
		return
	}
	w.fault = &WorldFaultError{World: w.name, Err: err}
	w.state = StateFaulted
	unbound := w.registry.UnbindAll()
	for id, p := range w.pending {
		p.ticket.Cancel()
		delete(w.pending, id)
	}
	w.impulses.Drain()
	w.contacts = nil
	w.addMetric("physics_world_faults_total", 1)
	physicslog.WorldFaulted(ctx, w.deps.Publisher, w.tick, w.name, physicslog.WorldFaultedPayload{
		Reason:          err.Error(),
		UnboundEntities: len(unbound),
	}, nil)
	w.logf("physics: world %s faulted: %v", w.name, err)
}

func (w *World) logf(format string, args ...any) {
	if w.deps.Logger != nil {
		w.deps.Logger.Printf(format, args...)
	}
}

func vecArray(v mgl64.Vec3) [3]float64 {
	return [3]float64{v[0], v[1], v[2]}
}
