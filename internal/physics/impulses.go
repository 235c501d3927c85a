package physics

import (
	"context"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/bodies"
	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
	"blockphysics/server/logging"
	physicslog "blockphysics/server/logging/physics"
)

// Explosion pushes every bound dynamic body within Radius of Center away from
// it. The impulse falls off linearly from Strength at the centre to zero at
// the radius.
type Explosion struct {
	Center   mgl64.Vec3
	Radius   float64
	Strength float64
}

// PendingImpulse is queued by game logic and applied before the next step.
type PendingImpulse struct {
	Entity host.EntityID
	Vector mgl64.Vec3
	// Point is the world-space application point, used when HasPoint is set.
	Point    mgl64.Vec3
	HasPoint bool
	// VelocityChange scales Vector by the body mass at apply time.
	VelocityChange bool
	Explosion      *Explosion
}

// RequestImpulse queues an impulse for an entity. It is safe to call from any
// goroutine.
func (w *World) RequestImpulse(id host.EntityID, vector mgl64.Vec3, point *mgl64.Vec3) error {
	p := PendingImpulse{Entity: id, Vector: vector}
	if point != nil {
		p.Point = *point
		p.HasPoint = true
	}
	return w.enqueue(p)
}

// Throw queues a velocity change of power along direction. It is safe to call
// from any goroutine.
func (w *World) Throw(id host.EntityID, direction mgl64.Vec3, power float64) error {
	if direction.Len() == 0 {
		return fmt.Errorf("physics: throw %s: zero direction", id)
	}
	return w.enqueue(PendingImpulse{
		Entity:         id,
		Vector:         direction.Normalize().Mul(power),
		VelocityChange: true,
	})
}

// RequestExplosion queues a radial impulse. It is safe to call from any
// goroutine.
func (w *World) RequestExplosion(center mgl64.Vec3, radius, strength float64) error {
	if !(radius > 0) {
		return fmt.Errorf("physics: explosion radius %v", radius)
	}
	return w.enqueue(PendingImpulse{Explosion: &Explosion{Center: center, Radius: radius, Strength: strength}})
}

func (w *World) enqueue(p PendingImpulse) error {
	if !w.impulses.Push(p) {
		return ErrImpulseQueueFull
	}
	return nil
}

// applyImpulses drains the ring in insertion order. Impulses for entities
// without a live dynamic body are dropped.
func (w *World) applyImpulses(ctx context.Context) (applied int) {
	for _, p := range w.impulses.Drain() {
		if p.Explosion != nil {
			applied += w.applyExplosion(*p.Explosion)
			continue
		}
		if w.applyOne(ctx, p) {
			applied++
		}
	}
	return applied
}

func (w *World) applyOne(ctx context.Context, p PendingImpulse) bool {
	drop := func(reason string) bool {
		w.addMetric("physics_impulses_dropped_total", 1)
		physicslog.ImpulseDropped(ctx, w.deps.Publisher, w.tick, w.name, logging.Entity(string(p.Entity)), physicslog.ImpulseDroppedPayload{Reason: reason}, nil)
		return false
	}
	h, ok := w.registry.Lookup(p.Entity)
	if !ok {
		return drop("no body")
	}
	if kind, _ := w.registry.Kind(h); kind != engine.BodyDynamic {
		return drop("body is " + kind.String())
	}
	native, _ := w.registry.NativeID(h)
	eng := w.handle.Engine()
	vector := p.Vector
	if p.VelocityChange {
		mass, _ := w.registry.Mass(h)
		vector = vector.Mul(mass)
	}
	point := p.Point
	if !p.HasPoint {
		state, err := eng.BodyState(w.scene.ID(), native)
		if err != nil {
			return drop(err.Error())
		}
		point = w.centreOf(h, state.Transform)
	}
	if err := eng.ApplyImpulse(w.scene.ID(), native, vector, point); err != nil {
		return drop(err.Error())
	}
	return true
}

func (w *World) applyExplosion(e Explosion) int {
	eng := w.handle.Engine()
	applied := 0
	for _, b := range w.registry.Bindings() {
		if kind, _ := w.registry.Kind(b.Handle); kind != engine.BodyDynamic {
			continue
		}
		native, _ := w.registry.NativeID(b.Handle)
		state, err := eng.BodyState(w.scene.ID(), native)
		if err != nil {
			continue
		}
		centre := w.centreOf(b.Handle, state.Transform)
		offset := centre.Sub(e.Center)
		d := offset.Len()
		if d >= e.Radius {
			continue
		}
		dir := mgl64.Vec3{0, 1, 0}
		if d > 1e-9 {
			dir = offset.Mul(1 / d)
		}
		magnitude := e.Strength * (1 - d/e.Radius)
		if err := eng.ApplyImpulse(w.scene.ID(), native, dir.Mul(magnitude), centre); err != nil {
			continue
		}
		applied++
	}
	return applied
}

// centreOf returns the world-space centre of a body's shape bounds.
func (w *World) centreOf(h bodies.Handle, t engine.Transform) mgl64.Vec3 {
	shape, ok := w.registry.Shape(h)
	if !ok {
		return t.Position
	}
	lo, hi := shape.Desc().Bounds()
	return t.Apply(lo.Add(hi).Mul(0.5))
}
