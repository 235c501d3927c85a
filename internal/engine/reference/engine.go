// Package reference is an in-process rigid-body backend implementing
// engine.Engine. It integrates with constant acceleration, detects contacts on
// world-space bounding boxes and resolves them along the axis of minimum
// penetration.
package reference

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
)

// Name is the backend name registered with the engine package.
const Name = "reference"

const version = "reference-1.2"

func init() {
	engine.Register(Name, func() (engine.Engine, error) {
		return New(), nil
	})
}

// Engine holds every scene and shape created through it. It is not safe for
// concurrent use.
type Engine struct {
	nextWorld uint64
	nextBody  uint64
	nextShape uint64

	scenes map[engine.WorldID]*scene
	shapes map[engine.ShapeID]*shape
	closed bool
}

type shape struct {
	id       engine.ShapeID
	desc     engine.ShapeDesc
	lo, hi   mgl64.Vec3
	attached int
}

// New constructs an empty engine.
func New() *Engine {
	return &Engine{
		scenes: make(map[engine.WorldID]*scene),
		shapes: make(map[engine.ShapeID]*shape),
	}
}

func (e *Engine) Version() string { return version }

func (e *Engine) CreateWorld(desc engine.WorldDesc) (engine.WorldID, error) {
	if e.closed {
		return 0, engine.ErrClosed
	}
	e.nextWorld++
	id := engine.WorldID(e.nextWorld)
	iterations := desc.VelocityIterations
	if iterations < 1 {
		iterations = 1
	}
	e.scenes[id] = &scene{
		id:         id,
		gravity:    desc.Gravity,
		iterations: iterations,
		bodies:     make(map[engine.BodyID]*body),
		touching:   make(map[pairKey]touch),
	}
	return id, nil
}

func (e *Engine) DestroyWorld(world engine.WorldID) error {
	if e.closed {
		return engine.ErrClosed
	}
	sc, ok := e.scenes[world]
	if !ok {
		return engine.ErrUnknownWorld
	}
	if sc.stepping {
		return engine.ErrReentrantCall
	}
	for _, b := range sc.bodies {
		b.shape.attached--
	}
	delete(e.scenes, world)
	return nil
}

func (e *Engine) SetContactCallback(world engine.WorldID, cb engine.ContactCallback) error {
	sc, err := e.scene(world)
	if err != nil {
		return err
	}
	sc.callback = cb
	return nil
}

func (e *Engine) CreateShape(desc engine.ShapeDesc) (engine.ShapeID, error) {
	if e.closed {
		return 0, engine.ErrClosed
	}
	if err := validateShape(desc); err != nil {
		return 0, err
	}
	e.nextShape++
	id := engine.ShapeID(e.nextShape)
	lo, hi := desc.Bounds()
	e.shapes[id] = &shape{id: id, desc: desc, lo: lo, hi: hi}
	return id, nil
}

func (e *Engine) ReleaseShape(id engine.ShapeID) error {
	if e.closed {
		return engine.ErrClosed
	}
	sh, ok := e.shapes[id]
	if !ok {
		return engine.ErrUnknownShape
	}
	if sh.attached > 0 {
		return engine.ErrShapeInUse
	}
	delete(e.shapes, id)
	return nil
}

func (e *Engine) CreateBody(world engine.WorldID, desc engine.BodyDesc) (engine.BodyID, error) {
	sc, err := e.mutableScene(world)
	if err != nil {
		return 0, err
	}
	sh, ok := e.shapes[desc.Shape]
	if !ok {
		return 0, engine.ErrUnknownShape
	}
	invMass := 0.0
	invInertia := 0.0
	if desc.Kind == engine.BodyDynamic {
		if !(desc.Mass > 0) || math.IsInf(desc.Mass, 0) {
			return 0, fmt.Errorf("%w: %v", engine.ErrInvalidMass, desc.Mass)
		}
		invMass = 1 / desc.Mass
		radius := sh.hi.Sub(sh.lo).Len() / 2
		if radius > 0 {
			invInertia = 1 / (0.4 * desc.Mass * radius * radius)
		}
	}
	e.nextBody++
	id := engine.BodyID(e.nextBody)
	b := &body{
		id:         id,
		kind:       desc.Kind,
		shape:      sh,
		pose:       desc.Transform.Normalized(),
		invMass:    invMass,
		invInertia: invInertia,
		trigger:    desc.Trigger,
	}
	sh.attached++
	sc.bodies[id] = b
	sc.order = append(sc.order, id)
	return id, nil
}

func (e *Engine) DestroyBody(world engine.WorldID, id engine.BodyID) error {
	sc, err := e.mutableScene(world)
	if err != nil {
		return err
	}
	b, ok := sc.bodies[id]
	if !ok {
		return engine.ErrUnknownBody
	}
	b.shape.attached--
	delete(sc.bodies, id)
	for i, candidate := range sc.order {
		if candidate == id {
			sc.order = append(sc.order[:i], sc.order[i+1:]...)
			break
		}
	}
	for key := range sc.touching {
		if key.a == id || key.b == id {
			delete(sc.touching, key)
		}
	}
	return nil
}

func (e *Engine) BodyState(world engine.WorldID, id engine.BodyID) (engine.BodyState, error) {
	sc, err := e.scene(world)
	if err != nil {
		return engine.BodyState{}, err
	}
	b, ok := sc.bodies[id]
	if !ok {
		return engine.BodyState{}, engine.ErrUnknownBody
	}
	return engine.BodyState{Transform: b.pose, LinearVelocity: b.lin, AngularVelocity: b.ang}, nil
}

func (e *Engine) SetBodyTransform(world engine.WorldID, id engine.BodyID, t engine.Transform) error {
	b, err := e.mutableBody(world, id)
	if err != nil {
		return err
	}
	b.pose = t.Normalized()
	b.target = nil
	return nil
}

func (e *Engine) SetBodyVelocity(world engine.WorldID, id engine.BodyID, linear, angular mgl64.Vec3) error {
	b, err := e.mutableBody(world, id)
	if err != nil {
		return err
	}
	if b.kind != engine.BodyDynamic {
		return engine.ErrWrongKind
	}
	b.lin = linear
	b.ang = angular
	return nil
}

func (e *Engine) SetKinematicTarget(world engine.WorldID, id engine.BodyID, t engine.Transform) error {
	b, err := e.mutableBody(world, id)
	if err != nil {
		return err
	}
	if b.kind != engine.BodyKinematic {
		return engine.ErrWrongKind
	}
	target := t.Normalized()
	b.target = &target
	return nil
}

func (e *Engine) ApplyImpulse(world engine.WorldID, id engine.BodyID, impulse, point mgl64.Vec3) error {
	b, err := e.mutableBody(world, id)
	if err != nil {
		return err
	}
	if b.kind != engine.BodyDynamic {
		return engine.ErrWrongKind
	}
	b.lin = b.lin.Add(impulse.Mul(b.invMass))
	arm := point.Sub(b.centre())
	if arm.LenSqr() > 0 && b.invInertia > 0 {
		b.ang = b.ang.Add(arm.Cross(impulse).Mul(b.invInertia))
	}
	return nil
}

func (e *Engine) StepWorld(world engine.WorldID, dt float64) error {
	sc, err := e.mutableScene(world)
	if err != nil {
		return err
	}
	if sc.faulted {
		return engine.ErrWorldFault
	}
	if sc.faultNext {
		sc.faulted = true
		return fmt.Errorf("%w: injected", engine.ErrWorldFault)
	}
	if !(dt > 0) {
		return fmt.Errorf("reference: invalid step %v", dt)
	}
	sc.stepping = true
	defer func() { sc.stepping = false }()
	diverged := sc.step(dt)
	if len(diverged) > 0 {
		return &engine.StepError{World: world, Diverged: diverged}
	}
	return nil
}

func (e *Engine) Raycast(world engine.WorldID, origin, dir mgl64.Vec3, maxDistance float64) (engine.RaycastHit, bool, error) {
	sc, err := e.scene(world)
	if err != nil {
		return engine.RaycastHit{}, false, err
	}
	if dir.LenSqr() == 0 || !(maxDistance > 0) {
		return engine.RaycastHit{}, false, nil
	}
	dir = dir.Normalize()
	best := engine.RaycastHit{Distance: math.Inf(1)}
	found := false
	for _, id := range sc.order {
		b := sc.bodies[id]
		if b.kind != engine.BodyDynamic || b.trigger {
			continue
		}
		lo, hi := b.worldBounds()
		dist, ok := rayBox(origin, dir, lo, hi)
		if !ok || dist > maxDistance || dist >= best.Distance {
			continue
		}
		best = engine.RaycastHit{Body: id, Point: origin.Add(dir.Mul(dist)), Distance: dist}
		found = true
	}
	if !found {
		return engine.RaycastHit{}, false, nil
	}
	return best, true, nil
}

// Close releases every scene and shape. Further calls return ErrClosed.
func (e *Engine) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.scenes = make(map[engine.WorldID]*scene)
	e.shapes = make(map[engine.ShapeID]*shape)
	return nil
}

// InjectDivergence corrupts a body's velocity so the next step reports it as
// diverged.
func (e *Engine) InjectDivergence(world engine.WorldID, id engine.BodyID) error {
	b, err := e.mutableBody(world, id)
	if err != nil {
		return err
	}
	b.lin = mgl64.Vec3{math.NaN(), 0, 0}
	return nil
}

// InjectFault makes the next step of the scene fail with ErrWorldFault.
func (e *Engine) InjectFault(world engine.WorldID) error {
	sc, err := e.scene(world)
	if err != nil {
		return err
	}
	sc.faultNext = true
	return nil
}

// LiveBodies reports the number of bodies in a scene.
func (e *Engine) LiveBodies(world engine.WorldID) int {
	sc, ok := e.scenes[world]
	if !ok {
		return 0
	}
	return len(sc.bodies)
}

// LiveShapes reports the number of unreleased shapes.
func (e *Engine) LiveShapes() int {
	return len(e.shapes)
}

// LiveWorlds reports the number of scenes.
func (e *Engine) LiveWorlds() int {
	return len(e.scenes)
}

func (e *Engine) scene(world engine.WorldID) (*scene, error) {
	if e.closed {
		return nil, engine.ErrClosed
	}
	sc, ok := e.scenes[world]
	if !ok {
		return nil, engine.ErrUnknownWorld
	}
	return sc, nil
}

func (e *Engine) mutableScene(world engine.WorldID) (*scene, error) {
	sc, err := e.scene(world)
	if err != nil {
		return nil, err
	}
	if sc.stepping {
		return nil, engine.ErrReentrantCall
	}
	return sc, nil
}

func (e *Engine) mutableBody(world engine.WorldID, id engine.BodyID) (*body, error) {
	sc, err := e.mutableScene(world)
	if err != nil {
		return nil, err
	}
	b, ok := sc.bodies[id]
	if !ok {
		return nil, engine.ErrUnknownBody
	}
	return b, nil
}

func validateShape(desc engine.ShapeDesc) error {
	switch desc.Kind {
	case engine.ShapeBox:
		h := desc.HalfExtents
		if !(h.X() > 0 && h.Y() > 0 && h.Z() > 0) {
			return fmt.Errorf("%w: box half extents %v", engine.ErrInvalidShape, h)
		}
	case engine.ShapeSphere:
		if !(desc.Radius > 0) {
			return fmt.Errorf("%w: sphere radius %v", engine.ErrInvalidShape, desc.Radius)
		}
	case engine.ShapeCapsule:
		if !(desc.Radius > 0) || desc.HalfHeight < 0 {
			return fmt.Errorf("%w: capsule %v/%v", engine.ErrInvalidShape, desc.Radius, desc.HalfHeight)
		}
	case engine.ShapeConvexHull:
		if len(desc.Points) < 4 {
			return fmt.Errorf("%w: hull with %d points", engine.ErrInvalidShape, len(desc.Points))
		}
	case engine.ShapeCompound:
		if len(desc.Children) == 0 {
			return fmt.Errorf("%w: empty compound", engine.ErrInvalidShape)
		}
		for _, child := range desc.Children {
			if err := validateShape(child); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: kind %v", engine.ErrInvalidShape, desc.Kind)
	}
	return nil
}

// rayBox is the slab test against an axis-aligned box.
func rayBox(origin, dir, lo, hi mgl64.Vec3) (float64, bool) {
	tmin, tmax := 0.0, math.Inf(1)
	for axis := 0; axis < 3; axis++ {
		if math.Abs(dir[axis]) < 1e-12 {
			if origin[axis] < lo[axis] || origin[axis] > hi[axis] {
				return 0, false
			}
			continue
		}
		inv := 1 / dir[axis]
		t1 := (lo[axis] - origin[axis]) * inv
		t2 := (hi[axis] - origin[axis]) * inv
		if t1 > t2 {
			t1, t2 = t2, t1
		}
		tmin = math.Max(tmin, t1)
		tmax = math.Min(tmax, t2)
		if tmin > tmax {
			return 0, false
		}
	}
	return tmin, true
}

var _ engine.Engine = (*Engine)(nil)
