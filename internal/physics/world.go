package physics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/bodies"
	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
	"blockphysics/server/internal/queue"
	"blockphysics/server/internal/shapes"
	"blockphysics/server/internal/telemetry"
	"blockphysics/server/logging"
	physicslog "blockphysics/server/logging/physics"
)

// State is the position of a world in its tick cycle.
type State int32

const (
	StateIdle State = iota
	StateAccumulating
	StateStepping
	StateCommitting
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateStepping:
		return "stepping"
	case StateCommitting:
		return "committing"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// BodySpec describes the body an entity gets when it joins the simulation.
// Geometry is chosen in order: Hull, Radius (capsule when HalfHeight > 0),
// Bounds.
type BodySpec struct {
	Kind       engine.BodyKind
	Bounds     cube.BBox
	Radius     float64
	HalfHeight float64
	// Hull is baked on the worker goroutine; the body is created once the
	// bake completes.
	Hull    []mgl64.Vec3
	Mass    float64
	Density float64
	Trigger bool
}

// Hooks observe a world's tick. They run on the tick goroutine.
type Hooks struct {
	// AfterStepping runs between Stepping and Committing.
	AfterStepping func(w *World, result TickResult)
	// AfterCommit runs after contacts were dispatched.
	AfterCommit func(w *World, result TickResult)
}

// Deps are the collaborators shared by every world.
type Deps struct {
	Geometry  host.Geometry
	Publisher logging.Publisher
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Hooks     Hooks
}

type pendingBody struct {
	ticket *shapes.BakeTicket
	spec   BodySpec
}

// World bridges one host world to one native scene. Apart from
// RequestImpulse, RequestExplosion and Throw, every method must be called on
// the tick goroutine.
type World struct {
	name   string
	host   host.World
	handle *Handle
	scene  *Scene
	cfg    Config
	deps   Deps

	factory   *shapes.Factory
	registry  *bodies.Registry
	impulses  *queue.Ring[PendingImpulse]
	contacts  []engine.Contact
	listeners []ContactListener
	terrain   *terrain

	state     State
	remainder time.Duration
	tick      uint64
	fault     *WorldFaultError
	destroyed bool

	pending map[host.EntityID]*pendingBody
	failed  map[host.EntityID]struct{}
}

// NewWorld creates the native scene for a host world.
func NewWorld(handle *Handle, hw host.World, cfg Config, deps Deps) (*World, error) {
	cfg = cfg.normalized()
	scene, err := handle.CreateWorld(cfg.Gravity, cfg.Timestep, SolverIterations{
		Velocity: cfg.VelocityIterations,
		Position: cfg.PositionIterations,
	})
	if err != nil {
		return nil, err
	}
	eng := handle.Engine()
	w := &World{
		name:    hw.Name(),
		host:    hw,
		handle:  handle,
		scene:   scene,
		cfg:     cfg,
		deps:    deps,
		pending: make(map[host.EntityID]*pendingBody),
		failed:  make(map[host.EntityID]struct{}),
	}
	w.factory = shapes.NewFactory(eng, deps.Geometry, deps.Metrics, cfg.BakeQueue)
	w.registry = bodies.NewRegistry(eng, scene.ID(), w.factory)
	w.impulses = queue.NewRing[PendingImpulse]("physics_impulse_queue", cfg.ImpulseQueue, deps.Metrics)
	w.terrain = newTerrain(w)
	if err := eng.SetContactCallback(scene.ID(), w.onContact); err != nil {
		return nil, errors.Join(fmt.Errorf("register contact callback: %w", err), w.Destroy())
	}
	return w, nil
}

func (w *World) Name() string { return w.name }

func (w *World) State() State { return w.state }

// Remainder is the accumulated time not yet consumed by a step.
func (w *World) Remainder() time.Duration { return w.remainder }

func (w *World) Config() Config { return w.cfg }

// Fault returns the error that faulted the world, or nil.
func (w *World) Fault() error {
	if w.fault == nil {
		return nil
	}
	return w.fault
}

// Registry exposes the body registry for inspection.
func (w *World) Registry() *bodies.Registry { return w.registry }

// Shapes exposes the shape factory for inspection.
func (w *World) Shapes() *shapes.Factory { return w.factory }

// Scene exposes the native scene.
func (w *World) Scene() *Scene { return w.scene }

// AddListener registers a contact listener.
func (w *World) AddListener(l ContactListener) {
	if l != nil {
		w.listeners = append(w.listeners, l)
	}
}

// AddEntity gives an entity a body at its current host transform. Hull
// bodies are created on a later tick, once their bake completes.
func (w *World) AddEntity(ctx context.Context, id host.EntityID, spec BodySpec) error {
	if err := w.usable(); err != nil {
		return err
	}
	if _, ok := w.registry.Lookup(id); ok {
		return fmt.Errorf("%w: %s", ErrEntityBound, id)
	}
	if _, ok := w.pending[id]; ok {
		return fmt.Errorf("%w: %s (bake pending)", ErrEntityBound, id)
	}
	t, ok := w.host.EntityTransform(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, id)
	}
	if len(spec.Hull) > 0 {
		ticket := w.factory.BakeHull(spec.Hull)
		if ticket.State() == shapes.BakeFailed {
			return w.creationFailed(ctx, id, spec, "", ticket.Err())
		}
		w.pending[id] = &pendingBody{ticket: ticket, spec: spec}
		return nil
	}
	shape, err := w.shapeFor(spec)
	if err != nil {
		return w.creationFailed(ctx, id, spec, "", err)
	}
	return w.createBound(ctx, id, spec, shape, t)
}

func (w *World) shapeFor(spec BodySpec) (*shapes.Shape, error) {
	switch {
	case spec.Radius > 0 && spec.HalfHeight > 0:
		return w.factory.ForCapsule(spec.Radius, spec.HalfHeight)
	case spec.Radius > 0:
		return w.factory.ForSphere(spec.Radius)
	default:
		return w.factory.ForEntityBounds(spec.Bounds)
	}
}

// massFor resolves the mass of a dynamic body: explicit mass, else density
// times shape volume.
func (w *World) massFor(spec BodySpec, shape *shapes.Shape) float64 {
	if spec.Kind != engine.BodyDynamic {
		return 0
	}
	if spec.Mass > 0 {
		return spec.Mass
	}
	density := spec.Density
	if density <= 0 {
		density = w.cfg.DefaultDensity
	}
	return density * shape.Desc().Volume()
}

func (w *World) createBound(ctx context.Context, id host.EntityID, spec BodySpec, shape *shapes.Shape, t engine.Transform) error {
	h, err := w.registry.Create(bodies.Spec{
		Kind:      spec.Kind,
		Shape:     shape,
		Transform: t,
		Mass:      w.massFor(spec, shape),
		Trigger:   spec.Trigger,
	})
	if err != nil {
		var createErr *bodies.BodyCreationError
		if errors.As(err, &createErr) {
			createErr.Entity = id
		}
		return w.creationFailed(ctx, id, spec, shape.Key(), err)
	}
	if err := w.registry.Bind(id, h, t); err != nil {
		return errors.Join(err, w.registry.Destroy(h))
	}
	delete(w.failed, id)
	return nil
}

// creationFailed logs the first failure per entity and returns err.
func (w *World) creationFailed(ctx context.Context, id host.EntityID, spec BodySpec, shape string, err error) error {
	if _, seen := w.failed[id]; !seen {
		w.failed[id] = struct{}{}
		physicslog.BodyCreationFailed(ctx, w.deps.Publisher, w.tick, w.name, logging.Entity(string(id)), physicslog.BodyCreationFailedPayload{
			Kind:   spec.Kind.String(),
			Shape:  shape,
			Reason: err.Error(),
		}, nil)
	}
	var createErr *bodies.BodyCreationError
	if !errors.As(err, &createErr) {
		err = &bodies.BodyCreationError{Entity: id, Kind: spec.Kind, Shape: shape, Err: err}
	}
	return err
}

// RemoveEntity destroys an entity's body or cancels its pending bake.
func (w *World) RemoveEntity(id host.EntityID) error {
	delete(w.failed, id)
	if p, ok := w.pending[id]; ok {
		p.ticket.Cancel()
		delete(w.pending, id)
	}
	if w.destroyed {
		return nil
	}
	return w.registry.Release(id)
}

// TeleportEntity marks an entity as moved by game logic. The body follows the
// host transform at the next commit.
func (w *World) TeleportEntity(id host.EntityID) bool {
	b, ok := w.registry.Binding(id)
	if !ok {
		return false
	}
	b.Teleported = true
	return true
}

// BlockChanged schedules the terrain around pos for reload.
func (w *World) BlockChanged(pos cube.Pos) {
	w.terrain.markDirty(pos)
}

// Raycast returns the closest dynamic body along a ray and its entity, if bound.
func (w *World) Raycast(origin, dir mgl64.Vec3, maxDistance float64) (host.EntityID, engine.RaycastHit, bool, error) {
	if err := w.usable(); err != nil {
		return "", engine.RaycastHit{}, false, err
	}
	hit, ok, err := w.handle.Engine().Raycast(w.scene.ID(), origin, dir, maxDistance)
	if err != nil || !ok {
		return "", engine.RaycastHit{}, false, err
	}
	var entity host.EntityID
	if h, found := w.registry.ForBody(hit.Body); found {
		entity, _ = w.registry.Entity(h)
	}
	return entity, hit, true, nil
}

// BodyState reads the simulated state of an entity's body.
func (w *World) BodyState(id host.EntityID) (engine.BodyState, bool) {
	h, ok := w.registry.Lookup(id)
	if !ok {
		return engine.BodyState{}, false
	}
	native, _ := w.registry.NativeID(h)
	state, err := w.handle.Engine().BodyState(w.scene.ID(), native)
	if err != nil {
		return engine.BodyState{}, false
	}
	return state, true
}

// Pending reports the number of entities waiting for a hull bake.
func (w *World) Pending() int { return len(w.pending) }

func (w *World) usable() error {
	if w.destroyed {
		return ErrWorldDestroyed
	}
	if w.fault != nil {
		return w.fault
	}
	return nil
}

// Destroy releases every body, the shapes and the native scene. Repeated
// calls are no-ops.
func (w *World) Destroy() error {
	if w.destroyed {
		return nil
	}
	w.destroyed = true
	for id, p := range w.pending {
		p.ticket.Cancel()
		delete(w.pending, id)
	}
	w.terrain.reset()
	var errs []error
	if err := w.registry.DestroyAll(); err != nil {
		errs = append(errs, err)
	}
	if err := w.factory.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := w.handle.DestroyWorld(w.scene); err != nil {
		errs = append(errs, err)
	}
	w.contacts = nil
	return errors.Join(errs...)
}

func (w *World) addMetric(key string, delta uint64) {
	if w.deps.Metrics == nil || delta == 0 {
		return
	}
	w.deps.Metrics.Add(key, delta)
}
