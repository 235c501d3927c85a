// Package bodies tracks the native bodies of one physics world and the
// entities bound to them. The registry is used from the tick goroutine only.
package bodies

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
	"blockphysics/server/internal/shapes"
)

// ShapeOwner returns shape references held by destroyed bodies.
type ShapeOwner interface {
	Retain(*shapes.Shape)
	Release(*shapes.Shape) error
}

// Spec describes a body to create. The registry takes over one reference to
// Shape, also when creation fails.
type Spec struct {
	Kind      engine.BodyKind
	Shape     *shapes.Shape
	Transform engine.Transform
	Mass      float64
	Trigger   bool
}

// Binding ties an entity to a body. LastCommitted is the transform most
// recently exchanged with the host, used to tell host moves from simulation
// moves.
type Binding struct {
	Entity        host.EntityID
	Handle        Handle
	LastCommitted engine.Transform
	Teleported    bool
}

type slot struct {
	gen     uint32
	live    bool
	body    engine.BodyID
	kind    engine.BodyKind
	shape   *shapes.Shape
	mass    float64
	trigger bool
	entity  host.EntityID
	bound   bool
}

// Registry owns bodies through two tables: bindings by entity and slots by
// index, the latter recording the bound entity.
type Registry struct {
	eng    engine.Engine
	world  engine.WorldID
	shapes ShapeOwner

	slots    []slot
	free     []uint32
	live     int
	bindings map[host.EntityID]*Binding
	byBody   map[engine.BodyID]Handle
}

// NewRegistry constructs an empty registry for a native world.
func NewRegistry(eng engine.Engine, world engine.WorldID, owner ShapeOwner) *Registry {
	return &Registry{
		eng:      eng,
		world:    world,
		shapes:   owner,
		bindings: make(map[host.EntityID]*Binding),
		byBody:   make(map[engine.BodyID]Handle),
	}
}

// Create builds a native body. Invalid geometry or mass fails with a
// *BodyCreationError.
func (r *Registry) Create(spec Spec) (Handle, error) {
	fail := func(err error) (Handle, error) {
		if spec.Shape != nil {
			_ = r.shapes.Release(spec.Shape)
		}
		return Handle{}, &BodyCreationError{Kind: spec.Kind, Shape: spec.Shape.Key(), Err: err}
	}
	if spec.Shape == nil {
		return fail(errors.New("missing shape"))
	}
	if spec.Kind == engine.BodyDynamic && (!(spec.Mass > 0) || math.IsInf(spec.Mass, 0)) {
		return fail(fmt.Errorf("%w: %v", engine.ErrInvalidMass, spec.Mass))
	}
	id, err := r.eng.CreateBody(r.world, engine.BodyDesc{
		Kind:      spec.Kind,
		Shape:     spec.Shape.ID(),
		Transform: spec.Transform,
		Mass:      spec.Mass,
		Trigger:   spec.Trigger,
	})
	if err != nil {
		return fail(err)
	}

	var index uint32
	if n := len(r.free); n > 0 {
		index = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		r.slots = append(r.slots, slot{})
		index = uint32(len(r.slots) - 1)
	}
	s := &r.slots[index]
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.body = id
	s.kind = spec.Kind
	s.shape = spec.Shape
	s.mass = spec.Mass
	s.trigger = spec.Trigger
	s.entity = ""
	s.bound = false

	h := Handle{index: index, gen: s.gen}
	r.byBody[id] = h
	r.live++
	return h, nil
}

func (r *Registry) slot(h Handle) (*slot, bool) {
	if !h.Valid() || int(h.index) >= len(r.slots) {
		return nil, false
	}
	s := &r.slots[h.index]
	if !s.live || s.gen != h.gen {
		return nil, false
	}
	return s, true
}

// Alive reports whether the handle refers to a live body.
func (r *Registry) Alive(h Handle) bool {
	_, ok := r.slot(h)
	return ok
}

// Destroy removes a body, unbinding its entity first. Stale handles are a
// no-op, so the native body is destroyed exactly once.
func (r *Registry) Destroy(h Handle) error {
	s, ok := r.slot(h)
	if !ok {
		return nil
	}
	if s.bound {
		delete(r.bindings, s.entity)
	}
	var errs []error
	if err := r.eng.DestroyBody(r.world, s.body); err != nil {
		errs = append(errs, fmt.Errorf("destroy %s: %w", h, err))
	}
	if err := r.shapes.Release(s.shape); err != nil {
		errs = append(errs, err)
	}
	delete(r.byBody, s.body)
	gen := s.gen + 1
	if gen == 0 {
		gen = 1
	}
	*s = slot{gen: gen}
	r.free = append(r.free, h.index)
	r.live--
	return errors.Join(errs...)
}

// Bind ties an entity to a live body. committed seeds LastCommitted.
func (r *Registry) Bind(entity host.EntityID, h Handle, committed engine.Transform) error {
	s, ok := r.slot(h)
	if !ok {
		return ErrStaleReference
	}
	if s.bound {
		return fmt.Errorf("%w: %s bound to %s", ErrAlreadyBound, h, s.entity)
	}
	if existing, ok := r.bindings[entity]; ok && r.Alive(existing.Handle) {
		return fmt.Errorf("%w: %s bound to %s", ErrAlreadyBound, entity, existing.Handle)
	}
	s.entity = entity
	s.bound = true
	r.bindings[entity] = &Binding{Entity: entity, Handle: h, LastCommitted: committed}
	return nil
}

// Unbind removes an entity's binding without destroying the body.
func (r *Registry) Unbind(entity host.EntityID) (Handle, bool) {
	b, ok := r.bindings[entity]
	if !ok {
		return Handle{}, false
	}
	delete(r.bindings, entity)
	if s, ok := r.slot(b.Handle); ok {
		s.entity = ""
		s.bound = false
	}
	return b.Handle, true
}

// Lookup returns the live body bound to an entity. A binding whose body is
// gone is dropped and reported as absent.
func (r *Registry) Lookup(entity host.EntityID) (Handle, bool) {
	b, ok := r.Binding(entity)
	if !ok {
		return Handle{}, false
	}
	return b.Handle, true
}

// Binding returns the binding record of an entity.
func (r *Registry) Binding(entity host.EntityID) (*Binding, bool) {
	b, ok := r.bindings[entity]
	if !ok {
		return nil, false
	}
	if !r.Alive(b.Handle) {
		delete(r.bindings, entity)
		return nil, false
	}
	return b, true
}

// Entity returns the entity bound to a body.
func (r *Registry) Entity(h Handle) (host.EntityID, bool) {
	s, ok := r.slot(h)
	if !ok || !s.bound {
		return "", false
	}
	return s.entity, true
}

// ForBody maps a native body id back to its handle.
func (r *Registry) ForBody(id engine.BodyID) (Handle, bool) {
	h, ok := r.byBody[id]
	return h, ok
}

// Release unbinds an entity and destroys its body.
func (r *Registry) Release(entity host.EntityID) error {
	h, ok := r.Unbind(entity)
	if !ok {
		return nil
	}
	return r.Destroy(h)
}

// Demote replaces a body with a static body of the same shape at t. The
// entity binding, if any, is removed. The new body is returned unbound.
func (r *Registry) Demote(h Handle, t engine.Transform) (Handle, error) {
	s, ok := r.slot(h)
	if !ok {
		return Handle{}, ErrStaleReference
	}
	shape := s.shape
	trigger := s.trigger
	r.shapes.Retain(shape)
	if err := r.Destroy(h); err != nil {
		_ = r.shapes.Release(shape)
		return Handle{}, err
	}
	return r.Create(Spec{Kind: engine.BodyStatic, Shape: shape, Transform: t, Trigger: trigger})
}

// NativeID returns the engine body behind a handle.
func (r *Registry) NativeID(h Handle) (engine.BodyID, bool) {
	s, ok := r.slot(h)
	if !ok {
		return 0, false
	}
	return s.body, true
}

func (r *Registry) Kind(h Handle) (engine.BodyKind, bool) {
	s, ok := r.slot(h)
	if !ok {
		return 0, false
	}
	return s.kind, true
}

func (r *Registry) Mass(h Handle) (float64, bool) {
	s, ok := r.slot(h)
	if !ok {
		return 0, false
	}
	return s.mass, true
}

func (r *Registry) Shape(h Handle) (*shapes.Shape, bool) {
	s, ok := r.slot(h)
	if !ok {
		return nil, false
	}
	return s.shape, true
}

// Bindings returns the live bindings ordered by entity id.
func (r *Registry) Bindings() []*Binding {
	out := make([]*Binding, 0, len(r.bindings))
	for entity, b := range r.bindings {
		if !r.Alive(b.Handle) {
			delete(r.bindings, entity)
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// UnbindAll drops every binding and returns the entities that were bound.
func (r *Registry) UnbindAll() []host.EntityID {
	entities := make([]host.EntityID, 0, len(r.bindings))
	for _, b := range r.Bindings() {
		entities = append(entities, b.Entity)
	}
	for _, entity := range entities {
		r.Unbind(entity)
	}
	return entities
}

// DestroyAll destroys every live body.
func (r *Registry) DestroyAll() error {
	var errs []error
	for i := range r.slots {
		s := &r.slots[i]
		if !s.live {
			continue
		}
		if err := r.Destroy(Handle{index: uint32(i), gen: s.gen}); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len reports the number of live bodies.
func (r *Registry) Len() int { return r.live }

// Bound reports the number of bound entities.
func (r *Registry) Bound() int { return len(r.bindings) }
