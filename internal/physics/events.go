package physics

import (
	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/bodies"
	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
)

// ContactParty is one side of a contact. A party is an entity when Bound is
// set, a terrain block when IsBlock is set, and an anonymous body otherwise.
type ContactParty struct {
	Handle   bodies.Handle
	Entity   host.EntityID
	Bound    bool
	Block    cube.Pos
	IsBlock  bool
	Position mgl64.Vec3
	Velocity mgl64.Vec3
}

// ContactEvent is dispatched after the tick's transforms were committed.
type ContactEvent struct {
	World   string
	Tick    uint64
	A       ContactParty
	B       ContactParty
	Point   mgl64.Vec3
	Impulse float64
	Phase   engine.ContactPhase
}

// ContactListener receives contact events on the tick goroutine.
type ContactListener func(ContactEvent)

// onContact is registered with the engine. It runs inside StepWorld and only
// records the contact.
func (w *World) onContact(c engine.Contact) {
	w.contacts = append(w.contacts, c)
}

// dispatchContacts resolves queued contacts to entities and blocks and hands
// them to the listeners in the order the engine reported them.
func (w *World) dispatchContacts() int {
	if len(w.contacts) == 0 {
		return 0
	}
	queued := w.contacts
	w.contacts = nil
	for _, c := range queued {
		event := ContactEvent{
			World:   w.name,
			Tick:    w.tick,
			A:       w.party(c.A),
			B:       w.party(c.B),
			Point:   c.Point,
			Impulse: c.Impulse,
			Phase:   c.Phase,
		}
		for _, l := range w.listeners {
			l(event)
		}
	}
	return len(queued)
}

func (w *World) party(id engine.BodyID) ContactParty {
	var p ContactParty
	h, ok := w.registry.ForBody(id)
	if !ok {
		return p
	}
	p.Handle = h
	if entity, bound := w.registry.Entity(h); bound {
		p.Entity = entity
		p.Bound = true
	}
	if pos, block := w.terrain.blockAt(h); block {
		p.Block = pos
		p.IsBlock = true
	}
	if state, err := w.handle.Engine().BodyState(w.scene.ID(), id); err == nil {
		p.Position = state.Transform.Position
		p.Velocity = state.LinearVelocity
	}
	return p
}
