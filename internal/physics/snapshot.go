package physics

import (
	"time"

	"blockphysics/server/internal/engine"
)

// Snapshot is an immutable view of every world, published after each tick.
type Snapshot struct {
	Tick    uint64          `json:"tick" msgpack:"tick"`
	Backend string          `json:"backend,omitempty" msgpack:"backend,omitempty"`
	Version string          `json:"version,omitempty" msgpack:"version,omitempty"`
	Worlds  []WorldSnapshot `json:"worlds" msgpack:"worlds"`
}

// World returns the snapshot of a named world.
func (s *Snapshot) World(name string) (WorldSnapshot, bool) {
	if s == nil {
		return WorldSnapshot{}, false
	}
	for _, w := range s.Worlds {
		if w.Name == name {
			return w, true
		}
	}
	return WorldSnapshot{}, false
}

// WorldSnapshot describes one world.
type WorldSnapshot struct {
	Name            string           `json:"name" msgpack:"name"`
	State           string           `json:"state" msgpack:"state"`
	RemainderMillis float64          `json:"remainderMillis" msgpack:"remainderMillis"`
	Bodies          int              `json:"bodies" msgpack:"bodies"`
	Bound           int              `json:"bound" msgpack:"bound"`
	Terrain         int              `json:"terrain" msgpack:"terrain"`
	Chunks          int              `json:"chunks" msgpack:"chunks"`
	Shapes          int              `json:"shapes" msgpack:"shapes"`
	PendingBakes    int              `json:"pendingBakes" msgpack:"pendingBakes"`
	QueuedImpulses  int              `json:"queuedImpulses" msgpack:"queuedImpulses"`
	Fault           string           `json:"fault,omitempty" msgpack:"fault,omitempty"`
	Entities        []EntitySnapshot `json:"entities,omitempty" msgpack:"entities,omitempty"`
}

// EntitySnapshot is the simulated state of a bound entity.
type EntitySnapshot struct {
	ID       string     `json:"id" msgpack:"id"`
	Kind     string     `json:"kind" msgpack:"kind"`
	Position [3]float64 `json:"position" msgpack:"position"`
	Rotation [4]float64 `json:"rotation" msgpack:"rotation"`
	Velocity [3]float64 `json:"velocity" msgpack:"velocity"`
}

// Snapshot captures the world. Tick goroutine only.
func (w *World) Snapshot() WorldSnapshot {
	snap := WorldSnapshot{
		Name:            w.name,
		State:           w.state.String(),
		RemainderMillis: float64(w.remainder) / float64(time.Millisecond),
		Bodies:          w.registry.Len(),
		Bound:           w.registry.Bound(),
		Terrain:         w.terrain.count(),
		Chunks:          len(w.terrain.loaded),
		Shapes:          w.factory.Len(),
		PendingBakes:    len(w.pending),
		QueuedImpulses:  w.impulses.Len(),
	}
	if w.fault != nil {
		snap.Fault = w.fault.Error()
	}
	if w.destroyed {
		return snap
	}
	eng := w.handle.Engine()
	for _, b := range w.registry.Bindings() {
		native, _ := w.registry.NativeID(b.Handle)
		kind, _ := w.registry.Kind(b.Handle)
		state, err := eng.BodyState(w.scene.ID(), native)
		if err != nil {
			continue
		}
		snap.Entities = append(snap.Entities, entitySnapshot(string(b.Entity), kind, state))
	}
	return snap
}

func entitySnapshot(id string, kind engine.BodyKind, state engine.BodyState) EntitySnapshot {
	q := state.Transform.Rotation
	return EntitySnapshot{
		ID:       id,
		Kind:     kind.String(),
		Position: vecArray(state.Transform.Position),
		Rotation: [4]float64{q.W, q.V[0], q.V[1], q.V[2]},
		Velocity: vecArray(state.LinearVelocity),
	}
}
