// Package sandbox is an in-memory host used by the demo server and by tests.
package sandbox

import (
	"fmt"
	"sort"
	"sync"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
)

// World stores blocks and entity transforms in maps.
type World struct {
	mu       sync.RWMutex
	name     string
	rng      cube.Range
	blocks   map[cube.Pos]string
	entities map[host.EntityID]engine.Transform
	writes   map[host.EntityID]int
}

// NewWorld constructs an empty world with the given vertical range.
func NewWorld(name string, rng cube.Range) *World {
	return &World{
		name:     name,
		rng:      rng,
		blocks:   make(map[cube.Pos]string),
		entities: make(map[host.EntityID]engine.Transform),
		writes:   make(map[host.EntityID]int),
	}
}

func (w *World) Name() string { return w.name }

func (w *World) Range() cube.Range { return w.rng }

func (w *World) Block(pos cube.Pos) string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if blockType, ok := w.blocks[pos]; ok {
		return blockType
	}
	return host.Air
}

// SetBlock places a block. Setting host.Air removes it.
func (w *World) SetBlock(pos cube.Pos, blockType string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if blockType == "" || blockType == host.Air {
		delete(w.blocks, pos)
		return
	}
	w.blocks[pos] = blockType
}

// Fill places blockType in every position of the inclusive box.
func (w *World) Fill(from, to cube.Pos, blockType string) {
	for x := min(from.X(), to.X()); x <= max(from.X(), to.X()); x++ {
		for y := min(from.Y(), to.Y()); y <= max(from.Y(), to.Y()); y++ {
			for z := min(from.Z(), to.Z()); z <= max(from.Z(), to.Z()); z++ {
				w.SetBlock(cube.Pos{x, y, z}, blockType)
			}
		}
	}
}

func (w *World) ChunkBlocks(chunk host.ChunkPos) []host.Block {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var out []host.Block
	for pos, blockType := range w.blocks {
		if host.ChunkOf(pos) != chunk {
			continue
		}
		out = append(out, host.Block{Pos: pos, Type: blockType})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Pos, out[j].Pos
		if a.Y() != b.Y() {
			return a.Y() < b.Y()
		}
		if a.X() != b.X() {
			return a.X() < b.X()
		}
		return a.Z() < b.Z()
	})
	return out
}

// Spawn adds an entity or moves an existing one, as game logic would.
func (w *World) Spawn(id host.EntityID, t engine.Transform) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entities[id] = t.Normalized()
}

// Remove deletes an entity.
func (w *World) Remove(id host.EntityID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.entities, id)
	delete(w.writes, id)
}

func (w *World) EntityTransform(id host.EntityID) (engine.Transform, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.entities[id]
	return t, ok
}

func (w *World) SetEntityTransform(id host.EntityID, t engine.Transform) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.entities[id]; !ok {
		return fmt.Errorf("sandbox: unknown entity %q", id)
	}
	w.entities[id] = t
	w.writes[id]++
	return nil
}

// Writes reports how many transforms the bridge wrote to an entity.
func (w *World) Writes(id host.EntityID) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.writes[id]
}

// Entities lists entity ids in sorted order.
func (w *World) Entities() []host.EntityID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]host.EntityID, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Geometry maps block types to collision boxes. Unknown non-air types are
// full cubes.
type Geometry struct {
	mu     sync.RWMutex
	shapes map[string][]cube.BBox
}

// NewGeometry constructs a geometry table with the common partial blocks.
func NewGeometry() *Geometry {
	return &Geometry{shapes: map[string][]cube.BBox{
		host.Air:         nil,
		"water":          nil,
		"tall_grass":     nil,
		"slab":           {cube.Box(0, 0, 0, 1, 0.5, 1)},
		"carpet":         {cube.Box(0, 0, 0, 1, 0.0625, 1)},
		"stairs":         {cube.Box(0, 0, 0, 1, 0.5, 1), cube.Box(0, 0.5, 0.5, 1, 1, 1)},
		"fence":          {cube.Box(0.375, 0, 0.375, 0.625, 1.5, 0.625)},
		"pressure_plate": nil,
	}}
}

// Define overrides the collision boxes of a block type.
func (g *Geometry) Define(blockType string, boxes ...cube.BBox) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shapes[blockType] = boxes
}

func (g *Geometry) BlockCollisions(blockType string) []cube.BBox {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if boxes, ok := g.shapes[blockType]; ok {
		return boxes
	}
	return []cube.BBox{cube.Box(0, 0, 0, 1, 1, 1)}
}

// EffectKind distinguishes recorded effects.
type EffectKind string

const (
	EffectDamage    EffectKind = "damage"
	EffectKnockback EffectKind = "knockback"
	EffectSound     EffectKind = "sound"
	EffectBreak     EffectKind = "break"
)

// Effect is one recorded call into host.Effects.
type Effect struct {
	Kind     EffectKind
	World    string
	Entity   host.EntityID
	Amount   float64
	Velocity mgl64.Vec3
	Position mgl64.Vec3
	Block    cube.Pos
	Sound    string
}

// Recorder implements host.Effects by recording every call. When a world is
// registered, BreakBlock also removes the block from it.
type Recorder struct {
	mu      sync.Mutex
	effects []Effect
	worlds  map[string]*World
}

// NewRecorder constructs a recorder that applies block breaks to worlds.
func NewRecorder(worlds ...*World) *Recorder {
	r := &Recorder{worlds: make(map[string]*World)}
	for _, w := range worlds {
		r.worlds[w.Name()] = w
	}
	return r
}

func (r *Recorder) Damage(world string, id host.EntityID, amount float64) {
	r.record(Effect{Kind: EffectDamage, World: world, Entity: id, Amount: amount})
}

func (r *Recorder) Knockback(world string, id host.EntityID, velocity mgl64.Vec3) {
	r.record(Effect{Kind: EffectKnockback, World: world, Entity: id, Velocity: velocity})
}

func (r *Recorder) PlaySound(world string, pos mgl64.Vec3, sound string, volume float64) {
	r.record(Effect{Kind: EffectSound, World: world, Position: pos, Sound: sound, Amount: volume})
}

func (r *Recorder) BreakBlock(world string, pos cube.Pos) {
	r.record(Effect{Kind: EffectBreak, World: world, Block: pos})
	r.mu.Lock()
	w := r.worlds[world]
	r.mu.Unlock()
	if w != nil {
		w.SetBlock(pos, host.Air)
	}
}

func (r *Recorder) record(effect Effect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, effect)
}

// Effects returns a copy of the recorded effects.
func (r *Recorder) Effects() []Effect {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Effect, len(r.effects))
	copy(out, r.effects)
	return out
}

// Server is a fixed set of sandbox worlds.
type Server struct {
	worlds []*World
}

// NewServer wraps the provided worlds.
func NewServer(worlds ...*World) *Server {
	return &Server{worlds: worlds}
}

func (s *Server) Worlds() []host.World {
	out := make([]host.World, 0, len(s.worlds))
	for _, w := range s.worlds {
		out = append(out, w)
	}
	return out
}

// FlatWorld builds a world with a stone floor whose top face is at y=0,
// covering the square of chunks within radius of the origin.
func FlatWorld(name string, radius int) *World {
	w := NewWorld(name, cube.Range{-64, 319})
	edge := radius * host.ChunkSize
	w.Fill(cube.Pos{-edge, -1, -edge}, cube.Pos{edge + host.ChunkSize - 1, -1, edge + host.ChunkSize - 1}, "stone")
	return w
}

var (
	_ host.World    = (*World)(nil)
	_ host.Geometry = (*Geometry)(nil)
	_ host.Effects  = (*Recorder)(nil)
	_ host.Server   = (*Server)(nil)
)
