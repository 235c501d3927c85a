package physics

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/df-mc/dragonfly/server/block/cube"

	"blockphysics/server/internal/bodies"
	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
	"blockphysics/server/internal/shapes"
)

// terrain keeps static bodies for the exposed blocks of the chunks around
// dynamic bodies.
type terrain struct {
	w          *World
	loaded     map[host.ChunkPos][]bodies.Handle
	blocks     map[bodies.Handle]cube.Pos
	dirty      map[host.ChunkPos]struct{}
	lastReload uint64
}

func newTerrain(w *World) *terrain {
	return &terrain{
		w:      w,
		loaded: make(map[host.ChunkPos][]bodies.Handle),
		blocks: make(map[bodies.Handle]cube.Pos),
		dirty:  make(map[host.ChunkPos]struct{}),
	}
}

// blockAt returns the block position a terrain body stands for.
func (t *terrain) blockAt(h bodies.Handle) (cube.Pos, bool) {
	pos, ok := t.blocks[h]
	return pos, ok
}

// chunks lists the loaded chunks in x, z order.
func (t *terrain) chunks() []host.ChunkPos {
	out := make([]host.ChunkPos, 0, len(t.loaded))
	for c := range t.loaded {
		out = append(out, c)
	}
	sortChunks(out)
	return out
}

func (t *terrain) count() int { return len(t.blocks) }

// markDirty schedules the chunk of pos for reload, plus the neighbouring chunk
// when pos lies on a chunk edge.
func (t *terrain) markDirty(pos cube.Pos) {
	c := host.ChunkOf(pos)
	t.dirty[c] = struct{}{}
	lx := pos.X() - int(c.X)*host.ChunkSize
	lz := pos.Z() - int(c.Z)*host.ChunkSize
	if lx == 0 {
		t.dirty[host.ChunkPos{X: c.X - 1, Z: c.Z}] = struct{}{}
	}
	if lx == host.ChunkSize-1 {
		t.dirty[host.ChunkPos{X: c.X + 1, Z: c.Z}] = struct{}{}
	}
	if lz == 0 {
		t.dirty[host.ChunkPos{X: c.X, Z: c.Z - 1}] = struct{}{}
	}
	if lz == host.ChunkSize-1 {
		t.dirty[host.ChunkPos{X: c.X, Z: c.Z + 1}] = struct{}{}
	}
}

// update loads the chunks around dynamic bodies, unloads the rest and reloads
// dirty chunks once per reload interval.
func (t *terrain) update(ctx context.Context) error {
	cfg := t.w.cfg.Terrain
	if !cfg.Enabled {
		return nil
	}
	wanted := t.wanted(cfg.ChunkRadius)
	var errs []error

	for c := range t.loaded {
		if _, keep := wanted[c]; !keep {
			if err := t.unload(c); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(t.dirty) > 0 && t.w.tick-t.lastReload >= uint64(cfg.ReloadIntervalTicks) {
		for c := range t.dirty {
			if _, ok := t.loaded[c]; !ok {
				continue
			}
			if err := t.unload(c); err != nil {
				errs = append(errs, err)
			}
		}
		clear(t.dirty)
		t.lastReload = t.w.tick
	}

	order := make([]host.ChunkPos, 0, len(wanted))
	for c := range wanted {
		if _, ok := t.loaded[c]; !ok {
			order = append(order, c)
		}
	}
	sortChunks(order)
	for _, c := range order {
		if err := t.load(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *terrain) wanted(radius int) map[host.ChunkPos]struct{} {
	wanted := make(map[host.ChunkPos]struct{})
	eng := t.w.handle.Engine()
	for _, b := range t.w.registry.Bindings() {
		if kind, _ := t.w.registry.Kind(b.Handle); kind != engine.BodyDynamic {
			continue
		}
		native, _ := t.w.registry.NativeID(b.Handle)
		state, err := eng.BodyState(t.w.scene.ID(), native)
		if err != nil {
			continue
		}
		centre := host.ChunkAt(state.Transform.Position)
		for dx := -radius; dx <= radius; dx++ {
			for dz := -radius; dz <= radius; dz++ {
				wanted[host.ChunkPos{X: centre.X + int32(dx), Z: centre.Z + int32(dz)}] = struct{}{}
			}
		}
	}
	return wanted
}

func (t *terrain) load(c host.ChunkPos) error {
	var errs []error
	handles := make([]bodies.Handle, 0)
	for _, block := range t.w.host.ChunkBlocks(c) {
		if !t.exposed(block.Pos) {
			continue
		}
		shape, err := t.w.factory.ForBlock(block.Type)
		if errors.Is(err, shapes.ErrNoCollision) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("terrain %v: %w", block.Pos, err))
			continue
		}
		h, err := t.w.registry.Create(bodies.Spec{
			Kind:      engine.BodyStatic,
			Shape:     shape,
			Transform: engine.TransformAt(block.Pos.Vec3()),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("terrain %v: %w", block.Pos, err))
			continue
		}
		handles = append(handles, h)
		t.blocks[h] = block.Pos
	}
	t.loaded[c] = handles
	return errors.Join(errs...)
}

func (t *terrain) unload(c host.ChunkPos) error {
	var errs []error
	for _, h := range t.loaded[c] {
		delete(t.blocks, h)
		if err := t.w.registry.Destroy(h); err != nil {
			errs = append(errs, err)
		}
	}
	delete(t.loaded, c)
	return errors.Join(errs...)
}

// reset forgets every chunk. The bodies are destroyed with the registry.
func (t *terrain) reset() {
	clear(t.loaded)
	clear(t.blocks)
	clear(t.dirty)
}

var neighbours = [6]cube.Pos{{1, 0, 0}, {-1, 0, 0}, {0, 1, 0}, {0, -1, 0}, {0, 0, 1}, {0, 0, -1}}

// exposed reports whether a block can be touched: it is not a full cube, it
// sits at the edge of the world range, or a neighbour is not a full cube.
func (t *terrain) exposed(pos cube.Pos) bool {
	if !t.fullCube(t.w.host.Block(pos)) {
		return true
	}
	rng := t.w.host.Range()
	for _, n := range neighbours {
		p := pos.Add(n)
		if p.Y() < rng.Min() || p.Y() > rng.Max() {
			return true
		}
		if !t.fullCube(t.w.host.Block(p)) {
			return true
		}
	}
	return false
}

func (t *terrain) fullCube(blockType string) bool {
	if t.w.deps.Geometry == nil {
		return blockType != host.Air
	}
	boxes := t.w.deps.Geometry.BlockCollisions(blockType)
	if len(boxes) != 1 {
		return false
	}
	return boxes[0] == cube.Box(0, 0, 0, 1, 1, 1)
}

func sortChunks(cs []host.ChunkPos) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].X != cs[j].X {
			return cs[i].X < cs[j].X
		}
		return cs[i].Z < cs[j].Z
	})
}
