package sandbox

import (
	"testing"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
)

func TestChunkBlocksFiltersByChunk(t *testing.T) {
	w := NewWorld("test", cube.Range{0, 255})
	w.SetBlock(cube.Pos{1, 0, 1}, "stone")
	w.SetBlock(cube.Pos{17, 0, 1}, "dirt")
	w.SetBlock(cube.Pos{2, 3, 2}, "stone")

	blocks := w.ChunkBlocks(host.ChunkPos{X: 0, Z: 0})
	if len(blocks) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(blocks))
	}
	if blocks[0].Pos != (cube.Pos{1, 0, 1}) {
		t.Fatalf("expected blocks ordered by height, got %+v", blocks)
	}
	w.SetBlock(cube.Pos{1, 0, 1}, host.Air)
	if got := w.Block(cube.Pos{1, 0, 1}); got != host.Air {
		t.Fatalf("expected air after removal, got %q", got)
	}
}

func TestSetEntityTransformRequiresEntity(t *testing.T) {
	w := NewWorld("test", cube.Range{0, 255})
	if err := w.SetEntityTransform("ghost", engine.TransformAt(mgl64.Vec3{})); err == nil {
		t.Fatalf("expected error for unknown entity")
	}
	w.Spawn("crate", engine.TransformAt(mgl64.Vec3{1, 2, 3}))
	if err := w.SetEntityTransform("crate", engine.TransformAt(mgl64.Vec3{4, 5, 6})); err != nil {
		t.Fatalf("set transform: %v", err)
	}
	got, ok := w.EntityTransform("crate")
	if !ok || got.Position != (mgl64.Vec3{4, 5, 6}) {
		t.Fatalf("unexpected transform %+v", got)
	}
	if w.Writes("crate") != 1 {
		t.Fatalf("expected one write, got %d", w.Writes("crate"))
	}
}

func TestGeometryDefaults(t *testing.T) {
	g := NewGeometry()
	if boxes := g.BlockCollisions(host.Air); len(boxes) != 0 {
		t.Fatalf("expected air without collision, got %v", boxes)
	}
	full := g.BlockCollisions("stone")
	if len(full) != 1 || full[0].Height() != 1 {
		t.Fatalf("expected full cube for stone, got %v", full)
	}
	if boxes := g.BlockCollisions("stairs"); len(boxes) != 2 {
		t.Fatalf("expected two boxes for stairs, got %v", boxes)
	}
}

func TestRecorderBreakBlockRemovesBlock(t *testing.T) {
	w := NewWorld("test", cube.Range{0, 255})
	w.SetBlock(cube.Pos{0, 0, 0}, "glass")
	rec := NewRecorder(w)
	rec.BreakBlock("test", cube.Pos{0, 0, 0})
	if w.Block(cube.Pos{0, 0, 0}) != host.Air {
		t.Fatalf("expected block removed")
	}
	effects := rec.Effects()
	if len(effects) != 1 || effects[0].Kind != EffectBreak {
		t.Fatalf("unexpected effects %+v", effects)
	}
}
