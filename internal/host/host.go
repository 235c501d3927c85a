// Package host describes the game server the physics bridge is embedded in.
// Every method is called from the tick goroutine.
package host

import (
	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
)

// EntityID identifies an entity inside the host server.
type EntityID string

// Air is the block type of empty space.
const Air = "air"

// ChunkSize is the horizontal edge length of a host chunk.
const ChunkSize = 16

// Block is a solid block as reported by ChunkBlocks.
type Block struct {
	Pos  cube.Pos
	Type string
}

// ChunkPos addresses a chunk column.
type ChunkPos struct {
	X, Z int32
}

// ChunkOf returns the chunk that contains a block position.
func ChunkOf(pos cube.Pos) ChunkPos {
	return ChunkPos{X: int32(floorDiv(pos.X(), ChunkSize)), Z: int32(floorDiv(pos.Z(), ChunkSize))}
}

// ChunkAt returns the chunk that contains a world-space point.
func ChunkAt(point mgl64.Vec3) ChunkPos {
	return ChunkOf(cube.PosFromVec3(point))
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// World is a single loaded dimension.
type World interface {
	Name() string
	// Range is the inclusive vertical block range of the world.
	Range() cube.Range
	// Block returns the block type at pos, or Air.
	Block(pos cube.Pos) string
	// ChunkBlocks lists every non-air block of a loaded chunk. Unloaded chunks
	// return nil.
	ChunkBlocks(chunk ChunkPos) []Block
	// EntityTransform reports the authoritative transform of an entity. The
	// second result is false once the entity no longer exists.
	EntityTransform(id EntityID) (engine.Transform, bool)
	SetEntityTransform(id EntityID, t engine.Transform) error
}

// Geometry answers collision-bound queries for block types.
type Geometry interface {
	// BlockCollisions returns the collision boxes of a block type relative to
	// the block origin. A block without collision returns nil.
	BlockCollisions(blockType string) []cube.BBox
}

// Effects applies gameplay consequences requested by the bridge.
type Effects interface {
	Damage(world string, id EntityID, amount float64)
	Knockback(world string, id EntityID, velocity mgl64.Vec3)
	PlaySound(world string, pos mgl64.Vec3, sound string, volume float64)
	BreakBlock(world string, pos cube.Pos)
}

// Server enumerates the worlds loaded at startup.
type Server interface {
	Worlds() []World
}
