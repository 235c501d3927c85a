package host

import (
	"testing"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"
)

func TestChunkOf(t *testing.T) {
	tests := []struct {
		name string
		pos  cube.Pos
		want ChunkPos
	}{
		{name: "origin", pos: cube.Pos{0, 64, 0}, want: ChunkPos{0, 0}},
		{name: "last block of first chunk", pos: cube.Pos{15, 0, 15}, want: ChunkPos{0, 0}},
		{name: "second chunk", pos: cube.Pos{16, 0, 31}, want: ChunkPos{1, 1}},
		{name: "negative", pos: cube.Pos{-1, 0, -16}, want: ChunkPos{-1, -1}},
		{name: "negative boundary", pos: cube.Pos{-17, 0, 0}, want: ChunkPos{-2, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ChunkOf(tt.pos); got != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestChunkAtFloorsNegativeCoordinates(t *testing.T) {
	if got := ChunkAt(mgl64.Vec3{-0.25, 10, 3.5}); got != (ChunkPos{-1, 0}) {
		t.Fatalf("unexpected chunk %v", got)
	}
}
