package physics

import (
	"time"

	"github.com/go-gl/mathgl/mgl64"
)

// Config holds the per-world simulation parameters.
type Config struct {
	Gravity            mgl64.Vec3
	Timestep           time.Duration
	MaxStepsPerTick    int
	VelocityIterations int
	PositionIterations int
	ImpulseQueue       int
	BakeQueue          int
	// ResyncEpsilon is the absolute tolerance beyond which a host transform
	// counts as moved by game logic: a distance in blocks for the position
	// and 1-|a·b| for the orientation.
	ResyncEpsilon  float64
	DefaultDensity float64
	Terrain        TerrainConfig
}

// TerrainConfig controls static bodies for world blocks.
type TerrainConfig struct {
	Enabled             bool
	ChunkRadius         int
	ReloadIntervalTicks int
}

// DefaultConfig matches a 20 Hz host loop stepping at 60 Hz.
func DefaultConfig() Config {
	return Config{
		Gravity:            mgl64.Vec3{0, -19.62, 0},
		Timestep:           time.Second / 60,
		MaxStepsPerTick:    8,
		VelocityIterations: 4,
		PositionIterations: 1,
		ImpulseQueue:       1024,
		BakeQueue:          64,
		ResyncEpsilon:      1e-4,
		DefaultDensity:     1,
		Terrain: TerrainConfig{
			Enabled:             true,
			ChunkRadius:         1,
			ReloadIntervalTicks: 20,
		},
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Timestep <= 0 {
		c.Timestep = def.Timestep
	}
	if c.MaxStepsPerTick < 1 {
		c.MaxStepsPerTick = 1
	}
	if c.VelocityIterations < 1 {
		c.VelocityIterations = def.VelocityIterations
	}
	if c.PositionIterations < 1 {
		c.PositionIterations = def.PositionIterations
	}
	if c.ImpulseQueue < 1 {
		c.ImpulseQueue = def.ImpulseQueue
	}
	if c.BakeQueue < 1 {
		c.BakeQueue = def.BakeQueue
	}
	if c.ResyncEpsilon <= 0 {
		c.ResyncEpsilon = def.ResyncEpsilon
	}
	if c.DefaultDensity <= 0 {
		c.DefaultDensity = def.DefaultDensity
	}
	if c.Terrain.ChunkRadius < 0 {
		c.Terrain.ChunkRadius = 0
	}
	if c.Terrain.ReloadIntervalTicks < 1 {
		c.Terrain.ReloadIntervalTicks = 1
	}
	return c
}
