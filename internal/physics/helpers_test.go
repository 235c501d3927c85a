package physics

import (
	"context"
	"testing"
	"time"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/engine/reference"
	"blockphysics/server/internal/host"
	"blockphysics/server/internal/host/sandbox"
	"blockphysics/server/internal/telemetry"
	"blockphysics/server/logging"
	"blockphysics/server/logging/sinks"
)

// crate is a unit box resting on its entity position.
var crate = cube.Box(-0.5, 0, -0.5, 0.5, 1, 0.5)

// ball is a unit box centred on its entity position.
var ball = cube.Box(-0.5, -0.5, -0.5, 0.5, 0.5, 0.5)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Gravity = mgl64.Vec3{0, -9.8, 0}
	cfg.Timestep = 50 * time.Millisecond
	cfg.MaxStepsPerTick = 20
	cfg.Terrain.Enabled = false
	return cfg
}

type fixture struct {
	t       *testing.T
	eng     *reference.Engine
	handle  *Handle
	host    *sandbox.World
	world   *World
	events  *sinks.MemorySink
	metrics *logging.Metrics
	tick    uint64
}

func newFixture(t *testing.T, cfg Config, hooks Hooks) *fixture {
	t.Helper()
	eng := reference.New()
	f := &fixture{
		t:       t,
		eng:     eng,
		handle:  NewHandle(eng),
		host:    sandbox.NewWorld("overworld", cube.Range{-64, 319}),
		events:  sinks.NewMemorySink(),
		metrics: &logging.Metrics{},
	}
	w, err := NewWorld(f.handle, f.host, cfg, Deps{
		Geometry:  sandbox.NewGeometry(),
		Publisher: f.events,
		Metrics:   telemetry.WrapMetrics(f.metrics),
		Hooks:     hooks,
	})
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	f.world = w
	t.Cleanup(func() {
		_ = w.Destroy()
		_ = f.handle.Close()
	})
	return f
}

func (f *fixture) spawn(id host.EntityID, pos mgl64.Vec3, spec BodySpec) {
	f.t.Helper()
	f.host.Spawn(id, engine.TransformAt(pos))
	if err := f.world.AddEntity(context.Background(), id, spec); err != nil {
		f.t.Fatalf("add entity %s: %v", id, err)
	}
}

func (f *fixture) step(elapsed time.Duration) TickResult {
	f.tick++
	return f.world.Tick(context.Background(), TickContext{Tick: f.tick, Elapsed: elapsed})
}

func (f *fixture) hostPosition(id host.EntityID) mgl64.Vec3 {
	f.t.Helper()
	t, ok := f.host.EntityTransform(id)
	if !ok {
		f.t.Fatalf("entity %s missing from host", id)
	}
	return t.Position
}

func (f *fixture) body(id host.EntityID) engine.BodyState {
	f.t.Helper()
	state, ok := f.world.BodyState(id)
	if !ok {
		f.t.Fatalf("entity %s has no body", id)
	}
	return state
}

func dynamicBox(mass float64) BodySpec {
	return BodySpec{Kind: engine.BodyDynamic, Bounds: crate, Mass: mass}
}

func hostID(id string) host.EntityID { return host.EntityID(id) }
