package app

import (
	"context"
	"fmt"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/config"
	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
	"blockphysics/server/internal/host/sandbox"
	"blockphysics/server/internal/physics"
)

const (
	demoExplosionInterval = 200
	demoThrowInterval     = 60
)

var (
	crateBounds = cube.Box(-0.5, 0, -0.5, 0.5, 1, 0.5)
	// Pillar of breakable blocks the crates are thrown at.
	demoPillar = cube.Pos{6, 0, 0}
)

// demo is a sandbox world with falling crates so the server runs without a
// game host attached.
type demo struct {
	settings config.DemoConfig
	throw    float64
	world    *sandbox.World
	geometry *sandbox.Geometry
	recorder *sandbox.Recorder
	crates   []host.EntityID
}

func newDemo(settings config.DemoConfig, throwPower float64) *demo {
	world := sandbox.FlatWorld(settings.World, settings.Radius)
	world.Fill(demoPillar, cube.Pos{demoPillar.X(), demoPillar.Y() + 3, demoPillar.Z()}, "glass")
	return &demo{
		settings: settings,
		throw:    throwPower,
		world:    world,
		geometry: sandbox.NewGeometry(),
		recorder: sandbox.NewRecorder(world),
	}
}

func (d *demo) server() host.Server {
	return sandbox.NewServer(d.world)
}

// populate stacks the crates above the floor and registers them.
func (d *demo) populate(ctx context.Context, manager *physics.Manager) error {
	for i := 0; i < d.settings.Crates; i++ {
		id := host.EntityID(fmt.Sprintf("crate-%d", i+1))
		pos := mgl64.Vec3{float64(i%4) * 1.5, 4 + float64(i/4)*1.5, float64(i%3) * 0.25}
		d.world.Spawn(id, engine.TransformAt(pos))
		spec := physics.BodySpec{Kind: engine.BodyDynamic, Bounds: crateBounds, Density: 1}
		if err := manager.OnEntitySpawn(ctx, d.settings.World, id, spec); err != nil {
			return fmt.Errorf("spawn %s: %w", id, err)
		}
		d.crates = append(d.crates, id)
	}
	return nil
}

// afterTick keeps the scene moving: a crate is thrown at the pillar now and
// then and an explosion scatters the pile.
func (d *demo) afterTick(manager *physics.Manager, tick uint64) error {
	if len(d.crates) == 0 || tick == 0 {
		return nil
	}
	if tick%demoThrowInterval == 0 {
		id := d.crates[int(tick/demoThrowInterval)%len(d.crates)]
		t, ok := d.world.EntityTransform(id)
		if !ok {
			return nil
		}
		dir := demoPillar.Vec3().Add(mgl64.Vec3{0.5, 0.5, 0.5}).Sub(t.Position)
		dir[1] = 0.5
		if err := manager.Throw(d.settings.World, id, dir, d.throw); err != nil {
			return fmt.Errorf("throw %s: %w", id, err)
		}
	}
	if tick%demoExplosionInterval == 0 {
		if err := manager.RequestExplosion(d.settings.World, mgl64.Vec3{2, 0.5, 0}, 6, 40); err != nil {
			return fmt.Errorf("explosion: %w", err)
		}
	}
	return nil
}

// blockBreakNotifier reports broken blocks back to the bridge so terrain is
// rebuilt around them.
type blockBreakNotifier struct {
	host.Effects
	notify func(world string, pos cube.Pos)
}

func (n blockBreakNotifier) BreakBlock(world string, pos cube.Pos) {
	n.Effects.BreakBlock(world, pos)
	if n.notify != nil {
		n.notify(world, pos)
	}
}
