package physics

import (
	"testing"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
	"blockphysics/server/internal/host/sandbox"
)

func TestContactEffectsThresholds(t *testing.T) {
	world := sandbox.NewWorld("overworld", cube.Range{-64, 319})
	world.SetBlock(cube.Pos{0, -1, 0}, "glass")
	recorder := sandbox.NewRecorder(world)
	effects := NewContactEffects(recorder, DefaultEffectThresholds(), func(name string) host.World {
		if name == world.Name() {
			return world
		}
		return nil
	})
	effects.Breakable = func(blockType string) bool { return blockType == "glass" }

	hit := func(impulse float64, phase engine.ContactPhase) ContactEvent {
		return ContactEvent{
			World:   "overworld",
			A:       ContactParty{Entity: "crate", Bound: true, Position: mgl64.Vec3{0, 1, 0}},
			B:       ContactParty{Block: cube.Pos{0, -1, 0}, IsBlock: true},
			Point:   mgl64.Vec3{0, 0, 0},
			Impulse: impulse,
			Phase:   phase,
		}
	}

	effects.Handle(hit(1, engine.ContactTouchFound))
	effects.Handle(hit(50, engine.ContactTouchLost))
	if n := len(recorder.Effects()); n != 0 {
		t.Fatalf("expected no effects below thresholds or on lost contacts, got %d", n)
	}

	effects.Handle(hit(4, engine.ContactTouchFound))
	got := recorder.Effects()
	if len(got) != 1 || got[0].Kind != sandbox.EffectSound || got[0].Sound != "random.explode" {
		t.Fatalf("expected a single impact sound, got %+v", got)
	}

	effects.Handle(hit(24, engine.ContactTouchFound))
	got = recorder.Effects()[1:]
	kinds := make([]sandbox.EffectKind, 0, len(got))
	for _, e := range got {
		kinds = append(kinds, e.Kind)
	}
	want := []sandbox.EffectKind{sandbox.EffectSound, sandbox.EffectDamage, sandbox.EffectKnockback, sandbox.EffectBreak}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
	if damage := got[1].Amount; damage != 8 {
		t.Fatalf("expected damage 8, got %f", damage)
	}
	if v := got[2].Velocity; !v.ApproxEqual(mgl64.Vec3{0, 2.4, 0}) {
		t.Fatalf("expected upward knockback, got %v", v)
	}
	if world.Block(cube.Pos{0, -1, 0}) != host.Air {
		t.Fatalf("glass was not broken")
	}

	effects.Handle(hit(24, engine.ContactTouchFound))
	for _, e := range recorder.Effects()[5:] {
		if e.Kind == sandbox.EffectBreak {
			t.Fatalf("air cannot be broken")
		}
	}
}

func TestNilContactEffectsIgnoresEvents(t *testing.T) {
	var effects *ContactEffects
	effects.Handle(ContactEvent{Impulse: 100})
}
