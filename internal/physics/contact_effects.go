package physics

import (
	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
)

// EffectThresholds are contact impulses, in N·s, above which gameplay effects
// fire. A zero threshold disables its effect.
type EffectThresholds struct {
	Sound            float64
	Damage           float64
	DamagePerImpulse float64
	Break            float64
	KnockbackScale   float64
	ImpactSound      string
}

// DefaultEffectThresholds suits crate-sized bodies.
func DefaultEffectThresholds() EffectThresholds {
	return EffectThresholds{
		Sound:            2,
		Damage:           8,
		DamagePerImpulse: 0.5,
		Break:            20,
		KnockbackScale:   0.1,
		ImpactSound:      "random.explode",
	}
}

// ContactEffects turns contacts into host effects.
type ContactEffects struct {
	// Breakable limits block breaking to some block types. Nil breaks none.
	Breakable func(blockType string) bool

	effects    host.Effects
	thresholds EffectThresholds
	world      func(name string) host.World
}

// NewContactEffects constructs the listener. lookup resolves world names for
// block breakability checks and may be nil.
func NewContactEffects(effects host.Effects, thresholds EffectThresholds, lookup func(name string) host.World) *ContactEffects {
	return &ContactEffects{effects: effects, thresholds: thresholds, world: lookup}
}

// Handle is a ContactListener.
func (c *ContactEffects) Handle(ev ContactEvent) {
	if c == nil || c.effects == nil || ev.Phase != engine.ContactTouchFound {
		return
	}
	impulse := ev.Impulse
	th := c.thresholds
	if th.Sound > 0 && impulse >= th.Sound {
		volume := 1.0
		if th.Break > 0 {
			volume = min(1, impulse/th.Break)
		}
		c.effects.PlaySound(ev.World, ev.Point, th.ImpactSound, volume)
	}
	for _, p := range [2]ContactParty{ev.A, ev.B} {
		switch {
		case p.Bound:
			c.hitEntity(ev, p)
		case p.IsBlock:
			c.hitBlock(ev, p)
		}
	}
}

func (c *ContactEffects) hitEntity(ev ContactEvent, p ContactParty) {
	th := c.thresholds
	if th.Damage <= 0 || ev.Impulse < th.Damage {
		return
	}
	c.effects.Damage(ev.World, p.Entity, (ev.Impulse-th.Damage)*th.DamagePerImpulse)
	if th.KnockbackScale <= 0 {
		return
	}
	away := p.Position.Sub(ev.Point)
	if away.Len() < 1e-9 {
		away = mgl64.Vec3{0, 1, 0}
	}
	c.effects.Knockback(ev.World, p.Entity, away.Normalize().Mul(ev.Impulse*th.KnockbackScale))
}

func (c *ContactEffects) hitBlock(ev ContactEvent, p ContactParty) {
	th := c.thresholds
	if th.Break <= 0 || ev.Impulse < th.Break || c.Breakable == nil {
		return
	}
	blockType := host.Air
	if c.world != nil {
		if w := c.world(ev.World); w != nil {
			blockType = w.Block(p.Block)
		}
	}
	if blockType == host.Air || !c.Breakable(blockType) {
		return
	}
	c.effects.BreakBlock(ev.World, p.Block)
}
