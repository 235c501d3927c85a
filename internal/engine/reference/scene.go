package reference

import (
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
)

const (
	// divergenceLimit bounds the coordinates a body may reach before it is
	// treated as diverged.
	divergenceLimit = 1e7
	// contactSlop keeps resting pairs reported as touching after the solver
	// separated them.
	contactSlop = 1e-3
	restitution = 0.2
	// bounceThreshold is the approach speed below which contacts do not bounce.
	bounceThreshold = 1.0
)

type scene struct {
	id         engine.WorldID
	gravity    mgl64.Vec3
	iterations int

	bodies map[engine.BodyID]*body
	order  []engine.BodyID

	touching map[pairKey]touch
	callback engine.ContactCallback

	stepping  bool
	faulted   bool
	faultNext bool
}

type body struct {
	id         engine.BodyID
	kind       engine.BodyKind
	shape      *shape
	pose       engine.Transform
	lin        mgl64.Vec3
	ang        mgl64.Vec3
	invMass    float64
	invInertia float64
	trigger    bool
	target     *engine.Transform
	lastGood   engine.Transform
}

type pairKey struct {
	a, b engine.BodyID
}

func makePair(a, b engine.BodyID) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

type touch struct {
	trigger bool
	point   mgl64.Vec3
	impulse float64
}

func (b *body) localCentre() mgl64.Vec3 {
	lo, hi := b.shape.lo, b.shape.hi
	return lo.Add(hi).Mul(0.5)
}

func (b *body) centre() mgl64.Vec3 {
	return b.pose.Apply(b.localCentre())
}

// worldBounds returns the axis-aligned box enclosing the rotated local bounds.
func (b *body) worldBounds() (mgl64.Vec3, mgl64.Vec3) {
	half := b.shape.hi.Sub(b.shape.lo).Mul(0.5)
	rot := b.pose.Rotation
	axes := [3]mgl64.Vec3{
		rot.Rotate(mgl64.Vec3{1, 0, 0}),
		rot.Rotate(mgl64.Vec3{0, 1, 0}),
		rot.Rotate(mgl64.Vec3{0, 0, 1}),
	}
	var extent mgl64.Vec3
	for i := 0; i < 3; i++ {
		extent[i] = math.Abs(axes[0][i])*half[0] + math.Abs(axes[1][i])*half[1] + math.Abs(axes[2][i])*half[2]
	}
	c := b.centre()
	return c.Sub(extent), c.Add(extent)
}

func (b *body) mover() bool {
	return b.kind != engine.BodyStatic
}

func (b *body) finite() bool {
	for i := 0; i < 3; i++ {
		p := b.pose.Position[i]
		if math.IsNaN(p) || math.IsInf(p, 0) || math.Abs(p) > divergenceLimit {
			return false
		}
		if math.IsNaN(b.lin[i]) || math.IsInf(b.lin[i], 0) {
			return false
		}
		if math.IsNaN(b.ang[i]) || math.IsInf(b.ang[i], 0) {
			return false
		}
	}
	q := b.pose.Rotation
	return !math.IsNaN(q.W) && !math.IsNaN(q.V[0]) && !math.IsNaN(q.V[1]) && !math.IsNaN(q.V[2])
}

// step advances every body by dt and returns the bodies that diverged.
func (s *scene) step(dt float64) []engine.BodyID {
	var diverged []engine.BodyID
	for _, id := range s.order {
		b := s.bodies[id]
		b.lastGood = b.pose
		switch b.kind {
		case engine.BodyDynamic:
			s.integrate(b, dt)
		case engine.BodyKinematic:
			if b.target != nil {
				b.lin = b.target.Position.Sub(b.pose.Position).Mul(1 / dt)
				b.pose = *b.target
				b.target = nil
			} else {
				b.lin = mgl64.Vec3{}
			}
		}
		if b.kind == engine.BodyDynamic && !b.finite() {
			b.pose = b.lastGood
			b.lin = mgl64.Vec3{}
			b.ang = mgl64.Vec3{}
			diverged = append(diverged, id)
		}
	}

	current := make(map[pairKey]touch)
	var found []pairKey
	for iter := 0; iter < s.iterations; iter++ {
		for i := 0; i < len(s.order); i++ {
			a := s.bodies[s.order[i]]
			if !a.mover() {
				continue
			}
			for j := 0; j < len(s.order); j++ {
				b := s.bodies[s.order[j]]
				// Mover pairs are visited once, from the earlier body.
				if j == i || (j < i && b.mover()) {
					continue
				}
				t, ok := s.collide(a, b)
				if !ok {
					continue
				}
				key := makePair(a.id, b.id)
				prev, seen := current[key]
				if !seen {
					found = append(found, key)
				} else {
					t.impulse += prev.impulse
				}
				current[key] = t
			}
		}
	}

	s.emit(current, found)
	return diverged
}

func (s *scene) integrate(b *body, dt float64) {
	g := s.gravity
	b.pose.Position = b.pose.Position.Add(b.lin.Mul(dt)).Add(g.Mul(0.5 * dt * dt))
	b.lin = b.lin.Add(g.Mul(dt))
	if b.ang.LenSqr() > 0 {
		spin := mgl64.Quat{W: 0, V: b.ang}.Mul(b.pose.Rotation).Scale(0.5 * dt)
		b.pose.Rotation = b.pose.Rotation.Add(spin).Normalize()
	}
}

// collide tests a pair and, unless either side is a trigger, pushes the
// bodies apart and applies a restitution impulse.
func (s *scene) collide(a, b *body) (touch, bool) {
	aLo, aHi := a.worldBounds()
	bLo, bHi := b.worldBounds()
	axis := -1
	depth := math.Inf(1)
	for i := 0; i < 3; i++ {
		overlap := math.Min(aHi[i]-bLo[i], bHi[i]-aLo[i])
		if overlap < -contactSlop {
			return touch{}, false
		}
		if overlap < depth {
			depth = overlap
			axis = i
		}
	}
	point := componentMax(aLo, bLo).Add(componentMin(aHi, bHi)).Mul(0.5)
	if a.trigger || b.trigger {
		return touch{trigger: true, point: point}, true
	}
	if depth <= 0 {
		return touch{point: point}, true
	}

	var normal mgl64.Vec3
	if b.centre()[axis] >= a.centre()[axis] {
		normal[axis] = 1
	} else {
		normal[axis] = -1
	}
	total := a.invMass + b.invMass
	if total == 0 {
		return touch{point: point}, true
	}
	if a.kind == engine.BodyDynamic {
		a.pose.Position = a.pose.Position.Sub(normal.Mul(depth * a.invMass / total))
	}
	if b.kind == engine.BodyDynamic {
		b.pose.Position = b.pose.Position.Add(normal.Mul(depth * b.invMass / total))
	}

	vn := b.lin.Sub(a.lin).Dot(normal)
	if vn >= 0 {
		return touch{point: point}, true
	}
	e := 0.0
	if math.Abs(vn) >= bounceThreshold {
		e = restitution
	}
	j := -(1 + e) * vn / total
	if a.kind == engine.BodyDynamic {
		a.lin = a.lin.Sub(normal.Mul(j * a.invMass))
	}
	if b.kind == engine.BodyDynamic {
		b.lin = b.lin.Add(normal.Mul(j * b.invMass))
	}
	return touch{point: point, impulse: j}, true
}

// emit reports new pairs in discovery order, then lost pairs ordered by id.
func (s *scene) emit(current map[pairKey]touch, found []pairKey) {
	var lost []pairKey
	for key := range s.touching {
		if _, still := current[key]; !still {
			lost = append(lost, key)
		}
	}
	sort.Slice(lost, func(i, j int) bool {
		if lost[i].a != lost[j].a {
			return lost[i].a < lost[j].a
		}
		return lost[i].b < lost[j].b
	})

	previous := s.touching
	s.touching = current
	if s.callback == nil {
		return
	}
	for _, key := range found {
		if _, existed := previous[key]; existed {
			continue
		}
		t := current[key]
		phase := engine.ContactTouchFound
		if t.trigger {
			phase = engine.ContactTriggerEnter
		}
		s.callback(engine.Contact{A: key.a, B: key.b, Point: t.point, Impulse: t.impulse, Phase: phase})
	}
	for _, key := range lost {
		t := previous[key]
		phase := engine.ContactTouchLost
		if t.trigger {
			phase = engine.ContactTriggerExit
		}
		s.callback(engine.Contact{A: key.a, B: key.b, Point: t.point, Phase: phase})
	}
}

func componentMin(a, b mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{math.Min(a[0], b[0]), math.Min(a[1], b[1]), math.Min(a[2], b[2])}
}

func componentMax(a, b mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{math.Max(a[0], b[0]), math.Max(a[1], b[1]), math.Max(a[2], b[2])}
}
