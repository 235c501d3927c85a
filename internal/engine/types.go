package engine

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// WorldID identifies a native simulation scene.
type WorldID uint64

// BodyID identifies a native rigid body inside a scene.
type BodyID uint64

// ShapeID identifies native collision geometry.
type ShapeID uint64

// BodyKind governs how the engine simulates a body. Kinds are fixed at creation.
type BodyKind uint8

const (
	// BodyStatic never moves and has infinite effective mass.
	BodyStatic BodyKind = iota
	// BodyDynamic is fully simulated.
	BodyDynamic
	// BodyKinematic follows targets supplied by game logic and ignores forces.
	BodyKinematic
)

func (k BodyKind) String() string {
	switch k {
	case BodyStatic:
		return "static"
	case BodyDynamic:
		return "dynamic"
	case BodyKinematic:
		return "kinematic"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseBodyKind maps a configuration string to a BodyKind.
func ParseBodyKind(value string) (BodyKind, bool) {
	switch value {
	case "static":
		return BodyStatic, true
	case "dynamic":
		return BodyDynamic, true
	case "kinematic":
		return BodyKinematic, true
	default:
		return 0, false
	}
}

// Transform is a rigid pose: world position plus orientation.
type Transform struct {
	Position mgl64.Vec3
	Rotation mgl64.Quat
}

// TransformAt returns an unrotated transform at the given position.
func TransformAt(pos mgl64.Vec3) Transform {
	return Transform{Position: pos, Rotation: mgl64.QuatIdent()}
}

// Normalized returns the transform with a unit quaternion. A zero quaternion
// becomes the identity.
func (t Transform) Normalized() Transform {
	if t.Rotation.Len() == 0 {
		t.Rotation = mgl64.QuatIdent()
		return t
	}
	t.Rotation = t.Rotation.Normalize()
	return t
}

// ApproxEqual reports whether both poses match within eps: the positions are
// at most eps apart and the orientations differ by at most eps, measured as
// 1-|a·b| of the unit quaternions. Both tolerances are absolute.
func (t Transform) ApproxEqual(other Transform, eps float64) bool {
	if t.Position.Sub(other.Position).Len() > eps {
		return false
	}
	a := t.Normalized().Rotation
	b := other.Normalized().Rotation
	// q and -q encode the same orientation.
	return 1-math.Abs(a.Dot(b)) <= eps
}

// Apply maps a point from the local frame into world space.
func (t Transform) Apply(local mgl64.Vec3) mgl64.Vec3 {
	return t.Position.Add(t.Normalized().Rotation.Rotate(local))
}

// ShapeKind enumerates the supported collision geometries.
type ShapeKind uint8

const (
	ShapeBox ShapeKind = iota
	ShapeSphere
	ShapeCapsule
	ShapeConvexHull
	ShapeCompound
)

func (k ShapeKind) String() string {
	switch k {
	case ShapeBox:
		return "box"
	case ShapeSphere:
		return "sphere"
	case ShapeCapsule:
		return "capsule"
	case ShapeConvexHull:
		return "hull"
	case ShapeCompound:
		return "compound"
	default:
		return fmt.Sprintf("shape(%d)", uint8(k))
	}
}

// ShapeDesc describes collision geometry in the body's local frame. Center is
// the offset of the primitive's centre from the body origin.
type ShapeDesc struct {
	Kind        ShapeKind
	Center      mgl64.Vec3
	HalfExtents mgl64.Vec3   // box
	Radius      float64      // sphere, capsule
	HalfHeight  float64      // capsule, along local Y, excluding the caps
	Points      []mgl64.Vec3 // hull vertices
	Children    []ShapeDesc  // compound
}

// Bounds returns the local axis-aligned bounds of the geometry.
func (d ShapeDesc) Bounds() (mgl64.Vec3, mgl64.Vec3) {
	switch d.Kind {
	case ShapeBox:
		return d.Center.Sub(d.HalfExtents), d.Center.Add(d.HalfExtents)
	case ShapeSphere:
		r := mgl64.Vec3{d.Radius, d.Radius, d.Radius}
		return d.Center.Sub(r), d.Center.Add(r)
	case ShapeCapsule:
		r := mgl64.Vec3{d.Radius, d.Radius + d.HalfHeight, d.Radius}
		return d.Center.Sub(r), d.Center.Add(r)
	case ShapeConvexHull:
		if len(d.Points) == 0 {
			return d.Center, d.Center
		}
		lo, hi := d.Points[0], d.Points[0]
		for _, p := range d.Points[1:] {
			lo = componentMin(lo, p)
			hi = componentMax(hi, p)
		}
		return lo.Add(d.Center), hi.Add(d.Center)
	case ShapeCompound:
		if len(d.Children) == 0 {
			return d.Center, d.Center
		}
		lo, hi := d.Children[0].Bounds()
		for _, child := range d.Children[1:] {
			clo, chi := child.Bounds()
			lo = componentMin(lo, clo)
			hi = componentMax(hi, chi)
		}
		return lo.Add(d.Center), hi.Add(d.Center)
	default:
		return d.Center, d.Center
	}
}

// Volume approximates the enclosed volume, used for density-derived mass.
func (d ShapeDesc) Volume() float64 {
	switch d.Kind {
	case ShapeBox:
		return 8 * d.HalfExtents.X() * d.HalfExtents.Y() * d.HalfExtents.Z()
	case ShapeSphere:
		return 4.0 / 3.0 * pi * d.Radius * d.Radius * d.Radius
	case ShapeCapsule:
		return pi*d.Radius*d.Radius*2*d.HalfHeight + 4.0/3.0*pi*d.Radius*d.Radius*d.Radius
	case ShapeCompound:
		total := 0.0
		for _, child := range d.Children {
			total += child.Volume()
		}
		return total
	default:
		lo, hi := d.Bounds()
		size := hi.Sub(lo)
		return size.X() * size.Y() * size.Z()
	}
}

const pi = 3.141592653589793

func componentMin(a, b mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{min(a[0], b[0]), min(a[1], b[1]), min(a[2], b[2])}
}

func componentMax(a, b mgl64.Vec3) mgl64.Vec3 {
	return mgl64.Vec3{max(a[0], b[0]), max(a[1], b[1]), max(a[2], b[2])}
}

// WorldDesc holds the global parameters of a scene.
type WorldDesc struct {
	Gravity            mgl64.Vec3
	VelocityIterations int
	PositionIterations int
}

// BodyDesc describes a body to create. Mass is ignored for static and kinematic
// bodies.
type BodyDesc struct {
	Kind      BodyKind
	Shape     ShapeID
	Transform Transform
	Mass      float64
	Trigger   bool
}

// BodyState is the simulated state of a body after the last step.
type BodyState struct {
	Transform       Transform
	LinearVelocity  mgl64.Vec3
	AngularVelocity mgl64.Vec3
}

// ContactPhase distinguishes the contact notifications emitted during a step.
type ContactPhase uint8

const (
	ContactTouchFound ContactPhase = iota
	ContactTouchLost
	ContactTriggerEnter
	ContactTriggerExit
)

func (p ContactPhase) String() string {
	switch p {
	case ContactTouchFound:
		return "touch_found"
	case ContactTouchLost:
		return "touch_lost"
	case ContactTriggerEnter:
		return "trigger_enter"
	case ContactTriggerExit:
		return "trigger_exit"
	default:
		return "other"
	}
}

// Contact is reported by the engine while a step is running.
type Contact struct {
	A       BodyID
	B       BodyID
	Point   mgl64.Vec3
	Impulse float64
	Phase   ContactPhase
}

// ContactCallback receives contacts during StepWorld. Implementations must not
// call back into the engine.
type ContactCallback func(Contact)

// RaycastHit is the closest body hit along a ray.
type RaycastHit struct {
	Body     BodyID
	Point    mgl64.Vec3
	Distance float64
}
