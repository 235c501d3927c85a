package reference

import (
	"errors"
	"math"
	"testing"

	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
)

func newScene(t *testing.T, gravity mgl64.Vec3) (*Engine, engine.WorldID) {
	t.Helper()
	eng := New()
	world, err := eng.CreateWorld(engine.WorldDesc{Gravity: gravity, VelocityIterations: 4})
	if err != nil {
		t.Fatalf("create world: %v", err)
	}
	return eng, world
}

func unitBox(t *testing.T, eng *Engine) engine.ShapeID {
	t.Helper()
	shape, err := eng.CreateShape(engine.ShapeDesc{Kind: engine.ShapeBox, HalfExtents: mgl64.Vec3{0.5, 0.5, 0.5}})
	if err != nil {
		t.Fatalf("create shape: %v", err)
	}
	return shape
}

func TestFreeFallMatchesClosedForm(t *testing.T) {
	g := mgl64.Vec3{0, -9.81, 0}
	eng, world := newScene(t, g)
	shape := unitBox(t, eng)
	id, err := eng.CreateBody(world, engine.BodyDesc{
		Kind:      engine.BodyDynamic,
		Shape:     shape,
		Transform: engine.TransformAt(mgl64.Vec3{0, 100, 0}),
		Mass:      1,
	})
	if err != nil {
		t.Fatalf("create body: %v", err)
	}

	const dt = 1.0 / 60.0
	const steps = 60
	for i := 0; i < steps; i++ {
		if err := eng.StepWorld(world, dt); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	state, err := eng.BodyState(world, id)
	if err != nil {
		t.Fatalf("body state: %v", err)
	}
	elapsed := dt * steps
	want := 100 + 0.5*g.Y()*elapsed*elapsed
	if got := state.Transform.Position.Y(); math.Abs(got-want) > 1e-6 {
		t.Fatalf("expected y=%f, got %f", want, got)
	}
}

func TestImpulseChangesVelocityImmediately(t *testing.T) {
	eng, world := newScene(t, mgl64.Vec3{})
	shape := unitBox(t, eng)
	id, err := eng.CreateBody(world, engine.BodyDesc{Kind: engine.BodyDynamic, Shape: shape, Transform: engine.TransformAt(mgl64.Vec3{}), Mass: 2})
	if err != nil {
		t.Fatalf("create body: %v", err)
	}
	if err := eng.ApplyImpulse(world, id, mgl64.Vec3{4, 0, 0}, mgl64.Vec3{}); err != nil {
		t.Fatalf("apply impulse: %v", err)
	}
	if err := eng.StepWorld(world, 0.5); err != nil {
		t.Fatalf("step: %v", err)
	}
	state, _ := eng.BodyState(world, id)
	if math.Abs(state.LinearVelocity.X()-2) > 1e-9 {
		t.Fatalf("expected vx=2, got %f", state.LinearVelocity.X())
	}
	if math.Abs(state.Transform.Position.X()-1) > 1e-9 {
		t.Fatalf("expected x=1, got %f", state.Transform.Position.X())
	}
}

func TestContactsFoundAndLost(t *testing.T) {
	eng, world := newScene(t, mgl64.Vec3{})
	shape := unitBox(t, eng)
	var contacts []engine.Contact
	if err := eng.SetContactCallback(world, func(c engine.Contact) { contacts = append(contacts, c) }); err != nil {
		t.Fatalf("set callback: %v", err)
	}
	floor, err := eng.CreateBody(world, engine.BodyDesc{Kind: engine.BodyStatic, Shape: shape, Transform: engine.TransformAt(mgl64.Vec3{0, 0, 0})})
	if err != nil {
		t.Fatalf("create floor: %v", err)
	}
	box, err := eng.CreateBody(world, engine.BodyDesc{Kind: engine.BodyDynamic, Shape: shape, Transform: engine.TransformAt(mgl64.Vec3{0, 0.9, 0}), Mass: 1})
	if err != nil {
		t.Fatalf("create box: %v", err)
	}

	if err := eng.StepWorld(world, 0.01); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(contacts) != 1 || contacts[0].Phase != engine.ContactTouchFound {
		t.Fatalf("expected one touch found, got %+v", contacts)
	}
	if contacts[0].A != floor || contacts[0].B != box {
		t.Fatalf("unexpected pair %d/%d", contacts[0].A, contacts[0].B)
	}
	state, _ := eng.BodyState(world, box)
	if state.Transform.Position.Y() < 0.999 {
		t.Fatalf("expected box pushed out of floor, y=%f", state.Transform.Position.Y())
	}

	if err := eng.SetBodyVelocity(world, box, mgl64.Vec3{0, 10, 0}, mgl64.Vec3{}); err != nil {
		t.Fatalf("set velocity: %v", err)
	}
	if err := eng.StepWorld(world, 0.1); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(contacts) != 2 || contacts[1].Phase != engine.ContactTouchLost {
		t.Fatalf("expected touch lost, got %+v", contacts)
	}
}

func TestTriggerReportsEnterWithoutResolving(t *testing.T) {
	eng, world := newScene(t, mgl64.Vec3{})
	shape := unitBox(t, eng)
	var phases []engine.ContactPhase
	_ = eng.SetContactCallback(world, func(c engine.Contact) { phases = append(phases, c.Phase) })
	if _, err := eng.CreateBody(world, engine.BodyDesc{Kind: engine.BodyStatic, Shape: shape, Transform: engine.TransformAt(mgl64.Vec3{}), Trigger: true}); err != nil {
		t.Fatalf("create trigger: %v", err)
	}
	box, err := eng.CreateBody(world, engine.BodyDesc{Kind: engine.BodyDynamic, Shape: shape, Transform: engine.TransformAt(mgl64.Vec3{0.2, 0, 0}), Mass: 1})
	if err != nil {
		t.Fatalf("create box: %v", err)
	}
	if err := eng.StepWorld(world, 0.01); err != nil {
		t.Fatalf("step: %v", err)
	}
	if len(phases) != 1 || phases[0] != engine.ContactTriggerEnter {
		t.Fatalf("expected trigger enter, got %v", phases)
	}
	state, _ := eng.BodyState(world, box)
	if state.Transform.Position.X() != 0.2 {
		t.Fatalf("trigger should not push bodies, x=%f", state.Transform.Position.X())
	}
}

func TestDivergenceRestoresLastGoodPose(t *testing.T) {
	eng, world := newScene(t, mgl64.Vec3{})
	shape := unitBox(t, eng)
	start := mgl64.Vec3{3, 4, 5}
	id, _ := eng.CreateBody(world, engine.BodyDesc{Kind: engine.BodyDynamic, Shape: shape, Transform: engine.TransformAt(start), Mass: 1})
	if err := eng.InjectDivergence(world, id); err != nil {
		t.Fatalf("inject: %v", err)
	}
	err := eng.StepWorld(world, 0.01)
	var stepErr *engine.StepError
	if !errors.As(err, &stepErr) {
		t.Fatalf("expected step error, got %v", err)
	}
	if len(stepErr.Diverged) != 1 || stepErr.Diverged[0] != id {
		t.Fatalf("unexpected diverged set %v", stepErr.Diverged)
	}
	state, _ := eng.BodyState(world, id)
	if !state.Transform.Position.ApproxEqual(start) {
		t.Fatalf("expected pose restored to %v, got %v", start, state.Transform.Position)
	}
}

func TestInjectedFaultIsSticky(t *testing.T) {
	eng, world := newScene(t, mgl64.Vec3{})
	other, _ := eng.CreateWorld(engine.WorldDesc{})
	if err := eng.InjectFault(world); err != nil {
		t.Fatalf("inject: %v", err)
	}
	if err := eng.StepWorld(world, 0.01); !errors.Is(err, engine.ErrWorldFault) {
		t.Fatalf("expected world fault, got %v", err)
	}
	if err := eng.StepWorld(world, 0.01); !errors.Is(err, engine.ErrWorldFault) {
		t.Fatalf("expected fault to persist, got %v", err)
	}
	if err := eng.StepWorld(other, 0.01); err != nil {
		t.Fatalf("other world should step, got %v", err)
	}
}

func TestCallbackCannotReenter(t *testing.T) {
	eng, world := newScene(t, mgl64.Vec3{})
	shape := unitBox(t, eng)
	var reentry error
	_ = eng.SetContactCallback(world, func(c engine.Contact) {
		reentry = eng.DestroyBody(world, c.B)
	})
	_, _ = eng.CreateBody(world, engine.BodyDesc{Kind: engine.BodyStatic, Shape: shape, Transform: engine.TransformAt(mgl64.Vec3{})})
	_, _ = eng.CreateBody(world, engine.BodyDesc{Kind: engine.BodyDynamic, Shape: shape, Transform: engine.TransformAt(mgl64.Vec3{0, 0.5, 0}), Mass: 1})
	if err := eng.StepWorld(world, 0.01); err != nil {
		t.Fatalf("step: %v", err)
	}
	if !errors.Is(reentry, engine.ErrReentrantCall) {
		t.Fatalf("expected reentrant call error, got %v", reentry)
	}
}

func TestShapeReleaseRequiresDetachedBodies(t *testing.T) {
	eng, world := newScene(t, mgl64.Vec3{})
	shape := unitBox(t, eng)
	id, _ := eng.CreateBody(world, engine.BodyDesc{Kind: engine.BodyStatic, Shape: shape, Transform: engine.TransformAt(mgl64.Vec3{})})
	if err := eng.ReleaseShape(shape); !errors.Is(err, engine.ErrShapeInUse) {
		t.Fatalf("expected shape in use, got %v", err)
	}
	if err := eng.DestroyBody(world, id); err != nil {
		t.Fatalf("destroy body: %v", err)
	}
	if err := eng.DestroyBody(world, id); !errors.Is(err, engine.ErrUnknownBody) {
		t.Fatalf("expected unknown body on second destroy, got %v", err)
	}
	if err := eng.ReleaseShape(shape); err != nil {
		t.Fatalf("release shape: %v", err)
	}
	if eng.LiveShapes() != 0 {
		t.Fatalf("expected no live shapes, got %d", eng.LiveShapes())
	}
}

func TestCreateBodyRejectsInvalidMass(t *testing.T) {
	eng, world := newScene(t, mgl64.Vec3{})
	shape := unitBox(t, eng)
	for _, mass := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		if _, err := eng.CreateBody(world, engine.BodyDesc{Kind: engine.BodyDynamic, Shape: shape, Mass: mass}); !errors.Is(err, engine.ErrInvalidMass) {
			t.Fatalf("mass %v: expected invalid mass, got %v", mass, err)
		}
	}
}

func TestRaycastHitsClosestDynamicBody(t *testing.T) {
	eng, world := newScene(t, mgl64.Vec3{})
	shape := unitBox(t, eng)
	near, _ := eng.CreateBody(world, engine.BodyDesc{Kind: engine.BodyDynamic, Shape: shape, Transform: engine.TransformAt(mgl64.Vec3{5, 0, 0}), Mass: 1})
	_, _ = eng.CreateBody(world, engine.BodyDesc{Kind: engine.BodyDynamic, Shape: shape, Transform: engine.TransformAt(mgl64.Vec3{9, 0, 0}), Mass: 1})
	hit, ok, err := eng.Raycast(world, mgl64.Vec3{}, mgl64.Vec3{1, 0, 0}, 20)
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if hit.Body != near || math.Abs(hit.Distance-4.5) > 1e-9 {
		t.Fatalf("unexpected hit %+v", hit)
	}
	if _, ok, _ := eng.Raycast(world, mgl64.Vec3{}, mgl64.Vec3{1, 0, 0}, 3); ok {
		t.Fatalf("expected miss beyond max distance")
	}
}

func TestOpenRegisteredBackend(t *testing.T) {
	eng, err := engine.Open(Name)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if eng.Version() == "" {
		t.Fatalf("expected version string")
	}
	if _, err := engine.Open("missing"); err == nil {
		t.Fatalf("expected initialization error")
	} else {
		var initErr *engine.InitializationError
		if !errors.As(err, &initErr) || initErr.Backend != "missing" {
			t.Fatalf("unexpected error %v", err)
		}
	}
}
