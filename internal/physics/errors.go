package physics

import (
	"errors"
	"fmt"

	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/bodies"
	"blockphysics/server/internal/host"
)

var (
	// ErrConcurrentStep is returned when a world is stepped while another
	// step of the same world is running.
	ErrConcurrentStep = errors.New("physics: concurrent step")
	// ErrImpulseQueueFull is returned when the impulse ring is saturated.
	ErrImpulseQueueFull = errors.New("physics: impulse queue full")
	// ErrUnknownWorld is returned for world names without a physics world.
	ErrUnknownWorld = errors.New("physics: unknown world")
	// ErrWorldExists is returned when loading a world twice.
	ErrWorldExists = errors.New("physics: world already loaded")
	// ErrWorldDestroyed is returned by operations on a destroyed world.
	ErrWorldDestroyed = errors.New("physics: world destroyed")
	// ErrNotEnabled is returned before OnEnable succeeded or after OnDisable.
	ErrNotEnabled = errors.New("physics: bridge not enabled")
	// ErrEntityBound is returned when spawning an entity that already has a body.
	ErrEntityBound = errors.New("physics: entity already has a body")
	// ErrUnknownEntity is returned when the host does not know an entity.
	ErrUnknownEntity = errors.New("physics: unknown entity")
)

// StepDivergenceError reports a body whose state diverged during a step. The
// body was demoted to static and its entity unbound.
type StepDivergenceError struct {
	World    string
	Entity   host.EntityID
	Body     bodies.Handle
	Position mgl64.Vec3
}

func (e *StepDivergenceError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("physics: world %s: %s diverged at %v", e.World, e.Body, e.Position)
	}
	return fmt.Sprintf("physics: world %s: %s of entity %s diverged at %v", e.World, e.Body, e.Entity, e.Position)
}

// WorldFaultError reports that a world stopped simulating. It stays faulted
// until recreated.
type WorldFaultError struct {
	World string
	Err   error
}

func (e *WorldFaultError) Error() string {
	return fmt.Sprintf("physics: world %s faulted: %v", e.World, e.Err)
}

func (e *WorldFaultError) Unwrap() error { return e.Err }
