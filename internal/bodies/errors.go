package bodies

import (
	"errors"
	"fmt"

	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
)

var (
	// ErrStaleReference is returned when a handle outlived its body.
	ErrStaleReference = errors.New("bodies: stale body reference")
	// ErrAlreadyBound is returned when binding an entity or body twice.
	ErrAlreadyBound = errors.New("bodies: already bound")
)

// BodyCreationError reports that a body could not be created. The entity, if
// any, stays outside the simulation.
type BodyCreationError struct {
	Entity host.EntityID
	Kind   engine.BodyKind
	Shape  string
	Err    error
}

func (e *BodyCreationError) Error() string {
	if e.Entity != "" {
		return fmt.Sprintf("create %s body for %s (shape %s): %v", e.Kind, e.Entity, e.Shape, e.Err)
	}
	return fmt.Sprintf("create %s body (shape %s): %v", e.Kind, e.Shape, e.Err)
}

func (e *BodyCreationError) Unwrap() error { return e.Err }
