package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-gl/mathgl/mgl64"
)

// Engine is the capability surface of a native physics backend. Every method
// except Close is called from the tick goroutine only.
type Engine interface {
	Version() string

	CreateWorld(desc WorldDesc) (WorldID, error)
	DestroyWorld(world WorldID) error
	// StepWorld advances the scene by exactly dt seconds. A *StepError reports
	// bodies that diverged during the step; ErrWorldFault means the scene is
	// no longer usable.
	StepWorld(world WorldID, dt float64) error
	SetContactCallback(world WorldID, cb ContactCallback) error

	CreateShape(desc ShapeDesc) (ShapeID, error)
	ReleaseShape(shape ShapeID) error

	CreateBody(world WorldID, desc BodyDesc) (BodyID, error)
	DestroyBody(world WorldID, body BodyID) error
	BodyState(world WorldID, body BodyID) (BodyState, error)
	SetBodyTransform(world WorldID, body BodyID, t Transform) error
	SetBodyVelocity(world WorldID, body BodyID, linear, angular mgl64.Vec3) error
	SetKinematicTarget(world WorldID, body BodyID, t Transform) error
	ApplyImpulse(world WorldID, body BodyID, impulse, point mgl64.Vec3) error

	// Raycast returns the closest dynamic body hit by the ray.
	Raycast(world WorldID, origin, dir mgl64.Vec3, maxDistance float64) (RaycastHit, bool, error)

	Close() error
}

var (
	ErrClosed        = errors.New("engine: closed")
	ErrUnknownWorld  = errors.New("engine: unknown world")
	ErrUnknownBody   = errors.New("engine: unknown body")
	ErrUnknownShape  = errors.New("engine: unknown shape")
	ErrInvalidShape  = errors.New("engine: invalid shape")
	ErrInvalidMass   = errors.New("engine: invalid mass")
	ErrShapeInUse    = errors.New("engine: shape still attached")
	ErrWrongKind     = errors.New("engine: operation not valid for body kind")
	ErrReentrantCall = errors.New("engine: call during step")
	ErrWorldFault    = errors.New("engine: world fault")
)

// StepError lists bodies whose state diverged during a step. The rest of the
// scene advanced normally.
type StepError struct {
	World    WorldID
	Diverged []BodyID
}

func (e *StepError) Error() string {
	ids := make([]string, 0, len(e.Diverged))
	for _, id := range e.Diverged {
		ids = append(ids, fmt.Sprintf("%d", id))
	}
	return fmt.Sprintf("engine: world %d diverged bodies [%s]", e.World, strings.Join(ids, ","))
}

// InitializationError reports that a backend could not be loaded.
type InitializationError struct {
	Backend string
	Err     error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("physics engine %q failed to initialize: %v", e.Backend, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// Loader opens a backend instance.
type Loader func() (Engine, error)

var (
	loadersMu sync.RWMutex
	loaders   = make(map[string]Loader)
)

// Register installs a named backend. Registering the same name twice panics.
func Register(name string, loader Loader) {
	if loader == nil {
		panic("engine: nil loader")
	}
	loadersMu.Lock()
	defer loadersMu.Unlock()
	if _, exists := loaders[name]; exists {
		panic("engine: duplicate backend " + name)
	}
	loaders[name] = loader
}

// Backends lists the registered backend names.
func Backends() []string {
	loadersMu.RLock()
	defer loadersMu.RUnlock()
	names := make([]string, 0, len(loaders))
	for name := range loaders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open loads a registered backend. Every failure, including a panicking
// loader, is returned as an *InitializationError.
func Open(name string) (eng Engine, err error) {
	loadersMu.RLock()
	loader, ok := loaders[name]
	loadersMu.RUnlock()
	if !ok {
		return nil, &InitializationError{Backend: name, Err: fmt.Errorf("backend not registered (have %v)", Backends())}
	}
	defer func() {
		if r := recover(); r != nil {
			eng = nil
			err = &InitializationError{Backend: name, Err: fmt.Errorf("loader panic: %v", r)}
		}
	}()
	eng, err = loader()
	if err != nil {
		return nil, &InitializationError{Backend: name, Err: err}
	}
	if eng == nil {
		return nil, &InitializationError{Backend: name, Err: errors.New("loader returned nil engine")}
	}
	return eng, nil
}
