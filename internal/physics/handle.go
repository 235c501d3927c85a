package physics

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
)

// Scene is a native simulation world created through a Handle.
type Scene struct {
	id        engine.WorldID
	gravity   mgl64.Vec3
	timestep  time.Duration
	stepping  atomic.Bool
	destroyed atomic.Bool
}

func (s *Scene) ID() engine.WorldID { return s.id }

func (s *Scene) Gravity() mgl64.Vec3 { return s.gravity }

func (s *Scene) Timestep() time.Duration { return s.timestep }

// SolverIterations configures the engine solver of a scene.
type SolverIterations struct {
	Velocity int
	Position int
}

// Handle owns the loaded engine backend. A handle whose backend failed to
// load reports the load error from every CreateWorld.
type Handle struct {
	backend string
	eng     engine.Engine
	initErr error

	closeOnce sync.Once
	closeErr  error
}

// OpenHandle loads a registered backend. On failure the returned handle is
// still usable for teardown and the error is an *engine.InitializationError.
func OpenHandle(backend string) (*Handle, error) {
	eng, err := engine.Open(backend)
	if err != nil {
		return &Handle{backend: backend, initErr: err}, err
	}
	return &Handle{backend: backend, eng: eng}, nil
}

// NewHandle wraps an already opened engine.
func NewHandle(eng engine.Engine) *Handle {
	if eng == nil {
		return &Handle{initErr: &engine.InitializationError{Err: errors.New("nil engine")}}
	}
	return &Handle{backend: eng.Version(), eng: eng}
}

func (h *Handle) Backend() string { return h.backend }

// Engine returns the loaded backend, or nil if loading failed.
func (h *Handle) Engine() engine.Engine { return h.eng }

func (h *Handle) Version() string {
	if h.eng == nil {
		return ""
	}
	return h.eng.Version()
}

// CreateWorld creates a native scene with a fixed timestep.
func (h *Handle) CreateWorld(gravity mgl64.Vec3, timestep time.Duration, iterations SolverIterations) (*Scene, error) {
	if h.eng == nil {
		if h.initErr != nil {
			return nil, h.initErr
		}
		return nil, &engine.InitializationError{Backend: h.backend, Err: errors.New("engine not loaded")}
	}
	if timestep <= 0 {
		return nil, fmt.Errorf("physics: invalid timestep %s", timestep)
	}
	id, err := h.eng.CreateWorld(engine.WorldDesc{
		Gravity:            gravity,
		VelocityIterations: iterations.Velocity,
		PositionIterations: iterations.Position,
	})
	if err != nil {
		return nil, fmt.Errorf("create scene: %w", err)
	}
	return &Scene{id: id, gravity: gravity, timestep: timestep}, nil
}

// DestroyWorld releases the native scene. Repeated calls are no-ops.
func (h *Handle) DestroyWorld(s *Scene) error {
	if s == nil || !s.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	if h.eng == nil {
		return nil
	}
	if err := h.eng.DestroyWorld(s.id); err != nil && !errors.Is(err, engine.ErrUnknownWorld) {
		return fmt.Errorf("destroy scene %d: %w", s.id, err)
	}
	return nil
}

// StepWorld advances the scene by exactly one fixed increment. A concurrent
// call for the same scene fails with ErrConcurrentStep. A panic inside the
// engine is returned as an error wrapping engine.ErrWorldFault.
func (h *Handle) StepWorld(s *Scene) (err error) {
	if s == nil || s.destroyed.Load() {
		return ErrWorldDestroyed
	}
	if h.eng == nil {
		return h.initErr
	}
	if !s.stepping.CompareAndSwap(false, true) {
		return ErrConcurrentStep
	}
	defer s.stepping.Store(false)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic during step: %v", engine.ErrWorldFault, r)
		}
	}()
	return h.eng.StepWorld(s.id, s.timestep.Seconds())
}

// Close shuts the backend down once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if h.eng != nil {
			h.closeErr = h.eng.Close()
		}
	})
	return h.closeErr
}
