package physics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
	"blockphysics/server/internal/telemetry"
	"blockphysics/server/logging"
	"blockphysics/server/logging/lifecycle"
)

// Options configures a Manager.
type Options struct {
	Backend    string
	Config     Config
	Server     host.Server
	Geometry   host.Geometry
	Effects    host.Effects
	Thresholds EffectThresholds

	// Breakable selects the block types contacts may break.
	Breakable func(blockType string) bool

	Publisher logging.Publisher
	Logger    telemetry.Logger
	Metrics   telemetry.Metrics
	Hooks     Hooks
}

// Manager owns the engine handle and one World per loaded host world. Host
// callbacks and Tick run on the tick goroutine; RequestImpulse,
// RequestExplosion, Throw and Snapshot may be called from any goroutine.
type Manager struct {
	opts    Options
	effects *ContactEffects

	mu       sync.RWMutex
	handle   *Handle
	enabled  bool
	disabled bool
	worlds   map[string]*World
	hosts    map[string]host.World
	spawned  map[string]map[host.EntityID]BodySpec

	tick        atomic.Uint64
	disableOnce sync.Once
	disableErr  error
	snapshot    atomic.Pointer[Snapshot]
}

// NewManager constructs a disabled manager. Call OnEnable to load the engine.
func NewManager(opts Options) *Manager {
	if opts.Backend == "" {
		opts.Backend = "reference"
	}
	m := &Manager{
		opts:    opts,
		worlds:  make(map[string]*World),
		hosts:   make(map[string]host.World),
		spawned: make(map[string]map[host.EntityID]BodySpec),
	}
	if opts.Effects != nil {
		m.effects = NewContactEffects(opts.Effects, opts.Thresholds, m.hostWorld)
		m.effects.Breakable = opts.Breakable
	}
	m.snapshot.Store(&Snapshot{})
	return m
}

func (m *Manager) deps() Deps {
	return Deps{
		Geometry:  m.opts.Geometry,
		Publisher: m.opts.Publisher,
		Logger:    m.opts.Logger,
		Metrics:   m.opts.Metrics,
		Hooks:     m.opts.Hooks,
	}
}

func (m *Manager) logf(format string, args ...any) {
	if m.opts.Logger != nil {
		m.opts.Logger.Printf(format, args...)
	}
}

// OnEnable loads the engine and creates a world for every host world. An
// engine load failure leaves the manager disabled and is returned as an
// *engine.InitializationError; OnEnable may be retried until OnDisable runs.
func (m *Manager) OnEnable(ctx context.Context) error {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return errors.New("physics: already enabled")
	}
	if m.disabled {
		m.mu.Unlock()
		return ErrNotEnabled
	}
	handle, err := OpenHandle(m.opts.Backend)
	// A failed handle is kept for diagnostics; a later OnEnable replaces it.
	m.handle = handle
	if err != nil {
		m.mu.Unlock()
		lifecycle.EngineInitFailed(ctx, m.opts.Publisher, lifecycle.EnginePayload{Backend: m.opts.Backend, Reason: err.Error()}, nil)
		m.logf("[physics] engine %q failed to load, physics disabled: %v", m.opts.Backend, err)
		return err
	}
	m.enabled = true
	m.mu.Unlock()
	lifecycle.EngineLoaded(ctx, m.opts.Publisher, lifecycle.EnginePayload{Backend: m.opts.Backend, Version: handle.Version()}, nil)

	if m.opts.Server == nil {
		return nil
	}
	hosts := m.opts.Server.Worlds()
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name() < hosts[j].Name() })
	var errs []error
	for _, hw := range hosts {
		if err := m.OnWorldLoad(ctx, hw); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnDisable destroys every world and then the engine. Only the first call
// does anything; later calls return the first result.
func (m *Manager) OnDisable(ctx context.Context) error {
	m.disableOnce.Do(func() {
		m.mu.Lock()
		names := m.namesLocked()
		worlds := make([]*World, 0, len(names))
		for _, name := range names {
			worlds = append(worlds, m.worlds[name])
		}
		clear(m.worlds)
		clear(m.hosts)
		clear(m.spawned)
		m.enabled = false
		m.disabled = true
		handle := m.handle
		m.mu.Unlock()

		var errs []error
		for _, w := range worlds {
			bodies := w.registry.Len()
			if err := w.Destroy(); err != nil {
				errs = append(errs, fmt.Errorf("destroy world %s: %w", w.name, err))
			}
			lifecycle.WorldUnloaded(ctx, m.opts.Publisher, m.tick.Load(), w.name, lifecycle.WorldPayload{Bodies: bodies, Reason: "disable"}, nil)
		}
		if handle != nil {
			if err := handle.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close engine: %w", err))
			}
		}
		m.disableErr = errors.Join(errs...)
		m.snapshot.Store(&Snapshot{Tick: m.tick.Load()})
	})
	return m.disableErr
}

// Enabled reports whether the engine loaded and OnDisable has not run.
func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Handle returns the engine handle, or nil before OnEnable.
func (m *Manager) Handle() *Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handle
}

// OnWorldLoad creates the physics world of a host world.
func (m *Manager) OnWorldLoad(ctx context.Context, hw host.World) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled {
		return ErrNotEnabled
	}
	name := hw.Name()
	if _, exists := m.worlds[name]; exists {
		return fmt.Errorf("%w: %s", ErrWorldExists, name)
	}
	w, err := m.newWorldLocked(hw)
	if err != nil {
		return fmt.Errorf("load world %s: %w", name, err)
	}
	m.worlds[name] = w
	m.hosts[name] = hw
	m.spawned[name] = make(map[host.EntityID]BodySpec)
	lifecycle.WorldLoaded(ctx, m.opts.Publisher, m.tick.Load(), name, m.worldPayload(w, ""), nil)
	return nil
}

func (m *Manager) newWorldLocked(hw host.World) (*World, error) {
	w, err := NewWorld(m.handle, hw, m.opts.Config, m.deps())
	if err != nil {
		return nil, err
	}
	if m.effects != nil {
		w.AddListener(m.effects.Handle)
	}
	return w, nil
}

func (m *Manager) worldPayload(w *World, reason string) lifecycle.WorldPayload {
	return lifecycle.WorldPayload{
		Gravity:        vecArray(w.scene.Gravity()),
		TimestepMillis: float64(w.cfg.Timestep.Microseconds()) / 1000,
		Bodies:         w.registry.Len(),
		Reason:         reason,
	}
}

// OnWorldUnload destroys the physics world of a host world.
func (m *Manager) OnWorldUnload(ctx context.Context, name string) error {
	m.mu.Lock()
	w, ok := m.worlds[name]
	if ok {
		delete(m.worlds, name)
		delete(m.hosts, name)
		delete(m.spawned, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorld, name)
	}
	bodies := w.registry.Len()
	err := w.Destroy()
	lifecycle.WorldUnloaded(ctx, m.opts.Publisher, m.tick.Load(), name, lifecycle.WorldPayload{Bodies: bodies, Reason: "unload"}, nil)
	return err
}

// RecreateWorld replaces a world, typically a faulted one, with a fresh scene
// and respawns the bodies of entities the host still knows.
func (m *Manager) RecreateWorld(ctx context.Context, name string) error {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return ErrNotEnabled
	}
	old, ok := m.worlds[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWorld, name)
	}
	reason := "requested"
	if old.Fault() != nil {
		reason = old.Fault().Error()
	}
	var errs []error
	if err := old.Destroy(); err != nil {
		errs = append(errs, err)
	}
	w, err := m.newWorldLocked(m.hosts[name])
	if err != nil {
		delete(m.worlds, name)
		delete(m.hosts, name)
		delete(m.spawned, name)
		m.mu.Unlock()
		return errors.Join(append(errs, fmt.Errorf("recreate world %s: %w", name, err))...)
	}
	m.worlds[name] = w
	specs := m.spawned[name]
	m.mu.Unlock()

	ids := make([]host.EntityID, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		err := w.AddEntity(ctx, id, specs[id])
		if errors.Is(err, ErrUnknownEntity) {
			delete(specs, id)
			continue
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	lifecycle.WorldRecreated(ctx, m.opts.Publisher, m.tick.Load(), name, m.worldPayload(w, reason), nil)
	return errors.Join(errs...)
}

// World returns the physics world for a host world name.
func (m *Manager) World(name string) (*World, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.worlds[name]
	return w, ok
}

func (m *Manager) hostWorld(name string) host.World {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hosts[name]
}

func (m *Manager) world(name string) (*World, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.enabled {
		return nil, ErrNotEnabled
	}
	w, ok := m.worlds[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorld, name)
	}
	return w, nil
}

// Worlds lists the loaded world names in order.
func (m *Manager) Worlds() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.namesLocked()
}

func (m *Manager) namesLocked() []string {
	names := make([]string, 0, len(m.worlds))
	for name := range m.worlds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OnEntitySpawn gives an entity a body. The body spec is remembered so the body is
// rebuilt when the world is recreated.
func (m *Manager) OnEntitySpawn(ctx context.Context, world string, id host.EntityID, spec BodySpec) error {
	w, err := m.world(world)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if specs := m.spawned[world]; specs != nil {
		specs[id] = spec
	}
	m.mu.Unlock()
	return w.AddEntity(ctx, id, spec)
}

// OnEntityRemove destroys the body of an entity that left the world.
func (m *Manager) OnEntityRemove(world string, id host.EntityID) error {
	w, err := m.world(world)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.spawned[world], id)
	m.mu.Unlock()
	return w.RemoveEntity(id)
}

// OnEntityTeleport reports a move made by game logic.
func (m *Manager) OnEntityTeleport(world string, id host.EntityID) bool {
	w, err := m.world(world)
	if err != nil {
		return false
	}
	return w.TeleportEntity(id)
}

// OnBlockChange reports a placed or broken block.
func (m *Manager) OnBlockChange(world string, pos cube.Pos) {
	if w, err := m.world(world); err == nil {
		w.BlockChanged(pos)
	}
}

// RequestImpulse queues an impulse. Safe from any goroutine.
func (m *Manager) RequestImpulse(world string, id host.EntityID, vector mgl64.Vec3, point *mgl64.Vec3) error {
	w, err := m.world(world)
	if err != nil {
		return err
	}
	return w.RequestImpulse(id, vector, point)
}

// RequestExplosion queues a radial impulse. Safe from any goroutine.
func (m *Manager) RequestExplosion(world string, center mgl64.Vec3, radius, strength float64) error {
	w, err := m.world(world)
	if err != nil {
		return err
	}
	return w.RequestExplosion(center, radius, strength)
}

// Throw queues a velocity change. Safe from any goroutine.
func (m *Manager) Throw(world string, id host.EntityID, direction mgl64.Vec3, power float64) error {
	w, err := m.world(world)
	if err != nil {
		return err
	}
	return w.Throw(id, direction, power)
}

// Raycast finds the first dynamic body along a ray. Tick goroutine only.
func (m *Manager) Raycast(world string, origin, dir mgl64.Vec3, maxDistance float64) (host.EntityID, engine.RaycastHit, bool, error) {
	w, err := m.world(world)
	if err != nil {
		return "", engine.RaycastHit{}, false, err
	}
	return w.Raycast(origin, dir, maxDistance)
}

// Tick advances every world in name order. A panic in one world faults that
// world only.
func (m *Manager) Tick(ctx context.Context, tc TickContext) []TickResult {
	m.mu.RLock()
	if !m.enabled {
		m.mu.RUnlock()
		return nil
	}
	m.tick.Store(tc.Tick)
	names := m.namesLocked()
	worlds := make([]*World, 0, len(names))
	for _, name := range names {
		worlds = append(worlds, m.worlds[name])
	}
	m.mu.RUnlock()

	results := make([]TickResult, 0, len(worlds))
	for _, w := range worlds {
		results = append(results, m.tickWorld(ctx, w, tc))
	}
	m.publishSnapshot(tc.Tick, worlds)
	return results
}

func (m *Manager) tickWorld(ctx context.Context, w *World, tc TickContext) (result TickResult) {
	defer func() {
		if r := recover(); r != nil {
			w.markFaulted(ctx, fmt.Errorf("%w: panic during tick: %v", engine.ErrWorldFault, r))
			result = TickResult{World: w.name, Tick: tc.Tick, State: StateFaulted, Fault: w.fault, Remainder: w.remainder}
		}
	}()
	return w.Tick(ctx, tc)
}

// Snapshot returns the state published after the last tick.
func (m *Manager) Snapshot() *Snapshot {
	return m.snapshot.Load()
}

func (m *Manager) publishSnapshot(tick uint64, worlds []*World) {
	snap := &Snapshot{Tick: tick}
	if m.handle != nil {
		snap.Backend = m.handle.Backend()
		snap.Version = m.handle.Version()
	}
	snap.Worlds = make([]WorldSnapshot, 0, len(worlds))
	for _, w := range worlds {
		snap.Worlds = append(snap.Worlds, w.Snapshot())
	}
	m.snapshot.Store(snap)
}
