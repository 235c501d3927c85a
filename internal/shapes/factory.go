// Package shapes creates and shares collision geometry. Shapes with identical
// structure are created once per factory and reference counted across the
// bodies that use them.
package shapes

import (
	"errors"
	"fmt"
	"sort"

	"github.com/df-mc/dragonfly/server/block/cube"
	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
	"blockphysics/server/internal/host"
	"blockphysics/server/internal/telemetry"
)

const (
	shapeCreatesMetricKey  = "physics_shape_creates_total"
	shapeReleasesMetricKey = "physics_shape_releases_total"
)

var (
	// ErrNoCollision is returned for block types without collision boxes.
	ErrNoCollision = errors.New("shapes: block has no collision")
	// ErrUnknownShape is returned when releasing a shape this factory does
	// not own.
	ErrUnknownShape = errors.New("shapes: unknown shape")
)

// Shape is shared native geometry. It is immutable apart from its reference
// count, which only the owning factory changes.
type Shape struct {
	key  string
	id   engine.ShapeID
	desc engine.ShapeDesc
	refs int
}

func (s *Shape) ID() engine.ShapeID {
	if s == nil {
		return 0
	}
	return s.id
}

func (s *Shape) Key() string {
	if s == nil {
		return ""
	}
	return s.key
}

func (s *Shape) Desc() engine.ShapeDesc {
	if s == nil {
		return engine.ShapeDesc{}
	}
	return s.desc
}

// Refs reports the number of outstanding references.
func (s *Shape) Refs() int {
	if s == nil {
		return 0
	}
	return s.refs
}

// Factory owns the shapes of one physics world. Everything except the hull
// worker runs on the tick goroutine.
type Factory struct {
	eng      engine.Engine
	geometry host.Geometry
	metrics  telemetry.Metrics

	cache map[string]*Shape
	baker *baker
}

// NewFactory constructs a factory and starts its hull worker. bakeQueue bounds
// the number of hulls waiting to be baked.
func NewFactory(eng engine.Engine, geometry host.Geometry, metrics telemetry.Metrics, bakeQueue int) *Factory {
	return &Factory{
		eng:      eng,
		geometry: geometry,
		metrics:  metrics,
		cache:    make(map[string]*Shape),
		baker:    startBaker(bakeQueue),
	}
}

// ForBlock returns the shape for a block type's declared collision boxes,
// relative to the block origin.
func (f *Factory) ForBlock(blockType string) (*Shape, error) {
	if f.geometry == nil {
		return nil, fmt.Errorf("shapes: block %q: no geometry source", blockType)
	}
	boxes := f.geometry.BlockCollisions(blockType)
	if len(boxes) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoCollision, blockType)
	}
	if len(boxes) == 1 {
		return f.acquire(boxDesc(boxes[0]))
	}
	children := make([]engine.ShapeDesc, 0, len(boxes))
	for _, box := range boxes {
		children = append(children, boxDesc(box))
	}
	return f.acquire(engine.ShapeDesc{Kind: engine.ShapeCompound, Children: children})
}

// ForEntityBounds returns a box shape for an entity bounding box expressed
// relative to the entity position.
func (f *Factory) ForEntityBounds(box cube.BBox) (*Shape, error) {
	return f.acquire(boxDesc(box))
}

func (f *Factory) ForSphere(radius float64) (*Shape, error) {
	return f.acquire(engine.ShapeDesc{Kind: engine.ShapeSphere, Radius: radius})
}

func (f *Factory) ForCapsule(radius, halfHeight float64) (*Shape, error) {
	return f.acquire(engine.ShapeDesc{Kind: engine.ShapeCapsule, Radius: radius, HalfHeight: halfHeight})
}

// ForHull computes the hull inline. Use BakeHull for large point clouds.
func (f *Factory) ForHull(points []mgl64.Vec3) (*Shape, error) {
	hull, err := ConvexHull(points)
	if err != nil {
		return nil, err
	}
	return f.acquire(engine.ShapeDesc{Kind: engine.ShapeConvexHull, Points: hull})
}

// Retain adds a reference to a shape already owned by this factory.
func (f *Factory) Retain(s *Shape) {
	if s == nil {
		return
	}
	s.refs++
}

// Release drops one reference. The native geometry is freed when the count
// reaches zero.
func (f *Factory) Release(s *Shape) error {
	if s == nil {
		return nil
	}
	cached, ok := f.cache[s.key]
	if !ok || cached != s {
		return ErrUnknownShape
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(f.cache, s.key)
	if f.metrics != nil {
		f.metrics.Add(shapeReleasesMetricKey, 1)
	}
	if err := f.eng.ReleaseShape(s.id); err != nil {
		return fmt.Errorf("release shape %s: %w", s.key, err)
	}
	return nil
}

// Lookup returns the cached shape for a description without changing its count.
func (f *Factory) Lookup(desc engine.ShapeDesc) (*Shape, bool) {
	s, ok := f.cache[keyOf(desc)]
	return s, ok
}

// Len reports the number of live shapes.
func (f *Factory) Len() int {
	return len(f.cache)
}

// Keys lists the cached shape keys in sorted order.
func (f *Factory) Keys() []string {
	keys := make([]string, 0, len(f.cache))
	for key := range f.cache {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Close stops the hull worker and frees every remaining shape regardless of
// its count. Bodies must be destroyed first.
func (f *Factory) Close() error {
	f.baker.stop()
	var errs []error
	for _, key := range f.Keys() {
		s := f.cache[key]
		delete(f.cache, key)
		if err := f.eng.ReleaseShape(s.id); err != nil {
			errs = append(errs, fmt.Errorf("release shape %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func (f *Factory) acquire(desc engine.ShapeDesc) (*Shape, error) {
	key := keyOf(desc)
	if s, ok := f.cache[key]; ok {
		s.refs++
		return s, nil
	}
	id, err := f.eng.CreateShape(desc)
	if err != nil {
		return nil, fmt.Errorf("create shape %s: %w", key, err)
	}
	s := &Shape{key: key, id: id, desc: desc, refs: 1}
	f.cache[key] = s
	if f.metrics != nil {
		f.metrics.Add(shapeCreatesMetricKey, 1)
	}
	return s, nil
}

func boxDesc(box cube.BBox) engine.ShapeDesc {
	lo, hi := box.Min(), box.Max()
	return engine.ShapeDesc{
		Kind:        engine.ShapeBox,
		Center:      lo.Add(hi).Mul(0.5),
		HalfExtents: hi.Sub(lo).Mul(0.5),
	}
}
