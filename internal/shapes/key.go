package shapes

import (
	"fmt"
	"strings"

	"github.com/go-gl/mathgl/mgl64"

	"blockphysics/server/internal/engine"
)

// keyOf returns the structural cache key of a shape description. Two
// descriptions with the same key produce identical native geometry.
func keyOf(desc engine.ShapeDesc) string {
	switch desc.Kind {
	case engine.ShapeBox:
		return fmt.Sprintf("box(%s|%s)", vecKey(desc.HalfExtents), vecKey(desc.Center))
	case engine.ShapeSphere:
		return fmt.Sprintf("sphere(%g|%s)", desc.Radius, vecKey(desc.Center))
	case engine.ShapeCapsule:
		return fmt.Sprintf("capsule(%g,%g|%s)", desc.Radius, desc.HalfHeight, vecKey(desc.Center))
	case engine.ShapeConvexHull:
		points := make([]string, 0, len(desc.Points))
		for _, p := range desc.Points {
			points = append(points, vecKey(p))
		}
		return fmt.Sprintf("hull(%s|%s)", strings.Join(points, ";"), vecKey(desc.Center))
	case engine.ShapeCompound:
		parts := make([]string, 0, len(desc.Children))
		for _, child := range desc.Children {
			parts = append(parts, keyOf(child))
		}
		return fmt.Sprintf("compound(%s|%s)", strings.Join(parts, ";"), vecKey(desc.Center))
	default:
		return fmt.Sprintf("unknown(%d)", desc.Kind)
	}
}

// vecKey prints the shortest representation that parses back to the same
// float64, so equal keys mean bit-identical coordinates.
func vecKey(v mgl64.Vec3) string {
	return fmt.Sprintf("%g,%g,%g", v[0], v[1], v[2])
}
