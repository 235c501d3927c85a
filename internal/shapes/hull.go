package shapes

import (
	"errors"
	"math"
	"sort"

	"github.com/go-gl/mathgl/mgl64"
)

// ErrDegenerateHull is returned when the input points do not span a volume.
var ErrDegenerateHull = errors.New("shapes: degenerate hull")

const hullEpsilon = 1e-9

type hullFace struct {
	a, b, c int
	normal  mgl64.Vec3
	offset  float64
}

func newHullFace(points []mgl64.Vec3, a, b, c int) hullFace {
	n := points[b].Sub(points[a]).Cross(points[c].Sub(points[a]))
	if l := n.Len(); l > 0 {
		n = n.Mul(1 / l)
	}
	return hullFace{a: a, b: b, c: c, normal: n, offset: n.Dot(points[a])}
}

func (f hullFace) distance(p mgl64.Vec3) float64 {
	return f.normal.Dot(p) - f.offset
}

// ConvexHull returns the vertices of the convex hull of points, in input order
// with duplicates removed. It builds the hull incrementally from an initial
// tetrahedron.
func ConvexHull(points []mgl64.Vec3) ([]mgl64.Vec3, error) {
	pts := dedupe(points)
	if len(pts) < 4 {
		return nil, ErrDegenerateHull
	}
	for _, p := range pts {
		for i := 0; i < 3; i++ {
			if math.IsNaN(p[i]) || math.IsInf(p[i], 0) {
				return nil, ErrDegenerateHull
			}
		}
	}

	scale := 0.0
	for _, p := range pts {
		scale = math.Max(scale, p.Sub(pts[0]).Len())
	}
	eps := hullEpsilon * math.Max(scale, 1)

	i0 := 0
	i1 := farthestFrom(pts, func(p mgl64.Vec3) float64 { return p.Sub(pts[i0]).Len() })
	dir := pts[i1].Sub(pts[i0])
	if dir.Len() <= eps {
		return nil, ErrDegenerateHull
	}
	i2 := farthestFrom(pts, func(p mgl64.Vec3) float64 { return p.Sub(pts[i0]).Cross(dir).Len() / dir.Len() })
	planeN := dir.Cross(pts[i2].Sub(pts[i0]))
	if planeN.Len() <= eps*dir.Len() {
		return nil, ErrDegenerateHull
	}
	planeN = planeN.Normalize()
	i3 := farthestFrom(pts, func(p mgl64.Vec3) float64 { return math.Abs(p.Sub(pts[i0]).Dot(planeN)) })
	if math.Abs(pts[i3].Sub(pts[i0]).Dot(planeN)) <= eps {
		return nil, ErrDegenerateHull
	}

	centroid := pts[i0].Add(pts[i1]).Add(pts[i2]).Add(pts[i3]).Mul(0.25)
	faces := make([]hullFace, 0, 16)
	for _, tri := range [][3]int{{i0, i1, i2}, {i0, i1, i3}, {i0, i2, i3}, {i1, i2, i3}} {
		f := newHullFace(pts, tri[0], tri[1], tri[2])
		if f.distance(centroid) > 0 {
			f = newHullFace(pts, tri[0], tri[2], tri[1])
		}
		faces = append(faces, f)
	}

	type edge struct{ from, to int }
	for idx, p := range pts {
		if idx == i0 || idx == i1 || idx == i2 || idx == i3 {
			continue
		}
		visible := make(map[edge]bool)
		kept := faces[:0:0]
		var lit []hullFace
		for _, f := range faces {
			if f.distance(p) > eps {
				lit = append(lit, f)
				visible[edge{f.a, f.b}] = true
				visible[edge{f.b, f.c}] = true
				visible[edge{f.c, f.a}] = true
				continue
			}
			kept = append(kept, f)
		}
		if len(lit) == 0 {
			continue
		}
		for _, f := range lit {
			for _, e := range []edge{{f.a, f.b}, {f.b, f.c}, {f.c, f.a}} {
				if visible[edge{e.to, e.from}] {
					continue
				}
				kept = append(kept, newHullFace(pts, e.from, e.to, idx))
			}
		}
		faces = kept
	}

	used := make(map[int]struct{})
	for _, f := range faces {
		used[f.a] = struct{}{}
		used[f.b] = struct{}{}
		used[f.c] = struct{}{}
	}
	indices := make([]int, 0, len(used))
	for idx := range used {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	out := make([]mgl64.Vec3, len(indices))
	for i, idx := range indices {
		out[i] = pts[idx]
	}
	return out, nil
}

func dedupe(points []mgl64.Vec3) []mgl64.Vec3 {
	seen := make(map[mgl64.Vec3]struct{}, len(points))
	out := make([]mgl64.Vec3, 0, len(points))
	for _, p := range points {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func farthestFrom(points []mgl64.Vec3, metric func(mgl64.Vec3) float64) int {
	best, bestValue := 0, -1.0
	for i, p := range points {
		if v := metric(p); v > bestValue {
			best, bestValue = i, v
		}
	}
	return best
}
