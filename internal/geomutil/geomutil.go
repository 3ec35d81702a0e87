// Package geomutil holds small polyline helpers shared by the geometry
// compiler (C6) and the existing-way modifier (C7): the point-insertion
// index algorithm and the distance/length helpers it relies on.
//
// Grounded on original_source/changegen/generator.py's
// _get_point_insertion_index, and on paulmach/orb/planar for
// Euclidean distance/length in degree-space, the same package
// MeKo-Christian-WaterColorMap imports for its feature geometry math.
package geomutil

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// PointInsertionIndex returns the index in pts (an ordered polyline)
// before which q should be inserted.
//
// Algorithm (spec.md §4.6):
//  1. Project q onto the polyline as a fraction f in [0,1] of total length.
//  2. Compute cumulative fractional distances F_i for each vertex
//     (F_0 = 0, F_{k-1} = 1).
//  3. Return the smallest i such that f < F_i, or k-1 if no such i exists.
//
// When q projects past the last breakpoint, this returns len(pts)-1, not
// len(pts) — preserved exactly from the original; see DESIGN.md's Open
// Question decisions. Changing this changes the topology of inserted
// intersections.
func PointInsertionIndex(pts []orb.Point, q orb.Point) int {
	k := len(pts)
	if k == 0 {
		return 0
	}
	if k == 1 {
		return 0
	}

	ls := orb.LineString(pts)
	total := planar.Length(ls)
	if total == 0 {
		return k - 1
	}

	f := projectFraction(ls, q, total)

	cumulative := 0.0
	fractions := make([]float64, k)
	fractions[0] = 0
	for i := 1; i < k; i++ {
		cumulative += planar.Distance(pts[i-1], pts[i])
		fractions[i] = cumulative / total
	}
	fractions[k-1] = 1

	for i, fi := range fractions {
		if f < fi {
			return i
		}
	}
	return k - 1
}

// projectFraction projects q onto polyline ls and returns the fraction
// of ls's total length at which the projection falls, normalized to
// [0, 1].
func projectFraction(ls orb.LineString, q orb.Point, total float64) float64 {
	if total == 0 {
		return 0
	}

	best := 0.0
	bestDist := -1.0
	traveled := 0.0

	for i := 0; i < len(ls)-1; i++ {
		a, b := ls[i], ls[i+1]
		segLen := planar.Distance(a, b)
		t, d := projectOnSegment(a, b, q)
		if bestDist < 0 || d < bestDist {
			bestDist = d
			best = (traveled + t*segLen) / total
		}
		traveled += segLen
	}
	return best
}

// projectOnSegment projects q onto segment a-b, returning the clamped
// fraction along the segment and the squared Euclidean distance from q to
// the projected point.
func projectOnSegment(a, b, q orb.Point) (float64, float64) {
	ax, ay := a[0], a[1]
	bx, by := b[0], b[1]
	qx, qy := q[0], q[1]

	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return 0, planar.DistanceSquared(a, q)
	}

	t := ((qx-ax)*dx + (qy-ay)*dy) / lenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}

	px, py := ax+t*dx, ay+t*dy
	ddx, ddy := qx-px, qy-py
	dist := ddx*ddx + ddy*ddy
	return t, dist
}

// SegmentDistance returns the true (non-squared) Euclidean distance from
// q to the closest point on segment a-b. paulmach/orb/planar exposes no
// point-to-segment helper (only Distance, DistanceSquared, Length, Area,
// Centroid/CentroidArea), so C6 and C7 route through this instead;
// projectOnSegment's own `d` is squared and must not be compared against
// a linear-unit threshold directly.
func SegmentDistance(a, b, q orb.Point) float64 {
	_, d := projectOnSegment(a, b, q)
	return math.Sqrt(d)
}

// RoundedEqual reports whether points a and b are equal when their
// coordinates are rounded to 6 fractional digits, matching the Node
// dedup/equality rule.
func RoundedEqual(a, b orb.Point) bool {
	const p = 1e6
	ra := [2]float64{round(a[0], p), round(a[1], p)}
	rb := [2]float64{round(b[0], p), round(b[1], p)}
	return ra == rb
}

func round(v, p float64) float64 {
	if v < 0 {
		return -round(-v, p)
	}
	return float64(int64(v*p+0.5)) / p
}
