package geomutil

import (
	"testing"

	"github.com/paulmach/orb"
)

// TestPointInsertionIndexScenarioD mirrors spec.md's concrete Scenario D:
// for the polyline [(0,0),(10,0),...,(70,0)] and query point (45,0), the
// insertion index is 5.
func TestPointInsertionIndexScenarioD(t *testing.T) {
	pts := []orb.Point{
		{0, 0}, {10, 0}, {20, 0}, {30, 0}, {40, 0}, {50, 0}, {60, 0}, {70, 0},
	}
	q := orb.Point{45, 0}

	got := PointInsertionIndex(pts, q)
	if got != 5 {
		t.Fatalf("PointInsertionIndex = %d, want 5", got)
	}
}

// TestPointInsertionIndexPastEnd preserves the Open Question decision in
// DESIGN.md: a point projecting past the last breakpoint returns
// len(pts)-1, not len(pts).
func TestPointInsertionIndexPastEnd(t *testing.T) {
	pts := []orb.Point{{0, 0}, {10, 0}, {20, 0}}
	q := orb.Point{20, 0} // exactly on the last vertex

	got := PointInsertionIndex(pts, q)
	if got != len(pts)-1 {
		t.Fatalf("PointInsertionIndex = %d, want %d", got, len(pts)-1)
	}
}

// TestPointInsertionIndexAtStart: q on the first vertex projects to f=0,
// which is not < F_0 = 0, so the first breakpoint it falls below is F_1.
func TestPointInsertionIndexAtStart(t *testing.T) {
	pts := []orb.Point{{0, 0}, {10, 0}, {20, 0}}
	q := orb.Point{0, 0}

	got := PointInsertionIndex(pts, q)
	if got != 1 {
		t.Fatalf("PointInsertionIndex = %d, want 1", got)
	}
}

func TestRoundedEqual(t *testing.T) {
	// Both round half-up to the same 6-digit key (45.123456, -122.123456):
	// 45.1234558*1e6+0.5 truncates to 45123456, as does 45.1234562's.
	a := orb.Point{45.1234558, -122.1234558}
	b := orb.Point{45.1234562, -122.1234562}
	if !RoundedEqual(a, b) {
		t.Fatalf("expected %v and %v to be rounded-equal", a, b)
	}

	c := orb.Point{45.123999, -122.123456}
	if RoundedEqual(a, c) {
		t.Fatalf("expected %v and %v to differ after rounding", a, c)
	}
}

func TestSegmentDistanceReturnsLinearNotSquared(t *testing.T) {
	a := orb.Point{0, 0}
	b := orb.Point{10, 0}
	q := orb.Point{5, 3} // 3 units off the midpoint of a 10-unit segment

	got := SegmentDistance(a, b, q)
	if got < 2.999 || got > 3.001 {
		t.Fatalf("SegmentDistance = %v, want ~3 (linear units, not 9 squared)", got)
	}
}

func TestSegmentDistanceClampsToEndpoint(t *testing.T) {
	a := orb.Point{0, 0}
	b := orb.Point{10, 0}
	q := orb.Point{15, 0} // past b; distance should be to b, not the infinite line

	got := SegmentDistance(a, b, q)
	if got < 4.999 || got > 5.001 {
		t.Fatalf("SegmentDistance = %v, want 5 (clamped to endpoint b)", got)
	}
}
