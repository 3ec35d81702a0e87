// Package waymod implements the existing-way modifier (C7): it inserts
// new intersection nodes into the node list of an existing way at the
// geometrically-correct index, reusing an existing node reference when an
// intersection coincides with a vertex.
//
// Grounded on original_source/changegen/generator.py's
// _modify_existing_way; shares internal/geomutil's point-insertion index
// with internal/compiler, since both answer "where in this polyline does
// this point belong".
package waymod

import (
	"log"

	"github.com/paulmach/orb"

	"github.com/trailbehind/changegen/internal/geomutil"
	"github.com/trailbehind/changegen/internal/intersect"
	"github.com/trailbehind/changegen/internal/osmtypes"
)

// bboxPad is the bbox half-width (degrees) searched for candidate
// intersection nodes around an existing way (spec.md §4.7 step 1).
const bboxPad = 0.01

// pointBuffer is the true-intersection distance threshold a candidate
// must fall within to actually be threaded into the way (spec.md §4.7
// step 1).
const pointBuffer = 0.00005

// Modifier runs existing-way modification against a shared intersection
// index.
type Modifier struct {
	Index *intersect.Index
}

// Modify inserts intersection nodes from m.Index into the existing way
// identified by (id, nds, coords, tags), returning the rewritten Way.
// coords must be the WGS84 (lon, lat) coordinate for each entry of nds,
// in the same order, as resolved by internal/existingosm.WayGeometry.
//
// isPolygon distinguishes a Polygon-shaped existing feature from a
// LineString-shaped one; per spec.md §9's preserved Open Question, polygon-
// shaped existing features are never modified here — the original
// declines to thread intersections through polygon boundaries, and this
// implementation preserves that, logging a warning instead.
func (m *Modifier) Modify(id int64, nds []int64, coords [][2]float64, tags osmtypes.Tags, isPolygon bool) osmtypes.Way {
	if isPolygon {
		log.Printf("waymod: skipping intersection modification for way %d: existing feature is a polygon (unsupported, preserved from original behavior)", id)
		return osmtypes.Way{ID: id, Version: osmtypes.ExistingVersion, Nds: nds, Tags: tags}
	}

	L := append([]int64(nil), nds...)
	P := make([]orb.Point, len(coords))
	for i, c := range coords {
		P[i] = orb.Point{c[0], c[1]}
	}

	bound := orb.LineString(P).Bound()
	candidates := m.Index.Query(bound.Min.X()-bboxPad, bound.Min.Y()-bboxPad, bound.Max.X()+bboxPad, bound.Max.Y()+bboxPad)

	for _, n := range candidates {
		q := orb.Point{n.Lon, n.Lat}
		if !withinBuffer(P, q, pointBuffer) {
			continue
		}
		if len(P) < 2 {
			log.Printf("waymod: way %d has fewer than 2 coordinates, skipping candidate node %d", id, n.ID)
			continue
		}

		i := geomutil.PointInsertionIndex(P, q)
		if geomutil.RoundedEqual(P[i], q) {
			L[i] = n.ID
			P[i] = q
		} else {
			L = insertID(L, i, n.ID)
			P = insertPoint(P, i, q)
		}
	}

	return osmtypes.Way{ID: id, Version: osmtypes.ExistingVersion, Nds: L, Tags: tags}
}

func withinBuffer(pts []orb.Point, q orb.Point, buf float64) bool {
	if len(pts) < 2 {
		return false
	}
	ls := orb.LineString(pts)
	best := -1.0
	for i := 0; i < len(ls)-1; i++ {
		d := geomutil.SegmentDistance(ls[i], ls[i+1], q)
		if best < 0 || d < best {
			best = d
		}
	}
	return best <= buf
}

func insertID(ids []int64, i int, v int64) []int64 {
	out := make([]int64, 0, len(ids)+1)
	out = append(out, ids[:i]...)
	out = append(out, v)
	out = append(out, ids[i:]...)
	return out
}

func insertPoint(pts []orb.Point, i int, v orb.Point) []orb.Point {
	out := make([]orb.Point, 0, len(pts)+1)
	out = append(out, pts[:i]...)
	out = append(out, v)
	out = append(out, pts[i:]...)
	return out
}
