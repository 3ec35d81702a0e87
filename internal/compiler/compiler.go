// Package compiler implements the geometry→primitives compiler (C6), the
// heart of changegen: for each new feature it emits the Node/Way/Relation
// graph representing its geometry, consulting the intersection index to
// share nodes, subdividing over-long ways with joiner nodes, and
// representing polygons with holes as multipolygon relations.
//
// Grounded on original_source/changegen/generator.py's
// _generate_ways_and_nodes, _make_ways and _get_point_insertion_index
// (via internal/geomutil), reimplemented with paulmach/orb geometry
// types and a tidwall/rtree-backed intersection index.
package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/trailbehind/changegen/internal/geomutil"
	"github.com/trailbehind/changegen/internal/idalloc"
	"github.com/trailbehind/changegen/internal/intersect"
	"github.com/trailbehind/changegen/internal/osmchange"
	"github.com/trailbehind/changegen/internal/osmtypes"
)

// subdivisionChunk is the derived constant from spec.md §3 invariant 5:
// the subdivision boundary is 500 vertices per sub-way.
const subdivisionChunk = 500

// vertexReuseRadius is the bbox half-width (degrees) searched for a
// reusable existing node at each new vertex, and the distance threshold
// within which a candidate is actually reused (spec.md §4.6 step 1).
const vertexReuseRadius = 0.001
const vertexReuseDistance = 0.0001

// addNodeRadius is the bbox half-width (degrees) searched for
// intersection nodes to thread into an in-progress way (spec.md §4.6
// step 2); the true-intersection filter reuses vertexReuseDistance.
const addNodeRadius = 0.001

// ErrUnsupportedGeometry is returned for MultiLineString/MultiPolygon
// inputs, which the orchestrator must log and skip (spec.md §4.6).
var ErrUnsupportedGeometry = fmt.Errorf("compiler: multi-geometry features are not supported")

// Compiler holds the shared, read-only state needed to compile features
// from one input table: the id allocator, the intersection index, and
// the existing way→node map used for modify-only LineString emission.
type Compiler struct {
	Alloc          *idalloc.Allocator
	Index          *intersect.Index
	ExistingWays   map[int64][]int64 // C4 output, keyed by osm_id
	MaxNodesPerWay int               // compiler.MaxNodesUnlimited for "none"
	ModifyMeta     bool
}

// MaxNodesUnlimited mirrors config.MaxNodesUnlimited without importing
// the config package (which would create a cycle); the orchestrator
// translates config.MaxNodesUnlimited into this value when constructing
// a Compiler.
const MaxNodesUnlimited = -1

// Result is what compiling one feature produces: primitives destined for
// the create batch and primitives destined for the modify batch.
type Result struct {
	Create []osmchange.Primitive
	Modify []osmchange.Primitive
}

// Primary returns the primitive representing the feature itself — the
// one a relation member referencing this feature should point at — and
// its member type. A Point compiles to a single Node; a LineString (or
// a no-hole, unsplit Polygon) to its Way; a Polygon needing a
// multipolygon relation to that Relation. Ways produced by subdivision
// or ring compilation are appended before the feature's own top-level
// primitive in both Create and Modify, so the last entry is always the
// right one.
func (r Result) Primary() (id int64, kind osmtypes.MemberType, ok bool) {
	batch := r.Create
	if len(batch) == 0 {
		batch = r.Modify
	}
	if len(batch) == 0 {
		return 0, 0, false
	}
	p := batch[len(batch)-1]
	switch {
	case p.Relation != nil:
		return p.Relation.ID, osmtypes.MemberRelation, true
	case p.Way != nil:
		return p.Way.ID, osmtypes.MemberWay, true
	case p.Node != nil:
		return p.Node.ID, osmtypes.MemberNode, true
	default:
		return 0, 0, false
	}
}

// Compile dispatches on the geometry kind of g and emits its primitive
// graph, per spec.md §4.6.
func (c *Compiler) Compile(g orb.Geometry, tags osmtypes.Tags, osmID int64) (Result, error) {
	switch geom := g.(type) {
	case orb.Point:
		return c.compilePoint(geom, tags, osmID)
	case orb.LineString:
		return c.compileLineString(geom, tags, osmID)
	case orb.Polygon:
		return c.compilePolygon(geom, tags)
	case orb.MultiLineString, orb.MultiPolygon:
		return Result{}, ErrUnsupportedGeometry
	default:
		return Result{}, fmt.Errorf("compiler: unrecognized geometry type %T", g)
	}
}

func (c *Compiler) compilePoint(p orb.Point, tags osmtypes.Tags, osmID int64) (Result, error) {
	if c.ModifyMeta {
		n := osmtypes.Node{
			ID:      osmID,
			Version: osmtypes.ExistingVersion,
			Lat:     p.Y(),
			Lon:     p.X(),
			Tags:    tags.Without("osm_id"),
		}
		return Result{Modify: []osmchange.Primitive{osmchange.NodeP(n)}}, nil
	}
	n := osmtypes.Node{
		ID:      c.Alloc.Next(),
		Version: osmtypes.NewVersion,
		Lat:     p.Y(),
		Lon:     p.X(),
		Tags:    tags,
	}
	return Result{Create: []osmchange.Primitive{osmchange.NodeP(n)}}, nil
}

func (c *Compiler) compileLineString(ls orb.LineString, tags osmtypes.Tags, osmID int64) (Result, error) {
	if c.ModifyMeta {
		nds, ok := c.ExistingWays[osmID]
		if !ok {
			return Result{}, fmt.Errorf("compiler: modify-only way osm_id=%d not found in existing data", osmID)
		}
		w := osmtypes.Way{ID: osmID, Version: osmtypes.ExistingVersion, Nds: nds, Tags: tags.Without("osm_id")}
		return Result{Modify: []osmchange.Primitive{osmchange.WayP(w)}}, nil
	}

	closed := len(ls) > 1 && ls[0] == ls[len(ls)-1]
	ids, pts, newNodes, err := c.assembleSharedNodes(ls)
	if err != nil {
		return Result{}, err
	}

	ways := c.subdivide(ids, pts, tags, closed)

	var created []osmchange.Primitive
	for _, n := range newNodes {
		created = append(created, osmchange.NodeP(n))
	}
	for _, w := range ways {
		created = append(created, osmchange.WayP(w))
	}
	return Result{Create: created}, nil
}

// assembleSharedNodes implements spec.md §4.6's shared-node assembly: for
// each vertex it reuses a nearby existing node or allocates a fresh one,
// then threads in any intersection nodes that fall along the resulting
// polyline. It returns the finalised node id list, the parallel point
// list (kept in sync for the point-insertion index), and the freshly
// allocated Nodes that must be written to the output.
func (c *Compiler) assembleSharedNodes(ls orb.LineString) ([]int64, []orb.Point, []osmtypes.Node, error) {
	ids := make([]int64, 0, len(ls))
	pts := make([]orb.Point, 0, len(ls))
	var created []osmtypes.Node

	for _, v := range ls {
		candidates := c.Index.QueryAround(v.X(), v.Y(), vertexReuseRadius)
		id, reused := closestWithin(candidates, v, vertexReuseDistance)
		if !reused {
			n := osmtypes.Node{ID: c.Alloc.Next(), Version: osmtypes.NewVersion, Lat: v.Y(), Lon: v.X()}
			created = append(created, n)
			id = n.ID
		}
		ids = append(ids, id)
		pts = append(pts, v)
	}

	add := intersect.QueryBBox(c.Index, orb.LineString(pts), addNodeRadius)
	present := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		present[id] = struct{}{}
	}

	for _, n := range add {
		if _, already := present[n.ID]; already {
			continue
		}
		q := orb.Point{n.Lon, n.Lat}
		if !trueIntersects(pts, q, vertexReuseDistance) {
			continue
		}
		i := geomutil.PointInsertionIndex(pts, q)
		if geomutil.RoundedEqual(pts[i], q) {
			ids[i] = n.ID
		} else {
			ids = insertAt(ids, i, n.ID)
			pts = insertPointAt(pts, i, q)
		}
		present[n.ID] = struct{}{}
	}

	return ids, pts, created, nil
}

// trueIntersects reports whether q lies within dist of the polyline pts,
// the "actually intersects" filter of spec.md §4.6 step 2.
func trueIntersects(pts []orb.Point, q orb.Point, dist float64) bool {
	if len(pts) < 2 {
		return false
	}
	return nearestSegmentDistance(orb.LineString(pts), q) <= dist
}

func nearestSegmentDistance(ls orb.LineString, q orb.Point) float64 {
	best := -1.0
	for i := 0; i < len(ls)-1; i++ {
		d := geomutil.SegmentDistance(ls[i], ls[i+1], q)
		if best < 0 || d < best {
			best = d
		}
	}
	return best
}

// closestWithin returns the id of the closest candidate to q within
// dist, and whether any candidate qualified.
func closestWithin(candidates []osmtypes.Node, q orb.Point, dist float64) (int64, bool) {
	type scored struct {
		id   int64
		dist float64
	}
	var within []scored
	for _, n := range candidates {
		d := planar.Distance(orb.Point{n.Lon, n.Lat}, q)
		if d < dist {
			within = append(within, scored{n.ID, d})
		}
	}
	if len(within) == 0 {
		return 0, false
	}
	sort.Slice(within, func(i, j int) bool { return within[i].dist < within[j].dist })
	return within[0].id, true
}

func insertAt(ids []int64, i int, v int64) []int64 {
	out := make([]int64, 0, len(ids)+1)
	out = append(out, ids[:i]...)
	out = append(out, v)
	out = append(out, ids[i:]...)
	return out
}

func insertPointAt(pts []orb.Point, i int, v orb.Point) []orb.Point {
	out := make([]orb.Point, 0, len(pts)+1)
	out = append(out, pts[:i]...)
	out = append(out, v)
	out = append(out, pts[i:]...)
	return out
}

// subdivide implements spec.md §4.6's way-subdivision rule: chunks of
// subdivisionChunk (500) vertices, each sub-way sharing a joiner node
// with its predecessor, every sub-way receiving a fresh allocator id.
func (c *Compiler) subdivide(ids []int64, pts []orb.Point, tags osmtypes.Tags, closed bool) []osmtypes.Way {
	m := len(ids)
	limit := c.MaxNodesPerWay
	if limit == MaxNodesUnlimited {
		limit = m + 1
	}

	if m <= limit {
		final := append([]int64(nil), ids...)
		if closed && len(final) > 0 {
			final = append(final, final[0])
		}
		return []osmtypes.Way{{ID: c.Alloc.Next(), Version: osmtypes.NewVersion, Nds: final, Tags: tags}}
	}

	var ways []osmtypes.Way
	for start := 0; start < m; start += subdivisionChunk {
		end := start + subdivisionChunk
		if end > m {
			end = m
		}
		chunk := ids[start:end]
		if start > 0 {
			joiner := ids[start-1]
			chunk = append([]int64{joiner}, chunk...)
		}
		ways = append(ways, osmtypes.Way{
			ID:      c.Alloc.Next(),
			Version: osmtypes.NewVersion,
			Nds:     append([]int64(nil), chunk...),
			Tags:    tags,
		})
	}
	return ways
}

func (c *Compiler) compilePolygon(poly orb.Polygon, tags osmtypes.Tags) (Result, error) {
	if len(poly) == 0 {
		return Result{}, fmt.Errorf("compiler: empty polygon")
	}

	exteriorWays, exteriorNodes, err := c.compileRing(orb.LineString(poly[0]))
	if err != nil {
		return Result{}, err
	}

	holes := poly[1:]
	if len(holes) == 0 {
		var created []osmchange.Primitive
		for _, n := range exteriorNodes {
			created = append(created, osmchange.NodeP(n))
		}
		if len(exteriorWays) == 1 {
			w := exteriorWays[0]
			w.Tags = tags
			created = append(created, osmchange.WayP(w))
			return Result{Create: created}, nil
		}

		members := make([]osmtypes.RelationMember, 0, len(exteriorWays))
		for _, w := range exteriorWays {
			created = append(created, osmchange.WayP(w))
			members = append(members, osmtypes.RelationMember{Ref: w.ID, Type: osmtypes.MemberWay, Role: "outer"})
		}
		relTags := append(osmtypes.Tags{{Key: "type", Value: "multipolygon"}}, tags...)
		rel := osmtypes.Relation{ID: c.Alloc.Next(), Version: osmtypes.NewVersion, Members: members, Tags: relTags}
		created = append(created, osmchange.RelationP(rel))
		return Result{Create: created}, nil
	}

	var created []osmchange.Primitive
	for _, n := range exteriorNodes {
		created = append(created, osmchange.NodeP(n))
	}
	members := make([]osmtypes.RelationMember, 0, len(exteriorWays)+len(holes))
	for _, w := range exteriorWays {
		created = append(created, osmchange.WayP(w))
		members = append(members, osmtypes.RelationMember{Ref: w.ID, Type: osmtypes.MemberWay, Role: "outer"})
	}
	for _, hole := range holes {
		holeWays, holeNodes, err := c.compileRing(orb.LineString(hole))
		if err != nil {
			return Result{}, err
		}
		for _, n := range holeNodes {
			created = append(created, osmchange.NodeP(n))
		}
		for _, w := range holeWays {
			created = append(created, osmchange.WayP(w))
			members = append(members, osmtypes.RelationMember{Ref: w.ID, Type: osmtypes.MemberWay, Role: "inner"})
		}
	}

	relTags := append(osmtypes.Tags{{Key: "type", Value: "multipolygon"}}, tags...)
	rel := osmtypes.Relation{ID: c.Alloc.Next(), Version: osmtypes.NewVersion, Members: members, Tags: relTags}
	created = append(created, osmchange.RelationP(rel))
	return Result{Create: created}, nil
}

// compileRing runs shared-node assembly and subdivision over a closed
// ring, returning tagless ways (the caller assigns tags, or none, per
// spec.md §4.6's polygon rules).
func (c *Compiler) compileRing(ring orb.LineString) ([]osmtypes.Way, []osmtypes.Node, error) {
	ids, pts, newNodes, err := c.assembleSharedNodes(ring)
	if err != nil {
		return nil, nil, err
	}
	closed := len(ring) > 1 && ring[0] == ring[len(ring)-1]
	ways := c.subdivide(ids, pts, nil, closed)
	return ways, newNodes, nil
}

// GenerateTags builds a feature's tag set from its attribute values,
// field list, and an optional hstore column, per spec.md §4.6's tag
// generation rule: columns win over hstore keys on collision.
func GenerateTags(attrs map[string]string, fields []string, hstore map[string]string, exclude map[string]struct{}) osmtypes.Tags {
	var tags osmtypes.Tags
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, skip := exclude[f]; skip {
			continue
		}
		v, ok := attrs[f]
		if !ok {
			continue
		}
		tags = append(tags, osmtypes.Tag{Key: f, Value: v})
		seen[f] = struct{}{}
	}
	for k, v := range hstore {
		if _, dup := seen[k]; dup {
			continue
		}
		tags = append(tags, osmtypes.Tag{Key: k, Value: v})
	}
	return tags
}

// HstoreAttrs extracts hstore-derived attributes from a Feature's Attrs
// map (keys prefixed "_hstore_" by spatialdb.rowToFeature) into a plain
// key->value map.
func HstoreAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range attrs {
		if strings.HasPrefix(k, "_hstore_") {
			out[strings.TrimPrefix(k, "_hstore_")] = v
		}
	}
	return out
}
