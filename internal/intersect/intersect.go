// Package intersect builds the intersection index (C5): Nodes placed
// where a new-feature layer meets each existing layer (and optionally
// itself), deduplicated by rounded coordinate and inserted into an
// R-tree for fast spatial lookup during compilation (C6) and existing-way
// modification (C7).
//
// Grounded on other_examples' azybler-map_router go.mod, which pairs
// paulmach/osm with tidwall/rtree, and on
// original_source/changegen/generator.py's _generate_intersection_db
// (round-to-6-decimals dedup keying, tiny envelope insert).
package intersect

import (
	"context"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/tidwall/rtree"

	"github.com/trailbehind/changegen/internal/idalloc"
	"github.com/trailbehind/changegen/internal/osmtypes"
	"github.com/trailbehind/changegen/internal/spatialdb"
)

// envelopeRadius is the half-width, in degrees, of the tiny bounding box
// each intersection node is inserted into the R-tree with (spec.md §4.5
// step 4).
const envelopeRadius = 0.001

// Index is the built intersection index: the deduplicated node list, an
// R-tree over them, and the per-existing-layer participating-id lists.
type Index struct {
	Nodes          []osmtypes.Node
	Tree           rtree.RTree
	IntersectedIDs map[string][]string // existing layer name -> ids
}

// Build runs the algorithm in spec.md §4.5 over db, allocating fresh
// node ids from alloc.
func Build(ctx context.Context, db *spatialdb.DataSource, alloc *idalloc.Allocator, newLayer string, existingLayers []string, newGeom, existGeom, existIDField string, buffer float64, self bool) (*Index, error) {
	idx := &Index{IntersectedIDs: make(map[string][]string, len(existingLayers))}
	var all []osmtypes.Node

	for _, e := range existingLayers {
		pts, ids, err := db.Intersections(ctx, newLayer, e, newGeom, existGeom, existIDField, true, buffer)
		if err != nil {
			return nil, fmt.Errorf("intersect: querying %s x %s: %w", newLayer, e, err)
		}
		idx.IntersectedIDs[e] = ids
		for _, pt := range pts {
			all = append(all, osmtypes.Node{
				ID:      alloc.Next(),
				Version: osmtypes.NewVersion,
				Lat:     pt.Y(),
				Lon:     pt.X(),
			})
		}
	}

	if self {
		pts, _, err := db.Intersections(ctx, newLayer, newLayer, newGeom, existGeom, existIDField, false, buffer)
		if err != nil {
			return nil, fmt.Errorf("intersect: querying %s self-intersections: %w", newLayer, err)
		}
		for _, pt := range pts {
			all = append(all, osmtypes.Node{
				ID:      alloc.Next(),
				Version: osmtypes.NewVersion,
				Lat:     pt.Y(),
				Lon:     pt.X(),
			})
		}
	}

	idx.Nodes = dedup(all)

	for _, n := range idx.Nodes {
		min := [2]float64{n.Lon - envelopeRadius, n.Lat - envelopeRadius}
		max := [2]float64{n.Lon + envelopeRadius, n.Lat + envelopeRadius}
		idx.Tree.Insert(min, max, n)
	}

	return idx, nil
}

// dedup reduces nodes to a set keyed by (round(lat,6), round(lon,6)),
// keeping the first occurrence on collision.
func dedup(nodes []osmtypes.Node) []osmtypes.Node {
	seen := make(map[[2]float64]struct{}, len(nodes))
	out := make([]osmtypes.Node, 0, len(nodes))
	for _, n := range nodes {
		key := n.RoundedKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}

// Query returns every indexed node whose envelope intersects the bbox
// (minLon, minLat) - (maxLon, maxLat).
func (idx *Index) Query(minLon, minLat, maxLon, maxLat float64) []osmtypes.Node {
	var out []osmtypes.Node
	idx.Tree.Search([2]float64{minLon, minLat}, [2]float64{maxLon, maxLat},
		func(min, max [2]float64, data interface{}) bool {
			out = append(out, data.(osmtypes.Node))
			return true
		})
	return out
}

// QueryAround returns every indexed node within radius degrees of
// (lon, lat), a convenience wrapper used by C6/C7's per-vertex lookups.
func (idx *Index) QueryAround(lon, lat, radius float64) []osmtypes.Node {
	return idx.Query(lon-radius, lat-radius, lon+radius, lat+radius)
}

// QueryBBox returns every indexed node within a bbox around geometry g,
// expanded by pad degrees on each side.
func QueryBBox(idx *Index, g orb.Geometry, pad float64) []osmtypes.Node {
	b := g.Bound()
	return idx.Query(b.Min.X()-pad, b.Min.Y()-pad, b.Max.X()+pad, b.Max.Y()+pad)
}
