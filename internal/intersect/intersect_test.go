package intersect

import (
	"testing"

	"github.com/paulmach/orb"

	"github.com/trailbehind/changegen/internal/osmtypes"
)

func TestDedupKeepsFirstOnCollision(t *testing.T) {
	nodes := []osmtypes.Node{
		{ID: 1, Lat: 1.000000123, Lon: 2.000000456},
		{ID: 2, Lat: 1.0000001, Lon: 2.0000004}, // rounds to the same (lat,lon) as ID 1
		{ID: 3, Lat: 5, Lon: 6},
	}
	out := dedup(nodes)
	if len(out) != 2 {
		t.Fatalf("got %d deduped nodes, want 2: %+v", len(out), out)
	}
	if out[0].ID != 1 {
		t.Fatalf("expected first occurrence (ID 1) kept, got ID %d", out[0].ID)
	}
}

func TestQueryReturnsNodesWithinBBox(t *testing.T) {
	idx := &Index{
		Nodes: []osmtypes.Node{
			{ID: 1, Lat: 1, Lon: 1},
			{ID: 2, Lat: 50, Lon: 50},
		},
	}
	for _, n := range idx.Nodes {
		min := [2]float64{n.Lon - envelopeRadius, n.Lat - envelopeRadius}
		max := [2]float64{n.Lon + envelopeRadius, n.Lat + envelopeRadius}
		idx.Tree.Insert(min, max, n)
	}

	got := idx.Query(0, 0, 2, 2)
	if len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("Query(0,0,2,2) = %+v, want only node 1", got)
	}
}

func TestQueryAroundUsesRadius(t *testing.T) {
	idx := &Index{Nodes: []osmtypes.Node{{ID: 1, Lat: 10, Lon: 10}}}
	idx.Tree.Insert([2]float64{9.999, 9.999}, [2]float64{10.001, 10.001}, idx.Nodes[0])

	if got := idx.QueryAround(10, 10, 0.01); len(got) != 1 {
		t.Fatalf("QueryAround should find the node within radius, got %d results", len(got))
	}
	if got := idx.QueryAround(80, 80, 0.01); len(got) != 0 {
		t.Fatalf("QueryAround far from any node should find nothing, got %d results", len(got))
	}
}

func TestQueryBBoxPadsGeometryBound(t *testing.T) {
	idx := &Index{Nodes: []osmtypes.Node{{ID: 1, Lat: 0, Lon: 10.5}}}
	idx.Tree.Insert([2]float64{10.499, -0.001}, [2]float64{10.501, 0.001}, idx.Nodes[0])

	ls := orb.LineString{{0, 0}, {10, 0}}
	if got := QueryBBox(idx, ls, 1.0); len(got) != 1 {
		t.Fatalf("QueryBBox with pad=1.0 should reach node at lon=10.5, got %d results", len(got))
	}
	if got := QueryBBox(idx, ls, 0.01); len(got) != 0 {
		t.Fatalf("QueryBBox with pad=0.01 should not reach node at lon=10.5, got %d results", len(got))
	}
}
